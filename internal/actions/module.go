package actions

import (
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/workflow-engine/internal/config"
	"github.com/ronappleton/workflow-engine/internal/workflow"
)

// Module provides the record service client and the executor registry.
func Module() fx.Option {
	return fx.Options(
		fx.Provide(newRecordAPI),
		fx.Provide(newRegistry),
	)
}

func newRecordAPI(cfg config.Config, logger *zap.Logger) RecordAPI {
	if cfg.Records.BaseURL == "" {
		return nil
	}
	timeout, err := time.ParseDuration(cfg.Records.Timeout)
	if err != nil {
		timeout = 10 * time.Second
	}
	return NewHTTPRecordAPI(cfg.Records.BaseURL, timeout, logger)
}

func newRegistry(api RecordAPI, logger *zap.Logger) *workflow.Registry {
	return NewRegistry(Deps{Records: api, Logger: logger})
}
