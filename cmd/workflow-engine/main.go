package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/ronappleton/workflow-engine/internal/actions"
	"github.com/ronappleton/workflow-engine/internal/cli"
	"github.com/ronappleton/workflow-engine/internal/config"
	"github.com/ronappleton/workflow-engine/internal/httpserver"
	"github.com/ronappleton/workflow-engine/internal/logging"
	"github.com/ronappleton/workflow-engine/internal/metrics"
	"github.com/ronappleton/workflow-engine/internal/otel"
	"github.com/ronappleton/workflow-engine/internal/worker"
	"github.com/ronappleton/workflow-engine/internal/workflow"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module("workflow-engine"),
		otel.Module("workflow-engine"),
		metrics.Module(),
		actions.Module(),
		workflow.Module(),
		worker.Module(),
		httpserver.Module(),
	)

	app.Run()
}
