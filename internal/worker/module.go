package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/workflow-engine/internal/config"
	"github.com/ronappleton/workflow-engine/internal/workflow"
)

// Module runs the execution worker pool and the cron scheduler tick.
func Module() fx.Option {
	return fx.Invoke(register)
}

type pool struct {
	queue   workflow.Queue
	engine  *workflow.Engine
	service *workflow.Service
	store   workflow.Store
	logger  *zap.Logger
	count   int
	tick    time.Duration
	wg      sync.WaitGroup
}

func register(lc fx.Lifecycle, cfg config.Config, queue workflow.Queue, engine *workflow.Engine, service *workflow.Service, store workflow.Store, logger *zap.Logger) {
	count := cfg.Worker.Count
	if count <= 0 {
		count = 4
	}
	tick, err := time.ParseDuration(cfg.Worker.SchedulerInterval)
	if err != nil || tick <= 0 {
		tick = time.Minute
	}
	p := &pool{
		queue:   queue,
		engine:  engine,
		service: service,
		store:   store,
		logger:  logger,
		count:   count,
		tick:    tick,
	}

	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, runCancel := context.WithCancel(context.Background())
			cancel = runCancel
			for i := 0; i < p.count; i++ {
				p.wg.Add(1)
				go p.run(runCtx, i)
			}
			p.wg.Add(1)
			go p.schedule(runCtx)
			logger.Info("worker pool started", zap.Int("workers", p.count))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			p.queue.Close()
			done := make(chan struct{})
			go func() {
				p.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func (p *pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		executionID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, workflow.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("dequeue failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		if err := p.engine.Execute(ctx, executionID); err != nil {
			p.logger.Error("execution failed",
				zap.Int("worker", id),
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
	}
}

// schedule periodically re-checks cron-scheduled workflows. Relative
// date triggers need candidate records and are driven through the
// evaluate endpoint instead.
func (p *pool) schedule(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickOnce(ctx)
		}
	}
}

func (p *pool) tickOnce(ctx context.Context) {
	active := true
	workflows, err := p.store.ListWorkflows(ctx, workflow.ListFilter{
		Active:       &active,
		TriggerTypes: []workflow.TriggerType{workflow.TriggerTimeBased},
	})
	if err != nil {
		p.logger.Warn("scheduler list failed", zap.Error(err))
		return
	}
	for _, w := range workflows {
		if w.ScheduleCron == "" {
			continue
		}
		if _, err := p.service.EvaluateScheduled(ctx, w.ID, nil); err != nil {
			p.logger.Warn("scheduled evaluation failed",
				zap.String("workflow_id", w.ID), zap.Error(err))
		}
	}
}
