package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

// Observer implements workflow.Observer on a prometheus registry.
type Observer struct {
	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	stepsFinished      *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepRetries        *prometheus.CounterVec
	suppressed         *prometheus.CounterVec
}

func Module() fx.Option {
	return fx.Options(
		fx.Provide(NewObserver),
		fx.Provide(func(o *Observer) workflow.Observer { return o }),
		fx.Provide(func(o *Observer) *prometheus.Registry { return o.registry }),
	)
}

func NewObserver() *Observer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o := &Observer{
		registry: registry,
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Executions the engine has started, by trigger type.",
		}, []string{"trigger_type"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_finished_total",
			Help: "Executions reaching a terminal status.",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_execution_duration_seconds",
			Help:    "Wall time of finished executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"status"}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_finished_total",
			Help: "Step attempts by action type and outcome.",
		}, []string{"action_type", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_step_duration_seconds",
			Help:    "Wall time of step attempts.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"action_type"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_step_retries_total",
			Help: "Retry attempts by action type.",
		}, []string{"action_type"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_triggers_suppressed_total",
			Help: "Triggers matched but not admitted, by gate.",
		}, []string{"reason"}),
	}
	registry.MustRegister(
		o.executionsStarted, o.executionsFinished, o.executionDuration,
		o.stepsFinished, o.stepDuration, o.stepRetries, o.suppressed,
	)
	return o
}

func (o *Observer) ExecutionStarted(t workflow.TriggerType) {
	o.executionsStarted.WithLabelValues(string(t)).Inc()
}

func (o *Observer) ExecutionFinished(status workflow.ExecutionStatus, d time.Duration) {
	o.executionsFinished.WithLabelValues(string(status)).Inc()
	o.executionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (o *Observer) StepFinished(actionType workflow.ActionType, status workflow.StepStatus, d time.Duration) {
	o.stepsFinished.WithLabelValues(string(actionType), string(status)).Inc()
	if status == workflow.StepCompleted || status == workflow.StepFailed {
		o.stepDuration.WithLabelValues(string(actionType)).Observe(d.Seconds())
	}
}

func (o *Observer) StepRetried(actionType workflow.ActionType) {
	o.stepRetries.WithLabelValues(string(actionType)).Inc()
}

func (o *Observer) TriggerSuppressed(reason string) {
	o.suppressed.WithLabelValues(reason).Inc()
}

var _ workflow.Observer = (*Observer)(nil)
