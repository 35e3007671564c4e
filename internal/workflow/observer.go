package workflow

import "time"

// Observer receives engine measurements. The prometheus implementation
// lives in internal/metrics; the engine itself stays free of metric
// types.
type Observer interface {
	ExecutionStarted(triggerType TriggerType)
	ExecutionFinished(status ExecutionStatus, d time.Duration)
	StepFinished(actionType ActionType, status StepStatus, d time.Duration)
	StepRetried(actionType ActionType)
	TriggerSuppressed(reason string)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) ExecutionStarted(TriggerType)                       {}
func (NopObserver) ExecutionFinished(ExecutionStatus, time.Duration)   {}
func (NopObserver) StepFinished(ActionType, StepStatus, time.Duration) {}
func (NopObserver) StepRetried(ActionType)                             {}
func (NopObserver) TriggerSuppressed(string)                           {}
