package workflow

import "sort"

// Matcher decides whether an event's shape matches a workflow's trigger.
// Activation, the daily cap and the run ledger are checked by the
// service before executions are admitted; the matcher only looks at the
// trigger definition and the event.
type Matcher struct{}

func NewMatcher() *Matcher { return &Matcher{} }

// Matches applies timing first, then an exact trigger-type match, then
// the expansions: record_saved accepts both creates and updates, and
// field_changed accepts updates whose watched fields actually changed
// in the configured way.
func (m *Matcher) Matches(w *Workflow, ev Event) bool {
	if !m.timingAllows(w.TriggerTiming, ev.IsCreate) {
		return false
	}
	if ev.Type == w.TriggerType {
		switch w.TriggerType {
		case TriggerRelatedCreated, TriggerRelatedUpdated:
			return m.relatedModuleMatches(w, ev)
		case TriggerTimeBased, TriggerWebhook, TriggerManual:
			// Never fired from record events.
			return false
		default:
			return true
		}
	}
	switch w.TriggerType {
	case TriggerRecordSaved:
		return ev.Type == TriggerRecordCreated || ev.Type == TriggerRecordUpdated
	case TriggerFieldChanged:
		if ev.Type != TriggerRecordUpdated {
			return false
		}
		return HasMatchingChange(w.WatchedFields, w.TriggerConfig.ChangeType,
			w.TriggerConfig.FromValue, w.TriggerConfig.ToValue, ev.NewData, ev.OldData)
	default:
		return false
	}
}

func (m *Matcher) timingAllows(timing TriggerTiming, isCreate bool) bool {
	switch timing {
	case TimingCreateOnly:
		return isCreate
	case TimingUpdateOnly:
		return !isCreate
	default:
		return true
	}
}

func (m *Matcher) relatedModuleMatches(w *Workflow, ev Event) bool {
	if w.TriggerConfig.RelatedModuleID == 0 {
		return true
	}
	return w.TriggerConfig.RelatedModuleID == ev.ModuleID
}

// BuildContext assembles the immutable snapshot an execution carries:
// the record data, the previous values, a changed-field summary and the
// acting user.
func BuildContext(ev Event, clock Clock) Context {
	if clock == nil {
		clock = SystemClock
	}
	changes := ChangedFields(ev.NewData, ev.OldData)
	changed := make([]string, 0, len(changes))
	changeMap := make(map[string]any, len(changes))
	for field, pair := range changes {
		changed = append(changed, field)
		changeMap[field] = map[string]any{"old": pair[0], "new": pair[1]}
	}
	sort.Strings(changed)
	return Context{
		"record":         ev.NewData,
		"record_id":      ev.RecordID,
		"record_type":    ev.RecordType,
		"module_id":      ev.ModuleID,
		"old_data":       ev.OldData,
		"changes":        changeMap,
		"changed_fields": changed,
		"user_id":        ev.Actor.UserID,
		"timestamp":      clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		"step_outputs":   map[string]any{},
	}
}
