package workflow

// Template is a canned workflow definition users can instantiate and
// adjust.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Workflow    Workflow `json:"workflow"`
	Steps       []Step   `json:"steps"`
}

var BuiltinTemplates = []Template{
	{
		ID:          "tpl_lead_followup",
		Name:        "lead_followup",
		Description: "Email a new lead and schedule a follow-up task",
		Workflow: Workflow{
			Name:          "New lead follow-up",
			TriggerType:   TriggerRecordCreated,
			TriggerTiming: TimingCreateOnly,
			Priority:      10,
		},
		Steps: []Step{
			{Order: 1, Name: "welcome email", ActionType: ActionSendEmail,
				ActionConfig: map[string]any{"to": "{{record.email}}", "subject": "Thanks for reaching out"}},
			{Order: 2, Name: "follow-up task", ActionType: ActionCreateTask,
				ActionConfig: map[string]any{"title": "Call new lead", "due_in_days": 2}},
		},
	},
	{
		ID:          "tpl_deal_won",
		Name:        "deal_won",
		Description: "Celebrate a won deal and hand off to onboarding",
		Workflow: Workflow{
			Name:          "Deal won handoff",
			TriggerType:   TriggerFieldChanged,
			TriggerTiming: TimingUpdateOnly,
			WatchedFields: []string{"stage"},
			TriggerConfig: TriggerConfig{ChangeType: ChangeToValue, ToValue: "won"},
		},
		Steps: []Step{
			{Order: 1, Name: "notify team", ActionType: ActionSendNotification,
				ActionConfig: map[string]any{"message": "Deal won: {{record.name}}"}},
			{Order: 2, Name: "onboarding task", ActionType: ActionCreateTask,
				ActionConfig: map[string]any{"title": "Start onboarding", "due_in_days": 1}},
			{Order: 3, Name: "move stage", ActionType: ActionMoveStage,
				ActionConfig: map[string]any{"stage": "onboarding"}},
		},
	},
	{
		ID:          "tpl_stale_deal_alert",
		Name:        "stale_deal_alert",
		Description: "Alert owners when a deal sits untouched past its close date",
		Workflow: Workflow{
			Name:             "Stale deal alert",
			TriggerType:      TriggerTimeBased,
			TriggerTiming:    TimingAll,
			TriggerConfig:    TriggerConfig{DateField: "expected_close_date", OffsetSeconds: 3 * 24 * 3600, Direction: "after"},
			RunOncePerRecord: true,
		},
		Steps: []Step{
			{Order: 1, Name: "owner check", ActionType: ActionCondition,
				ActionConfig: map[string]any{
					"conditions": []any{map[string]any{"field": "record.stage", "operator": "not_equals", "value": "won"}},
					"on_true":    "alert",
				}},
			{Order: 2, Name: "alert owner", ActionType: ActionSendNotification, BranchID: "alert",
				ActionConfig: map[string]any{"message": "Deal {{record.name}} is past its close date"}},
			{Order: 3, Name: "tag stale", ActionType: ActionAddTag, BranchID: "alert",
				ActionConfig: map[string]any{"tag": "stale"}},
		},
	},
	{
		ID:          "tpl_webhook_sync",
		Name:        "webhook_sync",
		Description: "Push record changes to an external system",
		Workflow: Workflow{
			Name:          "External sync",
			TriggerType:   TriggerRecordSaved,
			TriggerTiming: TimingAll,
		},
		Steps: []Step{
			{Order: 1, Name: "push to integration", ActionType: ActionWebhook,
				RetryCount: 3, RetryDelaySeconds: 5,
				ActionConfig: map[string]any{"url": "https://example.invalid/sync", "method": "POST"}},
		},
	},
}

// TemplateByID returns the builtin template with the given id.
func TemplateByID(id string) (*Template, bool) {
	for i := range BuiltinTemplates {
		if BuiltinTemplates[i].ID == id {
			return &BuiltinTemplates[i], true
		}
	}
	return nil, false
}
