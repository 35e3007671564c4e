package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateActionConfig(t *testing.T) {
	cases := []struct {
		name       string
		actionType ActionType
		cfg        map[string]any
		ok         bool
	}{
		{"email valid", ActionSendEmail, map[string]any{"to": "{{record.email}}", "subject": "hi"}, true},
		{"email missing subject", ActionSendEmail, map[string]any{"to": "a@b.c"}, false},
		{"webhook valid", ActionWebhook, map[string]any{"url": "https://hooks.example.com/x", "method": "POST"}, true},
		{"webhook bad url", ActionWebhook, map[string]any{"url": "ftp://hooks.example.com"}, false},
		{"webhook bad method", ActionWebhook, map[string]any{"url": "https://x", "method": "YEET"}, false},
		{"update_field valid", ActionUpdateField, map[string]any{"field": "status", "value": "won"}, true},
		{"update_field empty field", ActionUpdateField, map[string]any{"field": ""}, false},
		{"update_record needs fields", ActionUpdateRecord, map[string]any{"fields": map[string]any{}}, false},
		{"create_record valid", ActionCreateRecord, map[string]any{"module_id": 4, "fields": map[string]any{"name": "x"}}, true},
		{"delay valid", ActionDelay, map[string]any{"seconds": 30}, true},
		{"delay negative", ActionDelay, map[string]any{"seconds": -1}, false},
		{"delay over a day", ActionDelay, map[string]any{"seconds": 90000}, false},
		{"condition accepts anything", ActionCondition, map[string]any{"conditions": []any{}, "on_false": "skip"}, true},
		{"notification valid", ActionSendNotification, map[string]any{"message": "deal won"}, true},
		{"task missing title", ActionCreateTask, map[string]any{"due_in_days": 3}, false},
		{"related record valid", ActionUpdateRelatedRecord, map[string]any{"relation": "account_id", "fields": map[string]any{"tier": "gold"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateActionConfig(tc.actionType, tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateActionConfigUnknownTypePasses(t *testing.T) {
	assert.NoError(t, ValidateActionConfig(ActionType("custom_plugin"), map[string]any{"anything": true}))
}
