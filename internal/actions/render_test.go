package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ronappleton/workflow-engine/internal/workflow"
)

func TestRender(t *testing.T) {
	execCtx := workflow.Context{
		"record": map[string]any{
			"name":   "Acme Corp",
			"amount": 1250.5,
			"owner":  map[string]any{"email": "sam@acme.test"},
		},
		"record_id": "deal_1",
	}

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"single placeholder", "Deal {{record.name}} closed", "Deal Acme Corp closed"},
		{"nested path", "notify {{record.owner.email}}", "notify sam@acme.test"},
		{"number renders bare", "amount: {{record.amount}}", "amount: 1250.5"},
		{"whitespace tolerated", "{{  record.name  }}", "Acme Corp"},
		{"multiple placeholders", "{{record_id}}/{{record.name}}", "deal_1/Acme Corp"},
		{"unresolvable renders empty", "x{{record.missing}}y", "xy"},
		{"no placeholders", "plain text", "plain text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.input, execCtx))
		})
	}
}

func TestRenderValue(t *testing.T) {
	execCtx := workflow.Context{"record": map[string]any{"name": "Acme"}}

	in := map[string]any{
		"note":  "for {{record.name}}",
		"count": 3,
		"tags":  []any{"{{record.name}}", "fixed"},
		"nested": map[string]any{
			"deep": "{{record.name}} again",
		},
	}
	out, ok := RenderValue(in, execCtx).(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "for Acme", out["note"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, []any{"Acme", "fixed"}, out["tags"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "Acme again", nested["deep"])

	// The input map is left untouched.
	assert.Equal(t, "for {{record.name}}", in["note"])
}
