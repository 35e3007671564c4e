package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasMatchingChange(t *testing.T) {
	oldData := map[string]any{"status": "open", "amount": 100, "owner": "u1"}
	newData := map[string]any{"status": "won", "amount": 100, "owner": "u2"}

	t.Run("any change on watched field", func(t *testing.T) {
		assert.True(t, HasMatchingChange([]string{"status"}, ChangeAny, nil, nil, newData, oldData))
	})

	t.Run("unchanged field does not match", func(t *testing.T) {
		assert.False(t, HasMatchingChange([]string{"amount"}, ChangeAny, nil, nil, newData, oldData))
	})

	t.Run("to_value", func(t *testing.T) {
		assert.True(t, HasMatchingChange([]string{"status"}, ChangeToValue, nil, "won", newData, oldData))
		assert.False(t, HasMatchingChange([]string{"status"}, ChangeToValue, nil, "lost", newData, oldData))
	})

	t.Run("from_value", func(t *testing.T) {
		assert.True(t, HasMatchingChange([]string{"status"}, ChangeFromValue, "open", nil, newData, oldData))
		assert.False(t, HasMatchingChange([]string{"status"}, ChangeFromValue, "closed", nil, newData, oldData))
	})

	t.Run("from_to", func(t *testing.T) {
		assert.True(t, HasMatchingChange([]string{"status"}, ChangeFromTo, "open", "won", newData, oldData))
		assert.False(t, HasMatchingChange([]string{"status"}, ChangeFromTo, "open", "lost", newData, oldData))
	})

	t.Run("first matching watched field wins", func(t *testing.T) {
		assert.True(t, HasMatchingChange([]string{"amount", "owner"}, ChangeAny, nil, nil, newData, oldData))
	})

	t.Run("missing data never matches", func(t *testing.T) {
		assert.False(t, HasMatchingChange([]string{"status"}, ChangeAny, nil, nil, newData, nil))
		assert.False(t, HasMatchingChange(nil, ChangeAny, nil, nil, newData, oldData))
	})
}

func TestResolvePath(t *testing.T) {
	data := map[string]any{
		"record": map[string]any{
			"owner": map[string]any{"id": "u1"},
			"name":  "Acme",
		},
	}
	assert.Equal(t, "u1", ResolvePath(data, "record.owner.id"))
	assert.Equal(t, "Acme", ResolvePath(data, "record.name"))
	assert.Nil(t, ResolvePath(data, "record.missing"))
	assert.Nil(t, ResolvePath(data, "record.name.deeper"))
}

func TestLooseEqual(t *testing.T) {
	assert.True(t, LooseEqual(nil, nil))
	assert.False(t, LooseEqual("x", nil))
	assert.True(t, LooseEqual("Won", "won"))
	assert.True(t, LooseEqual(5, 5.0))
	assert.True(t, LooseEqual("5", 5))
	assert.True(t, LooseEqual(1, true))
	assert.True(t, LooseEqual("", false))
	assert.True(t, LooseEqual("0", false))
	assert.True(t, LooseEqual("false", true), "only empty and zero strings coerce to false")
	assert.False(t, LooseEqual("open", "closed"))
}

func TestChangedFields(t *testing.T) {
	oldData := map[string]any{"a": 1, "b": "x", "c": true}
	newData := map[string]any{"a": 2, "b": "x", "d": "new"}

	changed := ChangedFields(newData, oldData)
	assert.Contains(t, changed, "a")
	assert.NotContains(t, changed, "b")
	assert.Contains(t, changed, "c") // removed keys count as changed
	assert.Contains(t, changed, "d")
	assert.Equal(t, [2]any{1, 2}, changed["a"])
	assert.Equal(t, [2]any{true, nil}, changed["c"])
}
