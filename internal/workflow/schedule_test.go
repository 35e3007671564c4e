package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronDue(t *testing.T) {
	created := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	t.Run("never run, next fire passed", func(t *testing.T) {
		due, err := CronDue("0 9 * * *", nil, created, created.Add(10*time.Hour))
		require.NoError(t, err)
		assert.True(t, due)
	})

	t.Run("never run, next fire pending", func(t *testing.T) {
		due, err := CronDue("0 9 * * *", nil, created, created.Add(8*time.Hour))
		require.NoError(t, err)
		assert.False(t, due)
	})

	t.Run("measured from last run", func(t *testing.T) {
		last := created.Add(9 * time.Hour) // ran at 09:00
		due, err := CronDue("0 9 * * *", &last, created, created.Add(12*time.Hour))
		require.NoError(t, err)
		assert.False(t, due, "next fire is tomorrow 09:00")

		due, err = CronDue("0 9 * * *", &last, created, created.Add(34*time.Hour))
		require.NoError(t, err)
		assert.True(t, due)
	})

	t.Run("every minute", func(t *testing.T) {
		last := created
		due, err := CronDue("* * * * *", &last, created, created.Add(61*time.Second))
		require.NoError(t, err)
		assert.True(t, due)
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := CronDue("not a cron", nil, created, created)
		assert.Error(t, err)
	})
}

func TestRelativeDue(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	record := map[string]any{
		"close_date": "2026-09-01T13:00:00Z",
		"nested":     map[string]any{"due": "2026-09-01"},
	}

	t.Run("after offset elapsed", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "nested.due", OffsetSeconds: 3600, Direction: "after"}
		assert.True(t, RelativeDue(cfg, record, now))
	})

	t.Run("after offset not yet elapsed", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "close_date", OffsetSeconds: 3600, Direction: "after"}
		assert.False(t, RelativeDue(cfg, record, now))
	})

	t.Run("before fires ahead of the field date", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "close_date", OffsetSeconds: 7200, Direction: "before"}
		assert.True(t, RelativeDue(cfg, record, now))
	})

	t.Run("default direction is after", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "close_date"}
		assert.False(t, RelativeDue(cfg, record, now))
	})

	t.Run("missing field", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "no_such_field"}
		assert.False(t, RelativeDue(cfg, record, now))
	})

	t.Run("unparseable field", func(t *testing.T) {
		cfg := TriggerConfig{DateField: "close_date"}
		assert.False(t, RelativeDue(cfg, map[string]any{"close_date": "soon"}, now))
	})

	t.Run("empty date field config", func(t *testing.T) {
		assert.False(t, RelativeDue(TriggerConfig{}, record, now))
	})
}
