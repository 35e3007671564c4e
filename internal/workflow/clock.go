package workflow

import "time"

// Clock abstracts time so trigger matching and execution stay
// deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// DateOf formats t as the calendar-day key used by the rate limiter.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }
