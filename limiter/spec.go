package limiter

import (
	"fmt"
	"time"
)

// Spec is one named, immutable quota: at most Max admissions per ClientKey
// within any trailing Window. Multiple specs coexist, each owning an
// independent key namespace, so a strict mutation quota and a loose read
// quota never share counts.
type Spec struct {
	Name   string
	Max    int64
	Window time.Duration
}

func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("limiter: spec with empty name")
	}
	if s.Max <= 0 {
		return fmt.Errorf("limiter: spec %q has invalid max %d, must be positive", s.Name, s.Max)
	}
	if s.Window <= 0 {
		return fmt.Errorf("limiter: spec %q has invalid window %s, must be positive", s.Name, s.Window)
	}
	return nil
}

// Decision is the outcome of one admission check. Rejection is a normal
// return value, not an error.
type Decision struct {
	Allowed bool
	// Remaining is the quota left after this check, or -1 when the decision
	// was made in degraded mode and the true count is unknown.
	Remaining int64
	// ResetAt is when the oldest admitted entry leaves the window, i.e. the
	// earliest time a rejected client can be admitted again.
	ResetAt time.Time
	// RetryAfter is ResetAt relative to now; zero when allowed.
	RetryAfter time.Duration
	// Degraded marks a decision made while the backing store was
	// unreachable. Callers surface it to clients via a response header so
	// monitoring can tell enforced admissions from unenforced ones.
	Degraded bool
}
