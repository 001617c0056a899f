package reconnect

import (
	"fmt"
	"math"
	"time"
)

// Policy is a bounded exponential backoff schedule
type Policy struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
}

// DefaultPolicy starts at one second and doubles up to thirty
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
	}
}

// Validate checks the schedule is usable
func (p Policy) Validate() error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("%w: initial delay must be positive", ErrInvalidPolicy)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: max delay must be >= initial delay", ErrInvalidPolicy)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidPolicy)
	}
	return nil
}

// Delay returns min(MaxDelay, InitialDelay * Multiplier^(attempt-1)) for a
// 1-based attempt number.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
