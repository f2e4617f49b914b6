package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy maps an attempt number (1-based, counting failures) to the delay
// before the next try.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the initial delay per attempt, capped at Max.
// With Initial=60s the schedule is 60s, 120s, 240s, ...
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

// Delay returns Initial * 2^(attempt-1), capped at Max. Attempts below 1 are
// treated as 1. With Jitter set, the result is spread over [delay/2, delay).
func (p Exponential) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(initial) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(math.MaxInt64)
	if exp < float64(math.MaxInt64) {
		wait = time.Duration(exp)
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	if p.Jitter && wait > 1 {
		wait = wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
	}
	return wait
}

// Fixed waits the same duration regardless of attempt number.
type Fixed struct {
	Wait time.Duration
}

func (p Fixed) Delay(int) time.Duration {
	return p.Wait
}
