package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a retry attempt
type Backoff interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt, capped at Max
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max
func (e Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay is a random value in [Initial/2, min(Initial*2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a jittered exponential delay
func (e ExponentialWithJitter) Delay(attempt int) time.Duration {
	ceiling := capped(e.Initial, e.Max, attempt)
	floor := float64(e.Initial) / 2
	if floor > ceiling {
		floor = ceiling
	}
	return time.Duration(floor + rand.Float64()*(ceiling-floor))
}

func capped(initial, max time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	return d
}
