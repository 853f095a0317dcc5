package delivery

import (
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes exponential retry delays with jitter.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the +/- fraction applied to each delay, e.g. 0.2 for 20%.
	Jitter float64
}

// NextDelay returns the delay to wait after the given failed attempt.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			delay = maximum
			break
		}
	}
	if delay > maximum {
		delay = maximum
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
