package deskline

import (
	"math"
	"math/rand"
	"time"
)

// defaultJitter spreads retry delays by up to ±20%.
const defaultJitter = 0.2

// backoff computes reconnect delays as min(base*2^attempt, max) with jitter.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
	rand   func() float64
}

func newBackoff(base, max time.Duration) backoff {
	return backoff{base: base, max: max, jitter: defaultJitter, rand: rand.Float64}
}

// nominal is the delay for attempt before jitter is applied.
func (b backoff) nominal(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.base) * math.Pow(2, float64(attempt))
	return time.Duration(math.Min(d, float64(b.max)))
}

// delay returns the jittered delay to wait before retry number attempt+1.
func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.nominal(attempt))
	if b.jitter > 0 && b.rand != nil {
		d += d * b.jitter * (2*b.rand() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
