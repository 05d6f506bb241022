package session

import (
	"math/rand"
	"time"
)

// Delay returns the pause before start-command retry number retry (1-based).
// The first retry waits InitialDelay; each later one grows by Multiplier and
// saturates at MaxDelay. With Jitter the result is scaled into [0.5x, 1.5x)
// so concurrent sessions on a shared bus do not retry in lockstep.
func (c BackoffConfig) Delay(retry int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	d := float64(c.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= mult
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}
