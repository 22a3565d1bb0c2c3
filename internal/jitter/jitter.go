// Package jitter provides the randomized sleep cadence shared by the agent's
// polling loops. Each cycle sleeps the configured base interval plus a
// uniform random offset so that a fleet of agents does not hammer the server
// in lockstep.
package jitter

import (
	"context"
	"math/rand"
	"time"
)

// Duration returns base plus a uniform random offset in [0, base*fraction].
// Fractions outside [0, 1] are clamped.
func Duration(base time.Duration, fraction float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if fraction <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}

	span := int64(float64(base) * fraction)
	if span <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(span+1))
}

// Sleep blocks for a jittered interval or until the context is cancelled.
// It reports whether the full sleep elapsed.
func Sleep(ctx context.Context, base time.Duration, fraction float64) bool {
	d := Duration(base, fraction)
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
