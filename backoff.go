// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect and resubscribe delays. The n-th delay is
// min·2^n multiplied by a random factor in [0.5, 1.5) and clamped to
// [min, max], so repeated failures spread out instead of thundering in.
type backoff struct {
	min time.Duration
	max time.Duration
}

func (b backoff) delay(attempts int) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	d := float64(b.min) * math.Pow(2, float64(attempts)) * (0.5 + rand.Float64())
	if d >= float64(b.max) {
		return b.max
	}
	if d <= float64(b.min) {
		return b.min
	}
	return time.Duration(d)
}
