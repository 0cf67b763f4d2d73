// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"math/rand"
	"time"
)

// Default reconnect backoff bounds.
const (
	DefaultBackoffFloor   = 500 * time.Millisecond
	DefaultBackoffCeiling = 30 * time.Second
)

// BackoffConfig bounds the reconnect delay: the floor doubles per
// consecutive failure up to the ceiling, then holds. There is no
// retry-count limit; a session retries until closed or its room
// leaves the roster.
type BackoffConfig struct {
	// Floor is the first retry delay. Defaults to DefaultBackoffFloor.
	Floor time.Duration
	// Ceiling caps the delay. Defaults to DefaultBackoffCeiling.
	Ceiling time.Duration
	// Jitter perturbs a computed delay. If nil, delays are spread
	// uniformly over [d/2, d). Tests inject an identity function for
	// deterministic schedules.
	Jitter func(time.Duration) time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Floor <= 0 {
		c.Floor = DefaultBackoffFloor
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = DefaultBackoffCeiling
	}
	if c.Jitter == nil {
		c.Jitter = halfJitter
	}
	return c
}

// delay returns the jittered delay for the given zero-based attempt.
func (c BackoffConfig) delay(attempt int) time.Duration {
	d := c.Floor
	for ; attempt > 0 && d < c.Ceiling; attempt-- {
		d *= 2
	}
	if d > c.Ceiling {
		d = c.Ceiling
	}
	return c.Jitter(d)
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}
