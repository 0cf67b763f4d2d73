// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the sync engine so that tests can
// drive reconnect backoff and timestamping deterministically.
//
// Production code injects [Real]; tests inject [Fake] and call
// [FakeClock.Advance] to fire pending timers. [FakeClock.WaitForTimers]
// synchronizes a test with a goroutine that is about to sleep, which
// is how the channel package's reconnect tests observe each backoff
// delay without waiting on real time.
package clock
