// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"
	"time"
)

// DefaultTimeout is how long helpers wait when a test has no reason to
// pick its own bound.
const DefaultTimeout = 5 * time.Second

// Receive reads one value from ch within timeout, or fails the test.
//
//	err := testutil.Receive(t, done, testutil.DefaultTimeout, "server shutdown")
func Receive[T any](t testing.TB, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed without a value", what)
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("%s: timed out after %v", what, timeout)
	}
	panic("unreachable")
}

// WaitFor polls condition until it holds or timeout elapses, in which case
// the test fails.
func WaitFor(t testing.TB, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met after %v", what, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
