// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 42
	if got := Receive(t, ch, time.Second, "buffered value"); got != 42 {
		t.Errorf("Receive = %d, want 42", got)
	}
}

func TestWaitFor(t *testing.T) {
	var calls atomic.Int32
	WaitFor(t, time.Second, "third poll", func() bool {
		return calls.Add(1) >= 3
	})
	if calls.Load() != 3 {
		t.Errorf("condition polled %d times, want 3", calls.Load())
	}
}

func TestSocketDir(t *testing.T) {
	directory := SocketDir(t)
	if !filepath.IsAbs(directory) || len(directory) > 64 {
		t.Errorf("SocketDir = %q, want a short absolute path", directory)
	}
	info, err := os.Stat(directory)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", directory)
	}
}
