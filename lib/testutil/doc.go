// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets, whose
// paths are limited to 108 bytes. [Receive] and [WaitFor] bound how long a
// test waits on a goroutine or a condition, failing the test instead of
// hanging it.
//
// All helpers call t.Fatalf on failure rather than returning errors.
package testutil
