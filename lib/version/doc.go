// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the trust proxy
// binaries.
//
// Three package-level variables are injected at build time via -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/trustproxy/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" during development builds and
// test runs.
package version
