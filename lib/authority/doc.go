// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authority is a typed client for the local management authority:
// the loopback HTTP API that owns this node's identity, its device-group
// membership, and trust-token minting.
//
// Every call is authenticated with HTTP basic auth drawn from a
// [Credentials] provider supplied at construction, and carries a per-call
// deadline. Responses with a status of 400 or above are returned as a
// [*StatusError]; network failures and deadlines are returned wrapped so
// callers can decide whether to degrade (directory rebuild) or fail
// (token minting).
package authority
