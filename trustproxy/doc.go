// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package trustproxy lets a management node act on behalf of callers
// against the peer devices it shares mutual trust with.
//
// A caller names a peer by machine id or address. The proxy resolves the
// peer through the [Directory], obtains a short-lived trust token scoped to
// that peer from the local authority through the [TokenBroker], and either
// hands the token back (read path) or performs the caller's request against
// the peer with the token attached and relays the peer's response verbatim
// (write path). [Dispatcher] implements both paths; [Handler] exposes them
// over HTTP and [Server] runs the listeners.
//
// The directory is an in-memory cache rebuilt from the authority's trust
// device groups: every group whose name starts with the configured prefix
// contributes its members, except this node itself. The cache is never
// patched. It is cleared as a whole when a token cannot be minted for a
// peer believed trusted, and the next access rebuilds it. Rebuilds within
// one cache generation are coalesced, and a rebuild that started before an
// invalidation is never published.
//
// Tokens are not cached, validated, or revoked here. Each request for one
// asks the authority afresh.
//
// Outbound peer calls go through the [Transport] interface; [HTTPTransport]
// is the production implementation, presenting the token in a configurable
// header over TLS.
package trustproxy
