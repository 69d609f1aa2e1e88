// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Trustproxy-check polls the trust proxy and reports, for every peer it
// holds a trust token for, whether that peer trusts this device back.
//
// Usage:
//
//	trustproxy-check [--proxy URL | --socket PATH] [--cycles N] [--delay D]
//
// Each cycle reads this device's identity and certificate from the local
// authority, lists the trust tokens the proxy holds, and then asks every
// peer, through the proxy's pass-through mode, for its device info and
// certificate store. A peer whose store holds this device's certificate
// trusts this device back. Failed cycles are reported and the next cycle
// runs after the delay.
package main
