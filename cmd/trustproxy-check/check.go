// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/proxyclient"
)

// LocalAuthority is the subset of the authority client the check needs.
type LocalAuthority interface {
	DeviceInfo(ctx context.Context) (*authority.DeviceInfo, error)
	DeviceCertificates(ctx context.Context) ([]authority.DeviceCertificate, error)
}

// Checker runs one trust check cycle: who am I, which peers does the
// proxy hold tokens for, and which of those peers trust me back.
type Checker struct {
	Authority LocalAuthority
	Proxy     *proxyclient.Client
	Clock     clock.Clock

	// TokenLifetime is how long the authority's tokens stay valid after
	// their timestamp.
	TokenLifetime time.Duration
}

// LocalDevice describes this node.
type LocalDevice struct {
	Info          authority.DeviceInfo
	CertificateID string
}

// TokenStatus is one token the proxy handed out.
type TokenStatus struct {
	MachineID string
	Host      string
	Port      int

	// Remaining is the token's validity left; meaningless unless
	// HasTimestamp.
	Remaining    time.Duration
	HasTimestamp bool
}

// PeerResult is what one peer reported about itself.
type PeerResult struct {
	Host          string
	Port          int
	Info          authority.DeviceInfo
	CertificateID string

	// TrustsMe is set when the peer's certificate store holds this node's
	// certificate.
	TrustsMe bool

	Err error
}

// Report is the outcome of one cycle.
type Report struct {
	Local  LocalDevice
	Tokens []TokenStatus
	Peers  []PeerResult
}

// Check runs one cycle. Failures reaching the local authority or the proxy
// end the cycle; a failing peer is recorded in its PeerResult.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	local, err := c.localDevice(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := c.Proxy.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing proxy trust tokens: %w", err)
	}

	report := &Report{Local: *local}
	now := c.Clock.Now()
	for _, token := range tokens {
		status := TokenStatus{
			MachineID: token.TargetUUID(),
			Host:      token.TargetHost(),
			Port:      token.TargetPort(),
		}
		if issued, ok := token.Timestamp(); ok {
			status.HasTimestamp = true
			status.Remaining = c.TokenLifetime - now.Sub(time.UnixMilli(issued))
		}
		report.Tokens = append(report.Tokens, status)
	}

	for _, token := range report.Tokens {
		report.Peers = append(report.Peers, c.checkPeer(ctx, token, local.CertificateID))
	}
	return report, nil
}

func (c *Checker) localDevice(ctx context.Context) (*LocalDevice, error) {
	info, err := c.Authority.DeviceInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local device info: %w", err)
	}
	certificates, err := c.Authority.DeviceCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local device certificates: %w", err)
	}
	local := &LocalDevice{Info: *info}
	for _, certificate := range certificates {
		if certificate.MachineID == info.MachineID {
			local.CertificateID = certificate.CertificateID
		}
	}
	return local, nil
}

// checkPeer asks the peer, through the proxy, for its device info and its
// certificate store.
func (c *Checker) checkPeer(ctx context.Context, token TokenStatus, myCertificateID string) PeerResult {
	result := PeerResult{Host: token.Host, Port: token.Port}
	origin := "https://" + net.JoinHostPort(token.Host, strconv.Itoa(token.Port))

	if err := c.peerGet(ctx, origin+authority.DeviceInfoPath, &result.Info); err != nil {
		result.Err = fmt.Errorf("device info: %w", err)
		return result
	}

	var certificates struct {
		Items []authority.DeviceCertificate `json:"items"`
	}
	if err := c.peerGet(ctx, origin+authority.DeviceCertificatesPath, &certificates); err != nil {
		result.Err = fmt.Errorf("device certificates: %w", err)
		return result
	}
	for _, certificate := range certificates.Items {
		if myCertificateID != "" && certificate.CertificateID == myCertificateID {
			result.TrustsMe = true
		}
		if certificate.MachineID == result.Info.MachineID {
			result.CertificateID = certificate.CertificateID
		}
	}
	return result
}

func (c *Checker) peerGet(ctx context.Context, uri string, v any) error {
	response, err := c.Proxy.Proxy(ctx, "", proxyclient.ProxyRequest{Method: http.MethodGet, URI: uri})
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("peer answered HTTP %d", response.StatusCode)
	}
	if err := response.Decode(v); err != nil {
		return fmt.Errorf("decoding peer response: %w", err)
	}
	return nil
}
