// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
)

// Defaults for presenting a trust token to a peer.
const (
	DefaultCredentialHeader = "X-Trust-Token"
	DefaultCredentialField  = "token"
)

const defaultPeerTimeout = 60 * time.Second

// HTTPTransportConfig holds configuration for creating an HTTPTransport.
type HTTPTransportConfig struct {
	// Timeout bounds one peer request including reading the body.
	// Defaults to 60s.
	Timeout time.Duration

	// TLSConfig is the client TLS configuration for peer connections.
	TLSConfig *tls.Config

	// CredentialHeader carries the token to the peer. Defaults to
	// DefaultCredentialHeader.
	CredentialHeader string

	// CredentialField is the token field whose value is sent. Defaults to
	// DefaultCredentialField.
	CredentialField string

	// UserAgent is set when the outbound request has none.
	UserAgent string

	// MaxResponseSize bounds a peer's response body. A longer body fails
	// the request. Defaults to netutil.MaxResponseSize.
	MaxResponseSize int64

	Logger *slog.Logger
}

// HTTPTransport sends outbound requests to peers over HTTP(S), presenting
// the attached trust token.
type HTTPTransport struct {
	client           *http.Client
	timeout          time.Duration
	credentialHeader string
	credentialField  string
	userAgent        string
	maxResponseSize  int64
	logger           *slog.Logger
}

// NewHTTPTransport creates an HTTPTransport.
func NewHTTPTransport(config HTTPTransportConfig) *HTTPTransport {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	header := config.CredentialHeader
	if header == "" {
		header = DefaultCredentialHeader
	}
	field := config.CredentialField
	if field == "" {
		field = DefaultCredentialField
	}
	maxResponseSize := config.MaxResponseSize
	if maxResponseSize <= 0 {
		maxResponseSize = netutil.MaxResponseSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := cleanhttp.DefaultPooledTransport()
	if config.TLSConfig != nil {
		transport.TLSClientConfig = config.TLSConfig
	}

	client := &http.Client{
		Transport: transport,
		// Redirects are the peer's answer; relay them rather than follow.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &HTTPTransport{
		client:           client,
		timeout:          timeout,
		credentialHeader: header,
		credentialField:  field,
		userAgent:        config.UserAgent,
		maxResponseSize:  maxResponseSize,
		logger:           logger,
	}
}

// Send performs the request and reads the whole response.
func (t *HTTPTransport) Send(ctx context.Context, request *OutboundRequest) (*OutboundResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, request.Method, request.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	netutil.CopyHeader(upstreamReq.Header, request.Header)
	if host := upstreamReq.Header.Get("Host"); host != "" {
		upstreamReq.Host = host
		upstreamReq.Header.Del("Host")
	}
	if t.userAgent != "" && upstreamReq.Header.Get("User-Agent") == "" {
		upstreamReq.Header.Set("User-Agent", t.userAgent)
	}

	if request.Credential != nil {
		value := request.Credential.Field(t.credentialField)
		if value == "" {
			// No designated field: present the whole token.
			encoded, err := json.Marshal(request.Credential)
			if err != nil {
				return nil, fmt.Errorf("%w: encoding token: %v", ErrCredentialUnavailable, err)
			}
			value = string(encoded)
		}
		upstreamReq.Header.Set(t.credentialHeader, value)
	}

	response, err := t.client.Do(upstreamReq)
	if err != nil {
		t.logger.Debug("peer request failed",
			"method", request.Method,
			"uri", request.URL.String(),
			"error", err,
			"duration", time.Since(startTime),
		)
		return nil, err
	}
	defer response.Body.Close()

	data, err := netutil.ReadLimited(response.Body, t.maxResponseSize)
	if err != nil {
		t.logger.Warn("peer response not relayed",
			"method", request.Method,
			"uri", request.URL.String(),
			"status", response.StatusCode,
			"error", err,
		)
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	t.logger.Debug("peer request complete",
		"method", request.Method,
		"uri", request.URL.String(),
		"status", response.StatusCode,
		"bytes", len(data),
		"duration", time.Since(startTime),
	)

	return &OutboundResponse{
		StatusCode: response.StatusCode,
		Header:     response.Header.Clone(),
		Body:       data,
	}, nil
}
