// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
)

// DispatcherConfig holds configuration for creating a Dispatcher.
type DispatcherConfig struct {
	Directory *Directory
	Broker    CredentialBroker
	Transport Transport

	// ExternalURL is this proxy's own URL, sent as the Referer of every
	// outbound request.
	ExternalURL string

	// MaxConcurrency bounds concurrent token requests when returning
	// tokens for every peer. Defaults to 16.
	MaxConcurrency int

	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// Dispatcher serves the proxy's two operations: handing out trust tokens
// (read path) and performing requests as a peer (write path).
type Dispatcher struct {
	directory      *Directory
	broker         CredentialBroker
	transport      Transport
	externalURL    string
	maxConcurrency int
	clock          clock.Clock
	metrics        *Metrics
	logger         *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if config.Directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("token broker is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	limit := config.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		directory:      config.Directory,
		broker:         config.Broker,
		transport:      config.Transport,
		externalURL:    config.ExternalURL,
		maxConcurrency: limit,
		clock:          clk,
		metrics:        config.Metrics,
		logger:         logger,
	}, nil
}

// Token returns a fresh token for the peer named by selector (machine id or
// address), attributed to that peer.
//
// A peer that is not trusted yields a 404 StatusError. A trusted peer for
// which no token can be minted yields a 500 StatusError and invalidates the
// directory: the peer has most likely left its trust group.
func (d *Dispatcher) Token(ctx context.Context, selector string) (Token, error) {
	logger := loggerFrom(ctx, d.logger)

	peer, found, err := d.directory.Lookup(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Info("token requested for untrusted target", "target", selector)
		return nil, notTrustedError(selector)
	}

	token, err := d.broker.Token(ctx, peer.Address)
	if err != nil {
		d.directory.Invalidate()
		logger.Error("target has no token", "target", selector, "machine_id", peer.MachineID, "error", err)
		return nil, noTokenError(selector, err)
	}
	return token.Attribute(peer), nil
}

// Tokens returns a token for every trusted peer, ordered by machine id.
// Peers for which no token can be minted are left out.
func (d *Dispatcher) Tokens(ctx context.Context) ([]Token, error) {
	logger := loggerFrom(ctx, d.logger)

	peers, err := d.directory.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Token, len(peers))
	var fanout errgroup.Group
	fanout.SetLimit(d.maxConcurrency)
	for i, peer := range peers {
		fanout.Go(func() error {
			token, err := d.broker.Token(ctx, peer.Address)
			if err != nil {
				logger.Debug("omitting peer without token", "machine_id", peer.MachineID, "error", err)
				return nil
			}
			results[i] = token.Attribute(peer)
			return nil
		})
	}
	fanout.Wait()

	tokens := make([]Token, 0, len(results))
	for _, token := range results {
		if token != nil {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// Proxy performs request against the peer named by target and returns the
// peer's response. An empty target selects pass-through mode, where
// request.URI must be an absolute URL.
//
// inbound supplies the headers to forward when request.Headers is empty.
func (d *Dispatcher) Proxy(ctx context.Context, target string, request ProxyRequest, inbound http.Header) (*OutboundResponse, error) {
	mode := "target"
	if target == "" {
		mode = "passthrough"
	}
	response, err := d.proxy(ctx, target, request, inbound)
	d.metrics.proxy(mode, proxyResult(err))
	return response, err
}

func (d *Dispatcher) proxy(ctx context.Context, target string, request ProxyRequest, inbound http.Header) (*OutboundResponse, error) {
	logger := loggerFrom(ctx, d.logger)
	startTime := d.clock.Now()

	if request.URI == "" {
		return nil, badRequestError("uri is required")
	}

	outbound, err := d.buildRequest(request, inbound)
	if err != nil {
		return nil, err
	}

	if target != "" {
		if err := d.resolveTarget(ctx, target, request, outbound); err != nil {
			return nil, err
		}
	} else {
		if err := d.resolvePassThrough(ctx, request, outbound); err != nil {
			return nil, err
		}
	}

	if outbound.Peer != nil {
		token, err := d.broker.Token(ctx, outbound.Peer.Address)
		if err != nil {
			d.directory.Invalidate()
			name := target
			if name == "" {
				name = outbound.Peer.Address
			}
			logger.Error("target has no token", "target", name, "machine_id", outbound.Peer.MachineID, "error", err)
			return nil, noTokenError(name, err)
		}
		outbound.Credential = token
	}

	response, err := d.transport.Send(ctx, outbound)
	if err != nil {
		logger.Error("proxied request failed",
			"uri", request.URI,
			"url", outbound.URL.String(),
			"error", err,
		)
		return nil, requestFailedError(request.URI, err)
	}

	logger.Info("proxied request complete",
		"method", outbound.Method,
		"url", outbound.URL.String(),
		"status", response.StatusCode,
		"identified", outbound.Peer != nil,
		"duration", d.clock.Since(startTime),
	)
	return response, nil
}

// buildRequest applies the request description's defaults. The URL is
// filled in by target resolution.
func (d *Dispatcher) buildRequest(request ProxyRequest, inbound http.Header) (*OutboundRequest, error) {
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}

	body, err := request.payload()
	if err != nil {
		return nil, badRequestError("invalid body: %v", err)
	}

	header := http.Header{}
	if len(request.Headers) > 0 {
		for name, value := range request.Headers {
			header.Set(name, value)
		}
	} else {
		netutil.CopyHeader(header, inbound)
	}
	if d.externalURL != "" {
		header.Set("Referer", d.externalURL)
	}

	return &OutboundRequest{
		Method: method,
		Header: header,
		Body:   body,
	}, nil
}

// resolveTarget points outbound at the trusted peer named by target. Only
// the path and query of request.URI are used.
func (d *Dispatcher) resolveTarget(ctx context.Context, target string, request ProxyRequest, outbound *OutboundRequest) error {
	peer, found, err := d.directory.Lookup(ctx, target)
	if err != nil {
		return err
	}
	if !found || (request.GroupName != "" && !peer.InGroup(request.GroupName)) {
		return notTrustedError(target)
	}

	reference, err := url.Parse(request.URI)
	if err != nil {
		return badRequestError("invalid uri %q: %v", request.URI, err)
	}
	path := reference.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	outbound.URL = &url.URL{
		Scheme:   "https",
		Host:     peer.HostPort(),
		Path:     path,
		RawQuery: reference.RawQuery,
	}
	outbound.Peer = &peer
	return nil
}

// resolvePassThrough uses request.URI as the full target. When its host is
// a trusted peer's address the peer's credential is attached; otherwise the
// request goes out without one.
func (d *Dispatcher) resolvePassThrough(ctx context.Context, request ProxyRequest, outbound *OutboundRequest) error {
	absolute, err := url.Parse(request.URI)
	if err != nil {
		return badRequestError("invalid uri %q: %v", request.URI, err)
	}
	if (absolute.Scheme != "https" && absolute.Scheme != "http") || absolute.Host == "" {
		return badRequestError("uri %q must be an absolute http(s) URL when no target is given", request.URI)
	}
	outbound.URL = absolute

	peers, err := d.directory.List(ctx)
	if err != nil {
		return err
	}
	host := absolute.Hostname()
	for _, peer := range peers {
		if peer.Address == host && (request.GroupName == "" || peer.InGroup(request.GroupName)) {
			outbound.Peer = &peer
			return nil
		}
	}
	return nil
}

type loggerKey struct{}

// withLogger attaches a request-scoped logger to ctx.
func withLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return fallback
}

// isCanceled reports whether err is the caller going away.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
