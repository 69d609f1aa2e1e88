// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxyclient provides a typed HTTP client for the trust proxy API:
// trust tokens for one or all peers, and requests performed as a peer.
//
// The client mirrors the proxy's wire format using its own types, so
// callers do not depend on the proxy implementation.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
)

// DefaultWorkerPath is the proxy's default endpoint path.
const DefaultWorkerPath = "/shared/TrustedProxy"

// errorHeader marks errors produced by the proxy itself.
const errorHeader = "X-Trustproxy-Error"

// Config holds configuration for creating a Client. Exactly one of BaseURL
// and SocketPath is required.
type Config struct {
	// BaseURL is the proxy's HTTP origin, e.g. "http://127.0.0.1:8110".
	BaseURL string

	// SocketPath is the proxy's Unix socket.
	SocketPath string

	// WorkerPath defaults to DefaultWorkerPath.
	WorkerPath string

	// UserAgent is sent with every request when set.
	UserAgent string

	// HTTPClient overrides the client built from BaseURL or SocketPath.
	HTTPClient *http.Client

	// MaxResponseSize bounds a relayed response body. A longer body is an
	// error rather than a truncated Response. Defaults to
	// netutil.MaxResponseSize.
	MaxResponseSize int64
}

// Client is a typed HTTP client for the trust proxy.
type Client struct {
	httpClient *http.Client
	origin     string
	workerPath string
	userAgent  string
	maxBody    int64
}

// New creates a Client.
func New(config Config) (*Client, error) {
	workerPath := strings.TrimRight(config.WorkerPath, "/")
	if workerPath == "" {
		workerPath = DefaultWorkerPath
	}

	maxBody := config.MaxResponseSize
	if maxBody <= 0 {
		maxBody = netutil.MaxResponseSize
	}

	client := &Client{
		httpClient: config.HTTPClient,
		workerPath: workerPath,
		userAgent:  config.UserAgent,
		maxBody:    maxBody,
	}

	switch {
	case config.BaseURL != "" && config.SocketPath != "":
		return nil, fmt.Errorf("base URL and socket path are mutually exclusive")
	case config.BaseURL != "":
		base, err := url.Parse(config.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
			return nil, fmt.Errorf("base URL %q must be an http(s) origin", config.BaseURL)
		}
		client.origin = base.Scheme + "://" + base.Host
		if client.httpClient == nil {
			client.httpClient = cleanhttp.DefaultPooledClient()
		}
	case config.SocketPath != "":
		client.origin = "http://trustproxy"
		if client.httpClient == nil {
			transport := cleanhttp.DefaultPooledTransport()
			socketPath := config.SocketPath
			transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			}
			client.httpClient = &http.Client{Transport: transport}
		}
	default:
		return nil, fmt.Errorf("base URL or socket path is required")
	}
	return client, nil
}

// Token is a trust token attributed to a peer.
type Token map[string]any

// TargetUUID is the peer's machine id.
func (t Token) TargetUUID() string {
	value, _ := t["targetUUID"].(string)
	return value
}

// TargetHost is the peer's address.
func (t Token) TargetHost() string {
	value, _ := t["targetHost"].(string)
	return value
}

// TargetPort is the peer's HTTPS port.
func (t Token) TargetPort() int {
	port, _ := t.integer("targetPort")
	return int(port)
}

// Timestamp is the token's issue time in milliseconds since the epoch, as
// stamped by the authority. The boolean is false when the token has none.
func (t Token) Timestamp() (int64, bool) {
	return t.integer("timestamp")
}

func (t Token) integer(name string) (int64, bool) {
	switch value := t[name].(type) {
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			float, err := value.Float64()
			if err != nil {
				return 0, false
			}
			return int64(float), true
		}
		return parsed, true
	case float64:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// ProxyRequest is the wire format of a proxied request.
type ProxyRequest struct {
	Method    string            `json:"method,omitempty"`
	URI       string            `json:"uri"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      any               `json:"body,omitempty"`
	GroupName string            `json:"groupName,omitempty"`
}

// Response is a peer's response relayed by the proxy.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body as JSON into v.
func (r *Response) Decode(v any) error {
	decoder := json.NewDecoder(bytes.NewReader(r.Body))
	decoder.UseNumber()
	return decoder.Decode(v)
}

// Error is a failure reported by the proxy itself.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("trust proxy: HTTP %d: %s", e.Code, e.Message)
}

// IsNotTrusted reports whether err is the proxy's answer for a target that
// is not a trusted peer.
func IsNotTrusted(err error) bool {
	var proxyErr *Error
	return errors.As(err, &proxyErr) && proxyErr.Code == http.StatusNotFound
}

// Tokens returns a trust token for every trusted peer.
func (client *Client) Tokens(ctx context.Context) ([]Token, error) {
	response, err := client.do(ctx, http.MethodGet, client.workerPath, nil)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, client.responseError(response)
	}

	var tokens []Token
	if err := client.decodeNumbers(response, &tokens); err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}
	return tokens, nil
}

// Token returns a trust token for the peer named by selector (machine id or
// address).
func (client *Client) Token(ctx context.Context, selector string) (Token, error) {
	if selector == "" {
		return nil, fmt.Errorf("selector is required")
	}
	response, err := client.do(ctx, http.MethodGet, client.workerPath+"/"+url.PathEscape(selector), nil)
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", selector, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, client.responseError(response)
	}

	var token Token
	if err := client.decodeNumbers(response, &token); err != nil {
		return nil, fmt.Errorf("token for %s: %w", selector, err)
	}
	return token, nil
}

// Proxy performs request as the peer named by target. An empty target
// sends request.URI, which must then be absolute, as is. A peer's error
// status is returned as a Response; only the proxy's own failures are
// returned as *Error.
func (client *Client) Proxy(ctx context.Context, target string, request ProxyRequest) (*Response, error) {
	encoded, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding proxy request: %w", err)
	}
	path := client.workerPath
	if target != "" {
		path += "/" + url.PathEscape(target)
	}

	response, err := client.do(ctx, http.MethodPost, path, encoded)
	if err != nil {
		return nil, fmt.Errorf("proxy %s %s: %w", request.Method, request.URI, err)
	}
	defer response.Body.Close()
	if response.Header.Get(errorHeader) != "" {
		return nil, client.responseError(response)
	}

	body, err := netutil.ReadLimited(response.Body, client.maxBody)
	if err != nil {
		return nil, fmt.Errorf("reading proxied response: %w", err)
	}
	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       body,
	}, nil
}

// Health checks that the proxy is serving.
func (client *Client) Health(ctx context.Context) error {
	response, err := client.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("health: HTTP %d: %s", response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}

func (client *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.origin+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if client.userAgent != "" {
		request.Header.Set("User-Agent", client.userAgent)
	}
	return client.httpClient.Do(request)
}

// responseError converts an error response into *Error, falling back to the
// raw body when it is not the proxy's error format.
func (client *Client) responseError(response *http.Response) error {
	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return fmt.Errorf("HTTP %d: reading error body: %w", response.StatusCode, err)
	}
	var proxyErr Error
	if json.Unmarshal(data, &proxyErr) == nil && proxyErr.Message != "" {
		if proxyErr.Code == 0 {
			proxyErr.Code = response.StatusCode
		}
		return &proxyErr
	}
	return &Error{Code: response.StatusCode, Message: netutil.ErrorBody(bytes.NewReader(data))}
}

func (client *Client) decodeNumbers(response *http.Response, v any) error {
	data, err := netutil.ReadLimited(response.Body, client.maxBody)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(v)
}
