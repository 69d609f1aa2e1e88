// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
)

// Paths on the local authority.
const (
	DeviceInfoPath         = "/mgmt/shared/identified-devices/config/device-info"
	DeviceGroupsPath       = "/mgmt/shared/resolver/device-groups"
	DeviceCertificatesPath = "/mgmt/shared/device-certificates"
	TokenPath              = "/shared/token"
)

// DefaultBaseURL is the loopback address of the local authority.
const DefaultBaseURL = "http://localhost:8100"

// DefaultTimeout bounds a single authority call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Credentials supplies the basic-auth pair presented to the authority.
type Credentials interface {
	BasicAuth() (username, password string)
}

// StaticCredentials is a fixed username/password pair.
type StaticCredentials struct {
	Username string
	Password string
}

// BasicAuth returns the configured pair.
func (c StaticCredentials) BasicAuth() (string, string) {
	return c.Username, c.Password
}

// StatusError is returned when the authority answers with status >= 400.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError carrying code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == code
}

// Config configures a Client.
type Config struct {
	// BaseURL is the authority's base URL. Defaults to DefaultBaseURL.
	BaseURL string

	// Credentials provides basic auth. Nil sends no Authorization header.
	Credentials Credentials

	// Timeout bounds each call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// UserAgent is sent on every request when non-empty.
	UserAgent string

	// HTTPClient overrides the pooled client. Tests point this at an
	// httptest server's client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the local authority.
type Client struct {
	baseURL     *url.URL
	credentials Credentials
	timeout     time.Duration
	userAgent   string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a Client.
func New(config Config) (*Client, error) {
	raw := config.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid authority URL %q: %w", raw, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid authority URL %q: scheme must be http or https", raw)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:     baseURL,
		credentials: config.Credentials,
		timeout:     timeout,
		userAgent:   config.UserAgent,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// DeviceInfo describes this node as reported by the authority.
type DeviceInfo struct {
	MachineID             string `json:"machineId"`
	Hostname              string `json:"hostname,omitempty"`
	PlatformMarketingName string `json:"platformMarketingName,omitempty"`
	RestFrameworkVersion  string `json:"restFrameworkVersion,omitempty"`
}

// DeviceGroup is one entry of the device-group listing.
type DeviceGroup struct {
	GroupName string `json:"groupName"`
}

// Device is one member of a device group.
type Device struct {
	MachineID string `json:"machineId"`
	Address   string `json:"address"`
	HTTPSPort int    `json:"httpsPort"`
	Hostname  string `json:"hostname,omitempty"`
}

// DeviceCertificate binds a machine id to the certificate it presents.
type DeviceCertificate struct {
	MachineID     string `json:"machineId"`
	CertificateID string `json:"certificateId"`
}

type itemList[T any] struct {
	Items []T `json:"items"`
}

// DeviceInfo fetches this node's device-info record.
func (c *Client) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	var info DeviceInfo
	if err := c.getJSON(ctx, DeviceInfoPath, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeviceGroups lists every device group known to the authority.
func (c *Client) DeviceGroups(ctx context.Context) ([]DeviceGroup, error) {
	var list itemList[DeviceGroup]
	if err := c.getJSON(ctx, DeviceGroupsPath, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GroupDevices lists the members of the named device group.
func (c *Client) GroupDevices(ctx context.Context, groupName string) ([]Device, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	var list itemList[Device]
	path := DeviceGroupsPath + "/" + url.PathEscape(groupName) + "/devices"
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// DeviceCertificates lists the device certificates this node trusts.
func (c *Client) DeviceCertificates(ctx context.Context) ([]DeviceCertificate, error) {
	var list itemList[DeviceCertificate]
	if err := c.getJSON(ctx, DeviceCertificatesPath, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// MintToken asks the authority for a fresh trust token scoped to address.
// The token is returned as the authority's JSON object, unmodified.
func (c *Client) MintToken(ctx context.Context, address string) (map[string]any, error) {
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}
	payload, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	response, err := c.do(ctx, http.MethodPost, TokenPath, payload)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	token, err := netutil.DecodeObject(response.Body)
	if err != nil {
		return nil, fmt.Errorf("POST %s: decoding token: %w", TokenPath, err)
	}
	return token, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	response, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := netutil.DecodeResponse(response.Body, v); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	return nil
}

// do performs one call. The returned response has a status below 400 and
// its body is bounded by the call deadline; the caller closes it.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		request.Header.Set("User-Agent", c.userAgent)
	}
	if c.credentials != nil {
		username, password := c.credentials.BasicAuth()
		request.SetBasicAuth(username, password)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		cancel()
		c.logger.Debug("authority request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		defer cancel()
		defer response.Body.Close()
		return nil, &StatusError{
			Method: method,
			Path:   path,
			Code:   response.StatusCode,
			Body:   netutil.ErrorBody(response.Body),
		}
	}
	response.Body = &cancelOnClose{ReadCloser: response.Body, cancel: cancel}
	return response, nil
}

// cancelOnClose releases the call's deadline once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
