// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers shared by the trust proxy, its
// local-authority client, and its command-line tools.
//
// Response helpers (ReadResponse, DecodeResponse, DecodeObject, ErrorBody)
// bound every body read at MaxResponseSize so a misbehaving authority or
// peer cannot force unbounded allocation. Header helpers (IsHopByHop,
// CopyHeader) implement the end-to-end header rules used when relaying a
// request across the trust boundary.
package netutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxResponseSize bounds response body reads: 64 MB. Authority responses
// are a few kilobytes; relayed peer responses are management API payloads.
const MaxResponseSize int64 = 64 << 20

// maxErrorBody bounds the portion of an error body quoted in messages.
const maxErrorBody = 512

// ErrResponseTooLarge is returned when a body exceeds its read limit. The
// partial body is discarded: a truncated body must never pass for a whole
// one.
var ErrResponseTooLarge = errors.New("response body too large")

// ReadResponse reads a response body of at most MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return ReadLimited(body, MaxResponseSize)
}

// ReadLimited reads a body of at most limit bytes. A longer body yields
// ErrResponseTooLarge.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// DecodeResponse reads a JSON response body (up to MaxResponseSize bytes)
// and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// DecodeObject decodes a JSON object body into a generic map. Numbers are
// kept as json.Number so that integer fields (timestamps in milliseconds,
// ports) survive a decode/encode round trip unchanged.
func DecodeObject(body io.Reader) (map[string]any, error) {
	data, err := ReadResponse(body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var object map[string]any
	if err := decoder.Decode(&object); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, fmt.Errorf("response body is not a JSON object")
	}
	return object, nil
}

// ErrorBody reads an error response body for use in a diagnostic message.
// Read errors are ignored and long bodies are truncated.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody+1))
	if len(data) > maxErrorBody {
		return string(data[:maxErrorBody]) + "..."
	}
	return strings.TrimSpace(string(data))
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHop reports whether name is a hop-by-hop header that must not be
// forwarded by a proxy.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// CopyHeader copies every end-to-end header from src into dst. Content-Length
// is skipped as well: the writer recomputes it for the relayed body.
func CopyHeader(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHop(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
