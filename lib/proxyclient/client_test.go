// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxyclient

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
	"github.com/bureau-foundation/trustproxy/lib/testutil"
)

// testServer starts a server mimicking the proxy API and returns a Client
// connected to it over TCP.
func testServer(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, UserAgent: "proxyclient-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(errorHeader, "1")
	writeJSON(w, status, map[string]any{"code": status, "message": message})
}

func TestTokens(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /shared/TrustedProxy", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "proxyclient-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		writeJSON(w, http.StatusOK, []map[string]any{
			{"token": "t1", "timestamp": 1700000000000, "targetUUID": "A1", "targetHost": "10.0.0.5", "targetPort": 443},
			{"token": "t2", "targetUUID": "B2", "targetHost": "10.0.0.6", "targetPort": 8443},
		})
	})
	client := testServer(t, mux)

	tokens, err := client.Tokens(t.Context())
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("got %d tokens, want 2", len(tokens))
	}
	if tokens[0].TargetUUID() != "A1" || tokens[0].TargetHost() != "10.0.0.5" || tokens[0].TargetPort() != 443 {
		t.Errorf("first token = %v", tokens[0])
	}
	if timestamp, ok := tokens[0].Timestamp(); !ok || timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, %v", timestamp, ok)
	}
	if _, ok := tokens[1].Timestamp(); ok {
		t.Error("token without timestamp reported one")
	}
	if tokens[1].TargetPort() != 8443 {
		t.Errorf("second port = %d", tokens[1].TargetPort())
	}
}

func TestToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /shared/TrustedProxy/{target}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("target") {
		case "A1":
			writeJSON(w, http.StatusOK, map[string]any{"sessionId": "xyz", "targetUUID": "A1"})
		default:
			writeProxyError(w, http.StatusNotFound, "target "+r.PathValue("target")+" is not a trusted device")
		}
	})
	client := testServer(t, mux)

	token, err := client.Token(t.Context(), "A1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if diff := cmp.Diff(Token{"sessionId": "xyz", "targetUUID": "A1"}, token); diff != "" {
		t.Errorf("Token mismatch (-want +got):\n%s", diff)
	}

	_, err = client.Token(t.Context(), "Z9")
	if !IsNotTrusted(err) {
		t.Fatalf("Token(Z9) error = %v, want not trusted", err)
	}
	if err.Error() != "trust proxy: HTTP 404: target Z9 is not a trusted device" {
		t.Errorf("error = %q", err.Error())
	}

	if _, err := client.Token(t.Context(), ""); err == nil {
		t.Error("Token with empty selector succeeded")
	}
}

func TestProxy(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /shared/TrustedProxy/{target}", func(w http.ResponseWriter, r *http.Request) {
		var request ProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if r.PathValue("target") != "A1" || request.URI != "/mgmt/shared/identified-devices/config/device-info" {
			t.Errorf("proxied %s %+v", r.PathValue("target"), request)
		}
		// A peer's own error status is relayed verbatim.
		w.Header().Set("X-Peer", "A1")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "message": "peer says no"})
	})
	mux.HandleFunc("POST /shared/TrustedProxy", func(w http.ResponseWriter, r *http.Request) {
		writeProxyError(w, http.StatusInternalServerError, "request to https://10.0.0.9/x failed: connection refused")
	})
	client := testServer(t, mux)

	response, err := client.Proxy(t.Context(), "A1", ProxyRequest{URI: "/mgmt/shared/identified-devices/config/device-info"})
	if err != nil {
		t.Fatalf("Proxy: %v", err)
	}
	if response.StatusCode != http.StatusUnauthorized || response.Header.Get("X-Peer") != "A1" {
		t.Errorf("response = %d %v", response.StatusCode, response.Header)
	}
	var body map[string]any
	if err := response.Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body["message"] != "peer says no" {
		t.Errorf("body = %v", body)
	}

	_, err = client.Proxy(t.Context(), "", ProxyRequest{URI: "https://10.0.0.9/x"})
	var proxyErr *Error
	if !errors.As(err, &proxyErr) || proxyErr.Code != http.StatusInternalServerError {
		t.Errorf("pass-through error = %v, want a proxy 500", err)
	}
}

func TestProxyOversizedResponse(t *testing.T) {
	t.Parallel()

	const limit = 256
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", limit+1)))
	}))
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, MaxResponseSize: limit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	response, err := client.Proxy(t.Context(), "A1", ProxyRequest{URI: "/mgmt/large"})
	if !errors.Is(err, netutil.ErrResponseTooLarge) {
		t.Fatalf("Proxy error = %v, want ErrResponseTooLarge", err)
	}
	if response != nil {
		t.Errorf("truncated body returned as a %d-byte response", len(response.Body))
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	client := testServer(t, mux)
	if err := client.Health(t.Context()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestUnixSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(testutil.SocketDir(t), "proxy.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /custom/path", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{})
	})
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	client, err := New(Config{SocketPath: socketPath, WorkerPath: "/custom/path/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tokens, err := client.Tokens(t.Context())
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("tokens = %v, want none", tokens)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	for name, config := range map[string]Config{
		"empty":    {},
		"both":     {BaseURL: "http://127.0.0.1:8110", SocketPath: "/run/proxy.sock"},
		"not http": {BaseURL: "unix:///run/proxy.sock"},
		"no host":  {BaseURL: "http://"},
	} {
		if _, err := New(config); err == nil {
			t.Errorf("%s: New succeeded", name)
		}
	}
}

func TestNonProxyErrorBody(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /shared/TrustedProxy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream gateway down\n")
	})
	client := testServer(t, mux)

	_, err := client.Tokens(t.Context())
	var proxyErr *Error
	if !errors.As(err, &proxyErr) || proxyErr.Code != http.StatusBadGateway || proxyErr.Message != "upstream gateway down" {
		t.Errorf("Tokens error = %#v", err)
	}
}
