// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/authority/authoritytest"
	"github.com/bureau-foundation/trustproxy/lib/proxyclient"
	"github.com/bureau-foundation/trustproxy/lib/testutil"
)

// fakePeer is what a peer answers through the fake proxy.
type fakePeer struct {
	info         authority.DeviceInfo
	certificates []authority.DeviceCertificate
	status       int
}

// fakeProxy serves the proxy's token listing and pass-through endpoints.
type fakeProxy struct {
	tokens []map[string]any
	peers  map[string]fakePeer
	fail   bool
}

func (f *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.fail {
		w.Header().Set("X-Trustproxy-Error", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"code": http.StatusServiceUnavailable, "message": "directory unavailable"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(f.tokens)
	case http.MethodPost:
		var request proxyclient.ProxyRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for origin, peer := range f.peers {
			if !strings.HasPrefix(request.URI, origin) {
				continue
			}
			if peer.status != 0 {
				w.WriteHeader(peer.status)
				return
			}
			switch strings.TrimPrefix(request.URI, origin) {
			case authority.DeviceInfoPath:
				json.NewEncoder(w).Encode(peer.info)
			case authority.DeviceCertificatesPath:
				json.NewEncoder(w).Encode(map[string]any{"items": peer.certificates})
			default:
				w.WriteHeader(http.StatusNotFound)
			}
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}
}

type checkFixture struct {
	authority *authoritytest.Server
	proxy     *fakeProxy
	clock     *clock.Mock
	checker   *Checker
}

func newCheckFixture(t *testing.T) *checkFixture {
	t.Helper()
	local := authoritytest.New(t)
	local.SetDeviceInfo(authority.DeviceInfo{
		MachineID:             "SELF",
		Hostname:              "self.example",
		PlatformMarketingName: "Edge",
		RestFrameworkVersion:  "16.1",
	})
	local.SetCertificates(
		authority.DeviceCertificate{MachineID: "SELF", CertificateID: "cert-self"},
		authority.DeviceCertificate{MachineID: "A", CertificateID: "cert-a"},
	)

	proxy := &fakeProxy{
		tokens: []map[string]any{
			{"targetUUID": "A", "targetHost": "10.0.0.1", "targetPort": 443, "timestamp": authoritytest.TokenTimestamp},
			{"targetUUID": "B", "targetHost": "10.0.0.2", "targetPort": 8443, "timestamp": authoritytest.TokenTimestamp},
		},
		peers: map[string]fakePeer{
			"https://10.0.0.1:443": {
				info: authority.DeviceInfo{MachineID: "A", Hostname: "a.example"},
				certificates: []authority.DeviceCertificate{
					{MachineID: "A", CertificateID: "cert-a"},
					{MachineID: "SELF", CertificateID: "cert-self"},
				},
			},
			"https://10.0.0.2:8443": {
				info: authority.DeviceInfo{MachineID: "B", Hostname: "b.example"},
				certificates: []authority.DeviceCertificate{
					{MachineID: "B", CertificateID: "cert-b"},
				},
			},
		},
	}
	proxyServer := httptest.NewServer(proxy)
	t.Cleanup(proxyServer.Close)
	proxyClient, err := proxyclient.New(proxyclient.Config{BaseURL: proxyServer.URL})
	if err != nil {
		t.Fatalf("proxyclient.New: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(authoritytest.TokenTimestamp + 100_000))

	return &checkFixture{
		authority: local,
		proxy:     proxy,
		clock:     mock,
		checker: &Checker{
			Authority:     local.Client(t),
			Proxy:         proxyClient,
			Clock:         mock,
			TokenLifetime: 600 * time.Second,
		},
	}
}

func TestCheckReportsTrust(t *testing.T) {
	fixture := newCheckFixture(t)

	report, err := fixture.checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if report.Local.Info.MachineID != "SELF" || report.Local.CertificateID != "cert-self" {
		t.Errorf("local = %+v", report.Local)
	}

	wantTokens := []TokenStatus{
		{MachineID: "A", Host: "10.0.0.1", Port: 443, Remaining: 500 * time.Second, HasTimestamp: true},
		{MachineID: "B", Host: "10.0.0.2", Port: 8443, Remaining: 500 * time.Second, HasTimestamp: true},
	}
	if diff := cmp.Diff(wantTokens, report.Tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	if len(report.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(report.Peers))
	}
	a, b := report.Peers[0], report.Peers[1]
	if a.Err != nil || !a.TrustsMe || a.CertificateID != "cert-a" || a.Info.Hostname != "a.example" {
		t.Errorf("peer A = %+v", a)
	}
	if b.Err != nil || b.TrustsMe || b.CertificateID != "cert-b" {
		t.Errorf("peer B = %+v", b)
	}
}

func TestCheckPeerFailureIsRecorded(t *testing.T) {
	fixture := newCheckFixture(t)
	fixture.proxy.peers["https://10.0.0.2:8443"] = fakePeer{status: http.StatusUnauthorized}

	report, err := fixture.checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Peers[0].Err != nil {
		t.Errorf("peer A error: %v", report.Peers[0].Err)
	}
	if report.Peers[1].Err == nil || !strings.Contains(report.Peers[1].Err.Error(), "HTTP 401") {
		t.Errorf("peer B error = %v, want HTTP 401", report.Peers[1].Err)
	}
}

func TestCheckTokenWithoutTimestamp(t *testing.T) {
	fixture := newCheckFixture(t)
	fixture.proxy.tokens = []map[string]any{{"targetUUID": "A", "targetHost": "10.0.0.1", "targetPort": 443}}

	report, err := fixture.checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.Tokens) != 1 || report.Tokens[0].HasTimestamp {
		t.Errorf("tokens = %+v, want one without timestamp", report.Tokens)
	}
}

func TestCheckFailures(t *testing.T) {
	t.Run("proxy", func(t *testing.T) {
		fixture := newCheckFixture(t)
		fixture.proxy.fail = true
		_, err := fixture.checker.Check(context.Background())
		if err == nil || !strings.Contains(err.Error(), "directory unavailable") {
			t.Errorf("Check error = %v, want proxy failure", err)
		}
	})
	t.Run("authority", func(t *testing.T) {
		fixture := newCheckFixture(t)
		fixture.authority.SetDeviceInfo(authority.DeviceInfo{})
		_, err := fixture.checker.Check(context.Background())
		if err == nil || !strings.Contains(err.Error(), "local device info") {
			t.Errorf("Check error = %v, want device info failure", err)
		}
	})
}

func TestReportOutput(t *testing.T) {
	fixture := newCheckFixture(t)
	report, err := fixture.checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	var out bytes.Buffer
	newPrinter(&out, false).Report(report)
	text := out.String()
	for _, want := range []string{
		"self.example",
		"certificate id: cert-self",
		"have a trust token for 10.0.0.1:443 for another 500 seconds",
		"a.example at 10.0.0.1:443",
		"trusts me",
		"b.example at 10.0.0.2:8443",
		"does not trust me",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "\x1b[") {
		t.Errorf("uncolored report contains escape sequences:\n%s", text)
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling
// reader.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func TestLoopRunsCycles(t *testing.T) {
	fixture := newCheckFixture(t)
	fixture.proxy.fail = true
	out := &syncBuffer{}
	l := &loop{
		checker: fixture.checker,
		printer: newPrinter(out, false),
		clock:   fixture.clock,
		cycles:  3,
		delay:   10 * time.Second,
		timeout: 5 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	done := make(chan int, 1)
	go func() { done <- l.Run(context.Background()) }()

	// Advance the mock clock until every wait between cycles has elapsed.
	deadline := time.After(testutil.DefaultTimeout)
	for {
		select {
		case completed := <-done:
			if completed != 3 {
				t.Errorf("completed %d cycles, want 3", completed)
			}
			if got := strings.Count(out.String(), "check cycle failed"); got != 3 {
				t.Errorf("reported %d failed cycles, want 3:\n%s", got, out.String())
			}
			return
		case <-deadline:
			t.Fatal("loop did not finish")
		default:
			fixture.clock.Add(10 * time.Second)
		}
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	fixture := newCheckFixture(t)
	out := &syncBuffer{}
	l := &loop{
		checker: fixture.checker,
		printer: newPrinter(out, false),
		clock:   fixture.clock,
		delay:   time.Hour,
		timeout: 5 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- l.Run(ctx) }()
	testutil.WaitFor(t, testutil.DefaultTimeout, "first report", func() bool {
		return strings.Contains(out.String(), "trusts me")
	})
	cancel()

	if completed := testutil.Receive(t, done, testutil.DefaultTimeout, "loop exit"); completed != 1 {
		t.Errorf("completed %d cycles, want 1", completed)
	}
}

func TestUseColor(t *testing.T) {
	for _, mode := range []string{"always", "never"} {
		color, err := useColor(mode, nil)
		if err != nil {
			t.Fatalf("useColor(%q): %v", mode, err)
		}
		if color != (mode == "always") {
			t.Errorf("useColor(%q) = %v", mode, color)
		}
	}
	if _, err := useColor("sometimes", nil); err == nil {
		t.Error("useColor accepted an invalid mode")
	}
}
