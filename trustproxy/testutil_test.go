// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/authority/authoritytest"
)

const selfID = "SELF"

// testLogger discards log output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticSelf is a SelfIdentity with a fixed answer.
type staticSelf struct {
	machineID string
	err       error
}

func (s staticSelf) Resolve(ctx context.Context) (string, error) {
	return s.machineID, s.err
}

// device builds an authority device record.
func device(machineID, address string, port int) authority.Device {
	return authority.Device{MachineID: machineID, Address: address, HTTPSPort: port}
}

// testStack is a directory, broker and dispatcher wired to a fake
// authority, with a fake transport for peer calls.
type testStack struct {
	authority  *authoritytest.Server
	directory  *Directory
	broker     *TokenBroker
	transport  *fakeTransport
	dispatcher *Dispatcher
	registry   *prometheus.Registry
	metrics    *Metrics
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	server := authoritytest.New(t)
	client := server.Client(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	directory, err := NewDirectory(DirectoryConfig{
		Source:  client,
		Self:    staticSelf{machineID: selfID},
		Metrics: metrics,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	broker, err := NewTokenBroker(BrokerConfig{
		Minter:  client,
		Metrics: metrics,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTokenBroker: %v", err)
	}
	transport := &fakeTransport{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Directory:   directory,
		Broker:      broker,
		Transport:   transport,
		ExternalURL: "http://proxy.test/shared/TrustedProxy",
		Metrics:     metrics,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &testStack{
		authority:  server,
		directory:  directory,
		broker:     broker,
		transport:  transport,
		dispatcher: dispatcher,
		registry:   registry,
		metrics:    metrics,
	}
}

// fakeTransport records outbound requests and answers with a fixed
// response or error.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*OutboundRequest
	response *OutboundResponse
	err      error
}

func (f *fakeTransport) Send(ctx context.Context, request *OutboundRequest) (*OutboundResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &OutboundResponse{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("{}")}, nil
}

func (f *fakeTransport) sent() []*OutboundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*OutboundRequest(nil), f.requests...)
}

// metricValue returns the value of the counter or gauge name whose labels
// include every pair in labels, or 0 when no such series exists.
func metricValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if value, ok := labels[pair.GetName()]; ok && value == pair.GetValue() {
					matched++
				}
			}
			if matched != len(labels) {
				continue
			}
			if counter := metric.GetCounter(); counter != nil {
				return counter.GetValue()
			}
			if gauge := metric.GetGauge(); gauge != nil {
				return gauge.GetValue()
			}
			panic(fmt.Sprintf("metric %s is neither counter nor gauge", name))
		}
	}
	return 0
}
