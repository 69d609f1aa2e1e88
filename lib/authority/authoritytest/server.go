// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authoritytest provides an in-process fake of the local management
// authority for tests. It serves device-info, device groups and their
// members, device certificates, and token minting, records how often each
// path was called, and can be told to fail, drop, or stall individual calls.
package authoritytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bureau-foundation/trustproxy/lib/authority"
)

// Username and Password are the basic-auth credentials the fake accepts.
const (
	Username = "admin"
	Password = ""
)

// TokenTimestamp is the timestamp (ms) stamped into default tokens.
const TokenTimestamp int64 = 1700000000000

// Server is a fake local authority.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	info         authority.DeviceInfo
	groupOrder   []string
	members      map[string][]authority.Device
	certificates []authority.DeviceCertificate
	tokens       map[string]map[string]any
	groupStatus  map[string]int
	tokenStatus  map[string]int
	tokenDrop    map[string]bool
	groupsStatus int
	calls        map[string]int
	devicesGate  chan struct{}
}

// New starts a fake authority that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	server := &Server{
		members:     make(map[string][]authority.Device),
		tokens:      make(map[string]map[string]any),
		groupStatus: make(map[string]int),
		tokenStatus: make(map[string]int),
		tokenDrop:   make(map[string]bool),
		calls:       make(map[string]int),
	}
	server.Server = httptest.NewServer(http.HandlerFunc(server.serve))
	t.Cleanup(server.Close)
	return server
}

// Client returns an authority client pointed at the fake.
func (s *Server) Client(t testing.TB) *authority.Client {
	t.Helper()
	client, err := authority.New(authority.Config{
		BaseURL:     s.URL,
		Credentials: authority.StaticCredentials{Username: Username, Password: Password},
		HTTPClient:  s.Server.Client(),
	})
	if err != nil {
		t.Fatalf("authority.New: %v", err)
	}
	return client
}

// SetDeviceInfo sets the device-info record. A zero value makes device-info
// answer 404.
func (s *Server) SetDeviceInfo(info authority.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// AddGroup registers a device group and its members.
func (s *Server) AddGroup(name string, devices ...authority.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.members[name]; !exists {
		s.groupOrder = append(s.groupOrder, name)
	}
	s.members[name] = append([]authority.Device(nil), devices...)
}

// RemoveGroup drops a device group.
func (s *Server) RemoveGroup(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, name)
	for i, existing := range s.groupOrder {
		if existing == name {
			s.groupOrder = append(s.groupOrder[:i], s.groupOrder[i+1:]...)
			break
		}
	}
}

// SetCertificates sets the device-certificates listing.
func (s *Server) SetCertificates(certificates ...authority.DeviceCertificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates = append([]authority.DeviceCertificate(nil), certificates...)
}

// SetToken fixes the token minted for address. Without one the fake mints
// {"token":"tok-<address>","address":<address>,"timestamp":TokenTimestamp}.
func (s *Server) SetToken(address string, token map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[address] = token
}

// FailToken makes token minting for address answer with status.
func (s *Server) FailToken(address string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenStatus[address] = status
}

// DropToken makes token minting for address close the connection without
// answering, which clients observe as a transport error.
func (s *Server) DropToken(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDrop[address] = true
}

// FailGroup makes the member listing of name answer with status.
func (s *Server) FailGroup(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupStatus[name] = status
}

// FailGroups makes the device-group listing answer with status (0 clears).
func (s *Server) FailGroups(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupsStatus = status
}

// HoldDevices blocks every member-listing call until the returned release
// function is called.
func (s *Server) HoldDevices() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.devicesGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.devicesGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many requests were made to path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// GroupListCalls returns how many times the device-group listing was
// requested; one per directory rebuild.
func (s *Server) GroupListCalls() int {
	return s.Calls(authority.DeviceGroupsPath)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok || username != Username || password != Password {
		http.Error(w, `{"code":401,"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.calls[r.URL.Path]++
	s.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == authority.DeviceInfoPath:
		s.serveDeviceInfo(w)
	case r.Method == http.MethodGet && r.URL.Path == authority.DeviceGroupsPath:
		s.serveGroups(w)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, authority.DeviceGroupsPath+"/") &&
		strings.HasSuffix(r.URL.Path, "/devices"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, authority.DeviceGroupsPath+"/"), "/devices")
		s.serveDevices(w, name)
	case r.Method == http.MethodGet && r.URL.Path == authority.DeviceCertificatesPath:
		s.mu.Lock()
		certificates := s.certificates
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"items": certificates})
	case r.Method == http.MethodPost && r.URL.Path == authority.TokenPath:
		s.serveToken(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "not found"})
	}
}

func (s *Server) serveDeviceInfo(w http.ResponseWriter) {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()
	if info.MachineID == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "no device info"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) serveGroups(w http.ResponseWriter) {
	s.mu.Lock()
	status := s.groupsStatus
	groups := make([]authority.DeviceGroup, 0, len(s.groupOrder))
	for _, name := range s.groupOrder {
		groups = append(groups, authority.DeviceGroup{GroupName: name})
	}
	s.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]any{"code": status, "message": "device groups unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": groups})
}

func (s *Server) serveDevices(w http.ResponseWriter, name string) {
	s.mu.Lock()
	gate := s.devicesGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	status := s.groupStatus[name]
	devices, exists := s.members[name]
	s.mu.Unlock()
	switch {
	case status != 0:
		writeJSON(w, status, map[string]any{"code": status, "message": "group unavailable"})
	case !exists:
		writeJSON(w, http.StatusNotFound, map[string]any{"code": 404, "message": "no such group"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"items": devices})
	}
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Address == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "message": "address is required"})
		return
	}

	s.mu.Lock()
	drop := s.tokenDrop[request.Address]
	status := s.tokenStatus[request.Address]
	token, fixed := s.tokens[request.Address]
	s.mu.Unlock()

	if drop {
		if hijacker, ok := w.(http.Hijacker); ok {
			if conn, _, err := hijacker.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		status = http.StatusBadGateway
	}
	if status != 0 {
		writeJSON(w, status, map[string]any{"code": status, "message": "no token for " + request.Address})
		return
	}
	if !fixed {
		token = map[string]any{
			"token":     "tok-" + request.Address,
			"address":   request.Address,
			"timestamp": TokenTimestamp,
		}
	}
	writeJSON(w, http.StatusOK, token)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}
