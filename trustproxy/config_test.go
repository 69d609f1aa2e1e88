// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bureau-foundation/trustproxy/lib/authority"
)

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), *config); diff != "" {
		t.Errorf("empty config differs from defaults (-want +got):\n%s", diff)
	}
	if !config.Identity.Required {
		t.Error("identity is not required by default")
	}
	if got := config.ResolvedExternalURL(); got != "http://127.0.0.1:8110/shared/TrustedProxy" {
		t.Errorf("ResolvedExternalURL = %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	directory := t.TempDir()
	passwordFile := filepath.Join(directory, "password")
	if err := os.WriteFile(passwordFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(directory, "trustproxy.yaml")
	data := `
listen_address: 0.0.0.0:9443
admin_socket_path: /run/trustproxy/admin.sock
external_url: https://mgmt.example/shared/TrustedProxy
authority:
  base_url: http://127.0.0.1:8100
  username: proxy
  password_file: ` + passwordFile + `
  timeout: 3s
identity:
  file: /etc/machine-id
  required: false
directory:
  group_prefix: Cluster
  rebuild_timeout: 1m
token:
  credential_field: sessionId
peers:
  credential_header: X-Session
  insecure_skip_verify: true
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := DefaultConfig()
	want.ListenAddress = "0.0.0.0:9443"
	want.AdminSocketPath = "/run/trustproxy/admin.sock"
	want.ExternalURL = "https://mgmt.example/shared/TrustedProxy"
	want.Authority = AuthorityConfig{
		BaseURL:      "http://127.0.0.1:8100",
		Username:     "proxy",
		Password:     "s3cret",
		PasswordFile: passwordFile,
		Timeout:      3 * time.Second,
	}
	want.Identity = IdentityConfig{File: "/etc/machine-id", Required: false}
	want.Directory.GroupPrefix = "Cluster"
	want.Directory.RebuildTimeout = time.Minute
	want.Token.CredentialField = "sessionId"
	want.Peers.CredentialHeader = "X-Session"
	want.Peers.InsecureSkipVerify = true
	if diff := cmp.Diff(want, *config); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}

	username, password := config.AuthorityCredentials().BasicAuth()
	if username != "proxy" || password != "s3cret" {
		t.Errorf("credentials = %q/%q", username, password)
	}
	tlsConfig, err := config.TLSConfig()
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("insecure_skip_verify not applied")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no listener", func(c *Config) { c.ListenAddress = "" }, "listen_address or socket_path"},
		{"relative worker path", func(c *Config) { c.WorkerPath = "shared/TrustedProxy" }, "worker_path"},
		{"authority scheme", func(c *Config) { c.Authority.BaseURL = "unix:///run/auth.sock" }, "authority.base_url"},
		{"empty prefix", func(c *Config) { c.Directory.GroupPrefix = "" }, "group_prefix"},
		{"negative timeout", func(c *Config) { c.Token.Timeout = -time.Second }, "token.timeout"},
		{"negative concurrency", func(c *Config) { c.Directory.MaxConcurrency = -1 }, "max_concurrency"},
		{"no credential header", func(c *Config) { c.Peers.CredentialHeader = "" }, "credential_header"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := DefaultConfig()
			test.mutate(&config)
			err := config.Validate()
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate = %v, want an error mentioning %q", err, test.wantErr)
			}
		})
	}

	config := DefaultConfig()
	config.ListenAddress = ""
	config.SocketPath = "/run/trustproxy.sock"
	if err := config.Validate(); err != nil {
		t.Errorf("socket-only config rejected: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
	if _, err := ParseConfig([]byte("listen_address: [")); err == nil {
		t.Error("ParseConfig of invalid YAML succeeded")
	}
	if _, err := ParseConfig([]byte("authority:\n  password_file: /nonexistent/password\n")); err == nil {
		t.Error("ParseConfig with a missing password file succeeded")
	}
}

func TestTLSConfigCAFile(t *testing.T) {
	directory := t.TempDir()
	empty := filepath.Join(directory, "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}

	config := DefaultConfig()
	config.Peers.CAFile = empty
	if _, err := config.TLSConfig(); err == nil {
		t.Error("TLSConfig accepted a CA file without certificates")
	}

	config.Peers.CAFile = filepath.Join(directory, "missing.pem")
	if _, err := config.TLSConfig(); err == nil {
		t.Error("TLSConfig accepted a missing CA file")
	}
}

func TestDefaultConfigUsesAuthorityDefaults(t *testing.T) {
	config := DefaultConfig()
	if config.Authority.BaseURL != authority.DefaultBaseURL || config.Authority.Timeout != authority.DefaultTimeout {
		t.Errorf("authority defaults = %+v", config.Authority)
	}
}
