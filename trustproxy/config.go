// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/identity"
)

// Config is the top-level configuration for the trust proxy.
type Config struct {
	// ListenAddress is the TCP address of the public API.
	// Defaults to 127.0.0.1:8110.
	ListenAddress string `yaml:"listen_address"`

	// SocketPath is an optional Unix socket serving the public API.
	SocketPath string `yaml:"socket_path"`

	// AdminSocketPath is an optional Unix socket for directory
	// inspection, refresh and invalidation.
	AdminSocketPath string `yaml:"admin_socket_path"`

	// WorkerPath is the URL path of the proxy endpoints.
	WorkerPath string `yaml:"worker_path"`

	// ExternalURL is this proxy's own URL, sent as the Referer of every
	// outbound peer request. Defaults to http://<listen_address><worker_path>.
	ExternalURL string `yaml:"external_url"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Authority AuthorityConfig   `yaml:"authority"`
	Identity  IdentityConfig    `yaml:"identity"`
	Directory DirectorySettings `yaml:"directory"`
	Token     TokenConfig       `yaml:"token"`
	Peers     PeerConfig        `yaml:"peers"`
}

// AuthorityConfig locates the local management authority.
type AuthorityConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PasswordFile, when set, is read at load time and replaces Password.
	// A trailing newline is trimmed.
	PasswordFile string `yaml:"password_file"`

	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig controls self-identity resolution.
type IdentityConfig struct {
	// File holds this node's machine id. When missing, the authority's
	// device-info is asked instead.
	File string `yaml:"file"`

	// Required makes an unresolvable identity fatal at startup. When
	// false the proxy runs without filtering itself from the peer set.
	Required bool `yaml:"required"`
}

// DirectorySettings controls trusted-peer discovery.
type DirectorySettings struct {
	GroupPrefix    string        `yaml:"group_prefix"`
	RebuildTimeout time.Duration `yaml:"rebuild_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// TokenConfig controls token acquisition.
type TokenConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// CredentialField is the token field presented to peers.
	CredentialField string `yaml:"credential_field"`
}

// PeerConfig controls outbound peer connections.
type PeerConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// CredentialHeader carries the trust token to the peer.
	CredentialHeader string `yaml:"credential_header"`

	// CAFile is a PEM bundle of roots trusted for peer certificates. When
	// empty the system roots are used.
	CAFile string `yaml:"ca_file"`

	// ServerName overrides the TLS server name checked against peer
	// certificates.
	ServerName string `yaml:"server_name"`

	// InsecureSkipVerify disables peer certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// DefaultConfig returns the configuration used for every field a config
// file leaves unset.
func DefaultConfig() Config {
	return Config{
		ListenAddress:   "127.0.0.1:8110",
		WorkerPath:      DefaultWorkerPath,
		ShutdownTimeout: defaultShutdownTimeout,
		Authority: AuthorityConfig{
			BaseURL:  authority.DefaultBaseURL,
			Username: "admin",
			Timeout:  authority.DefaultTimeout,
		},
		Identity: IdentityConfig{
			File:     identity.DefaultFile,
			Required: true,
		},
		Directory: DirectorySettings{
			GroupPrefix:    DefaultGroupPrefix,
			RebuildTimeout: defaultRebuildTimeout,
			MaxConcurrency: defaultMaxConcurrency,
		},
		Token: TokenConfig{
			Timeout:         defaultTokenTimeout,
			CredentialField: DefaultCredentialField,
		},
		Peers: PeerConfig{
			Timeout:          defaultPeerTimeout,
			CredentialHeader: DefaultCredentialHeader,
		},
	}
}

// LoadConfig loads a configuration from a YAML file over DefaultConfig and
// validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration over DefaultConfig and validates
// it.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if config.Authority.PasswordFile != "" {
		password, err := os.ReadFile(config.Authority.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading authority password file: %w", err)
		}
		config.Authority.Password = strings.TrimRight(string(password), "\r\n")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddress == "" && c.SocketPath == "" {
		return fmt.Errorf("listen_address or socket_path is required")
	}
	if c.WorkerPath == "" || !strings.HasPrefix(c.WorkerPath, "/") {
		return fmt.Errorf("worker_path %q must be an absolute path", c.WorkerPath)
	}
	if c.ExternalURL != "" {
		if _, err := url.Parse(c.ExternalURL); err != nil {
			return fmt.Errorf("external_url: %w", err)
		}
	}

	base, err := url.Parse(c.Authority.BaseURL)
	if err != nil {
		return fmt.Errorf("authority.base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("authority.base_url %q must be an http(s) URL", c.Authority.BaseURL)
	}

	if c.Directory.GroupPrefix == "" {
		return fmt.Errorf("directory.group_prefix is required")
	}
	if c.Directory.MaxConcurrency < 0 {
		return fmt.Errorf("directory.max_concurrency must not be negative")
	}

	for name, value := range map[string]time.Duration{
		"shutdown_timeout":          c.ShutdownTimeout,
		"authority.timeout":         c.Authority.Timeout,
		"directory.rebuild_timeout": c.Directory.RebuildTimeout,
		"token.timeout":             c.Token.Timeout,
		"peers.timeout":             c.Peers.Timeout,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Peers.CredentialHeader == "" {
		return fmt.Errorf("peers.credential_header is required")
	}
	return nil
}

// ResolvedExternalURL returns ExternalURL, or the URL derived from the
// listen address and worker path when it is unset.
func (c *Config) ResolvedExternalURL() string {
	if c.ExternalURL != "" {
		return c.ExternalURL
	}
	if c.ListenAddress == "" {
		return ""
	}
	return "http://" + c.ListenAddress + c.WorkerPath
}

// AuthorityCredentials returns the basic-auth pair for the authority.
func (c *Config) AuthorityCredentials() authority.Credentials {
	return authority.StaticCredentials{
		Username: c.Authority.Username,
		Password: c.Authority.Password,
	}
}

// TLSConfig builds the client TLS configuration for peer connections.
func (c *Config) TLSConfig() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.Peers.ServerName,
		InsecureSkipVerify: c.Peers.InsecureSkipVerify,
	}
	if c.Peers.CAFile != "" {
		pem, err := os.ReadFile(c.Peers.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading peers.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("peers.ca_file %s contains no certificates", c.Peers.CAFile)
		}
		config.RootCAs = pool
	}
	return config, nil
}
