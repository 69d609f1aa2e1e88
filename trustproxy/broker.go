// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
)

const defaultTokenTimeout = 10 * time.Second

// TokenMinter mints trust tokens. The authority client implements it.
type TokenMinter interface {
	MintToken(ctx context.Context, address string) (map[string]any, error)
}

// BrokerConfig holds configuration for creating a TokenBroker.
type BrokerConfig struct {
	// Minter is the local authority.
	Minter TokenMinter

	// Timeout bounds one token request. Defaults to 10s.
	Timeout time.Duration

	// CredentialField names the token field fingerprinted in logs. The
	// whole token is fingerprinted when the field is absent.
	CredentialField string

	Metrics *Metrics
	Logger  *slog.Logger
}

// TokenBroker obtains a fresh trust token for every request. Tokens are
// short-lived and never cached.
type TokenBroker struct {
	minter          TokenMinter
	timeout         time.Duration
	credentialField string
	metrics         *Metrics
	logger          *slog.Logger
}

// NewTokenBroker creates a TokenBroker.
func NewTokenBroker(config BrokerConfig) (*TokenBroker, error) {
	if config.Minter == nil {
		return nil, fmt.Errorf("token minter is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTokenTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBroker{
		minter:          config.Minter,
		timeout:         timeout,
		credentialField: config.CredentialField,
		metrics:         config.Metrics,
		logger:          logger,
	}, nil
}

// Token requests a token scoped to address. Every failure (network error,
// deadline, error status, unparsable body) is reported as
// ErrCredentialUnavailable: to the caller the peer is currently untrustable.
func (b *TokenBroker) Token(ctx context.Context, address string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.minter.MintToken(ctx, address)
	if err != nil {
		b.metrics.token(false)
		b.logger.Warn("trust token unavailable", "address", address, "error", err)
		return nil, fmt.Errorf("%w for %s: %v", ErrCredentialUnavailable, address, err)
	}

	token := Token(raw)
	b.metrics.token(true)
	b.logger.Debug("trust token issued",
		"address", address,
		"fingerprint", b.fingerprint(token),
	)
	return token, nil
}

// fingerprint identifies a token in logs without revealing it.
func (b *TokenBroker) fingerprint(token Token) string {
	material := []byte(token.Field(b.credentialField))
	if len(material) == 0 {
		material, _ = json.Marshal(token)
	}
	sum := blake3.Sum256(material)
	return hex.EncodeToString(sum[:6])
}
