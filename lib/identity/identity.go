// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves this node's own machine identifier, which the
// trust proxy uses to keep itself out of its trusted-peer set.
//
// The identifier comes from a local identity file when one exists (as in
// containerized deployments), otherwise from the local authority's
// device-info record. The first successful resolution is cached for the
// life of the process; failures are not cached, so a later call retries.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/bureau-foundation/trustproxy/lib/authority"
)

// DefaultFile is where containerized deployments place the machine id.
const DefaultFile = "/machineId"

// ErrIdentityUnavailable is returned when neither the identity file nor the
// authority yields a machine id.
var ErrIdentityUnavailable = errors.New("machine identity unavailable")

// DeviceInfoSource is the subset of the authority client the resolver needs.
type DeviceInfoSource interface {
	DeviceInfo(ctx context.Context) (*authority.DeviceInfo, error)
}

// Resolver resolves and memoizes the machine id.
type Resolver struct {
	file      string
	authority DeviceInfoSource
	logger    *slog.Logger

	mu        sync.Mutex
	machineID string
}

// NewResolver creates a Resolver. An empty file disables the file source; a
// nil source disables the authority fallback.
func NewResolver(file string, source DeviceInfoSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		file:      file,
		authority: source,
		logger:    logger,
	}
}

// Resolve returns the machine id, resolving it on first use. Concurrent
// callers serialize behind a single resolution.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machineID != "" {
		return r.machineID, nil
	}

	machineID, err := r.resolveLocked(ctx)
	if err != nil {
		return "", err
	}
	r.machineID = machineID
	return machineID, nil
}

// Cached returns the memoized machine id without resolving. The boolean is
// false until a Resolve call has succeeded.
func (r *Resolver) Cached() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.machineID, r.machineID != ""
}

func (r *Resolver) resolveLocked(ctx context.Context) (string, error) {
	if r.file != "" {
		data, err := os.ReadFile(r.file)
		switch {
		case err == nil:
			machineID := Printable(string(data))
			if machineID != "" {
				r.logger.Info("machine id read from identity file", "path", r.file, "machine_id", machineID)
				return machineID, nil
			}
			r.logger.Warn("identity file holds no printable machine id", "path", r.file)
		case errors.Is(err, os.ErrNotExist):
		default:
			r.logger.Warn("reading identity file", "path", r.file, "error", err)
		}
	}

	if r.authority == nil {
		return "", ErrIdentityUnavailable
	}

	info, err := r.authority.DeviceInfo(ctx)
	if err != nil {
		r.logger.Error("fetching device info", "error", err)
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if info.MachineID == "" {
		return "", fmt.Errorf("%w: device info has no machineId", ErrIdentityUnavailable)
	}
	r.logger.Info("machine id read from device info", "machine_id", info.MachineID)
	return info.MachineID, nil
}

// Printable drops every byte outside printable ASCII (space through tilde).
func Printable(raw string) string {
	var builder strings.Builder
	builder.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= ' ' && c <= '~' {
			builder.WriteByte(c)
		}
	}
	return builder.String()
}
