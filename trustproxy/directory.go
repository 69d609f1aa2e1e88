// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/trustproxy/lib/authority"
)

// DefaultGroupPrefix marks device groups whose members are trusted peers.
const DefaultGroupPrefix = "TrustProxy"

const (
	defaultRebuildTimeout = 30 * time.Second
	defaultMaxConcurrency = 16
)

// GroupSource enumerates device groups and their members.
type GroupSource interface {
	DeviceGroups(ctx context.Context) ([]authority.DeviceGroup, error)
	GroupDevices(ctx context.Context, groupName string) ([]authority.Device, error)
}

// SelfIdentity resolves this node's machine id.
type SelfIdentity interface {
	Resolve(ctx context.Context) (string, error)
}

// DirectoryConfig holds configuration for creating a Directory.
type DirectoryConfig struct {
	// Source is the local authority.
	Source GroupSource

	// Self excludes this node from the peer set. When nil, or when it
	// fails to resolve, no peer is filtered.
	Self SelfIdentity

	// GroupPrefix selects trust groups by name. Defaults to
	// DefaultGroupPrefix.
	GroupPrefix string

	// RebuildTimeout bounds one complete rebuild. Defaults to 30s.
	RebuildTimeout time.Duration

	// MaxConcurrency bounds concurrent member-listing calls. Defaults to 16.
	MaxConcurrency int

	Metrics *Metrics
	Logger  *slog.Logger
}

// Directory is the cache of trusted peers.
//
// The cache is either ready (a complete rebuild has been published) or
// empty. Every Invalidate starts a new generation; a rebuild publishes only
// if the generation it started in is still current, so a slow rebuild can
// never resurrect a cache that was invalidated while it ran. Concurrent
// rebuilds within one generation are coalesced into a single fan-out.
type Directory struct {
	source         GroupSource
	self           SelfIdentity
	groupPrefix    string
	rebuildTimeout time.Duration
	maxConcurrency int
	metrics        *Metrics
	logger         *slog.Logger

	flight singleflight.Group

	mu          sync.RWMutex
	generation  uint64
	ready       bool
	peers       []PeerRecord // sorted by machine id
	byMachineID map[string]int
	byAddress   map[string]int
}

// NewDirectory creates an empty Directory.
func NewDirectory(config DirectoryConfig) (*Directory, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("directory source is required")
	}
	prefix := config.GroupPrefix
	if prefix == "" {
		prefix = DefaultGroupPrefix
	}
	timeout := config.RebuildTimeout
	if timeout <= 0 {
		timeout = defaultRebuildTimeout
	}
	limit := config.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrency
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		source:         config.Source,
		self:           config.Self,
		groupPrefix:    prefix,
		rebuildTimeout: timeout,
		maxConcurrency: limit,
		metrics:        config.Metrics,
		logger:         logger,
	}, nil
}

// List returns the cached peers, rebuilding first when the cache is empty.
// The error is non-nil only when ctx ends before the rebuild completes;
// authority failures degrade to fewer (or no) peers.
func (d *Directory) List(ctx context.Context) ([]PeerRecord, error) {
	if peers, ok := d.Snapshot(); ok {
		return peers, nil
	}
	return d.rebuild(ctx, false)
}

// Refresh rebuilds the directory even when it is ready.
func (d *Directory) Refresh(ctx context.Context) ([]PeerRecord, error) {
	return d.rebuild(ctx, true)
}

// Cached looks key up as a machine id or address without rebuilding.
func (d *Directory) Cached(key string) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findLocked(key)
}

// Lookup finds the peer named by key (machine id or address). A miss
// triggers a rebuild: a lazy one when the cache is empty, a forced one
// otherwise, since the peer may have joined a trust group since the last
// rebuild.
func (d *Directory) Lookup(ctx context.Context, key string) (PeerRecord, bool, error) {
	d.mu.RLock()
	peer, found := d.findLocked(key)
	ready := d.ready
	d.mu.RUnlock()
	if found {
		return peer, true, nil
	}

	var peers []PeerRecord
	var err error
	if ready {
		peers, err = d.Refresh(ctx)
	} else {
		peers, err = d.List(ctx)
	}
	if err != nil {
		return PeerRecord{}, false, err
	}
	for _, candidate := range peers {
		if candidate.Matches(key) {
			return candidate, true, nil
		}
	}
	return PeerRecord{}, false, nil
}

// Invalidate clears the cache. The next access rebuilds it.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.generation++
	generation := d.generation
	d.ready = false
	d.peers = nil
	d.byMachineID = nil
	d.byAddress = nil
	d.mu.Unlock()

	d.metrics.invalidated()
	d.logger.Info("trusted device directory invalidated", "generation", generation)
}

// Snapshot returns the cached peers without rebuilding. The boolean is
// false when the cache is empty.
func (d *Directory) Snapshot() ([]PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ready {
		return nil, false
	}
	return slices.Clone(d.peers), true
}

// Generation returns the current cache generation.
func (d *Directory) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}

func (d *Directory) findLocked(key string) (PeerRecord, bool) {
	if !d.ready || key == "" {
		return PeerRecord{}, false
	}
	if index, ok := d.byMachineID[key]; ok {
		return d.peers[index], true
	}
	if index, ok := d.byAddress[key]; ok {
		return d.peers[index], true
	}
	return PeerRecord{}, false
}

// rebuild runs (or joins) the rebuild for the current generation. The
// fan-out is detached from ctx so that one caller giving up does not fail
// the others sharing it; ctx only bounds how long this caller waits.
func (d *Directory) rebuild(ctx context.Context, force bool) ([]PeerRecord, error) {
	generation := d.Generation()
	key := strconv.FormatUint(generation, 10)
	if force {
		key += "/refresh"
	}

	results := d.flight.DoChan(key, func() (any, error) {
		if !force {
			d.mu.RLock()
			current := d.ready && d.generation == generation
			peers := slices.Clone(d.peers)
			d.mu.RUnlock()
			if current {
				return peers, nil
			}
		}

		rebuildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.rebuildTimeout)
		defer cancel()

		peers, result := d.discover(rebuildCtx)
		if result != rebuildUnavailable && !d.publish(generation, peers) {
			result = rebuildStale
		}
		d.metrics.rebuild(result, len(peers))
		return peers, nil
	})

	select {
	case result := <-results:
		return slices.Clone(result.Val.([]PeerRecord)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rebuild results, as reported in metrics.
const (
	rebuildComplete = "complete"
	rebuildDegraded = "degraded"
	rebuildStale    = "stale"

	// rebuildUnavailable means the group listing itself failed. The empty
	// result is returned to waiting callers but not cached, so the next
	// access asks the authority again.
	rebuildUnavailable = "unavailable"
)

// discover queries the authority for trust groups and their members. Every
// branch is joined before returning; failed branches contribute nothing.
func (d *Directory) discover(ctx context.Context) ([]PeerRecord, string) {
	started := time.Now()
	result := rebuildComplete

	groups, err := d.source.DeviceGroups(ctx)
	if err != nil {
		d.logger.Error("no device groups found", "error", err)
		return nil, rebuildUnavailable
	}

	var trustGroups []string
	for _, group := range groups {
		if strings.HasPrefix(group.GroupName, d.groupPrefix) {
			trustGroups = append(trustGroups, group.GroupName)
		}
	}

	selfID := d.selfID(ctx)

	members := make([][]authority.Device, len(trustGroups))
	var (
		errorsMu sync.Mutex
		failures *multierror.Error
	)
	var fanout errgroup.Group
	fanout.SetLimit(d.maxConcurrency)
	for i, groupName := range trustGroups {
		fanout.Go(func() error {
			devices, err := d.source.GroupDevices(ctx, groupName)
			if err != nil {
				errorsMu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("group %s: %w", groupName, err))
				errorsMu.Unlock()
				return nil
			}
			members[i] = devices
			return nil
		})
	}
	fanout.Wait()

	if failures != nil {
		result = rebuildDegraded
		d.logger.Warn("trusted device rebuild degraded",
			"failed_groups", len(failures.Errors),
			"error", failures.Error(),
		)
	}

	byMachineID := make(map[string]*PeerRecord)
	for i, devices := range members {
		for _, device := range devices {
			if device.MachineID == "" || device.MachineID == selfID {
				continue
			}
			peer, exists := byMachineID[device.MachineID]
			if !exists {
				peer = &PeerRecord{
					MachineID: device.MachineID,
					Address:   device.Address,
					HTTPSPort: device.HTTPSPort,
				}
				byMachineID[device.MachineID] = peer
			}
			if !peer.InGroup(trustGroups[i]) {
				peer.Groups = append(peer.Groups, trustGroups[i])
			}
		}
	}

	peers := make([]PeerRecord, 0, len(byMachineID))
	for _, peer := range byMachineID {
		peers = append(peers, *peer)
	}
	slices.SortFunc(peers, func(a, b PeerRecord) int {
		return cmp.Compare(a.MachineID, b.MachineID)
	})

	d.logger.Info("trusted devices discovered",
		"trust_groups", len(trustGroups),
		"peers", len(peers),
		"result", result,
		"duration", time.Since(started),
	)
	return peers, result
}

func (d *Directory) selfID(ctx context.Context) string {
	if d.self == nil {
		return ""
	}
	machineID, err := d.self.Resolve(ctx)
	if err != nil {
		d.logger.Warn("self identity unknown, not filtering self from peers", "error", err)
		return ""
	}
	return machineID
}

// publish installs peers as the cache for generation. It reports false,
// leaving the cache untouched, when the directory was invalidated since
// the rebuild started.
func (d *Directory) publish(generation uint64, peers []PeerRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.generation != generation {
		d.logger.Debug("discarding stale directory rebuild",
			"rebuild_generation", generation,
			"current_generation", d.generation,
		)
		return false
	}

	byMachineID := make(map[string]int, len(peers))
	byAddress := make(map[string]int, len(peers))
	for i, peer := range peers {
		byMachineID[peer.MachineID] = i
		if peer.Address != "" {
			byAddress[peer.Address] = i
		}
	}
	d.peers = slices.Clone(peers)
	d.byMachineID = byMachineID
	d.byAddress = byAddress
	d.ready = true
	return true
}
