// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/identity"
	"github.com/bureau-foundation/trustproxy/lib/version"
	"github.com/bureau-foundation/trustproxy/trustproxy"
)

// components is the assembled proxy.
type components struct {
	identity   *identity.Resolver
	directory  *trustproxy.Directory
	dispatcher *trustproxy.Dispatcher
	registry   *prometheus.Registry
	server     *trustproxy.Server
}

// assemble wires every component from config. The self identity is
// resolved up front; failing to resolve it is fatal when the config
// requires it.
func assemble(ctx context.Context, config *trustproxy.Config, logger *slog.Logger) (*components, error) {
	userAgent := version.UserAgent(binaryName)

	authorityClient, err := authority.New(authority.Config{
		BaseURL:     config.Authority.BaseURL,
		Credentials: config.AuthorityCredentials(),
		Timeout:     config.Authority.Timeout,
		UserAgent:   userAgent,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating authority client: %w", err)
	}

	resolver := identity.NewResolver(config.Identity.File, authorityClient, logger)
	machineID, err := resolver.Resolve(ctx)
	switch {
	case err == nil:
		logger.Info("self identity resolved", "machine_id", machineID)
	case errors.Is(err, context.Canceled):
		return nil, err
	case config.Identity.Required:
		return nil, fmt.Errorf("resolving self identity: %w", err)
	default:
		logger.Warn("self identity unavailable, this node will not be filtered from its peers", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := trustproxy.NewMetrics(registry)

	directory, err := trustproxy.NewDirectory(trustproxy.DirectoryConfig{
		Source:         authorityClient,
		Self:           resolver,
		GroupPrefix:    config.Directory.GroupPrefix,
		RebuildTimeout: config.Directory.RebuildTimeout,
		MaxConcurrency: config.Directory.MaxConcurrency,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	broker, err := trustproxy.NewTokenBroker(trustproxy.BrokerConfig{
		Minter:          authorityClient,
		Timeout:         config.Token.Timeout,
		CredentialField: config.Token.CredentialField,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	tlsConfig, err := config.TLSConfig()
	if err != nil {
		return nil, err
	}
	if config.Peers.InsecureSkipVerify {
		logger.Warn("peer certificate verification disabled")
	}
	transport := trustproxy.NewHTTPTransport(trustproxy.HTTPTransportConfig{
		Timeout:          config.Peers.Timeout,
		TLSConfig:        tlsConfig,
		CredentialHeader: config.Peers.CredentialHeader,
		CredentialField:  config.Token.CredentialField,
		UserAgent:        userAgent,
		Logger:           logger,
	})

	dispatcher, err := trustproxy.NewDispatcher(trustproxy.DispatcherConfig{
		Directory:      directory,
		Broker:         broker,
		Transport:      transport,
		ExternalURL:    config.ResolvedExternalURL(),
		MaxConcurrency: config.Directory.MaxConcurrency,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	handler := trustproxy.NewHandler(trustproxy.HandlerConfig{
		Dispatcher: dispatcher,
		Directory:  directory,
		WorkerPath: config.WorkerPath,
		Gatherer:   registry,
		Metrics:    metrics,
		Logger:     logger,
	})

	server, err := trustproxy.NewServer(trustproxy.ServerConfig{
		Handler:         handler,
		ListenAddress:   config.ListenAddress,
		SocketPath:      config.SocketPath,
		AdminSocketPath: config.AdminSocketPath,
		ShutdownTimeout: config.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &components{
		identity:   resolver,
		directory:  directory,
		dispatcher: dispatcher,
		registry:   registry,
		server:     server,
	}, nil
}
