// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Trustproxy brokers trust tokens for the peer devices this node trusts and
// performs requests against them on a caller's behalf.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/trustproxy/lib/version"
	"github.com/bureau-foundation/trustproxy/trustproxy"
)

const binaryName = "trustproxy"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddress string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (defaults apply when omitted)")
	flagSet.StringVar(&listenAddress, "listen", "", "TCP listen address, overriding the config file")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		version.Print(binaryName)
		return nil
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	config, err := loadConfig(configPath, listenAddress)
	if err != nil {
		return err
	}

	logger.Info("starting trustproxy",
		"version", version.Info(),
		"listen_address", config.ListenAddress,
		"worker_path", config.WorkerPath,
		"authority", config.Authority.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proxy, err := assemble(ctx, config, logger)
	if err != nil {
		return err
	}
	if err := proxy.server.Listen(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	if err := proxy.server.Run(ctx); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig reads configPath (or the defaults when empty) and applies
// flag overrides.
func loadConfig(configPath, listenAddress string) (*trustproxy.Config, error) {
	var config *trustproxy.Config
	if configPath != "" {
		loaded, err := trustproxy.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		config = loaded
	} else {
		defaults := trustproxy.DefaultConfig()
		config = &defaults
	}
	if listenAddress != "" {
		config.ListenAddress = listenAddress
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func parseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(value))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", value, err)
	}
	return level, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Trustproxy hands out trust tokens for the peer devices this node trusts,
and performs HTTPS requests against those peers on a caller's behalf.

Peers are discovered from the local authority's device groups whose names
start with the configured prefix (default TrustProxy).

Usage:
  trustproxy [flags]

Examples:
  # Serve with defaults on 127.0.0.1:8110
  trustproxy

  # Serve with a config file and debug logging
  trustproxy --config /etc/trustproxy.yaml --log-level debug

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
