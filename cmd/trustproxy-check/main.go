// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/trustproxy/lib/authority"
	"github.com/bureau-foundation/trustproxy/lib/proxyclient"
	"github.com/bureau-foundation/trustproxy/lib/version"
)

const binaryName = "trustproxy-check"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		proxyURL      string
		socketPath    string
		authorityURL  string
		username      string
		password      string
		passwordFile  string
		cycles        int
		delay         time.Duration
		tokenLifetime time.Duration
		timeout       time.Duration
		colorMode     string
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&proxyURL, "proxy", "http://127.0.0.1:8110", "trust proxy origin")
	flagSet.StringVar(&socketPath, "socket", "", "trust proxy Unix socket (instead of --proxy)")
	flagSet.StringVar(&authorityURL, "authority", authority.DefaultBaseURL, "local authority base URL")
	flagSet.StringVar(&username, "username", "admin", "local authority username")
	flagSet.StringVar(&password, "password", "", "local authority password")
	flagSet.StringVar(&passwordFile, "password-file", "", "read the local authority password from this file")
	flagSet.IntVar(&cycles, "cycles", 0, "number of check cycles (0 runs until interrupted)")
	flagSet.DurationVar(&delay, "delay", 10*time.Second, "delay between cycles")
	flagSet.DurationVar(&tokenLifetime, "token-lifetime", 600*time.Second, "validity of a trust token after its timestamp")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "bound on one check cycle")
	flagSet.StringVar(&colorMode, "color", "auto", "color output: auto, always, never")
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
	if cycles < 0 {
		return fmt.Errorf("--cycles must not be negative")
	}

	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return fmt.Errorf("reading password file: %w", err)
		}
		password = strings.TrimRight(string(data), "\r\n")
	}

	color, err := useColor(colorMode, os.Stdout)
	if err != nil {
		return err
	}

	logger := newCommandLogger()
	userAgent := version.UserAgent(binaryName)

	authorityClient, err := authority.New(authority.Config{
		BaseURL:     authorityURL,
		Credentials: authority.StaticCredentials{Username: username, Password: password},
		UserAgent:   userAgent,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	proxyConfig := proxyclient.Config{UserAgent: userAgent}
	if socketPath != "" {
		proxyConfig.SocketPath = socketPath
	} else {
		proxyConfig.BaseURL = proxyURL
	}
	proxy, err := proxyclient.New(proxyConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := &loop{
		checker: &Checker{
			Authority:     authorityClient,
			Proxy:         proxy,
			Clock:         clock.New(),
			TokenLifetime: tokenLifetime,
		},
		printer: newPrinter(os.Stdout, color),
		clock:   clock.New(),
		cycles:  cycles,
		delay:   delay,
		timeout: timeout,
		logger:  logger,
	}
	loop.Run(ctx)
	return nil
}

// loop runs check cycles until the count is reached or ctx ends. A failed
// cycle is reported and the next one proceeds.
type loop struct {
	checker *Checker
	printer *printer
	clock   clock.Clock
	cycles  int
	delay   time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// Run returns the number of cycles completed.
func (l *loop) Run(ctx context.Context) int {
	completed := 0
	for l.cycles == 0 || completed < l.cycles {
		cycleCtx, cancel := context.WithTimeout(ctx, l.timeout)
		report, err := l.checker.Check(cycleCtx)
		cancel()
		if ctx.Err() != nil {
			return completed
		}
		if err != nil {
			l.logger.Debug("check cycle failed", "cycle", completed+1, "error", err)
			l.printer.Failure(err)
		} else {
			l.printer.Report(report)
		}
		completed++

		if l.cycles != 0 && completed == l.cycles {
			break
		}
		select {
		case <-ctx.Done():
			return completed
		case <-l.clock.After(l.delay):
		}
	}
	return completed
}

// useColor decides whether to color output written to file.
func useColor(mode string, file *os.File) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		return term.IsTerminal(int(file.Fd())), nil
	}
	return false, fmt.Errorf("invalid --color %q: want auto, always or never", mode)
}

// newCommandLogger logs human-readable text to a terminal and JSON
// otherwise.
func newCommandLogger() *slog.Logger {
	var output io.Writer = os.Stderr
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(output, options))
	}
	return slog.New(slog.NewJSONHandler(output, options))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Trustproxy-check reports which peers this device holds trust tokens for
and whether each of those peers trusts this device back.

Usage:
  trustproxy-check [flags]

Examples:
  # Check once against the default proxy and authority
  trustproxy-check --cycles 1

  # Poll every 30 seconds through the proxy's Unix socket
  trustproxy-check --socket /run/trustproxy/trustproxy.sock --delay 30s

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
