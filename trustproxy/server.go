// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/run"
)

const defaultShutdownTimeout = 10 * time.Second

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	Handler *Handler

	// ListenAddress is the TCP address of the public API (e.g.
	// "127.0.0.1:8110"). Port 0 picks a free port; see Server.Addr.
	ListenAddress string

	// SocketPath is an optional Unix socket serving the public API.
	SocketPath string

	// AdminSocketPath is an optional Unix socket serving the admin API
	// alongside the public one. When empty, admin endpoints are not
	// exposed.
	AdminSocketPath string

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server runs the proxy's listeners.
type Server struct {
	config ServerConfig

	httpServer  *http.Server
	adminServer *http.Server

	tcpListener   net.Listener
	unixListener  net.Listener
	adminListener net.Listener

	logger *slog.Logger
}

// NewServer creates a Server. Call Listen, then Run.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if config.ListenAddress == "" && config.SocketPath == "" {
		return nil, fmt.Errorf("a listen address or socket path is required")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		config: config,
		httpServer: &http.Server{
			Handler:           config.Handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
		},
		logger: logger,
	}
	if config.AdminSocketPath != "" {
		server.adminServer = &http.Server{
			Handler:           config.Handler.AdminRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
		}
	}
	return server, nil
}

// Listen opens every configured listener. On failure, listeners already
// opened are closed.
func (s *Server) Listen() error {
	if s.config.ListenAddress != "" {
		listener, err := net.Listen("tcp", s.config.ListenAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.config.ListenAddress, err)
		}
		s.tcpListener = listener
		s.logger.Info("trust proxy listening", "address", listener.Addr().String())
	}

	if s.config.SocketPath != "" {
		listener, err := listenUnix(s.config.SocketPath)
		if err != nil {
			s.Close()
			return err
		}
		s.unixListener = listener
		s.logger.Info("trust proxy listening", "socket", s.config.SocketPath)
	}

	if s.adminServer != nil {
		listener, err := listenUnix(s.config.AdminSocketPath)
		if err != nil {
			s.Close()
			return err
		}
		s.adminListener = listener
		s.logger.Info("trust proxy admin listening", "socket", s.config.AdminSocketPath)
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing existing socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return listener, nil
}

// Addr returns the TCP listener's address, or nil before Listen or when
// no TCP address is configured.
func (s *Server) Addr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// Run serves on every open listener until ctx is done or a listener
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.tcpListener == nil && s.unixListener == nil {
		return fmt.Errorf("server is not listening")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	for _, listener := range []net.Listener{s.tcpListener, s.unixListener} {
		if listener == nil {
			continue
		}
		s.addServer(&g, s.httpServer, listener)
	}
	if s.adminListener != nil {
		s.addServer(&g, s.adminServer, s.adminListener)
	}

	err := g.Run()
	s.removeSockets()
	s.logger.Info("trust proxy stopped")
	return err
}

func (s *Server) addServer(g *run.Group, server *http.Server, listener net.Listener) {
	g.Add(func() error {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown incomplete", "address", listener.Addr().String(), "error", err)
		}
	})
}

// Close closes every listener without waiting for in-flight requests.
func (s *Server) Close() error {
	var result *multierror.Error
	for _, listener := range []net.Listener{s.tcpListener, s.unixListener, s.adminListener} {
		if listener == nil {
			continue
		}
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	s.removeSockets()
	return result.ErrorOrNil()
}

func (s *Server) removeSockets() {
	for _, path := range []string{s.config.SocketPath, s.config.AdminSocketPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing socket", "socket", path, "error", err)
		}
	}
}
