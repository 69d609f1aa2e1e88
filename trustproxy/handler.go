// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/trustproxy/lib/netutil"
)

// DefaultWorkerPath is the URL path the proxy serves.
const DefaultWorkerPath = "/shared/TrustedProxy"

// Maximum proxy request body size. The body embeds the payload sent to the
// peer, so this is generous.
const maxRequestBodySize = 8 << 20

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// ErrorHeader marks an error response produced by the proxy itself, as
// opposed to a peer's error status relayed verbatim.
const ErrorHeader = "X-Trustproxy-Error"

// HandlerConfig holds configuration for creating a Handler.
type HandlerConfig struct {
	Dispatcher *Dispatcher
	Directory  *Directory

	// WorkerPath is the path of the proxy endpoints. Defaults to
	// DefaultWorkerPath.
	WorkerPath string

	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer

	Metrics *Metrics
	Logger  *slog.Logger
}

// Handler serves the proxy's HTTP API.
type Handler struct {
	dispatcher *Dispatcher
	directory  *Directory
	workerPath string
	gatherer   prometheus.Gatherer
	metrics    *Metrics
	logger     *slog.Logger
}

// errorResponse is the body of every error the proxy itself reports.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DirectoryStatus is the admin view of the directory cache.
type DirectoryStatus struct {
	Ready      bool         `json:"ready"`
	Generation uint64       `json:"generation"`
	Peers      []PeerRecord `json:"peers"`
}

// NewHandler creates a Handler.
func NewHandler(config HandlerConfig) *Handler {
	workerPath := strings.TrimRight(config.WorkerPath, "/")
	if workerPath == "" {
		workerPath = DefaultWorkerPath
	}
	if !strings.HasPrefix(workerPath, "/") {
		workerPath = "/" + workerPath
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: config.Dispatcher,
		directory:  config.Directory,
		workerPath: workerPath,
		gatherer:   config.Gatherer,
		metrics:    config.Metrics,
		logger:     logger,
	}
}

// Routes returns the public mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+h.workerPath, h.instrument("token", h.HandleToken))
	mux.HandleFunc("GET "+h.workerPath+"/{target}", h.instrument("token", h.HandleToken))
	mux.HandleFunc("POST "+h.workerPath, h.instrument("proxy", h.HandleProxy))
	mux.HandleFunc("POST "+h.workerPath+"/{target}", h.instrument("proxy", h.HandleProxy))
	mux.HandleFunc("GET /health", h.HandleHealth)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// AdminRoutes returns the admin mux: directory management plus every public
// route.
func (h *Handler) AdminRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/admin/directory", h.instrument("admin", h.HandleAdminDirectory))
	mux.HandleFunc("POST /v1/admin/directory/refresh", h.instrument("admin", h.HandleAdminRefresh))
	mux.HandleFunc("DELETE /v1/admin/directory", h.instrument("admin", h.HandleAdminInvalidate))
	mux.Handle("/", h.Routes())
	return mux
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleToken returns a trust token for the selected peer, or for every
// peer when no selector is given. The selector is taken from the targetHost
// query parameter, then targetUUID, then the path.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	selector := query.Get("targetHost")
	if selector == "" {
		selector = query.Get("targetUUID")
	}
	if selector == "" {
		selector = r.PathValue("target")
	}

	if selector == "" {
		tokens, err := h.dispatcher.Tokens(r.Context())
		if err != nil {
			h.sendError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, tokens)
		return
	}

	token, err := h.dispatcher.Token(r.Context(), selector)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// HandleProxy performs the described request against the peer named in
// the path (or the absolute uri, when the path names none) and relays the
// peer's response.
func (h *Handler) HandleProxy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var request ProxyRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&request); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.sendError(w, r, &StatusError{Code: http.StatusRequestEntityTooLarge, Message: "request body too large"})
			return
		}
		h.sendError(w, r, badRequestError("invalid request body: %v", err))
		return
	}

	response, err := h.dispatcher.Proxy(r.Context(), r.PathValue("target"), request, r.Header)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	// The request id is the proxy's own; a peer's value must not join it.
	requestID := w.Header().Get(RequestIDHeader)
	netutil.CopyHeader(w.Header(), response.Header)
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(response.StatusCode)
	if _, err := w.Write(response.Body); err != nil {
		logger := loggerFrom(r.Context(), h.logger)
		if netutil.IsExpectedCloseError(err) {
			logger.Debug("client went away before the proxied response was written", "error", err)
		} else {
			logger.Warn("writing proxied response", "error", err)
		}
	}
}

// HandleAdminDirectory reports the cached directory without rebuilding it.
func (h *Handler) HandleAdminDirectory(w http.ResponseWriter, r *http.Request) {
	peers, ready := h.directory.Snapshot()
	if peers == nil {
		peers = []PeerRecord{}
	}
	h.writeJSON(w, http.StatusOK, DirectoryStatus{
		Ready:      ready,
		Generation: h.directory.Generation(),
		Peers:      peers,
	})
}

// HandleAdminRefresh forces a rebuild and reports the result.
func (h *Handler) HandleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	peers, err := h.directory.Refresh(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	_, ready := h.directory.Snapshot()
	if peers == nil {
		peers = []PeerRecord{}
	}
	h.writeJSON(w, http.StatusOK, DirectoryStatus{
		Ready:      ready,
		Generation: h.directory.Generation(),
		Peers:      peers,
	})
}

// HandleAdminInvalidate clears the directory.
func (h *Handler) HandleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	h.directory.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// instrument attaches a request id and request-scoped logger, and records
// the request in metrics.
func (h *Handler) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		logger := h.logger.With("request_id", requestID, "operation", operation)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(withLogger(r.Context(), logger)))

		elapsed := time.Since(startTime)
		h.metrics.request(operation, recorder.status, elapsed)
		logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration", elapsed,
		)
	}
}

// sendError writes err as a JSON error body with its HTTP status.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	message := err.Error()
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		message = statusErr.Message
	} else if isCanceled(err) {
		status = http.StatusServiceUnavailable
		message = "request canceled before the trusted device directory was ready"
	}
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context(), h.logger).Warn("request failed", "status", status, "error", err)
	}
	w.Header().Set(ErrorHeader, "1")
	h.writeJSON(w, status, errorResponse{Code: status, Message: message})
}

// writeJSON encodes value as JSON into w. If encoding fails (typically
// because the client disconnected), the error is logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
