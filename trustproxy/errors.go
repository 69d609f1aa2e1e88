// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPeerUnknown means the target is not in the directory even after a
	// rebuild.
	ErrPeerUnknown = errors.New("not a trusted device")

	// ErrCredentialUnavailable means the authority could not mint a token
	// for a peer believed to be trusted.
	ErrCredentialUnavailable = errors.New("trust token unavailable")

	// ErrUpstreamTransport means a call to a peer failed at the network
	// layer.
	ErrUpstreamTransport = errors.New("upstream transport failure")
)

// StatusError is a request failure with the HTTP status reported to the
// caller.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status for err: the code of a wrapped
// StatusError, otherwise 500.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	return http.StatusInternalServerError
}

func notTrustedError(target string) *StatusError {
	return &StatusError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("target %s is not a trusted device", target),
		Err:     ErrPeerUnknown,
	}
}

func noTokenError(target string, cause error) *StatusError {
	return &StatusError{
		Code:    http.StatusInternalServerError,
		Message: fmt.Sprintf("target %s has no token", target),
		Err:     fmt.Errorf("%w: %w", ErrCredentialUnavailable, cause),
	}
}

func requestFailedError(uri string, cause error) *StatusError {
	return &StatusError{
		Code:    http.StatusInternalServerError,
		Message: fmt.Sprintf("request to %s failed: %v", uri, cause),
		Err:     fmt.Errorf("%w: %w", ErrUpstreamTransport, cause),
	}
}

func badRequestError(format string, args ...any) *StatusError {
	return &StatusError{
		Code:    http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}
