// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
	"maunium.net/go/mautrix"
)

// ErrNotConfigured is returned by every operation of the null platform.
var ErrNotConfigured = errors.New("remote platform is not configured")

// TransientError is a remote failure that is worth retrying: a timeout, a
// rate limit, a server error or an open circuit breaker.
type TransientError struct {
	Op  string
	Err error
	// RetryAfter is the minimum delay the server asked for, if any.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps retryable errors in a TransientError and returns everything
// else as-is.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotConfigured) || IsTransient(err) {
		return err
	}
	if isTransientCause(err) {
		return &TransientError{Op: op, Err: err, RetryAfter: retryAfter(err)}
	}
	return err
}

func isTransientCause(err error) bool {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, mautrix.MLimitExceeded):
		return true
	}
	if status := httpStatus(err); status == 429 || status >= 500 {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func httpError(err error) *mautrix.HTTPError {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		return &httpErr
	}
	var httpErrPtr *mautrix.HTTPError
	if errors.As(err, &httpErrPtr) {
		return httpErrPtr
	}
	return nil
}

func httpStatus(err error) int {
	if httpErr := httpError(err); httpErr != nil && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	return 0
}

func retryAfter(err error) time.Duration {
	httpErr := httpError(err)
	if httpErr == nil || httpErr.RespError == nil {
		return 0
	}
	switch ms := httpErr.RespError.ExtraData["retry_after_ms"].(type) {
	case float64:
		return time.Duration(ms) * time.Millisecond
	case int:
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}
