package collector

import (
	"context"
	"errors"
	"net"
	"net/http"
)

type errKind int

const (
	kindTransient errKind = iota
	kindPermanent
)

// Error wraps a collector failure with its retry category.
type Error struct {
	kind errKind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Transient wraps an error that should cause a backoff-and-retry (timeouts,
// resets, upstream throttling).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kindTransient, err: err}
}

// Permanent wraps an error that retrying cannot fix (bad query, source
// misconfiguration).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kindPermanent, err: err}
}

// IsTransient reports whether the error is a categorized transient failure.
// Uncategorized network-ish errors (net timeouts, cancelled contexts) count
// as transient too, so an adapter that forgets to wrap still retries.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind == kindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether the error is a categorized permanent failure.
func IsPermanent(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind == kindPermanent
	}
	return false
}

// classifyStatus maps an upstream HTTP status to the retry taxonomy:
// throttling and server errors retry, client errors do not.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return Transient(err)
	case status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
