package domain

import (
	"errors"
	"fmt"
	"time"
)

// FaultKind classifies an operational error for propagation decisions.
// The kinds mirror the failure modes of the worker's external dependencies:
// transient faults and timeouts are retried with backoff, rate limits yield
// the caller, policy and auth faults surface immediately.
type FaultKind string

const (
	FaultTransient    FaultKind = "transient_io"
	FaultRateLimited  FaultKind = "rate_limited"
	FaultUnauthorized FaultKind = "unauthorized"
	FaultNotFound     FaultKind = "not_found"
	FaultMalformed    FaultKind = "malformed_data"
	FaultConflict     FaultKind = "concurrency_conflict"
	FaultTimeout      FaultKind = "timeout"
	FaultExhausted    FaultKind = "exhausted"
	FaultPolicy       FaultKind = "policy_rejection"
	FaultServiceDown  FaultKind = "external_service_down"
)

// Fault wraps an error with an operational kind and optional retry hint.
type Fault struct {
	Kind       FaultKind
	Op         string // operation that failed, e.g. "github.list_prs"
	RetryAfter time.Duration
	Err        error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault constructs a Fault wrapping err.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// RateLimitedFault constructs a rate-limit fault with a retry-after hint.
func RateLimitedFault(op string, retryAfter time.Duration, err error) *Fault {
	return &Fault{Kind: FaultRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the FaultKind from an error chain.
// Non-fault errors are classified as transient.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultTransient
}

// Retryable reports whether an error is worth retrying locally.
// Rate limits are handled by yielding to the limiter, not by naive retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case FaultTransient, FaultTimeout, FaultServiceDown:
		return true
	}
	return false
}
