// Package errors defines the error taxonomy shared by ingestion and compilation.
// Callers import it under an alias (conventionally rerrors) to keep the
// standard library package available.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Wikid82/sigforge/internal/util"
)

// ConflictKind names what a ConflictError collided with.
type ConflictKind string

const (
	ConflictDuplicateSID   ConflictKind = "duplicate_sid"
	ConflictForeignSID     ConflictKind = "foreign_sid"
	ConflictThresholdScope ConflictKind = "threshold_scope"
)

// FetchError reports a failure to retrieve a source feed. No state has been
// mutated when a FetchError is returned.
type FetchError struct {
	Source    string
	URI       string
	Err       error
	Retryable bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch source %q from %s: %v", e.Source, util.RedactURL(e.URI), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError classifies err and wraps it.
func NewFetchError(source, uri string, err error) *FetchError {
	return &FetchError{Source: source, URI: uri, Err: err, Retryable: isTransient(err)}
}

// ParseError describes one malformed record of a feed. It is collected, never fatal.
type ParseError struct {
	Source   string
	Category string
	Line     int
	SID      int64
	Reason   string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		fmt.Fprintf(&b, "%s/", e.Source)
	}
	if e.Category != "" {
		b.WriteString(e.Category)
	}
	fmt.Fprintf(&b, ":%d", e.Line)
	if e.SID > 0 {
		fmt.Fprintf(&b, " sid %d", e.SID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// ConflictError rejects a single record or insert.
type ConflictError struct {
	Kind   ConflictKind
	SID    int64
	Detail string
}

func (e *ConflictError) Error() string {
	if e.SID > 0 {
		return fmt.Sprintf("conflict (%s) on sid %d: %s", e.Kind, e.SID, e.Detail)
	}
	return fmt.Sprintf("conflict (%s): %s", e.Kind, e.Detail)
}

// IntegrityError is a uniqueness violation raised by the persistence layer.
type IntegrityError struct {
	Entity string
	Field  string
	Err    error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s with this %s already exists", e.Entity, e.Field)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ValidationError carries the diagnostics of an external validator run.
type ValidationError struct {
	Diagnostics []string
}

func (e *ValidationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Diagnostics, "; ")
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsFetch reports whether err is (or wraps) a FetchError.
func IsFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// StatusError lets fetchers flag HTTP responses; 5xx and 429 are transient.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string { return "unexpected status " + e.Status }

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection refused", "connection reset", "temporary", "eof"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
