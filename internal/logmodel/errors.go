// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPageToken is returned when a pagination token cannot be decoded
// or was produced by a different backend than the one consuming it. Callers
// restart the enumeration from the head.
var ErrInvalidPageToken = errors.New("invalid page token")

// ErrUnknownNamespace is returned when a name-based filter references a
// namespace the user model does not know.
var ErrUnknownNamespace = errors.New("unknown namespace")

// WriteError reports that a log entry failed to reach durable storage. It is
// the only write-path failure surfaced to request handlers, and only when
// the strict-logging policy demands it.
type WriteError struct {
	Kind string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s log entry: %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// InvalidRangeError reports an aggregation request spanning more than the
// permitted window. Surfaced to callers as a 4xx.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("aggregation range %s..%s exceeds %d days",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), MaxRangeDays)
}

// SearchTimeoutError reports that a Splunk search job exceeded its timeout.
// The job is cancelled best-effort before this is raised.
type SearchTimeoutError struct {
	Timeout time.Duration
}

func (e *SearchTimeoutError) Error() string {
	return fmt.Sprintf("search exceeded timeout of %s", e.Timeout)
}

// IterationTimeoutError reports that a single export batch exceeded the
// caller's max query time. The iterator is dead; restart with a fresh range.
type IterationTimeoutError struct {
	Elapsed time.Duration
}

func (e *IterationTimeoutError) Error() string {
	return fmt.Sprintf("log iteration timed out after %s", e.Elapsed)
}

// MappingError reports that one stored row could not be normalized into a
// Log. These are logged and the row skipped; they never fail a batch.
type MappingError struct {
	Err error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping log entry: %v", e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// MaxRangeDays bounds aggregation queries to roughly one month.
const MaxRangeDays = 32

// ValidateAggregationRange enforces the shared range bound for aggregated
// count queries across all backends.
func ValidateAggregationRange(start, end time.Time) error {
	if end.Sub(start) > MaxRangeDays*24*time.Hour {
		return &InvalidRangeError{Start: start, End: end}
	}
	return nil
}
