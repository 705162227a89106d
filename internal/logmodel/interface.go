// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"context"
	"time"
)

// PageSize is the page length for paginated log lookups across backends.
const PageSize = 20

// DefaultMaxQueryTime bounds a single export batch when the caller does not
// specify one.
const DefaultMaxQueryTime = 300 * time.Second

// ActionOptions carries the optional parameters of LogAction.
type ActionOptions struct {
	// NamespaceName is the namespace the action occurred under.
	NamespaceName string

	// Performer is the acting user; nil for anonymous or system actions.
	Performer *User

	// IP is the caller address.
	IP string

	// Metadata is free-form structured context for the entry.
	Metadata map[string]interface{}

	// Repository is the affected repository, when already resolved. When
	// only RepositoryName is set, the backend resolves it against
	// NamespaceName (which must then also be set).
	Repository     *Repository
	RepositoryName string

	// Timestamp overrides the entry time; zero means now.
	Timestamp time.Time

	// IsFreeNamespace feeds the skip-logging predicate for pull actions.
	IsFreeNamespace bool
}

// LookupFilter selects entries for lookup and aggregation operations. At
// most one of PerformerName / RepositoryName / NamespaceName acts as the
// primary filter (a repository filter requires the namespace for
// resolution). FilterKinds names action kinds to exclude.
type LookupFilter struct {
	PerformerName  string
	RepositoryName string
	NamespaceName  string
	FilterKinds    []string
}

// ExportOptions bounds a YieldLogsForExport run.
type ExportOptions struct {
	RepositoryID int64
	NamespaceID  int64

	// MaxQueryTime is the budget for a single batch; exceeding it fails the
	// iterator with IterationTimeoutError. Zero means DefaultMaxQueryTime.
	MaxQueryTime time.Duration
}

// LogBatchIterator yields successive batches of entries for export. The
// iterator is restartable only via a fresh call, not by retrying Next.
type LogBatchIterator interface {
	// Next returns the next batch. ok is false once iteration is complete,
	// after which Next must not be called again.
	Next(ctx context.Context) (batch []Log, ok bool, err error)
}

// RotationBatch is one archive unit produced by a rotation context.
type RotationBatch struct {
	Logs              []Log
	SuggestedFilename string
}

// RotationContext scopes one deletable group of aged entries. Callers drain
// NextBatch, archive every batch, then finish with exactly one of Commit or
// Abort. Commit deletes the source rows or index; Abort preserves them for
// a later retry.
type RotationContext interface {
	NextBatch(ctx context.Context) (*RotationBatch, bool, error)
	Commit(ctx context.Context) error
	Abort()
}

// RotationContextIterator walks the rotation contexts for one cutoff date.
type RotationContextIterator interface {
	Next(ctx context.Context) (RotationContext, bool, error)
}

// ActionLogsModel is the uniform read/write contract over the audit log
// backends. All methods are safe for concurrent use.
type ActionLogsModel interface {
	// LogAction records a single action. It returns silently when the
	// skip-logging predicate matches, and fails with *WriteError otherwise
	// on any storage or producer failure not excused by the strict-logging
	// policy.
	LogAction(ctx context.Context, kindName string, opts ActionOptions) error

	// LookupLogs returns one page of entries in [start, end), newest first.
	// maxPageCount of zero means unbounded.
	LookupLogs(ctx context.Context, start, end time.Time, filter LookupFilter, pageToken *PageToken, maxPageCount int) (*LogEntriesPage, error)

	// LookupLatestLogs returns the most recent size entries matching the
	// filter, scanning a bounded recent window.
	LookupLatestLogs(ctx context.Context, filter LookupFilter, size int) ([]Log, error)

	// GetAggregatedLogCounts returns per-kind per-day counts over [start,
	// end). Fails with *InvalidRangeError beyond MaxRangeDays.
	GetAggregatedLogCounts(ctx context.Context, start, end time.Time, filter LookupFilter) ([]AggregatedLogCount, error)

	// CountRepositoryActions counts entries for one repository on one
	// calendar day. Returns 0 on backend timeout so dashboards degrade
	// instead of erroring.
	CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error)

	// YieldLogsForExport streams entries in [start, end) in batches.
	YieldLogsForExport(ctx context.Context, start, end time.Time, opts ExportOptions) (LogBatchIterator, error)

	// YieldLogRotationContexts walks groups of entries strictly older than
	// cutoff, each group sized around minLogsPerRotation.
	YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (RotationContextIterator, error)
}
