// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// countTimeout bounds CountRepositoryActions before it degrades to zero.
const countTimeout = 30 * time.Second

// latestWindow bounds how far back LookupLatestLogs scans.
const latestWindow = 31 * 24 * time.Hour

// tableTokenPayload is the keyset cursor: strictly-before (datetime, id) in
// descending order.
type tableTokenPayload struct {
	Datetime   int64 `json:"dt"` // epoch millis of the last returned row
	ID         int64 `json:"id"` // row id of the last returned row
	PageNumber int   `json:"page"`
}

// LookupLogs returns one page in [start, end), newest first, using a
// (datetime, id) keyset cursor so pages stay stable under concurrent
// inserts.
func (m *Model) LookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	started := time.Now()
	page, err := m.lookupLogs(ctx, start, end, filter, pageToken, maxPageCount)
	metrics.RecordLookup(backendName, "lookup", time.Since(started), err)
	return page, err
}

func (m *Model) lookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	if err := logmodel.CheckTokenBackend(pageToken, logmodel.BackendDatabase); err != nil {
		return nil, err
	}
	var cursor tableTokenPayload
	if pageToken != nil {
		if err := pageToken.DecodeInto(&cursor); err != nil {
			return nil, err
		}
	}
	if maxPageCount > 0 && cursor.PageNumber+1 > maxPageCount {
		return &logmodel.LogEntriesPage{}, nil
	}

	conditions, args, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return &logmodel.LogEntriesPage{}, nil
	}

	conditions = append(conditions, "datetime >= ?", "datetime < ?")
	args = append(args, start, end)
	if pageToken != nil {
		conditions = append(conditions, "(datetime < ? OR (datetime = ? AND id < ?))")
		cursorTime := time.UnixMilli(cursor.Datetime).UTC()
		args = append(args, cursorTime, cursorTime, cursor.ID)
	}

	query := fmt.Sprintf(`SELECT %s FROM logentry WHERE %s ORDER BY datetime DESC, id DESC LIMIT %d`,
		logColumns, strings.Join(conditions, " AND "), logmodel.PageSize+1)
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs, ids, err := scanLogs(rows)
	if err != nil {
		return nil, err
	}

	page := &logmodel.LogEntriesPage{}
	if len(logs) > logmodel.PageSize {
		logs = logs[:logmodel.PageSize]
		ids = ids[:logmodel.PageSize]
		last := len(logs) - 1
		token, err := logmodel.NewPageToken(logmodel.BackendDatabase, tableTokenPayload{
			Datetime:   logs[last].Datetime.UnixMilli(),
			ID:         ids[last],
			PageNumber: cursor.PageNumber + 1,
		})
		if err != nil {
			return nil, err
		}
		page.NextPageToken = token
	}
	if err := m.fillIdentities(ctx, logs); err != nil {
		return nil, err
	}
	page.Logs = logs
	return page, nil
}

// LookupLatestLogs returns the newest size entries matching the filter from
// the recent window.
func (m *Model) LookupLatestLogs(ctx context.Context, filter logmodel.LookupFilter, size int) ([]logmodel.Log, error) {
	started := time.Now()
	logs, err := m.lookupLatestLogs(ctx, filter, size)
	metrics.RecordLookup(backendName, "latest", time.Since(started), err)
	return logs, err
}

func (m *Model) lookupLatestLogs(ctx context.Context, filter logmodel.LookupFilter, size int) ([]logmodel.Log, error) {
	if size <= 0 {
		size = logmodel.PageSize
	}
	conditions, args, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return nil, nil
	}
	conditions = append(conditions, "datetime >= ?")
	args = append(args, time.Now().UTC().Add(-latestWindow))

	query := fmt.Sprintf(`SELECT %s FROM logentry WHERE %s ORDER BY datetime DESC, id DESC LIMIT %d`,
		logColumns, strings.Join(conditions, " AND "), size)
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying latest log entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs, _, err := scanLogs(rows)
	if err != nil {
		return nil, err
	}
	if err := m.fillIdentities(ctx, logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// GetAggregatedLogCounts buckets entries by kind and calendar day.
func (m *Model) GetAggregatedLogCounts(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter) ([]logmodel.AggregatedLogCount, error) {
	started := time.Now()
	counts, err := m.getAggregatedLogCounts(ctx, start, end, filter)
	metrics.RecordLookup(backendName, "aggregate", time.Since(started), err)
	return counts, err
}

func (m *Model) getAggregatedLogCounts(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter) ([]logmodel.AggregatedLogCount, error) {
	if err := logmodel.ValidateAggregationRange(start, end); err != nil {
		return nil, err
	}
	conditions, args, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return nil, nil
	}
	conditions = append(conditions, "datetime >= ?", "datetime < ?")
	args = append(args, start, end)

	query := fmt.Sprintf(`
		SELECT kind_id, date_trunc('day', datetime) AS day, COUNT(*)
		FROM logentry
		WHERE %s
		GROUP BY kind_id, day
		ORDER BY day, kind_id`, strings.Join(conditions, " AND "))
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying aggregated counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []logmodel.AggregatedLogCount
	for rows.Next() {
		var bucket logmodel.AggregatedLogCount
		if err := rows.Scan(&bucket.KindID, &bucket.Day, &bucket.Count); err != nil {
			return nil, fmt.Errorf("scanning aggregated count: %w", err)
		}
		bucket.Day = bucket.Day.UTC()
		out = append(out, bucket)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating aggregated counts: %w", err)
	}
	return out, nil
}

// CountRepositoryActions counts one repository's entries on one calendar
// day. A query exceeding the count timeout degrades to zero so activity
// charts render instead of erroring.
func (m *Model) CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()

	dayStart := day.UTC().Truncate(24 * time.Hour)
	var n int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logentry WHERE repository_id = ? AND datetime >= ? AND datetime < ?`,
		repositoryID, dayStart, dayStart.Add(24*time.Hour)).Scan(&n)
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.CountTimeouts.Inc()
		metrics.RecordLookup(backendName, "count", time.Since(started), nil)
		return 0, nil
	}
	metrics.RecordLookup(backendName, "count", time.Since(started), err)
	if err != nil {
		return 0, fmt.Errorf("counting repository actions: %w", err)
	}
	return n, nil
}
