// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package splunkmodel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
	"github.com/lmerrick/auditpipe/internal/splunk"
)

// splunkTokenPayload is the offset cursor. Splunk result windows are plain
// offset/count reads over a completed job, so offsets are the natural
// continuation.
type splunkTokenPayload struct {
	Offset     int `json:"offset"`
	PageNumber int `json:"page"`
}

// translateErr maps search client timeouts onto the model's error taxonomy.
func (m *Model) translateErr(err error) error {
	if errors.Is(err, splunk.ErrSearchTimeout) {
		return &logmodel.SearchTimeoutError{Timeout: m.cfg.SearchTimeout}
	}
	return err
}

// LookupLogs returns one page in [start, end), newest first, using offset
// pagination over the search job results.
func (m *Model) LookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	started := time.Now()
	page, err := m.lookupLogs(ctx, start, end, filter, pageToken, maxPageCount)
	metrics.RecordLookup(backendName, "lookup", time.Since(started), err)
	return page, err
}

func (m *Model) lookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	if err := logmodel.CheckTokenBackend(pageToken, logmodel.BackendSplunk); err != nil {
		return nil, err
	}
	var cursor splunkTokenPayload
	if pageToken != nil {
		if err := pageToken.DecodeInto(&cursor); err != nil {
			return nil, err
		}
	}
	if maxPageCount > 0 && cursor.PageNumber+1 > maxPageCount {
		return &logmodel.LogEntriesPage{}, nil
	}

	query := m.buildSPL(start, end, filter, "")
	rows, err := m.search.Search(ctx, query, cursor.Offset, logmodel.PageSize+1)
	if err != nil {
		return nil, m.translateErr(err)
	}

	page := &logmodel.LogEntriesPage{}
	if len(rows) > logmodel.PageSize {
		rows = rows[:logmodel.PageSize]
		token, err := logmodel.NewPageToken(logmodel.BackendSplunk, splunkTokenPayload{
			Offset:     cursor.Offset + logmodel.PageSize,
			PageNumber: cursor.PageNumber + 1,
		})
		if err != nil {
			return nil, err
		}
		page.NextPageToken = token
	}

	m.mapper.ClearCache()
	logs, err := m.mapper.MapBatch(ctx, rows)
	if err != nil {
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
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -logmodel.MaxRangeDays)

	query := m.buildSPL(start, end, filter, "")
	rows, err := m.search.Search(ctx, query, 0, size)
	if err != nil {
		return nil, m.translateErr(err)
	}
	m.mapper.ClearCache()
	return m.mapper.MapBatch(ctx, rows)
}

// aggregationPipeline buckets events by kind and calendar day server-side.
const aggregationPipeline = `| eval log_date=strftime(_time, "%Y-%m-%d") | stats count by kind, log_date`

// GetAggregatedLogCounts buckets entries by kind and calendar day with one
// stats pipeline.
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

	query := m.buildSPL(start, end, filter, aggregationPipeline)
	rows, err := m.search.Search(ctx, query, 0, 0)
	if err != nil {
		return nil, m.translateErr(err)
	}

	var out []logmodel.AggregatedLogCount
	for _, row := range rows {
		var bucket struct {
			Kind    string `json:"kind"`
			LogDate string `json:"log_date"`
			Count   int64  `json:"count,string"`
		}
		if err := json.Unmarshal(row, &bucket); err != nil {
			mappingErr := &logmodel.MappingError{Err: err}
			logging.Warn().Err(mappingErr).Msg("skipping unmappable aggregation row")
			continue
		}
		day, err := time.Parse("2006-01-02", bucket.LogDate)
		if err != nil {
			mappingErr := &logmodel.MappingError{Err: err}
			logging.Warn().Err(mappingErr).Msg("skipping aggregation row with bad date")
			continue
		}
		out = append(out, logmodel.AggregatedLogCount{
			KindID: m.kinds.LookupID(bucket.Kind),
			Count:  bucket.Count,
			Day:    day.UTC(),
		})
	}
	return out, nil
}

// countSearchTimeout bounds the per-day count search. Counts are advisory
// and degrade to zero on expiry, so they run under a tighter bound than
// full lookups.
const countSearchTimeout = 30 * time.Second

// CountRepositoryActions counts one repository's entries on one calendar
// day. A timed-out search degrades to zero.
func (m *Model) CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	started := time.Now()
	n, err := m.countRepositoryActions(ctx, repositoryID, day)
	if errors.Is(err, splunk.ErrSearchTimeout) {
		metrics.CountTimeouts.Inc()
		metrics.RecordLookup(backendName, "count", time.Since(started), nil)
		return 0, nil
	}
	metrics.RecordLookup(backendName, "count", time.Since(started), err)
	return n, err
}

func (m *Model) countRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	repo, err := m.repos.LookupRepository(ctx, repositoryID)
	if err != nil {
		return 0, fmt.Errorf("resolving repository: %w", err)
	}
	if repo == nil {
		return 0, nil
	}

	dayStart := day.UTC().Truncate(24 * time.Hour)
	filter := logmodel.LookupFilter{
		NamespaceName:  repo.NamespaceName,
		RepositoryName: repo.Name,
	}
	query := m.buildSPL(dayStart, dayStart.Add(24*time.Hour), filter, "| stats count")
	rows, err := m.search.SearchWithTimeout(ctx, query, 0, 0, countSearchTimeout)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var result struct {
		Count int64 `json:"count,string"`
	}
	if err := json.Unmarshal(rows[0], &result); err != nil {
		return 0, fmt.Errorf("decoding count result: %w", err)
	}
	return result.Count, nil
}

// YieldLogsForExport streams entries in [start, end) by walking result
// offsets in export-sized windows.
func (m *Model) YieldLogsForExport(ctx context.Context, start, end time.Time, opts logmodel.ExportOptions) (logmodel.LogBatchIterator, error) {
	maxQueryTime := opts.MaxQueryTime
	if maxQueryTime <= 0 {
		maxQueryTime = logmodel.DefaultMaxQueryTime
	}

	filter := logmodel.LookupFilter{}
	if opts.RepositoryID != 0 {
		repo, err := m.repos.LookupRepository(ctx, opts.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("resolving repository: %w", err)
		}
		if repo != nil {
			filter.NamespaceName = repo.NamespaceName
			filter.RepositoryName = repo.Name
		}
	}

	return &splunkBatchIterator{
		model:        m,
		query:        m.buildSPL(start, end, filter, ""),
		batchSize:    m.cfg.ExportBatchSize,
		maxQueryTime: maxQueryTime,
		started:      time.Now(),
	}, nil
}

type splunkBatchIterator struct {
	model        *Model
	query        string
	batchSize    int
	maxQueryTime time.Duration
	started      time.Time
	offset       int
	done         bool
}

func (it *splunkBatchIterator) Next(ctx context.Context) ([]logmodel.Log, bool, error) {
	if it.done {
		return nil, false, nil
	}
	if elapsed := time.Since(it.started); elapsed > it.maxQueryTime {
		it.done = true
		metrics.ExportTimeouts.Inc()
		return nil, false, &logmodel.IterationTimeoutError{Elapsed: elapsed}
	}

	rows, err := it.model.search.Search(ctx, it.query, it.offset, it.batchSize)
	if err != nil {
		it.done = true
		return nil, false, it.model.translateErr(err)
	}
	if len(rows) == 0 {
		it.done = true
		return nil, false, nil
	}
	if len(rows) < it.batchSize {
		it.done = true
	}
	it.offset += len(rows)

	it.model.mapper.ClearCache()
	logs, err := it.model.mapper.MapBatch(ctx, rows)
	if err != nil {
		it.done = true
		return nil, false, err
	}
	metrics.ExportBatchSize.Observe(float64(len(logs)))
	return logs, true, nil
}

// YieldLogRotationContexts yields nothing. Splunk enforces its own index
// retention; the pipeline never deletes from it.
func (m *Model) YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (logmodel.RotationContextIterator, error) {
	return emptyRotationIterator{}, nil
}

type emptyRotationIterator struct{}

func (emptyRotationIterator) Next(ctx context.Context) (logmodel.RotationContext, bool, error) {
	return nil, false, nil
}
