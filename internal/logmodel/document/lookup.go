// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// countTimeout bounds CountRepositoryActions before it degrades to zero.
const countTimeout = 30 * time.Second

// latestWindowDays bounds how far back LookupLatestLogs walks day indices.
const latestWindowDays = 31

// documentTokenPayload is the search_after cursor across per-day indices.
type documentTokenPayload struct {
	SearchAfter []interface{} `json:"sa"`
	PageNumber  int           `json:"page"`
}

// sortClauses orders documents newest first with the random ID as a total
// order tiebreak, matching the sort values carried in page tokens.
func sortClauses() []map[string]interface{} {
	return []map[string]interface{}{
		elastic.SortBy("datetime", true),
		elastic.SortBy("random_id", true),
	}
}

// LookupLogs returns one page in [start, end), newest first, paginating with
// search_after across all per-day indices in range.
func (m *Model) LookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	started := time.Now()
	page, err := m.lookupLogs(ctx, start, end, filter, pageToken, maxPageCount)
	metrics.RecordLookup(backendName, "lookup", time.Since(started), err)
	return page, err
}

func (m *Model) lookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	pageToken, err := unwrapTransitionToken(pageToken)
	if err != nil {
		return nil, err
	}
	if err := logmodel.CheckTokenBackend(pageToken, logmodel.BackendElasticsearch); err != nil {
		return nil, err
	}
	var cursor documentTokenPayload
	if pageToken != nil {
		if err := pageToken.DecodeInto(&cursor); err != nil {
			return nil, err
		}
	}
	if maxPageCount > 0 && cursor.PageNumber+1 > maxPageCount {
		return &logmodel.LogEntriesPage{}, nil
	}

	repositoryID, accountID, performerID, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return &logmodel.LogEntriesPage{}, nil
	}

	indices, err := m.indicesForRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return &logmodel.LogEntriesPage{}, nil
	}

	req := &elastic.SearchRequest{
		Query:       m.buildQuery(start, end, repositoryID, accountID, performerID, filter.FilterKinds),
		Sort:        sortClauses(),
		SearchAfter: cursor.SearchAfter,
		Size:        elastic.IntPtr(logmodel.PageSize + 1),
	}
	resp, err := m.es.Search(ctx, indices, req)
	if err != nil {
		if elastic.IsNotFound(err) {
			return &logmodel.LogEntriesPage{}, nil
		}
		return nil, fmt.Errorf("searching log entries: %w", err)
	}

	hits := resp.Hits.Hits
	page := &logmodel.LogEntriesPage{}
	if len(hits) > logmodel.PageSize {
		hits = hits[:logmodel.PageSize]
		last := hits[len(hits)-1]
		token, err := logmodel.NewPageToken(logmodel.BackendElasticsearch, documentTokenPayload{
			SearchAfter: last.Sort,
			PageNumber:  cursor.PageNumber + 1,
		})
		if err != nil {
			return nil, err
		}
		page.NextPageToken = token
	}

	logs := decodeHits(hits)
	if err := logmodel.FillIdentities(ctx, m.users, logs); err != nil {
		return nil, fmt.Errorf("resolving user identities: %w", err)
	}
	page.Logs = logs
	return page, nil
}

// LookupLatestLogs returns the newest size entries matching the filter,
// walking day indices newest first until the quota is filled.
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
	repositoryID, accountID, performerID, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return nil, nil
	}

	end := time.Now().UTC().Add(24 * time.Hour)
	start := end.AddDate(0, 0, -latestWindowDays-1)
	indices, err := m.indicesForRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var logs []logmodel.Log
	// Newest index first so most requests are satisfied by a single query.
	for _, index := range indices {
		if len(logs) >= size {
			break
		}
		req := &elastic.SearchRequest{
			Query: m.buildQuery(start, end, repositoryID, accountID, performerID, filter.FilterKinds),
			Sort:  sortClauses(),
			Size:  elastic.IntPtr(size - len(logs)),
		}
		resp, err := m.es.Search(ctx, []string{index}, req)
		if err != nil {
			if elastic.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("searching latest log entries: %w", err)
		}
		logs = append(logs, decodeHits(resp.Hits.Hits)...)
	}
	if err := logmodel.FillIdentities(ctx, m.users, logs); err != nil {
		return nil, fmt.Errorf("resolving user identities: %w", err)
	}
	return logs, nil
}

// GetAggregatedLogCounts buckets entries by kind and calendar day with a
// terms aggregation nested over a date histogram.
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
	repositoryID, accountID, performerID, matchesNothing, err := m.resolveFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	if matchesNothing {
		return nil, nil
	}
	indices, err := m.indicesForRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, nil
	}

	req := &elastic.SearchRequest{
		Query: m.buildQuery(start, end, repositoryID, accountID, performerID, filter.FilterKinds),
		Size:  elastic.IntPtr(0),
		Aggs: map[string]interface{}{
			"by_kind": elastic.TermsAgg("kind_id", m.kinds.Len()+1, "by_day",
				elastic.DateHistogramAgg("datetime", "day")),
		},
	}
	resp, err := m.es.Search(ctx, indices, req)
	if err != nil {
		if elastic.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("aggregating log counts: %w", err)
	}

	var aggs struct {
		ByKind struct {
			Buckets []struct {
				Key   int `json:"key"`
				ByDay struct {
					Buckets []struct {
						Key      int64 `json:"key"`
						DocCount int64 `json:"doc_count"`
					} `json:"buckets"`
				} `json:"by_day"`
			} `json:"buckets"`
		} `json:"by_kind"`
	}
	if len(resp.Aggregations) > 0 {
		if err := json.Unmarshal(resp.Aggregations, &aggs); err != nil {
			return nil, fmt.Errorf("decoding aggregation response: %w", err)
		}
	}

	var out []logmodel.AggregatedLogCount
	for _, kindBucket := range aggs.ByKind.Buckets {
		for _, dayBucket := range kindBucket.ByDay.Buckets {
			if dayBucket.DocCount == 0 {
				continue
			}
			out = append(out, logmodel.AggregatedLogCount{
				KindID: kindBucket.Key,
				Count:  dayBucket.DocCount,
				Day:    time.UnixMilli(dayBucket.Key).UTC(),
			})
		}
	}
	return out, nil
}

// CountRepositoryActions counts one repository's documents in its day index.
// A count exceeding the timeout degrades to zero.
func (m *Model) CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, countTimeout)
	defer cancel()

	index := elastic.IndexName(m.indexPrefix, day)
	n, err := m.es.Count(ctx, []string{index}, elastic.TermQuery("repository_id", repositoryID))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		metrics.CountTimeouts.Inc()
		metrics.RecordLookup(backendName, "count", time.Since(started), nil)
		return 0, nil
	case err != nil && elastic.IsNotFound(err):
		metrics.RecordLookup(backendName, "count", time.Since(started), nil)
		return 0, nil
	}
	metrics.RecordLookup(backendName, "count", time.Since(started), err)
	if err != nil {
		return 0, fmt.Errorf("counting repository actions: %w", err)
	}
	return n, nil
}

// unwrapTransitionToken accepts tokens minted by the transitional combined
// model after a deployment switched straight to this backend mid-migration.
// The nested child token is used when present; a child-less transition edge
// restarts from the first page.
func unwrapTransitionToken(t *logmodel.PageToken) (*logmodel.PageToken, error) {
	if t == nil || t.Backend() != logmodel.BackendCombined {
		return t, nil
	}
	var payload struct {
		Child string `json:"child"`
	}
	if err := t.DecodeInto(&payload); err != nil {
		return nil, err
	}
	if payload.Child == "" {
		return nil, nil
	}
	return logmodel.ParsePageToken(payload.Child)
}

// resolveFilter maps the name-based filter to IDs, reporting matchesNothing
// when a named performer or repository does not exist.
func (m *Model) resolveFilter(ctx context.Context, filter logmodel.LookupFilter) (repositoryID, accountID, performerID int64, matchesNothing bool, err error) {
	repositoryID, accountID, performerID, err = logmodel.ResolveFilterIDs(ctx, m.users, m.repos, filter)
	if err != nil {
		return 0, 0, 0, false, err
	}
	if filter.RepositoryName != "" && repositoryID == 0 {
		return 0, 0, 0, true, nil
	}
	if filter.PerformerName != "" && performerID == 0 {
		return 0, 0, 0, true, nil
	}
	return repositoryID, accountID, performerID, false, nil
}
