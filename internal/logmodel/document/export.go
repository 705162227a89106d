// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package document

import (
	"context"
	"fmt"
	"time"

	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// scrollWindow is the document count per scroll batch.
const scrollWindow = 5000

// scrollKeepAlive is how long the cluster holds scroll state between
// batches.
const scrollKeepAlive = 2 * time.Minute

// YieldLogsForExport streams entries in [start, end) using the scroll API,
// oldest first.
func (m *Model) YieldLogsForExport(ctx context.Context, start, end time.Time, opts logmodel.ExportOptions) (logmodel.LogBatchIterator, error) {
	maxQueryTime := opts.MaxQueryTime
	if maxQueryTime <= 0 {
		maxQueryTime = logmodel.DefaultMaxQueryTime
	}

	indices, err := m.indicesForRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	query := m.buildQuery(start, end, opts.RepositoryID, opts.NamespaceID, 0, nil)
	return &scrollIterator{
		model:        m,
		indices:      indices,
		query:        query,
		maxQueryTime: maxQueryTime,
	}, nil
}

// scrollIterator walks one scroll to exhaustion. It is single-use; a failed
// or timed-out iterator must be replaced, not retried.
type scrollIterator struct {
	model        *Model
	indices      []string
	query        map[string]interface{}
	maxQueryTime time.Duration
	scrollID     string
	opened       bool
	done         bool
}

func (it *scrollIterator) Next(ctx context.Context) ([]logmodel.Log, bool, error) {
	if it.done || len(it.indices) == 0 {
		return nil, false, nil
	}

	started := time.Now()
	var resp *elastic.SearchResponse
	var err error
	if !it.opened {
		it.opened = true
		req := &elastic.SearchRequest{
			Query: it.query,
			Sort:  []map[string]interface{}{elastic.SortBy("datetime", false)},
			Size:  elastic.IntPtr(scrollWindow),
		}
		resp, err = it.model.es.OpenScroll(ctx, it.indices, req, scrollKeepAlive)
	} else {
		resp, err = it.model.es.ContinueScroll(ctx, it.scrollID, scrollKeepAlive)
	}
	if err != nil {
		it.close(ctx)
		return nil, false, fmt.Errorf("scrolling log entries: %w", err)
	}
	it.scrollID = resp.ScrollID

	if elapsed := time.Since(started); elapsed > it.maxQueryTime {
		it.close(ctx)
		metrics.ExportTimeouts.Inc()
		return nil, false, &logmodel.IterationTimeoutError{Elapsed: elapsed}
	}
	if len(resp.Hits.Hits) == 0 {
		it.close(ctx)
		return nil, false, nil
	}

	metrics.ElasticsearchScrollBatches.Inc()
	logs := decodeHits(resp.Hits.Hits)
	if err := logmodel.FillIdentities(ctx, it.model.users, logs); err != nil {
		it.close(ctx)
		return nil, false, fmt.Errorf("resolving user identities: %w", err)
	}
	metrics.ExportBatchSize.Observe(float64(len(logs)))
	return logs, true, nil
}

func (it *scrollIterator) close(ctx context.Context) {
	it.done = true
	if it.scrollID != "" {
		it.model.es.ClearScroll(ctx, it.scrollID)
		it.scrollID = ""
	}
}
