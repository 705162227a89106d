// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package document

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
)

// YieldLogRotationContexts walks whole per-day indices strictly older than
// the cutoff. One context covers one index, and Commit drops the index after
// its contents have been archived. minLogsPerRotation has no effect here; an
// index is the smallest unit the cluster can drop cheaply.
func (m *Model) YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (logmodel.RotationContextIterator, error) {
	names, err := m.es.ListIndices(ctx, m.indexPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing log indices: %w", err)
	}

	cutoffDay := cutoff.UTC().Truncate(24 * time.Hour)
	var expired []string
	for _, name := range names {
		day, err := elastic.ParseIndexDay(m.indexPrefix, name)
		if err != nil {
			logging.Warn().Str("index", name).Msg("skipping index with unparseable day suffix")
			continue
		}
		// The whole day must be past the cutoff before its index is eligible.
		if day.Add(24 * time.Hour).After(cutoffDay) {
			continue
		}
		expired = append(expired, name)
	}
	sort.Strings(expired)
	if len(expired) > 0 {
		logging.Info().
			Int("indices", len(expired)).
			Time("cutoff", cutoffDay).
			Msg("found rotatable log indices")
	}

	return &indexRotationIterator{model: m, indices: expired}, nil
}

type indexRotationIterator struct {
	model   *Model
	indices []string
	pos     int
}

func (it *indexRotationIterator) Next(ctx context.Context) (logmodel.RotationContext, bool, error) {
	if it.pos >= len(it.indices) {
		return nil, false, nil
	}
	index := it.indices[it.pos]
	it.pos++
	return &indexRotationContext{model: it.model, index: index}, true, nil
}

// indexRotationContext archives one per-day index. Commit deletes the index;
// Abort leaves it for the next run.
type indexRotationContext struct {
	model    *Model
	index    string
	scrollID string
	opened   bool
	drained  bool
	batch    int
	finished bool
}

func (c *indexRotationContext) NextBatch(ctx context.Context) (*logmodel.RotationBatch, bool, error) {
	if c.drained {
		return nil, false, nil
	}

	var resp *elastic.SearchResponse
	var err error
	if !c.opened {
		c.opened = true
		req := &elastic.SearchRequest{
			Sort: []map[string]interface{}{elastic.SortBy("datetime", false)},
			Size: elastic.IntPtr(scrollWindow),
		}
		resp, err = c.model.es.OpenScroll(ctx, []string{c.index}, req, scrollKeepAlive)
	} else {
		resp, err = c.model.es.ContinueScroll(ctx, c.scrollID, scrollKeepAlive)
	}
	if err != nil {
		c.closeScroll(ctx)
		return nil, false, fmt.Errorf("scrolling index %s: %w", c.index, err)
	}
	c.scrollID = resp.ScrollID

	if len(resp.Hits.Hits) == 0 {
		c.closeScroll(ctx)
		return nil, false, nil
	}

	start := c.batch * scrollWindow
	c.batch++
	logs := decodeHits(resp.Hits.Hits)
	if err := logmodel.FillIdentities(ctx, c.model.users, logs); err != nil {
		c.closeScroll(ctx)
		return nil, false, fmt.Errorf("resolving user identities: %w", err)
	}
	return &logmodel.RotationBatch{
		Logs:              logs,
		SuggestedFilename: fmt.Sprintf("%s_%d-%d.txt.gz", c.index, start, start+len(logs)-1),
	}, true, nil
}

func (c *indexRotationContext) Commit(ctx context.Context) error {
	if c.finished {
		return fmt.Errorf("rotation context already finished")
	}
	c.finished = true
	c.closeScroll(ctx)

	if err := c.model.es.DeleteIndex(ctx, c.index); err != nil {
		return fmt.Errorf("deleting rotated index %s: %w", c.index, err)
	}
	logging.Info().Str("index", c.index).Msg("committed log rotation index")
	return nil
}

func (c *indexRotationContext) Abort() {
	c.finished = true
	c.closeScroll(context.Background())
	logging.Warn().Str("index", c.index).Msg("aborted log rotation index, documents preserved")
}

func (c *indexRotationContext) closeScroll(ctx context.Context) {
	c.drained = true
	if c.scrollID != "" {
		c.model.es.ClearScroll(ctx, c.scrollID)
		c.scrollID = ""
	}
}
