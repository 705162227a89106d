// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package combined implements the transitional audit log model used while
// migrating between backends. Writes go to the primary only; reads fan out
// over both so history in the old backend stays visible until it ages out.
package combined

import (
	"context"
	"sort"
	"time"

	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

const backendName = "combined"

// Model wraps a read-write primary and a read-only secondary.
type Model struct {
	primary   logmodel.ActionLogsModel
	secondary logmodel.ActionLogsModel
}

var _ logmodel.ActionLogsModel = (*Model)(nil)

// NewModel builds a combined model. The secondary is never written to.
func NewModel(primary, secondary logmodel.ActionLogsModel) *Model {
	return &Model{primary: primary, secondary: secondary}
}

// combinedTokenPayload routes continuation to the right child model. Child
// tokens travel in their encoded form so each child keeps its own format.
type combinedTokenPayload struct {
	UnderReadonly bool   `json:"ro"`
	Child         string `json:"child,omitempty"`
}

// LogAction records the action on the primary only.
func (m *Model) LogAction(ctx context.Context, kindName string, opts logmodel.ActionOptions) error {
	return m.primary.LogAction(ctx, kindName, opts)
}

// LookupLogs pages through the primary to exhaustion, then transitions to
// the secondary. The outward token tags which side the cursor is on.
func (m *Model) LookupLogs(ctx context.Context, start, end time.Time, filter logmodel.LookupFilter, pageToken *logmodel.PageToken, maxPageCount int) (*logmodel.LogEntriesPage, error) {
	if err := logmodel.CheckTokenBackend(pageToken, logmodel.BackendCombined); err != nil {
		return nil, err
	}
	var cursor combinedTokenPayload
	if pageToken != nil {
		if err := pageToken.DecodeInto(&cursor); err != nil {
			return nil, err
		}
	}
	childToken, err := parseChildToken(cursor.Child)
	if err != nil {
		return nil, err
	}

	if !cursor.UnderReadonly {
		page, err := m.primary.LookupLogs(ctx, start, end, filter, childToken, maxPageCount)
		if err != nil {
			return nil, err
		}
		if page.NextPageToken != nil {
			page.NextPageToken, err = wrapChildToken(false, page.NextPageToken)
			return page, err
		}
		// Transition edge: the next page starts the secondary from its head.
		page.NextPageToken, err = wrapChildToken(true, nil)
		return page, err
	}

	page, err := m.secondary.LookupLogs(ctx, start, end, filter, childToken, maxPageCount)
	if err != nil {
		return nil, err
	}
	if page.NextPageToken != nil {
		page.NextPageToken, err = wrapChildToken(true, page.NextPageToken)
		return page, err
	}
	return page, nil
}

func parseChildToken(encoded string) (*logmodel.PageToken, error) {
	if encoded == "" {
		return nil, nil
	}
	return logmodel.ParsePageToken(encoded)
}

func wrapChildToken(underReadonly bool, child *logmodel.PageToken) (*logmodel.PageToken, error) {
	payload := combinedTokenPayload{UnderReadonly: underReadonly}
	if child != nil {
		payload.Child = child.Encode()
	}
	return logmodel.NewPageToken(logmodel.BackendCombined, payload)
}

// LookupLatestLogs serves from the primary, topping up from the secondary
// when the primary alone cannot fill the quota.
func (m *Model) LookupLatestLogs(ctx context.Context, filter logmodel.LookupFilter, size int) ([]logmodel.Log, error) {
	if size <= 0 {
		size = logmodel.PageSize
	}
	logs, err := m.primary.LookupLatestLogs(ctx, filter, size)
	if err != nil {
		return nil, err
	}
	if len(logs) >= size {
		return logs[:size], nil
	}
	more, err := m.secondary.LookupLatestLogs(ctx, filter, size-len(logs))
	if err != nil {
		return nil, err
	}
	return append(logs, more...), nil
}

// GetAggregatedLogCounts merges both sides' buckets by kind and day.
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
	primary, err := m.primary.GetAggregatedLogCounts(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}
	secondary, err := m.secondary.GetAggregatedLogCounts(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}

	type bucketKey struct {
		kindID int
		day    time.Time
	}
	merged := map[bucketKey]int64{}
	for _, bucket := range append(primary, secondary...) {
		merged[bucketKey{bucket.KindID, bucket.Day.UTC()}] += bucket.Count
	}

	out := make([]logmodel.AggregatedLogCount, 0, len(merged))
	for key, count := range merged {
		out = append(out, logmodel.AggregatedLogCount{KindID: key.kindID, Day: key.day, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].KindID < out[j].KindID
	})
	return out, nil
}

// CountRepositoryActions sums both sides.
func (m *Model) CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	primary, err := m.primary.CountRepositoryActions(ctx, repositoryID, day)
	if err != nil {
		return 0, err
	}
	secondary, err := m.secondary.CountRepositoryActions(ctx, repositoryID, day)
	if err != nil {
		return 0, err
	}
	return primary + secondary, nil
}

// YieldLogsForExport drains the primary's batches, then the secondary's.
func (m *Model) YieldLogsForExport(ctx context.Context, start, end time.Time, opts logmodel.ExportOptions) (logmodel.LogBatchIterator, error) {
	first, err := m.primary.YieldLogsForExport(ctx, start, end, opts)
	if err != nil {
		return nil, err
	}
	second, err := m.secondary.YieldLogsForExport(ctx, start, end, opts)
	if err != nil {
		return nil, err
	}
	return &chainedBatchIterator{iterators: []logmodel.LogBatchIterator{first, second}}, nil
}

type chainedBatchIterator struct {
	iterators []logmodel.LogBatchIterator
}

func (it *chainedBatchIterator) Next(ctx context.Context) ([]logmodel.Log, bool, error) {
	for len(it.iterators) > 0 {
		batch, ok, err := it.iterators[0].Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return batch, true, nil
		}
		it.iterators = it.iterators[1:]
	}
	return nil, false, nil
}

// YieldLogRotationContexts chains both sides' contexts. Used only during
// migration windows where both backends still hold aged entries.
func (m *Model) YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (logmodel.RotationContextIterator, error) {
	first, err := m.primary.YieldLogRotationContexts(ctx, cutoff, minLogsPerRotation)
	if err != nil {
		return nil, err
	}
	second, err := m.secondary.YieldLogRotationContexts(ctx, cutoff, minLogsPerRotation)
	if err != nil {
		return nil, err
	}
	return &chainedRotationIterator{iterators: []logmodel.RotationContextIterator{first, second}}, nil
}

type chainedRotationIterator struct {
	iterators []logmodel.RotationContextIterator
}

func (it *chainedRotationIterator) Next(ctx context.Context) (logmodel.RotationContext, bool, error) {
	for len(it.iterators) > 0 {
		rc, ok, err := it.iterators[0].Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return rc, true, nil
		}
		it.iterators = it.iterators[1:]
	}
	return nil, false, nil
}
