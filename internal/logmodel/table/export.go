// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package table

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// targetBatchSize is the row count each export slice aims for. The slice
// width adapts toward it so sparse and dense periods both yield reasonable
// batches.
const targetBatchSize = 1000

// initialSliceWidth is the first time slice tried by an export iterator.
const initialSliceWidth = time.Hour

// YieldLogsForExport streams entries in [start, end) in batches, oldest
// first, slicing the range by time so no single query scans unbounded rows.
func (m *Model) YieldLogsForExport(ctx context.Context, start, end time.Time, opts logmodel.ExportOptions) (logmodel.LogBatchIterator, error) {
	maxQueryTime := opts.MaxQueryTime
	if maxQueryTime <= 0 {
		maxQueryTime = logmodel.DefaultMaxQueryTime
	}

	var conditions []string
	var args []interface{}
	if opts.RepositoryID != 0 {
		conditions = append(conditions, "repository_id = ?")
		args = append(args, opts.RepositoryID)
	}
	if opts.NamespaceID != 0 {
		conditions = append(conditions, "account_id = ?")
		args = append(args, opts.NamespaceID)
	}

	return &tableBatchIterator{
		model:        m,
		cursor:       start.UTC(),
		end:          end.UTC(),
		width:        initialSliceWidth,
		conditions:   conditions,
		args:         args,
		maxQueryTime: maxQueryTime,
	}, nil
}

// tableBatchIterator walks a time range in adaptive slices. Slice width
// doubles after a thin batch and halves after a fat one.
type tableBatchIterator struct {
	model        *Model
	cursor       time.Time
	end          time.Time
	width        time.Duration
	conditions   []string
	args         []interface{}
	maxQueryTime time.Duration
	failed       bool
}

func (it *tableBatchIterator) Next(ctx context.Context) ([]logmodel.Log, bool, error) {
	if it.failed || !it.cursor.Before(it.end) {
		return nil, false, nil
	}

	started := time.Now()
	for it.cursor.Before(it.end) {
		if elapsed := time.Since(started); elapsed > it.maxQueryTime {
			it.failed = true
			metrics.ExportTimeouts.Inc()
			return nil, false, &logmodel.IterationTimeoutError{Elapsed: elapsed}
		}

		sliceEnd := it.cursor.Add(it.width)
		if sliceEnd.After(it.end) {
			sliceEnd = it.end
		}
		batch, err := it.querySlice(ctx, it.cursor, sliceEnd)
		if err != nil {
			it.failed = true
			return nil, false, err
		}
		it.cursor = sliceEnd
		it.adaptWidth(len(batch))
		if len(batch) == 0 {
			continue
		}

		if err := it.model.fillIdentities(ctx, batch); err != nil {
			it.failed = true
			return nil, false, err
		}
		metrics.ExportBatchSize.Observe(float64(len(batch)))
		return batch, true, nil
	}
	return nil, false, nil
}

func (it *tableBatchIterator) querySlice(ctx context.Context, sliceStart, sliceEnd time.Time) ([]logmodel.Log, error) {
	conditions := append([]string{"datetime >= ?", "datetime < ?"}, it.conditions...)
	args := append([]interface{}{sliceStart, sliceEnd}, it.args...)

	query := fmt.Sprintf(`SELECT %s FROM logentry WHERE %s ORDER BY datetime, id`,
		logColumns, strings.Join(conditions, " AND "))
	rows, err := it.model.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying export slice: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs, _, err := scanLogs(rows)
	return logs, err
}

// adaptWidth grows after a thin slice and shrinks after a fat one, keeping
// slice sizes near the target.
func (it *tableBatchIterator) adaptWidth(got int) {
	switch {
	case got < targetBatchSize/2:
		it.width *= 2
	case got > 2*targetBatchSize:
		it.width /= 2
		if it.width < time.Minute {
			it.width = time.Minute
		}
		logging.Debug().Dur("width", it.width).Int("rows", got).Msg("narrowing export slice")
	}
}
