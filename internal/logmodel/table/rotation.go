// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package table

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
)

// rotationBatchRows is how many rows one NextBatch call reads.
const rotationBatchRows = 1000

// YieldLogRotationContexts walks id ranges of entries strictly older than
// cutoff. Each context covers roughly minLogsPerRotation ids, so the delete
// on Commit stays a bounded range scan.
func (m *Model) YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (logmodel.RotationContextIterator, error) {
	if minLogsPerRotation <= 0 {
		minLogsPerRotation = rotationBatchRows
	}

	var minID, maxID sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT MIN(id), MAX(id) FROM logentry WHERE datetime < ?`, cutoff.UTC()).Scan(&minID, &maxID)
	if err != nil {
		return nil, fmt.Errorf("finding rotation id bounds: %w", err)
	}
	if !minID.Valid {
		return &tableRotationIterator{done: true}, nil
	}
	logging.Info().
		Int64("min_id", minID.Int64).
		Int64("max_id", maxID.Int64).
		Time("cutoff", cutoff.UTC()).
		Msg("found rotatable log entries")

	return &tableRotationIterator{
		model:  m,
		cutoff: cutoff.UTC(),
		nextID: minID.Int64,
		maxID:  maxID.Int64,
		span:   int64(minLogsPerRotation),
	}, nil
}

type tableRotationIterator struct {
	model  *Model
	cutoff time.Time
	nextID int64
	maxID  int64
	span   int64
	done   bool
}

func (it *tableRotationIterator) Next(ctx context.Context) (logmodel.RotationContext, bool, error) {
	if it.done || it.nextID > it.maxID {
		return nil, false, nil
	}
	startID := it.nextID
	endID := startID + it.span - 1
	if endID > it.maxID {
		endID = it.maxID
	}
	it.nextID = endID + 1
	return &tableRotationContext{
		model:   it.model,
		cutoff:  it.cutoff,
		startID: startID,
		endID:   endID,
		readID:  startID,
	}, true, nil
}

// tableRotationContext covers the entries with ids in [startID, endID] that
// are older than the cutoff. Commit deletes exactly those rows; Abort leaves
// them for the next run.
type tableRotationContext struct {
	model    *Model
	cutoff   time.Time
	startID  int64
	endID    int64
	readID   int64
	finished bool
}

func (c *tableRotationContext) NextBatch(ctx context.Context) (*logmodel.RotationBatch, bool, error) {
	for c.readID <= c.endID {
		query := fmt.Sprintf(`SELECT %s FROM logentry WHERE id >= ? AND id <= ? AND datetime < ? ORDER BY id LIMIT %d`,
			logColumns, rotationBatchRows)
		rows, err := c.model.db.QueryContext(ctx, query, c.readID, c.endID, c.cutoff)
		if err != nil {
			return nil, false, fmt.Errorf("querying rotation batch: %w", err)
		}
		logs, ids, err := scanLogs(rows)
		_ = rows.Close()
		if err != nil {
			return nil, false, err
		}
		if len(ids) == 0 {
			c.readID = c.endID + 1
			break
		}
		c.readID = ids[len(ids)-1] + 1
		if err := c.model.fillIdentities(ctx, logs); err != nil {
			return nil, false, err
		}
		return &logmodel.RotationBatch{
			Logs:              logs,
			SuggestedFilename: fmt.Sprintf("logentry_%d-%d.txt.gz", c.startID, c.endID),
		}, true, nil
	}
	return nil, false, nil
}

func (c *tableRotationContext) Commit(ctx context.Context) error {
	if c.finished {
		return fmt.Errorf("rotation context already finished")
	}
	c.finished = true

	result, err := c.model.db.ExecContext(ctx,
		`DELETE FROM logentry WHERE id >= ? AND id <= ? AND datetime < ?`,
		c.startID, c.endID, c.cutoff)
	if err != nil {
		return fmt.Errorf("deleting rotated entries: %w", err)
	}
	deleted, _ := result.RowsAffected()
	logging.Info().
		Int64("start_id", c.startID).
		Int64("end_id", c.endID).
		Int64("deleted", deleted).
		Msg("committed log rotation range")
	return nil
}

func (c *tableRotationContext) Abort() {
	c.finished = true
	logging.Warn().
		Int64("start_id", c.startID).
		Int64("end_id", c.endID).
		Msg("aborted log rotation range, entries preserved")
}
