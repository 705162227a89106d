// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package rotation archives aged log entries into object storage and deletes
// them from the active backend. One worker per cluster does the work; the
// rest skip their turn when the advisory lock is held.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/lmerrick/auditpipe/internal/config"
	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// Worker periodically rotates aged entries. It satisfies suture's Service
// interface.
type Worker struct {
	model    logmodel.ActionLogsModel
	archiver *Archiver
	locker   Locker
	cfg      config.RotationConfig

	now func() time.Time
}

// NewWorker builds a rotation worker.
func NewWorker(model logmodel.ActionLogsModel, archiver *Archiver, locker Locker, cfg config.RotationConfig) *Worker {
	return &Worker{
		model:    model,
		archiver: archiver,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// String identifies the worker in supervisor logs.
func (w *Worker) String() string {
	return "log-rotation"
}

// Serve runs rotation immediately, then on every tick until the context is
// cancelled.
func (w *Worker) Serve(ctx context.Context) error {
	frequency := w.cfg.Frequency
	if frequency <= 0 {
		frequency = time.Hour
	}

	w.attempt(ctx)

	ticker := time.NewTicker(frequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.attempt(ctx)
		}
	}
}

// attempt wraps RunOnce so a failed run never kills the service loop.
func (w *Worker) attempt(ctx context.Context) {
	if err := w.RunOnce(ctx); err != nil {
		logging.Error().Err(err).Msg("log rotation run failed")
	}
}

// RunOnce performs a single rotation pass under the cluster lock.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.cfg.ThresholdDays < config.MinRotationAgeDays {
		metrics.RecordRotationRun("failed")
		return fmt.Errorf("rotation threshold %d days is below the %d day floor",
			w.cfg.ThresholdDays, config.MinRotationAgeDays)
	}

	ttl := w.cfg.Frequency
	if ttl <= 0 {
		ttl = time.Hour
	}
	acquired, err := w.locker.Acquire(ctx, LockName, ttl)
	if err != nil {
		metrics.RecordRotationRun("failed")
		return fmt.Errorf("acquiring rotation lock: %w", err)
	}
	if !acquired {
		logging.Debug().Msg("rotation lock held elsewhere, skipping run")
		metrics.RecordRotationRun("lock_held")
		return nil
	}
	defer func() {
		if err := w.locker.Release(ctx, LockName); err != nil {
			logging.Warn().Err(err).Msg("failed to release rotation lock")
		}
	}()

	cutoff := w.now().UTC().AddDate(0, 0, -w.cfg.ThresholdDays)
	logging.Info().Time("cutoff", cutoff).Msg("starting log rotation run")

	iterator, err := w.model.YieldLogRotationContexts(ctx, cutoff, w.cfg.MinLogsPerRotation)
	if err != nil {
		metrics.RecordRotationRun("failed")
		return fmt.Errorf("listing rotation contexts: %w", err)
	}

	var failed bool
	for {
		rc, ok, err := iterator.Next(ctx)
		if err != nil {
			metrics.RecordRotationRun("failed")
			return fmt.Errorf("advancing rotation contexts: %w", err)
		}
		if !ok {
			break
		}
		if err := w.rotateContext(ctx, rc, cutoff); err != nil {
			logging.Error().Err(err).Msg("rotation context failed, entries preserved")
			failed = true
		}
	}

	if failed {
		metrics.RecordRotationRun("failed")
		return fmt.Errorf("one or more rotation contexts failed")
	}
	metrics.RecordRotationRun("completed")
	logging.Info().Msg("log rotation run completed")
	return nil
}

// rotateContext archives every batch of one context, then commits the
// deletion. Any archiving failure aborts the context so its entries stay in
// the active backend for the next run.
func (w *Worker) rotateContext(ctx context.Context, rc logmodel.RotationContext, cutoff time.Time) error {
	var entries int
	var archiveBytes int64
	for {
		batch, ok, err := rc.NextBatch(ctx)
		if err != nil {
			rc.Abort()
			metrics.RecordRotationContext(false, 0, 0)
			return fmt.Errorf("reading rotation batch: %w", err)
		}
		if !ok {
			break
		}
		// Prefix with the cutoff date so retried runs regenerate the same
		// object names and the archiver's exists check can skip them.
		filename := fmt.Sprintf("%s-%s", cutoff.Format("2006-01-02"), batch.SuggestedFilename)
		size, err := w.archiver.ArchiveBatch(ctx, filename, batch.Logs)
		if err != nil {
			rc.Abort()
			metrics.RecordRotationContext(false, 0, 0)
			return fmt.Errorf("archiving %s: %w", filename, err)
		}
		entries += len(batch.Logs)
		archiveBytes += size
	}

	if err := rc.Commit(ctx); err != nil {
		metrics.RecordRotationContext(false, 0, 0)
		return fmt.Errorf("committing rotation context: %w", err)
	}
	metrics.RecordRotationContext(true, entries, archiveBytes)
	logging.Info().Int("entries", entries).Int64("archive_bytes", archiveBytes).
		Msg("rotated log entries")
	return nil
}
