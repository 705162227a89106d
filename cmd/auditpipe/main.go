// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package main wires the audit log pipeline: configuration, logging, the
// DuckDB store, the selected log backend, the operational HTTP listener and
// the rotation worker, all supervised under one suture tree.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, an optional config.yaml, built-in
// defaults. See internal/config for the full key list.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmerrick/auditpipe/internal/api"
	"github.com/lmerrick/auditpipe/internal/config"
	"github.com/lmerrick/auditpipe/internal/database"
	"github.com/lmerrick/auditpipe/internal/identity"
	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/logmodel/factory"
	"github.com/lmerrick/auditpipe/internal/logmodel/table"
	"github.com/lmerrick/auditpipe/internal/objectstore"
	"github.com/lmerrick/auditpipe/internal/rotation"
	"github.com/lmerrick/auditpipe/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("backend", cfg.Logs.Backend).
		Str("producer", cfg.Logs.Producer).
		Bool("rotation", cfg.Rotation.Enabled).
		Msg("starting audit log pipeline")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing database")
		}
	}()

	directory := identity.NewDirectory(db)
	if err := directory.CreateSchema(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to create identity schema")
	}
	if usesTableBackend(cfg.Logs.Backend) {
		if err := table.CreateSchema(ctx, db); err != nil {
			logging.Fatal().Err(err).Msg("failed to create logentry schema")
		}
	}

	model, err := factory.New(ctx, cfg, db, directory, directory)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build audit log backend")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(db).Handler(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	tree.AddOpsService(supervisor.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("operational endpoints configured")

	if cfg.Rotation.Enabled {
		worker, err := buildRotationWorker(ctx, cfg, db, model)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to build rotation worker")
		}
		tree.AddWorkerService(worker)
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("supervisor tree failed")
	}
	logging.Info().Msg("shutdown complete")
}

// usesTableBackend reports whether the selected backend reads or writes the
// logentry table.
func usesTableBackend(backend string) bool {
	return backend == "" || backend == config.BackendDatabase || backend == config.BackendTransition
}

func buildRotationWorker(ctx context.Context, cfg *config.Config, db *sql.DB, model logmodel.ActionLogsModel) (*rotation.Worker, error) {
	if cfg.Rotation.S3Bucket == "" {
		return nil, fmt.Errorf("rotation is enabled but no archive bucket is configured")
	}
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:    cfg.Rotation.S3Bucket,
		Region:    cfg.Rotation.S3Region,
		AccessKey: cfg.Rotation.S3AccessKey,
		SecretKey: cfg.Rotation.S3SecretKey,
		Endpoint:  cfg.Rotation.S3Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("building archive store: %w", err)
	}

	locker := rotation.NewDatabaseLocker(db)
	if err := locker.CreateSchema(ctx); err != nil {
		return nil, fmt.Errorf("creating rotation lock schema: %w", err)
	}

	archiver := rotation.NewArchiver(store, cfg.Rotation.StoragePath)
	return rotation.NewWorker(model, archiver, locker, cfg.Rotation), nil
}
