// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package database opens the DuckDB store shared by the table backend, the
// identity directory and the rotation lock.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/lmerrick/auditpipe/internal/config"
	"github.com/lmerrick/auditpipe/internal/logging"
)

// Open opens (creating if needed) the database file with tuning from config.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	// DuckDB does not create parent directories itself.
	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	// Auto-install/auto-load stays off so startup cannot hang on a blocked
	// network fetching extensions.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, maxMemory)

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// DuckDB is embedded; a small pool avoids writer contention.
	db.SetMaxOpenConns(threads)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).
		Str("max_memory", maxMemory).Msg("database opened")
	return db, nil
}
