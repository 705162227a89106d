// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

//go:build integration

package rotation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

func setupLocker(t *testing.T) *DatabaseLocker {
	t.Helper()

	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	locker := NewDatabaseLocker(db)
	if err := locker.CreateSchema(context.Background()); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	return locker
}

func TestDatabaseLockerAcquireRelease(t *testing.T) {
	locker := setupLocker(t)
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatal("fresh lock not granted")
	}

	ok, err = locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("contended Acquire: %v", err)
	}
	if ok {
		t.Error("held lock granted twice")
	}

	if err := locker.Release(ctx, LockName); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if !ok {
		t.Error("released lock not reclaimable")
	}
}

func TestDatabaseLockerExpiredHolderReaped(t *testing.T) {
	locker := setupLocker(t)
	ctx := context.Background()

	if ok, err := locker.Acquire(ctx, LockName, -time.Minute); err != nil || !ok {
		t.Fatalf("Acquire with past expiry: ok=%v err=%v", ok, err)
	}

	ok, err := locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Error("expired lock must not block a new holder")
	}
}

func TestDatabaseLockerIndependentNames(t *testing.T) {
	locker := setupLocker(t)
	ctx := context.Background()

	if ok, _ := locker.Acquire(ctx, LockName, time.Hour); !ok {
		t.Fatal("Acquire")
	}
	ok, err := locker.Acquire(ctx, "OTHER_LOCK", time.Hour)
	if err != nil {
		t.Fatalf("Acquire other: %v", err)
	}
	if !ok {
		t.Error("unrelated lock names must not contend")
	}
}
