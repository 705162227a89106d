// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package rotation

import (
	"compress/gzip"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/config"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/objectstore"
)

func setupModel(t *testing.T) *logmodel.InMemoryModel {
	t.Helper()

	directory := logmodel.NewMemoryDirectory()
	directory.AddUser(logmodel.User{ID: 1, Username: "acme", Organization: true})
	directory.AddUser(logmodel.User{ID: 2, Username: "alice"})
	directory.AddRepository(logmodel.Repository{ID: 10, Name: "web", NamespaceUserID: 1, NamespaceName: "acme"})

	kinds := logmodel.NewKindRegistry(logmodel.DefaultKindNames())
	return logmodel.NewInMemoryModel(kinds, directory, directory, logmodel.SkipPolicy{}, logmodel.DefaultStrictPolicy())
}

func seedEntries(t *testing.T, model *logmodel.InMemoryModel, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := model.LogAction(context.Background(), "push_repo", logmodel.ActionOptions{
			NamespaceName:  "acme",
			RepositoryName: "web",
			IP:             "203.0.113.5",
			Metadata:       map[string]interface{}{"tag": "latest"},
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("LogAction: %v", err)
		}
	}
}

func workerConfig() config.RotationConfig {
	return config.RotationConfig{
		Enabled:            true,
		Frequency:          time.Hour,
		ThresholdDays:      30,
		MinLogsPerRotation: 100,
		StoragePath:        "exportedactionlogs",
	}
}

func decodeArchive(t *testing.T, data []byte) []map[string]interface{} {
	t.Helper()
	gz, err := gzip.NewReader(strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	defer gz.Close()

	var entries []map[string]interface{}
	if err := json.NewDecoder(gz).Decode(&entries); err != nil {
		t.Fatalf("decoding archive: %v", err)
	}
	return entries
}

func TestArchiveBatchRoundTrip(t *testing.T) {
	store := objectstore.NewMemoryStore()
	archiver := NewArchiver(store, "exportedactionlogs")

	at := time.Date(2026, 7, 1, 12, 30, 0, 0, time.UTC)
	logs := []logmodel.Log{
		{KindID: 3, AccountID: 1, PerformerID: 2, RepositoryID: 10, IP: "203.0.113.5",
			Metadata: map[string]interface{}{"tag": "latest"}, Datetime: at},
		{KindID: 4, AccountID: 1, Datetime: at.Add(time.Minute)},
	}
	size, err := archiver.ArchiveBatch(context.Background(), "logentry_1-2.txt.gz", logs)
	if err != nil {
		t.Fatalf("ArchiveBatch: %v", err)
	}
	if size <= 0 {
		t.Error("archive size not reported")
	}

	data := store.Object("exportedactionlogs/logentry_1-2.txt.gz")
	if data == nil {
		t.Fatal("archive object missing from store")
	}
	entries := decodeArchive(t, data)
	if len(entries) != 2 {
		t.Fatalf("archive holds %d entries, want 2", len(entries))
	}
	first := entries[0]
	if first["kind_id"] != float64(3) || first["account_id"] != float64(1) {
		t.Errorf("first entry ids wrong: %v", first)
	}
	if first["ip"] != "203.0.113.5" {
		t.Errorf("ip = %v", first["ip"])
	}
	if _, ok := first["datetime"].(string); !ok {
		t.Errorf("datetime must serialize as a string, got %T", first["datetime"])
	}
	metadata, ok := first["metadata_json"].(map[string]interface{})
	if !ok || metadata["tag"] != "latest" {
		t.Errorf("metadata_json = %v", first["metadata_json"])
	}
	// Entries without metadata still carry an object, never null.
	if _, ok := entries[1]["metadata_json"].(map[string]interface{}); !ok {
		t.Errorf("empty metadata serialized as %v", entries[1]["metadata_json"])
	}
}

func TestArchiveBatchSkipsExistingObject(t *testing.T) {
	store := objectstore.NewMemoryStore()
	archiver := NewArchiver(store, "exportedactionlogs")
	ctx := context.Background()

	logs := []logmodel.Log{{KindID: 3, Datetime: time.Now().UTC()}}
	if _, err := archiver.ArchiveBatch(ctx, "dup.txt.gz", logs); err != nil {
		t.Fatalf("first ArchiveBatch: %v", err)
	}
	original := store.Object("exportedactionlogs/dup.txt.gz")

	size, err := archiver.ArchiveBatch(ctx, "dup.txt.gz", []logmodel.Log{{KindID: 4, Datetime: time.Now().UTC()}})
	if err != nil {
		t.Fatalf("second ArchiveBatch: %v", err)
	}
	if size != 0 {
		t.Error("retried upload reported nonzero size")
	}
	if got := store.Object("exportedactionlogs/dup.txt.gz"); string(got) != string(original) {
		t.Error("existing archive was overwritten")
	}
}

func TestSpoolSpillsToTempFile(t *testing.T) {
	s := newSpool()
	defer s.Cleanup()

	chunk := strings.Repeat("x", 1024*1024)
	var total int64
	for i := 0; i < 14; i++ {
		n, err := s.Write([]byte(chunk))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		total += int64(n)
	}
	if s.file == nil {
		t.Fatal("spool never spilled past the in-memory threshold")
	}

	_, size, err := s.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if size != total {
		t.Errorf("size = %d, want %d", size, total)
	}
}

func TestRunOnceArchivesAndDeletes(t *testing.T) {
	model := setupModel(t)
	store := objectstore.NewMemoryStore()
	locker := NewMemoryLocker()
	worker := NewWorker(model, NewArchiver(store, "exportedactionlogs"), locker, workerConfig())

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return now }

	seedEntries(t, model, 25, now.AddDate(0, 0, -40))
	seedEntries(t, model, 5, now.Add(-time.Hour))

	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if model.Len() != 5 {
		t.Errorf("model holds %d entries, want only the 5 recent ones", model.Len())
	}
	if store.Len() != 1 {
		t.Fatalf("store holds %d objects, want 1 archive", store.Len())
	}
	// The next run finds nothing aged and archives nothing new.
	if err := worker.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("second run produced extra archives, store holds %d", store.Len())
	}
}

func TestRunOnceFailedUploadPreservesEntries(t *testing.T) {
	model := setupModel(t)
	store := objectstore.NewMemoryStore()
	store.PutErr = context.DeadlineExceeded
	worker := NewWorker(model, NewArchiver(store, "exportedactionlogs"), NewMemoryLocker(), workerConfig())

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return now }
	seedEntries(t, model, 10, now.AddDate(0, 0, -40))

	if err := worker.RunOnce(context.Background()); err == nil {
		t.Fatal("expected failed run")
	}
	if model.Len() != 10 {
		t.Errorf("model holds %d entries, failed archiving must not delete", model.Len())
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	model := setupModel(t)
	locker := NewMemoryLocker()
	ctx := context.Background()
	if ok, err := locker.Acquire(ctx, LockName, time.Hour); err != nil || !ok {
		t.Fatalf("pre-acquiring lock: ok=%v err=%v", ok, err)
	}

	store := objectstore.NewMemoryStore()
	worker := NewWorker(model, NewArchiver(store, "exportedactionlogs"), locker, workerConfig())
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return now }
	seedEntries(t, model, 10, now.AddDate(0, 0, -40))

	if err := worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if model.Len() != 10 || store.Len() != 0 {
		t.Error("run under a held lock must neither archive nor delete")
	}
}

func TestRunOnceRejectsThresholdBelowFloor(t *testing.T) {
	model := setupModel(t)
	cfg := workerConfig()
	cfg.ThresholdDays = config.MinRotationAgeDays - 1
	worker := NewWorker(model, NewArchiver(objectstore.NewMemoryStore(), "x"), NewMemoryLocker(), cfg)

	if err := worker.RunOnce(context.Background()); err == nil {
		t.Fatal("threshold below the minimum age floor must fail the run")
	}
}

func TestMemoryLockerContention(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	ok, err := locker.Acquire(ctx, LockName, time.Hour)
	if err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}
	ok, err = locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok {
		t.Error("held lock granted twice")
	}

	if err := locker.Release(ctx, LockName); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = locker.Acquire(ctx, LockName, time.Hour)
	if err != nil || !ok {
		t.Errorf("Acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	if ok, _ := locker.Acquire(ctx, LockName, -time.Second); !ok {
		t.Fatal("Acquire with expired ttl")
	}
	ok, err := locker.Acquire(ctx, LockName, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Error("expired lock must be reclaimable")
	}
}
