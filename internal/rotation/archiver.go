// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package rotation

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/objectstore"
)

// spoolThreshold is how much compressed archive data is held in memory
// before spilling to a temp file.
const spoolThreshold = 12 * 1024 * 1024

// archiveEntry is the stable on-archive form of one log entry.
type archiveEntry struct {
	KindID       int                    `json:"kind_id"`
	AccountID    int64                  `json:"account_id,omitempty"`
	PerformerID  int64                  `json:"performer_id,omitempty"`
	RepositoryID int64                  `json:"repository_id,omitempty"`
	Datetime     string                 `json:"datetime"`
	IP           string                 `json:"ip,omitempty"`
	Metadata     map[string]interface{} `json:"metadata_json"`
}

// Archiver writes rotation batches as gzip-compressed JSON arrays into the
// object store.
type Archiver struct {
	store      objectstore.Store
	archiveDir string
}

// NewArchiver builds an archiver uploading under archiveDir.
func NewArchiver(store objectstore.Store, archiveDir string) *Archiver {
	return &Archiver{store: store, archiveDir: archiveDir}
}

// ArchiveBatch compresses and uploads one batch. It reports the compressed
// size. Uploading is skipped when the object already exists, so an aborted
// run's completed uploads are not repeated.
func (a *Archiver) ArchiveBatch(ctx context.Context, filename string, logs []logmodel.Log) (int64, error) {
	objectPath := path.Join("/", a.archiveDir, filename)

	exists, err := a.store.Exists(ctx, objectPath)
	if err != nil {
		return 0, fmt.Errorf("checking archive %s: %w", objectPath, err)
	}
	if exists {
		return 0, nil
	}

	spool := newSpool()
	defer spool.Cleanup()

	if err := writeArchive(spool, logs); err != nil {
		return 0, fmt.Errorf("encoding archive %s: %w", objectPath, err)
	}

	reader, size, err := spool.Reader()
	if err != nil {
		return 0, fmt.Errorf("reading back archive %s: %w", objectPath, err)
	}
	if err := a.store.Put(ctx, objectPath, reader, "application/json", "gzip"); err != nil {
		return 0, fmt.Errorf("uploading archive %s: %w", objectPath, err)
	}
	return size, nil
}

// writeArchive streams the batch as a gzip JSON array. Entries are encoded
// one at a time so the working set never holds the whole encoded batch.
func writeArchive(w io.Writer, logs []logmodel.Log) error {
	gz := gzip.NewWriter(w)
	if _, err := gz.Write([]byte("[")); err != nil {
		return err
	}
	enc := json.NewEncoder(gz)
	for i, entry := range logs {
		if i > 0 {
			if _, err := gz.Write([]byte(",")); err != nil {
				return err
			}
		}
		metadata := entry.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		err := enc.Encode(archiveEntry{
			KindID:       entry.KindID,
			AccountID:    entry.AccountID,
			PerformerID:  entry.PerformerID,
			RepositoryID: entry.RepositoryID,
			Datetime:     entry.Datetime.UTC().Format("2006-01-02T15:04:05.999999Z07:00"),
			IP:           entry.IP,
			Metadata:     metadata,
		})
		if err != nil {
			return err
		}
	}
	if _, err := gz.Write([]byte("]")); err != nil {
		return err
	}
	return gz.Close()
}

// spool buffers in memory up to the threshold, then spills to a temp file.
type spool struct {
	buf  bytes.Buffer
	file *os.File
	err  error
}

func newSpool() *spool {
	return &spool{}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.file != nil {
		return s.file.Write(p)
	}
	if s.buf.Len()+len(p) <= spoolThreshold {
		return s.buf.Write(p)
	}

	file, err := os.CreateTemp("", "auditpipe-archive-*")
	if err != nil {
		s.err = err
		return 0, err
	}
	s.file = file
	if _, err := s.file.Write(s.buf.Bytes()); err != nil {
		s.err = err
		return 0, err
	}
	s.buf.Reset()
	return s.file.Write(p)
}

// Reader returns a reader over everything written plus the total size.
func (s *spool) Reader() (io.Reader, int64, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	if s.file == nil {
		return bytes.NewReader(s.buf.Bytes()), int64(s.buf.Len()), nil
	}
	size, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	return s.file, size, nil
}

// Cleanup removes the temp file, if any.
func (s *spool) Cleanup() {
	if s.file != nil {
		name := s.file.Name()
		_ = s.file.Close()
		_ = os.Remove(name)
		s.file = nil
	}
}
