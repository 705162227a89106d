// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// LockName identifies the cluster-wide rotation lock.
const LockName = "ACTION_LOG_ROTATION"

// Locker is an advisory, self-expiring lock. A crashed holder must never
// block later runs, so every acquisition carries a TTL.
type Locker interface {
	// Acquire takes the named lock for ttl. ok is false when another holder
	// has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (ok bool, err error)

	// Release drops the named lock. Releasing an expired or foreign lock is
	// a no-op.
	Release(ctx context.Context, name string) error
}

// DatabaseLocker keeps locks in a table so every process sharing the
// database sees them.
type DatabaseLocker struct {
	db *sql.DB
}

var _ Locker = (*DatabaseLocker)(nil)

// NewDatabaseLocker builds a locker over an open database.
func NewDatabaseLocker(db *sql.DB) *DatabaseLocker {
	return &DatabaseLocker{db: db}
}

// CreateSchema creates the lock table if missing.
func (l *DatabaseLocker) CreateSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS rotation_lock (
			name TEXT PRIMARY KEY,
			acquired_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func (l *DatabaseLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	// Reap expired holders first so a crashed run cannot wedge rotation.
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM rotation_lock WHERE name = ? AND expires_at < ?`, name, now); err != nil {
		return false, fmt.Errorf("reaping expired lock: %w", err)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO rotation_lock (name, acquired_at, expires_at) VALUES (?, ?, ?)`,
		name, now, now.Add(ttl))
	if err != nil {
		// A primary key conflict means another holder beat us to it.
		if strings.Contains(err.Error(), "violates primary key") ||
			strings.Contains(err.Error(), "Constraint Error") ||
			strings.Contains(err.Error(), "Duplicate key") {
			return false, nil
		}
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	logging.Debug().Str("lock", name).Dur("ttl", ttl).Msg("acquired rotation lock")
	return true, nil
}

func (l *DatabaseLocker) Release(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM rotation_lock WHERE name = ?`, name); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// MemoryLocker is a process-local locker for tests and single-node
// deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker builds an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: map[string]time.Time{}}
}

func (l *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if expiry, held := l.locks[name]; held && expiry.After(now) {
		return false, nil
	}
	l.locks[name] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}
