// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package table implements the audit log model over a DuckDB table. It is
// the default backend and the only one that participates in the caller's
// database transactions.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

const backendName = "database"

// Model is the table-backed ActionLogsModel.
type Model struct {
	db     *sql.DB
	kinds  *logmodel.KindRegistry
	users  logmodel.UserDirectory
	repos  logmodel.RepositoryDirectory
	skip   logmodel.SkipPolicy
	strict logmodel.StrictPolicy
}

var _ logmodel.ActionLogsModel = (*Model)(nil)

// NewModel builds a table model over an open database.
func NewModel(db *sql.DB, kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory, skip logmodel.SkipPolicy, strict logmodel.StrictPolicy) *Model {
	return &Model{db: db, kinds: kinds, users: users, repos: repos, skip: skip, strict: strict}
}

// CreateSchema creates the logentry table and its indexes if missing.
func (m *Model) CreateSchema(ctx context.Context) error {
	return CreateSchema(ctx, m.db)
}

// CreateSchema creates the logentry table and its indexes on an open
// database, independent of any model instance.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE SEQUENCE IF NOT EXISTS logentry_id_seq;

		CREATE TABLE IF NOT EXISTS logentry (
			id BIGINT PRIMARY KEY DEFAULT nextval('logentry_id_seq'),
			kind_id INTEGER NOT NULL,
			account_id BIGINT NOT NULL,
			performer_id BIGINT,
			repository_id BIGINT,
			ip TEXT,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			datetime TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_logentry_datetime ON logentry(datetime);
		CREATE INDEX IF NOT EXISTS idx_logentry_account ON logentry(account_id, datetime);
		CREATE INDEX IF NOT EXISTS idx_logentry_performer ON logentry(performer_id, datetime);
		CREATE INDEX IF NOT EXISTS idx_logentry_repository ON logentry(repository_id, datetime)
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	logging.Info().Msg("logentry table created/verified")
	return nil
}

// LogAction records a single action. Failures are swallowed when the
// strictness policy tolerates the kind, so pulls keep working through a
// degraded database.
func (m *Model) LogAction(ctx context.Context, kindName string, opts logmodel.ActionOptions) error {
	if m.skip.ShouldSkip(kindName, opts.NamespaceName, opts.IsFreeNamespace) {
		metrics.LogWritesSkipped.Inc()
		return nil
	}

	err := m.insertEntry(ctx, kindName, opts)
	tolerated := err != nil && m.strict.Tolerates(kindName)
	metrics.RecordLogWrite(backendName, err, tolerated)
	if err == nil {
		return nil
	}
	if tolerated {
		logging.Error().Err(err).Str("kind", kindName).Msg("tolerated audit log write failure")
		return nil
	}
	return &logmodel.WriteError{Kind: kindName, Err: err}
}

func (m *Model) insertEntry(ctx context.Context, kindName string, opts logmodel.ActionOptions) error {
	kindID, err := m.kinds.KindID(kindName)
	if err != nil {
		return err
	}

	accountID, repositoryID, err := m.resolveWriteTargets(ctx, opts)
	if err != nil {
		return err
	}

	var performerID interface{}
	if opts.Performer != nil {
		performerID = opts.Performer.ID
	}
	var repoArg interface{}
	if repositoryID != 0 {
		repoArg = repositoryID
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	timestamp := opts.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO logentry (kind_id, account_id, performer_id, repository_id, ip, metadata_json, datetime)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kindID, accountID, performerID, repoArg, opts.IP, string(metadataJSON), timestamp)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// resolveWriteTargets maps the action options onto account and repository
// IDs. A repository pins the account to its namespace owner.
func (m *Model) resolveWriteTargets(ctx context.Context, opts logmodel.ActionOptions) (accountID, repositoryID int64, err error) {
	repo := opts.Repository
	if repo == nil && opts.RepositoryName != "" && opts.NamespaceName != "" {
		repo, err = m.repos.GetRepository(ctx, opts.NamespaceName, opts.RepositoryName)
		if err != nil {
			return 0, 0, err
		}
	}
	if repo != nil {
		return repo.NamespaceUserID, repo.ID, nil
	}

	if opts.NamespaceName != "" {
		account, err := m.users.GetNamespaceUser(ctx, opts.NamespaceName)
		if err != nil {
			return 0, 0, err
		}
		if account == nil {
			return 0, 0, fmt.Errorf("%w: %s", logmodel.ErrUnknownNamespace, opts.NamespaceName)
		}
		return account.ID, 0, nil
	}

	if opts.Performer != nil {
		// Actions with no namespace (logins, account changes) land on the
		// performer's own account.
		return opts.Performer.ID, 0, nil
	}
	return 0, 0, fmt.Errorf("action carries neither namespace nor performer")
}

func (m *Model) fillIdentities(ctx context.Context, logs []logmodel.Log) error {
	if err := logmodel.FillIdentities(ctx, m.users, logs); err != nil {
		return fmt.Errorf("resolving user identities: %w", err)
	}
	return nil
}

// scanLogs drains rows into normalized entries. Rows that fail to scan are
// skipped with a warning rather than failing the page.
func scanLogs(rows *sql.Rows) ([]logmodel.Log, []int64, error) {
	var logs []logmodel.Log
	var ids []int64
	for rows.Next() {
		var (
			id           int64
			kindID       int
			accountID    int64
			performerID  sql.NullInt64
			repositoryID sql.NullInt64
			ip           sql.NullString
			metadataJSON string
			datetime     time.Time
		)
		if err := rows.Scan(&id, &kindID, &accountID, &performerID, &repositoryID, &ip, &metadataJSON, &datetime); err != nil {
			logging.Warn().Err(err).Msg("failed to scan log entry row")
			continue
		}
		entry := logmodel.Log{
			KindID:    kindID,
			AccountID: accountID,
			IP:        ip.String,
			Metadata:  logmodel.ParseMetadata(metadataJSON),
			Datetime:  datetime.UTC(),
		}
		if performerID.Valid {
			entry.PerformerID = performerID.Int64
		}
		if repositoryID.Valid {
			entry.RepositoryID = repositoryID.Int64
		}
		logs = append(logs, entry)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return logs, ids, nil
}

const logColumns = "id, kind_id, account_id, performer_id, repository_id, ip, metadata_json, datetime"

// filterConditions renders the shared WHERE fragment for a resolved filter.
func (m *Model) filterConditions(repositoryID, accountID, performerID int64, filterKinds []string) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if repositoryID != 0 {
		conditions = append(conditions, "repository_id = ?")
		args = append(args, repositoryID)
	}
	if accountID != 0 {
		conditions = append(conditions, "account_id = ?")
		args = append(args, accountID)
	}
	if performerID != 0 {
		conditions = append(conditions, "performer_id = ?")
		args = append(args, performerID)
	}
	if ids := m.kinds.FilterIDs(filterKinds); len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		conditions = append(conditions, fmt.Sprintf("kind_id NOT IN (%s)", strings.Join(placeholders, ",")))
	}
	return conditions, args
}

// resolveFilter maps the name-based filter to IDs, reporting matchesNothing
// when a named performer or repository does not exist.
func (m *Model) resolveFilter(ctx context.Context, filter logmodel.LookupFilter) (conditions []string, args []interface{}, matchesNothing bool, err error) {
	repositoryID, accountID, performerID, err := logmodel.ResolveFilterIDs(ctx, m.users, m.repos, filter)
	if err != nil {
		return nil, nil, false, err
	}
	if filter.RepositoryName != "" && repositoryID == 0 {
		return nil, nil, true, nil
	}
	if filter.PerformerName != "" && performerID == 0 {
		return nil, nil, true, nil
	}
	conditions, args = m.filterConditions(repositoryID, accountID, performerID, filter.FilterKinds)
	return conditions, args, false, nil
}
