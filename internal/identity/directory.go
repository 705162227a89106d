// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package identity is the database-backed user and repository directory. Log
// entries store numeric identity references; this package is how read paths
// turn them back into usernames and how write paths resolve namespaces.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
)

// Directory serves user and repository lookups from DuckDB.
type Directory struct {
	db *sql.DB
}

var (
	_ logmodel.UserDirectory       = (*Directory)(nil)
	_ logmodel.RepositoryDirectory = (*Directory)(nil)
)

// NewDirectory builds a directory over an open database.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// CreateSchema creates the identity tables if missing.
func (d *Directory) CreateSchema(ctx context.Context) error {
	schema := `
		CREATE SEQUENCE IF NOT EXISTS registry_user_id_seq;

		CREATE TABLE IF NOT EXISTS registry_user (
			id BIGINT PRIMARY KEY DEFAULT nextval('registry_user_id_seq'),
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			organization BOOLEAN NOT NULL DEFAULT FALSE,
			robot BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE SEQUENCE IF NOT EXISTS repository_id_seq;

		CREATE TABLE IF NOT EXISTS repository (
			id BIGINT PRIMARY KEY DEFAULT nextval('repository_id_seq'),
			namespace_user_id BIGINT NOT NULL,
			name TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_repository_namespace_name
			ON repository(namespace_user_id, name)
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	logging.Info().Msg("identity tables created/verified")
	return nil
}

const userColumns = "id, username, email, organization, robot"

func scanUser(scanner interface{ Scan(dest ...interface{}) error }) (*logmodel.User, error) {
	var user logmodel.User
	err := scanner.Scan(&user.ID, &user.Username, &user.Email, &user.Organization, &user.Robot)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a user record and returns it with its assigned ID.
func (d *Directory) CreateUser(ctx context.Context, user logmodel.User) (*logmodel.User, error) {
	row := d.db.QueryRowContext(ctx,
		`INSERT INTO registry_user (username, email, organization, robot)
		 VALUES (?, ?, ?, ?) RETURNING `+userColumns,
		user.Username, user.Email, user.Organization, user.Robot)
	created, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("creating user %s: %w", user.Username, err)
	}
	return created, nil
}

// CreateRepository inserts a repository record under a namespace and returns
// it with its assigned ID.
func (d *Directory) CreateRepository(ctx context.Context, namespaceUserID int64, name string) (*logmodel.Repository, error) {
	var repo logmodel.Repository
	err := d.db.QueryRowContext(ctx,
		`INSERT INTO repository (namespace_user_id, name) VALUES (?, ?)
		 RETURNING id, namespace_user_id, name`,
		namespaceUserID, name).Scan(&repo.ID, &repo.NamespaceUserID, &repo.Name)
	if err != nil {
		return nil, fmt.Errorf("creating repository %s: %w", name, err)
	}
	owner, err := d.userByID(ctx, repo.NamespaceUserID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		repo.NamespaceName = owner.Username
	}
	return &repo, nil
}

func (d *Directory) userByID(ctx context.Context, id int64) (*logmodel.User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM registry_user WHERE id = ?`, id)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", id, err)
	}
	return user, nil
}

// GetUser returns the user with the given username, or nil.
func (d *Directory) GetUser(ctx context.Context, username string) (*logmodel.User, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM registry_user WHERE username = ?`, username)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", username, err)
	}
	return user, nil
}

// GetNamespaceUser returns the namespace owner. Namespaces and users share
// one table, so this is a plain username lookup.
func (d *Directory) GetNamespaceUser(ctx context.Context, username string) (*logmodel.User, error) {
	return d.GetUser(ctx, username)
}

// GetNamespaceUsersByUsernames resolves many usernames in one query. Unknown
// usernames are absent from the result.
func (d *Directory) GetNamespaceUsersByUsernames(ctx context.Context, usernames []string) (map[string]*logmodel.User, error) {
	out := map[string]*logmodel.User{}
	if len(usernames) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(usernames))
	args := make([]interface{}, len(usernames))
	for i, username := range usernames {
		placeholders[i] = "?"
		args[i] = username
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM registry_user WHERE username IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying users by username: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		out[user.Username] = user
	}
	return out, rows.Err()
}

// GetUsersByIDs resolves many user IDs in one query. Unknown IDs are absent
// from the result.
func (d *Directory) GetUsersByIDs(ctx context.Context, ids []int64) (map[int64]*logmodel.User, error) {
	out := map[int64]*logmodel.User{}
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM registry_user WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying users by id: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		out[user.ID] = user
	}
	return out, rows.Err()
}

const repoQuery = `
	SELECT r.id, r.namespace_user_id, r.name, u.username
	FROM repository r
	JOIN registry_user u ON u.id = r.namespace_user_id
`

func scanRepository(scanner interface{ Scan(dest ...interface{}) error }) (*logmodel.Repository, error) {
	var repo logmodel.Repository
	err := scanner.Scan(&repo.ID, &repo.NamespaceUserID, &repo.Name, &repo.NamespaceName)
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetRepository returns the repository by namespace and name, or nil.
func (d *Directory) GetRepository(ctx context.Context, namespace, name string) (*logmodel.Repository, error) {
	row := d.db.QueryRowContext(ctx, repoQuery+` WHERE u.username = ? AND r.name = ?`, namespace, name)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying repository %s/%s: %w", namespace, name, err)
	}
	return repo, nil
}

// LookupRepository returns the repository by ID, or nil.
func (d *Directory) LookupRepository(ctx context.Context, id int64) (*logmodel.Repository, error) {
	row := d.db.QueryRowContext(ctx, repoQuery+` WHERE r.id = ?`, id)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying repository %d: %w", id, err)
	}
	return repo, nil
}
