// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// Log is the canonical audit log entry. All backends normalize to this form
// on read, whatever their storage representation.
type Log struct {
	// KindID references the closed action-kind enumeration. Never zero for
	// persisted entries; zero on read means the stored kind name was unknown.
	KindID int `json:"kind_id"`

	// Account identifies the namespace the action occurred under. At least
	// one of AccountID / AccountUsername is set on every persisted entry.
	AccountID           int64  `json:"account_id,omitempty"`
	AccountUsername     string `json:"account_username,omitempty"`
	AccountEmail        string `json:"account_email,omitempty"`
	AccountOrganization bool   `json:"account_organization,omitempty"`
	AccountRobot        bool   `json:"account_robot,omitempty"`

	// Performer identifies the actor. Absent for anonymous or system actions.
	PerformerID       int64  `json:"performer_id,omitempty"`
	PerformerUsername string `json:"performer_username,omitempty"`
	PerformerEmail    string `json:"performer_email,omitempty"`
	PerformerRobot    bool   `json:"performer_robot,omitempty"`

	RepositoryID int64 `json:"repository_id,omitempty"`

	// IP is the caller address as reported by the request layer.
	IP string `json:"ip,omitempty"`

	// Metadata is free-form structured context, always surfaced as an object
	// even when the backend stored it pre-serialized.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Datetime is UTC with millisecond resolution.
	Datetime time.Time `json:"datetime"`

	// RandomID is the UUID tie-breaker used where timestamps alone cannot
	// give a total order (Elasticsearch search_after).
	RandomID string `json:"random_id,omitempty"`
}

// AggregatedLogCount is a per-kind, per-calendar-day count bucket.
type AggregatedLogCount struct {
	KindID int       `json:"kind_id"`
	Count  int64     `json:"count"`
	Day    time.Time `json:"day"`
}

// LogEntriesPage is one page of a paginated lookup. A non-nil NextPageToken
// guarantees at least one further entry is retrievable.
type LogEntriesPage struct {
	Logs          []Log
	NextPageToken *PageToken
}

// User is the identity record surfaced by the registry's user model.
type User struct {
	ID           int64
	Username     string
	Email        string
	Organization bool
	Robot        bool
}

// Repository is the repository record surfaced by the registry's data model.
type Repository struct {
	ID              int64
	Name            string
	NamespaceUserID int64
	NamespaceName   string
}

// UserDirectory is the user-model collaborator. Batch methods exist so read
// paths can resolve identities in one call per page rather than per row.
type UserDirectory interface {
	// GetUser returns the user with the given username, or nil when absent.
	GetUser(ctx context.Context, username string) (*User, error)

	// GetNamespaceUser returns the user or organization owning the namespace,
	// or nil when absent.
	GetNamespaceUser(ctx context.Context, username string) (*User, error)

	// GetNamespaceUsersByUsernames resolves many usernames at once. Missing
	// usernames are simply absent from the result map.
	GetNamespaceUsersByUsernames(ctx context.Context, usernames []string) (map[string]*User, error)

	// GetUsersByIDs resolves many user IDs at once.
	GetUsersByIDs(ctx context.Context, ids []int64) (map[int64]*User, error)
}

// RepositoryDirectory is the repository-model collaborator.
type RepositoryDirectory interface {
	// GetRepository returns the repository by namespace and name, or nil.
	GetRepository(ctx context.Context, namespace, name string) (*Repository, error)

	// LookupRepository returns the repository by ID, or nil.
	LookupRepository(ctx context.Context, id int64) (*Repository, error)
}

// ParseMetadata normalizes a stored metadata value into a structured object.
// Backends may hold metadata as a JSON string or as an already-structured
// map; callers always see a map. Unparseable input yields an empty map.
func ParseMetadata(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		return v
	case string:
		if v == "" {
			return map[string]interface{}{}
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err != nil || parsed == nil {
			logging.Warn().Msg("metadata is not a JSON object, dropping")
			return map[string]interface{}{}
		}
		return parsed
	case []byte:
		return ParseMetadata(string(v))
	default:
		logging.Warn().Msg("metadata has unexpected type, dropping")
		return map[string]interface{}{}
	}
}

// FillIdentities resolves account and performer usernames for a page of
// entries with one batched directory call.
func FillIdentities(ctx context.Context, users UserDirectory, logs []Log) error {
	idSet := map[int64]struct{}{}
	for _, entry := range logs {
		if entry.AccountID != 0 && entry.AccountUsername == "" {
			idSet[entry.AccountID] = struct{}{}
		}
		if entry.PerformerID != 0 && entry.PerformerUsername == "" {
			idSet[entry.PerformerID] = struct{}{}
		}
	}
	if len(idSet) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	resolved, err := users.GetUsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for i := range logs {
		if u, ok := resolved[logs[i].AccountID]; ok && logs[i].AccountUsername == "" {
			logs[i].AccountUsername = u.Username
			logs[i].AccountEmail = u.Email
			logs[i].AccountOrganization = u.Organization
			logs[i].AccountRobot = u.Robot
		}
		if u, ok := resolved[logs[i].PerformerID]; ok && logs[i].PerformerUsername == "" {
			logs[i].PerformerUsername = u.Username
			logs[i].PerformerEmail = u.Email
			logs[i].PerformerRobot = u.Robot
		}
	}
	return nil
}

// ResolveFilterIDs maps the name-based lookup filter onto repository, account
// and performer IDs using the directory collaborators. A repository filter
// also pins the account to the repository's namespace. An unknown namespace
// is an error (ErrUnknownNamespace); unknown performers and repositories
// resolve to zero and simply match nothing at the backend.
func ResolveFilterIDs(ctx context.Context, users UserDirectory, repos RepositoryDirectory, filter LookupFilter) (repositoryID, accountID, performerID int64, err error) {
	if filter.RepositoryName != "" && filter.NamespaceName != "" {
		repo, err := repos.GetRepository(ctx, filter.NamespaceName, filter.RepositoryName)
		if err != nil {
			return 0, 0, 0, err
		}
		if repo != nil {
			repositoryID = repo.ID
			accountID = repo.NamespaceUserID
		}
	}

	if filter.NamespaceName != "" && accountID == 0 {
		account, err := users.GetNamespaceUser(ctx, filter.NamespaceName)
		if err != nil {
			return 0, 0, 0, err
		}
		if account == nil {
			return 0, 0, 0, ErrUnknownNamespace
		}
		accountID = account.ID
	}

	if filter.PerformerName != "" {
		performer, err := users.GetUser(ctx, filter.PerformerName)
		if err != nil {
			return 0, 0, 0, err
		}
		if performer != nil {
			performerID = performer.ID
		}
	}

	return repositoryID, accountID, performerID, nil
}
