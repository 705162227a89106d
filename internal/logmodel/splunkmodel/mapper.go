// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package splunkmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
)

// rawEvent is the name-addressed form events carry in Splunk.
type rawEvent struct {
	Kind       string          `json:"kind"`
	Account    string          `json:"account"`
	Performer  string          `json:"performer"`
	Repository string          `json:"repository"`
	IP         string          `json:"ip"`
	Metadata   json.RawMessage `json:"metadata_json"`
	Datetime   time.Time       `json:"datetime"`
}

// fieldMapper normalizes Splunk result rows into canonical entries. Username
// resolution is batched per call and memoized across calls; ClearCache
// bounds memory between paginated reads.
type fieldMapper struct {
	kinds *logmodel.KindRegistry
	users logmodel.UserDirectory
	repos logmodel.RepositoryDirectory

	// userCache maps usernames to resolved users. A nil value records a
	// username known to be deleted, so it is not re-queried.
	userCache map[string]*logmodel.User

	// repoCache maps namespace/name pairs to resolved repositories, nil for
	// missing ones. Rows in a batch usually repeat a handful of repositories.
	repoCache map[string]*logmodel.Repository
}

func newFieldMapper(kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory) *fieldMapper {
	return &fieldMapper{
		kinds:     kinds,
		users:     users,
		repos:     repos,
		userCache: map[string]*logmodel.User{},
		repoCache: map[string]*logmodel.Repository{},
	}
}

// ClearCache drops memoized username and repository resolutions.
func (fm *fieldMapper) ClearCache() {
	fm.userCache = map[string]*logmodel.User{}
	fm.repoCache = map[string]*logmodel.Repository{}
}

// decodeRow extracts the event fields from one free-form result row. Rows
// carry the original event JSON in _raw; rows exported without _raw are
// decoded directly.
func decodeRow(row json.RawMessage) (*rawEvent, error) {
	var envelope struct {
		Raw string `json:"_raw"`
	}
	if err := json.Unmarshal(row, &envelope); err != nil {
		return nil, err
	}
	payload := row
	if envelope.Raw != "" {
		payload = json.RawMessage(envelope.Raw)
	}
	var event rawEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.Kind == "" {
		return nil, fmt.Errorf("row carries no kind field")
	}
	return &event, nil
}

// MapBatch normalizes one batch of result rows. Undecodable rows are skipped
// with a warning; they never fail the batch.
func (fm *fieldMapper) MapBatch(ctx context.Context, rows []json.RawMessage) ([]logmodel.Log, error) {
	events := make([]*rawEvent, 0, len(rows))
	missing := map[string]struct{}{}
	for _, row := range rows {
		event, err := decodeRow(row)
		if err != nil {
			mappingErr := &logmodel.MappingError{Err: err}
			logging.Warn().Err(mappingErr).Msg("skipping unmappable search result row")
			continue
		}
		events = append(events, event)
		for _, name := range []string{event.Account, event.Performer} {
			if name == "" {
				continue
			}
			if _, cached := fm.userCache[name]; !cached {
				missing[name] = struct{}{}
			}
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		resolved, err := fm.users.GetNamespaceUsersByUsernames(ctx, names)
		if err != nil {
			return nil, fmt.Errorf("resolving usernames: %w", err)
		}
		for _, name := range names {
			fm.userCache[name] = resolved[name]
		}
	}

	logs := make([]logmodel.Log, 0, len(events))
	for _, event := range events {
		entry := logmodel.Log{
			KindID:   fm.kinds.LookupID(event.Kind),
			IP:       event.IP,
			Metadata: logmodel.ParseMetadata([]byte(event.Metadata)),
			Datetime: event.Datetime.UTC(),
		}
		// A deleted user keeps its raw username for audit continuity; the
		// identity fields stay empty.
		entry.AccountUsername = event.Account
		if u := fm.userCache[event.Account]; u != nil {
			entry.AccountID = u.ID
			entry.AccountEmail = u.Email
			entry.AccountOrganization = u.Organization
			entry.AccountRobot = u.Robot
		}
		entry.PerformerUsername = event.Performer
		if u := fm.userCache[event.Performer]; u != nil {
			entry.PerformerID = u.ID
			entry.PerformerEmail = u.Email
			entry.PerformerRobot = u.Robot
		}
		if event.Repository != "" && event.Account != "" {
			key := event.Account + "/" + event.Repository
			repo, cached := fm.repoCache[key]
			if !cached {
				var err error
				repo, err = fm.repos.GetRepository(ctx, event.Account, event.Repository)
				if err != nil {
					return nil, fmt.Errorf("resolving repository: %w", err)
				}
				fm.repoCache[key] = repo
			}
			if repo != nil {
				entry.RepositoryID = repo.ID
			}
		}
		logs = append(logs, entry)
	}
	return logs, nil
}
