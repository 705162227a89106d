// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package document implements the audit log model over per-day Elasticsearch
// indices. Writes go through a pluggable producer so the same model serves
// direct bulk indexing and broker-fronted deployments (Kafka, Kinesis).
package document

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
	"github.com/lmerrick/auditpipe/internal/producers"
)

const backendName = "elasticsearch"

// Model is the Elasticsearch-backed ActionLogsModel.
type Model struct {
	es          *elastic.Client
	producer    producers.Producer
	indexPrefix string
	kinds       *logmodel.KindRegistry
	users       logmodel.UserDirectory
	repos       logmodel.RepositoryDirectory
	skip        logmodel.SkipPolicy
	strict      logmodel.StrictPolicy
}

var _ logmodel.ActionLogsModel = (*Model)(nil)

// NewModel builds a document model. The producer decides where writes land;
// reads always hit the cluster directly.
func NewModel(es *elastic.Client, producer producers.Producer, indexPrefix string, kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory, skip logmodel.SkipPolicy, strict logmodel.StrictPolicy) *Model {
	return &Model{
		es:          es,
		producer:    producer,
		indexPrefix: indexPrefix,
		kinds:       kinds,
		users:       users,
		repos:       repos,
		skip:        skip,
		strict:      strict,
	}
}

// LogAction records a single action through the configured producer.
func (m *Model) LogAction(ctx context.Context, kindName string, opts logmodel.ActionOptions) error {
	if m.skip.ShouldSkip(kindName, opts.NamespaceName, opts.IsFreeNamespace) {
		metrics.LogWritesSkipped.Inc()
		return nil
	}

	err := m.sendEntry(ctx, kindName, opts)
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

func (m *Model) sendEntry(ctx context.Context, kindName string, opts logmodel.ActionOptions) error {
	event, err := m.buildEvent(ctx, kindName, opts)
	if err != nil {
		return err
	}
	return m.producer.Send(ctx, event)
}

// buildEvent resolves names to IDs and stamps the entry with its random
// tie-break ID. The event also carries plain names for producers that ship
// name-addressed payloads.
func (m *Model) buildEvent(ctx context.Context, kindName string, opts logmodel.ActionOptions) (*producers.Event, error) {
	kindID, err := m.kinds.KindID(kindName)
	if err != nil {
		return nil, err
	}

	event := &producers.Event{
		Kind:        kindName,
		AccountName: opts.NamespaceName,
	}
	entry := logmodel.Log{
		KindID:   kindID,
		IP:       opts.IP,
		Metadata: opts.Metadata,
		Datetime: opts.Timestamp,
		RandomID: uuid.NewString(),
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}
	if entry.Datetime.IsZero() {
		entry.Datetime = time.Now().UTC()
	}
	entry.Datetime = entry.Datetime.UTC()

	repo := opts.Repository
	if repo == nil && opts.RepositoryName != "" && opts.NamespaceName != "" {
		repo, err = m.repos.GetRepository(ctx, opts.NamespaceName, opts.RepositoryName)
		if err != nil {
			return nil, err
		}
	}
	switch {
	case repo != nil:
		entry.AccountID = repo.NamespaceUserID
		entry.RepositoryID = repo.ID
		event.RepositoryName = repo.Name
	case opts.NamespaceName != "":
		account, err := m.users.GetNamespaceUser(ctx, opts.NamespaceName)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, fmt.Errorf("%w: %s", logmodel.ErrUnknownNamespace, opts.NamespaceName)
		}
		entry.AccountID = account.ID
	case opts.Performer != nil:
		entry.AccountID = opts.Performer.ID
		event.AccountName = opts.Performer.Username
	default:
		return nil, fmt.Errorf("action carries neither namespace nor performer")
	}

	if opts.Performer != nil {
		entry.PerformerID = opts.Performer.ID
		event.PerformerName = opts.Performer.Username
	}
	event.Log = entry
	return event, nil
}

// indicesForRange lists the per-day indices whose day overlaps [start, end),
// newest day first.
func (m *Model) indicesForRange(ctx context.Context, start, end time.Time) ([]string, error) {
	names, err := m.es.ListIndices(ctx, m.indexPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing log indices: %w", err)
	}

	startDay := start.UTC().Truncate(24 * time.Hour)
	var matched []string
	for _, name := range names {
		day, err := elastic.ParseIndexDay(m.indexPrefix, name)
		if err != nil {
			logging.Warn().Str("index", name).Msg("skipping index with unparseable day suffix")
			continue
		}
		if day.Before(startDay) || !day.Before(end.UTC()) {
			continue
		}
		matched = append(matched, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matched)))
	return matched, nil
}

// buildQuery renders the shared bool query for a resolved filter and time
// range.
func (m *Model) buildQuery(start, end time.Time, repositoryID, accountID, performerID int64, filterKinds []string) map[string]interface{} {
	filter := []map[string]interface{}{
		elastic.RangeQuery("datetime", start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano)),
	}
	if repositoryID != 0 {
		filter = append(filter, elastic.TermQuery("repository_id", repositoryID))
	}
	if accountID != 0 {
		filter = append(filter, elastic.TermQuery("account_id", accountID))
	}
	if performerID != 0 {
		filter = append(filter, elastic.TermQuery("performer_id", performerID))
	}
	var mustNot []map[string]interface{}
	if ids := m.kinds.FilterIDs(filterKinds); len(ids) > 0 {
		mustNot = append(mustNot, elastic.TermsQuery("kind_id", ids))
	}
	return elastic.BoolQuery(filter, mustNot)
}

// decodeHits unmarshals documents into normalized entries. Documents that
// fail to decode are skipped with a warning rather than failing the page.
func decodeHits(hits []elastic.Hit) []logmodel.Log {
	logs := make([]logmodel.Log, 0, len(hits))
	for _, hit := range hits {
		var entry logmodel.Log
		if err := json.Unmarshal(hit.Source, &entry); err != nil {
			mappingErr := &logmodel.MappingError{Err: err}
			logging.Warn().Err(mappingErr).Str("id", hit.ID).Msg("skipping undecodable log document")
			continue
		}
		entry.Datetime = entry.Datetime.UTC()
		logs = append(logs, entry)
	}
	return logs
}
