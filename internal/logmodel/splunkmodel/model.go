// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package splunkmodel implements the audit log model over Splunk. Writes go
// through a producer (normally HEC); reads run blocking search jobs against
// the management API with a distinct search credential.
package splunkmodel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
	"github.com/lmerrick/auditpipe/internal/producers"
	"github.com/lmerrick/auditpipe/internal/splunk"
)

const backendName = "splunk"

// defaultExportBatchSize is the result window per export iteration.
const defaultExportBatchSize = 5000

// splTimeFormat is Splunk's default earliest/latest literal layout.
const splTimeFormat = "01/02/2006:15:04:05"

// Searcher is the slice of the search client the model uses.
type Searcher interface {
	Search(ctx context.Context, query string, offset, count int) ([]json.RawMessage, error)
	SearchWithTimeout(ctx context.Context, query string, offset, count int, timeout time.Duration) ([]json.RawMessage, error)
}

var _ Searcher = (*splunk.SearchClient)(nil)

// Config holds the model's Splunk-side settings.
type Config struct {
	// IndexPrefix is the Splunk index events are written to and searched in.
	IndexPrefix string

	// SearchTimeout mirrors the search client's job timeout; it is surfaced
	// in SearchTimeoutError so callers see the effective bound.
	SearchTimeout time.Duration

	// ExportBatchSize overrides the export window. Zero means the default.
	ExportBatchSize int
}

// Model is the Splunk-backed ActionLogsModel.
type Model struct {
	search   Searcher
	producer producers.Producer
	cfg      Config
	mapper   *fieldMapper
	kinds    *logmodel.KindRegistry
	users    logmodel.UserDirectory
	repos    logmodel.RepositoryDirectory
	skip     logmodel.SkipPolicy
	strict   logmodel.StrictPolicy
}

var _ logmodel.ActionLogsModel = (*Model)(nil)

// NewModel builds a Splunk model.
func NewModel(search Searcher, producer producers.Producer, cfg Config, kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory, skip logmodel.SkipPolicy, strict logmodel.StrictPolicy) *Model {
	if cfg.ExportBatchSize <= 0 {
		cfg.ExportBatchSize = defaultExportBatchSize
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 60 * time.Second
	}
	return &Model{
		search:   search,
		producer: producer,
		cfg:      cfg,
		mapper:   newFieldMapper(kinds, users, repos),
		kinds:    kinds,
		users:    users,
		repos:    repos,
		skip:     skip,
		strict:   strict,
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
	kindID, err := m.kinds.KindID(kindName)
	if err != nil {
		return err
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	timestamp := opts.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	event := &producers.Event{
		Kind: kindName,
		Log: logmodel.Log{
			KindID:   kindID,
			IP:       opts.IP,
			Metadata: metadata,
			Datetime: timestamp.UTC(),
		},
		AccountName:    opts.NamespaceName,
		RepositoryName: opts.RepositoryName,
	}
	if opts.Repository != nil {
		event.RepositoryName = opts.Repository.Name
	}
	if opts.Performer != nil {
		event.PerformerName = opts.Performer.Username
	}
	if event.AccountName == "" && opts.Performer != nil {
		event.AccountName = opts.Performer.Username
	}
	return m.producer.Send(ctx, event)
}

// splFilters renders the filter predicates for a name-addressed search.
// Every caller-supplied value passes through the escape function; the
// surrounding syntax is fixed.
func splFilters(filter logmodel.LookupFilter) []string {
	var terms []string
	if filter.NamespaceName != "" {
		terms = append(terms, fmt.Sprintf(`account="%s"`, splunk.EscapeValue(filter.NamespaceName)))
	}
	if filter.PerformerName != "" {
		terms = append(terms, fmt.Sprintf(`performer="%s"`, splunk.EscapeValue(filter.PerformerName)))
	}
	if filter.RepositoryName != "" {
		terms = append(terms, fmt.Sprintf(`repository="%s"`, splunk.EscapeValue(filter.RepositoryName)))
	}
	for _, kind := range filter.FilterKinds {
		terms = append(terms, fmt.Sprintf(`kind!="%s"`, splunk.EscapeValue(kind)))
	}
	return terms
}

// buildSPL assembles the full search string for a time range and filter set.
func (m *Model) buildSPL(start, end time.Time, filter logmodel.LookupFilter, pipeline string) string {
	parts := []string{
		fmt.Sprintf(`search index="%s"`, splunk.EscapeValue(m.cfg.IndexPrefix)),
	}
	if !start.IsZero() {
		parts = append(parts, fmt.Sprintf(`earliest="%s"`, start.UTC().Format(splTimeFormat)))
	}
	if !end.IsZero() {
		parts = append(parts, fmt.Sprintf(`latest="%s"`, end.UTC().Format(splTimeFormat)))
	}
	parts = append(parts, splFilters(filter)...)
	query := strings.Join(parts, " ")
	if pipeline == "" {
		pipeline = "| sort -_time"
	}
	return query + " " + pipeline
}
