// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package splunkmodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/producers"
	"github.com/lmerrick/auditpipe/internal/splunk"
)

type fakeSearcher struct {
	queries  []string
	offsets  []int
	counts   []int
	timeouts []time.Duration
	results  [][]json.RawMessage
	err      error
	calls    int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, offset, count int) ([]json.RawMessage, error) {
	return f.SearchWithTimeout(ctx, query, offset, count, 0)
}

func (f *fakeSearcher) SearchWithTimeout(ctx context.Context, query string, offset, count int, timeout time.Duration) ([]json.RawMessage, error) {
	f.queries = append(f.queries, query)
	f.offsets = append(f.offsets, offset)
	f.counts = append(f.counts, count)
	f.timeouts = append(f.timeouts, timeout)
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	rows := f.results[0]
	f.results = f.results[1:]
	return rows, nil
}

type discardProducer struct{ events []*producers.Event }

func (p *discardProducer) Send(ctx context.Context, event *producers.Event) error {
	p.events = append(p.events, event)
	return nil
}

func testDirectory(t *testing.T) *logmodel.MemoryDirectory {
	t.Helper()
	directory := logmodel.NewMemoryDirectory()
	directory.AddUser(logmodel.User{ID: 1, Username: "acme", Organization: true})
	directory.AddUser(logmodel.User{ID: 2, Username: "alice", Email: "alice@example.com"})
	directory.AddRepository(logmodel.Repository{ID: 10, Name: "web", NamespaceUserID: 1, NamespaceName: "acme"})
	return directory
}

func newTestModel(t *testing.T, search Searcher, producer producers.Producer) *Model {
	t.Helper()
	directory := testDirectory(t)
	return NewModel(search, producer,
		Config{IndexPrefix: "logentry", SearchTimeout: 60 * time.Second},
		logmodel.NewKindRegistry(logmodel.DefaultKindNames()),
		directory, directory,
		logmodel.SkipPolicy{}, logmodel.DefaultStrictPolicy())
}

// eventRow renders one search result row the way Splunk returns HEC events:
// the original payload embedded as the _raw string.
func eventRow(t *testing.T, kind, account, performer, repository string, at time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"kind":          kind,
		"account":       account,
		"performer":     performer,
		"repository":    repository,
		"ip":            "10.0.0.1",
		"metadata_json": map[string]interface{}{"tag": "latest"},
		"datetime":      at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshaling event: %v", err)
	}
	row, err := json.Marshal(map[string]string{"_raw": string(raw)})
	if err != nil {
		t.Fatalf("marshaling row: %v", err)
	}
	return row
}

func TestBuildSPLEscapesFilterValues(t *testing.T) {
	model := newTestModel(t, &fakeSearcher{}, &discardProducer{})

	query := model.buildSPL(
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		logmodel.LookupFilter{
			NamespaceName: `acme" | delete index=main`,
			FilterKinds:   []string{"pull_repo"},
		}, "")

	if !strings.Contains(query, `account="acme\" | delete index=main"`) {
		t.Errorf("query = %q, want escaped namespace", query)
	}
	if !strings.Contains(query, `kind!="pull_repo"`) {
		t.Errorf("query = %q, want kind exclusion", query)
	}
	if !strings.Contains(query, `earliest="08/01/2026:00:00:00"`) || !strings.Contains(query, `latest="08/02/2026:00:00:00"`) {
		t.Errorf("query = %q, want time bounds", query)
	}
	if !strings.HasSuffix(query, "| sort -_time") {
		t.Errorf("query = %q, want sort pipeline suffix", query)
	}
}

func TestLookupLogsOffsetPagination(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fullPage := make([]json.RawMessage, logmodel.PageSize+1)
	for i := range fullPage {
		fullPage[i] = eventRow(t, "push_repo", "acme", "alice", "web", day.Add(-time.Duration(i)*time.Minute))
	}
	search := &fakeSearcher{results: [][]json.RawMessage{
		fullPage,
		{eventRow(t, "push_repo", "acme", "alice", "web", day.Add(-24*time.Hour))},
	}}
	model := newTestModel(t, search, &discardProducer{})
	ctx := context.Background()

	first, err := model.LookupLogs(ctx, day.Add(-48*time.Hour), day, logmodel.LookupFilter{}, nil, 0)
	if err != nil {
		t.Fatalf("LookupLogs: %v", err)
	}
	if len(first.Logs) != logmodel.PageSize {
		t.Fatalf("first page = %d entries, want %d", len(first.Logs), logmodel.PageSize)
	}
	if first.NextPageToken == nil {
		t.Fatal("first page missing continuation token")
	}
	if first.Logs[0].AccountID != 1 || first.Logs[0].PerformerID != 2 {
		t.Errorf("identities not resolved: %+v", first.Logs[0])
	}
	if first.Logs[0].RepositoryID != 10 {
		t.Errorf("repository id = %d, want 10", first.Logs[0].RepositoryID)
	}

	second, err := model.LookupLogs(ctx, day.Add(-48*time.Hour), day, logmodel.LookupFilter{}, first.NextPageToken, 0)
	if err != nil {
		t.Fatalf("LookupLogs: %v", err)
	}
	if len(second.Logs) != 1 || second.NextPageToken != nil {
		t.Errorf("second page = %d entries, token %v", len(second.Logs), second.NextPageToken)
	}
	if search.offsets[0] != 0 || search.offsets[1] != logmodel.PageSize {
		t.Errorf("offsets = %v, want [0 %d]", search.offsets, logmodel.PageSize)
	}
	if search.counts[0] != logmodel.PageSize+1 {
		t.Errorf("count = %d, want %d", search.counts[0], logmodel.PageSize+1)
	}
}

func TestLookupLogsTranslatesTimeout(t *testing.T) {
	search := &fakeSearcher{err: fmt.Errorf("%w after 60s", splunk.ErrSearchTimeout)}
	model := newTestModel(t, search, &discardProducer{})

	_, err := model.LookupLogs(context.Background(), time.Now().Add(-time.Hour), time.Now(), logmodel.LookupFilter{}, nil, 0)
	var timeoutErr *logmodel.SearchTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *SearchTimeoutError", err)
	}
	if timeoutErr.Timeout != 60*time.Second {
		t.Errorf("timeout = %v", timeoutErr.Timeout)
	}
}

func TestMapBatchPreservesDeletedUsernames(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	search := &fakeSearcher{results: [][]json.RawMessage{
		{eventRow(t, "push_repo", "ghost-org", "ghost-user", "", day)},
	}}
	model := newTestModel(t, search, &discardProducer{})

	page, err := model.LookupLogs(context.Background(), day.Add(-time.Hour), day.Add(time.Hour), logmodel.LookupFilter{}, nil, 0)
	if err != nil {
		t.Fatalf("LookupLogs: %v", err)
	}
	if len(page.Logs) != 1 {
		t.Fatalf("got %d entries, want 1", len(page.Logs))
	}
	entry := page.Logs[0]
	if entry.AccountUsername != "ghost-org" || entry.PerformerUsername != "ghost-user" {
		t.Errorf("usernames = %q/%q, deleted users must keep raw names", entry.AccountUsername, entry.PerformerUsername)
	}
	if entry.AccountID != 0 || entry.PerformerID != 0 || entry.AccountEmail != "" {
		t.Errorf("deleted users must carry no identity fields: %+v", entry)
	}
}

func TestMapBatchSkipsUnmappableRows(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	search := &fakeSearcher{results: [][]json.RawMessage{
		{
			json.RawMessage(`{"_raw":"not json"}`),
			eventRow(t, "push_repo", "acme", "alice", "web", day),
		},
	}}
	model := newTestModel(t, search, &discardProducer{})

	page, err := model.LookupLogs(context.Background(), day.Add(-time.Hour), day.Add(time.Hour), logmodel.LookupFilter{}, nil, 0)
	if err != nil {
		t.Fatalf("LookupLogs: %v", err)
	}
	if len(page.Logs) != 1 {
		t.Errorf("got %d entries, want the bad row skipped", len(page.Logs))
	}
}

func TestMapBatchUnknownKindMapsToZero(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	search := &fakeSearcher{results: [][]json.RawMessage{
		{eventRow(t, "retired_kind", "acme", "alice", "", day)},
	}}
	model := newTestModel(t, search, &discardProducer{})

	page, err := model.LookupLogs(context.Background(), day.Add(-time.Hour), day.Add(time.Hour), logmodel.LookupFilter{}, nil, 0)
	if err != nil {
		t.Fatalf("LookupLogs: %v", err)
	}
	if len(page.Logs) != 1 || page.Logs[0].KindID != 0 {
		t.Errorf("unknown kind should map to 0, got %+v", page.Logs)
	}
}

type repoCountingDirectory struct {
	*logmodel.MemoryDirectory
	repoLookups int
}

func (d *repoCountingDirectory) GetRepository(ctx context.Context, namespace, name string) (*logmodel.Repository, error) {
	d.repoLookups++
	return d.MemoryDirectory.GetRepository(ctx, namespace, name)
}

func TestMapBatchMemoizesRepositoryLookups(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	directory := &repoCountingDirectory{MemoryDirectory: testDirectory(t)}
	mapper := newFieldMapper(logmodel.NewKindRegistry(logmodel.DefaultKindNames()), directory, directory)

	rows := []json.RawMessage{
		eventRow(t, "push_repo", "acme", "alice", "web", day),
		eventRow(t, "pull_repo", "acme", "alice", "web", day.Add(time.Minute)),
		eventRow(t, "push_repo", "acme", "alice", "web", day.Add(2*time.Minute)),
	}
	logs, err := mapper.MapBatch(context.Background(), rows)
	if err != nil {
		t.Fatalf("MapBatch: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d entries, want 3", len(logs))
	}
	for i, entry := range logs {
		if entry.RepositoryID != 10 {
			t.Errorf("entry %d repository id = %d, want 10", i, entry.RepositoryID)
		}
	}
	if directory.repoLookups != 1 {
		t.Errorf("repository resolved %d times for one repeated pair, want 1", directory.repoLookups)
	}

	// A missing repository is memoized too, not re-queried per row.
	missing := []json.RawMessage{
		eventRow(t, "push_repo", "acme", "alice", "gone", day),
		eventRow(t, "push_repo", "acme", "alice", "gone", day.Add(time.Minute)),
	}
	if _, err := mapper.MapBatch(context.Background(), missing); err != nil {
		t.Fatalf("MapBatch: %v", err)
	}
	if directory.repoLookups != 2 {
		t.Errorf("repository lookups = %d, want 2 after one missing pair", directory.repoLookups)
	}
}

func TestGetAggregatedLogCounts(t *testing.T) {
	search := &fakeSearcher{results: [][]json.RawMessage{
		{
			json.RawMessage(`{"kind":"push_repo","log_date":"2026-08-29","count":"7"}`),
			json.RawMessage(`{"kind":"pull_repo","log_date":"2026-08-30","count":"3"}`),
		},
	}}
	model := newTestModel(t, search, &discardProducer{})

	counts, err := model.GetAggregatedLogCounts(context.Background(),
		time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		logmodel.LookupFilter{})
	if err != nil {
		t.Fatalf("GetAggregatedLogCounts: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("got %d buckets, want 2", len(counts))
	}
	if counts[0].Count != 7 || counts[1].Count != 3 {
		t.Errorf("counts = %+v", counts)
	}
	if !strings.Contains(search.queries[0], "stats count by kind, log_date") {
		t.Errorf("query = %q, want aggregation pipeline", search.queries[0])
	}
}

func TestCountRepositoryActions(t *testing.T) {
	search := &fakeSearcher{results: [][]json.RawMessage{
		{json.RawMessage(`{"count":"42"}`)},
	}}
	model := newTestModel(t, search, &discardProducer{})

	n, err := model.CountRepositoryActions(context.Background(), 10, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("CountRepositoryActions: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
	if !strings.Contains(search.queries[0], `repository="web"`) {
		t.Errorf("query = %q, want repository filter resolved from id", search.queries[0])
	}
	// Counts run under a tighter job timeout than full lookups.
	if len(search.timeouts) != 1 || search.timeouts[0] != 30*time.Second {
		t.Errorf("count search timeout = %v, want [30s]", search.timeouts)
	}
}

func TestCountRepositoryActionsTimeoutDegradesToZero(t *testing.T) {
	search := &fakeSearcher{err: splunk.ErrSearchTimeout}
	model := newTestModel(t, search, &discardProducer{})

	n, err := model.CountRepositoryActions(context.Background(), 10, time.Now())
	if err != nil {
		t.Fatalf("timeout must not propagate, got %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 on timeout", n)
	}
}

func TestYieldLogsForExportWalksOffsets(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	batchSize := 3
	first := make([]json.RawMessage, batchSize)
	for i := range first {
		first[i] = eventRow(t, "push_repo", "acme", "alice", "web", day.Add(time.Duration(i)*time.Minute))
	}
	search := &fakeSearcher{results: [][]json.RawMessage{
		first,
		{eventRow(t, "push_repo", "acme", "alice", "web", day.Add(time.Hour))},
	}}
	directory := testDirectory(t)
	model := NewModel(search, &discardProducer{},
		Config{IndexPrefix: "logentry", ExportBatchSize: batchSize},
		logmodel.NewKindRegistry(logmodel.DefaultKindNames()),
		directory, directory, logmodel.SkipPolicy{}, logmodel.DefaultStrictPolicy())

	iterator, err := model.YieldLogsForExport(context.Background(), day.Add(-time.Hour), day.Add(2*time.Hour), logmodel.ExportOptions{})
	if err != nil {
		t.Fatalf("YieldLogsForExport: %v", err)
	}

	var total int
	for {
		batch, ok, err := iterator.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		total += len(batch)
	}
	if total != batchSize+1 {
		t.Errorf("exported %d entries, want %d", total, batchSize+1)
	}
	if search.offsets[1] != batchSize {
		t.Errorf("second offset = %d, want %d", search.offsets[1], batchSize)
	}
}

func TestRotationYieldsNothing(t *testing.T) {
	model := newTestModel(t, &fakeSearcher{}, &discardProducer{})
	iterator, err := model.YieldLogRotationContexts(context.Background(), time.Now(), 5000)
	if err != nil {
		t.Fatalf("YieldLogRotationContexts: %v", err)
	}
	if _, ok, _ := iterator.Next(context.Background()); ok {
		t.Error("splunk retention is external, rotation must yield nothing")
	}
}

func TestLogActionSendsNameAddressedEvent(t *testing.T) {
	producer := &discardProducer{}
	model := newTestModel(t, &fakeSearcher{}, producer)

	err := model.LogAction(context.Background(), "push_repo", logmodel.ActionOptions{
		NamespaceName:  "acme",
		RepositoryName: "web",
		Performer:      &logmodel.User{ID: 2, Username: "alice"},
	})
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if len(producer.events) != 1 {
		t.Fatalf("sent %d events, want 1", len(producer.events))
	}
	event := producer.events[0]
	if event.AccountName != "acme" || event.PerformerName != "alice" || event.RepositoryName != "web" {
		t.Errorf("names = %q/%q/%q", event.AccountName, event.PerformerName, event.RepositoryName)
	}
	if event.Log.KindID == 0 {
		t.Error("kind id not resolved")
	}
}
