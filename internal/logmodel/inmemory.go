// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryModel is a complete ActionLogsModel held in process memory. It
// exists for tests and for the combined model's own test coverage; it is not
// a production backend.
type InMemoryModel struct {
	kinds  *KindRegistry
	users  UserDirectory
	repos  RepositoryDirectory
	skip   SkipPolicy
	strict StrictPolicy

	mu   sync.Mutex
	logs []Log
}

var _ ActionLogsModel = (*InMemoryModel)(nil)

// NewInMemoryModel builds an empty in-memory model.
func NewInMemoryModel(kinds *KindRegistry, users UserDirectory, repos RepositoryDirectory, skip SkipPolicy, strict StrictPolicy) *InMemoryModel {
	return &InMemoryModel{kinds: kinds, users: users, repos: repos, skip: skip, strict: strict}
}

// Len reports the number of stored entries.
func (m *InMemoryModel) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// LogAction records an entry unless the skip policy excludes it.
func (m *InMemoryModel) LogAction(ctx context.Context, kindName string, opts ActionOptions) error {
	if m.skip.ShouldSkip(kindName, opts.NamespaceName, opts.IsFreeNamespace) {
		return nil
	}

	kindID, err := m.kinds.KindID(kindName)
	if err != nil {
		return &WriteError{Kind: kindName, Err: err}
	}

	entry := Log{
		KindID:   kindID,
		IP:       opts.IP,
		Metadata: opts.Metadata,
		Datetime: opts.Timestamp,
		RandomID: uuid.NewString(),
	}
	if entry.Datetime.IsZero() {
		entry.Datetime = time.Now().UTC()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}

	if opts.Performer != nil {
		entry.PerformerID = opts.Performer.ID
		entry.PerformerUsername = opts.Performer.Username
		entry.PerformerEmail = opts.Performer.Email
		entry.PerformerRobot = opts.Performer.Robot
	}

	repo := opts.Repository
	if repo == nil && opts.RepositoryName != "" && opts.NamespaceName != "" {
		repo, err = m.repos.GetRepository(ctx, opts.NamespaceName, opts.RepositoryName)
		if err != nil {
			return &WriteError{Kind: kindName, Err: err}
		}
	}
	if repo != nil {
		entry.RepositoryID = repo.ID
		entry.AccountID = repo.NamespaceUserID
		entry.AccountUsername = repo.NamespaceName
	} else if opts.NamespaceName != "" {
		account, err := m.users.GetNamespaceUser(ctx, opts.NamespaceName)
		if err != nil {
			return &WriteError{Kind: kindName, Err: err}
		}
		if account == nil {
			return &WriteError{Kind: kindName, Err: fmt.Errorf("%w: %s", ErrUnknownNamespace, opts.NamespaceName)}
		}
		entry.AccountID = account.ID
		entry.AccountUsername = account.Username
		entry.AccountEmail = account.Email
		entry.AccountOrganization = account.Organization
		entry.AccountRobot = account.Robot
	}

	m.mu.Lock()
	m.logs = append(m.logs, entry)
	m.mu.Unlock()
	return nil
}

// matching returns entries matching the filter within [start, end), newest
// first. Zero start/end mean an unbounded side.
func (m *InMemoryModel) matching(ctx context.Context, start, end time.Time, filter LookupFilter) ([]Log, error) {
	repositoryID, accountID, performerID, err := ResolveFilterIDs(ctx, m.users, m.repos, filter)
	if err != nil {
		return nil, err
	}
	excluded := map[int]struct{}{}
	for _, id := range m.kinds.FilterIDs(filter.FilterKinds) {
		excluded[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Log
	for _, entry := range m.logs {
		if !start.IsZero() && entry.Datetime.Before(start) {
			continue
		}
		if !end.IsZero() && !entry.Datetime.Before(end) {
			continue
		}
		if repositoryID != 0 && entry.RepositoryID != repositoryID {
			continue
		}
		if filter.RepositoryName != "" && repositoryID == 0 {
			continue
		}
		if accountID != 0 && entry.AccountID != accountID {
			continue
		}
		if performerID != 0 && entry.PerformerID != performerID {
			continue
		}
		if filter.PerformerName != "" && performerID == 0 {
			continue
		}
		if _, ok := excluded[entry.KindID]; ok {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Datetime.Equal(out[j].Datetime) {
			return out[i].Datetime.After(out[j].Datetime)
		}
		return out[i].RandomID > out[j].RandomID
	})
	return out, nil
}

type memoryTokenPayload struct {
	Offset     int `json:"offset"`
	PageNumber int `json:"page_number"`
}

// LookupLogs pages through matching entries with a plain offset cursor.
func (m *InMemoryModel) LookupLogs(ctx context.Context, start, end time.Time, filter LookupFilter, pageToken *PageToken, maxPageCount int) (*LogEntriesPage, error) {
	if err := CheckTokenBackend(pageToken, BackendDatabase); err != nil {
		return nil, err
	}

	var cursor memoryTokenPayload
	if pageToken != nil {
		if err := pageToken.DecodeInto(&cursor); err != nil {
			return nil, err
		}
	}
	if maxPageCount > 0 && cursor.PageNumber+1 > maxPageCount {
		return &LogEntriesPage{}, nil
	}

	matched, err := m.matching(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}
	if cursor.Offset >= len(matched) {
		return &LogEntriesPage{}, nil
	}

	remaining := matched[cursor.Offset:]
	page := &LogEntriesPage{}
	if len(remaining) > PageSize {
		page.Logs = remaining[:PageSize]
		token, err := NewPageToken(BackendDatabase, memoryTokenPayload{
			Offset:     cursor.Offset + PageSize,
			PageNumber: cursor.PageNumber + 1,
		})
		if err != nil {
			return nil, err
		}
		page.NextPageToken = token
	} else {
		page.Logs = remaining
	}
	return page, nil
}

// LookupLatestLogs returns the newest size entries matching the filter.
func (m *InMemoryModel) LookupLatestLogs(ctx context.Context, filter LookupFilter, size int) ([]Log, error) {
	if size <= 0 {
		size = PageSize
	}
	matched, err := m.matching(ctx, time.Time{}, time.Time{}, filter)
	if err != nil {
		return nil, err
	}
	if len(matched) > size {
		matched = matched[:size]
	}
	return matched, nil
}

// GetAggregatedLogCounts buckets matching entries by kind and calendar day.
func (m *InMemoryModel) GetAggregatedLogCounts(ctx context.Context, start, end time.Time, filter LookupFilter) ([]AggregatedLogCount, error) {
	if err := ValidateAggregationRange(start, end); err != nil {
		return nil, err
	}
	matched, err := m.matching(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		kindID int
		day    time.Time
	}
	counts := map[bucket]int64{}
	for _, entry := range matched {
		day := entry.Datetime.UTC().Truncate(24 * time.Hour)
		counts[bucket{kindID: entry.KindID, day: day}]++
	}

	out := make([]AggregatedLogCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, AggregatedLogCount{KindID: b.kindID, Count: n, Day: b.day})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].KindID < out[j].KindID
	})
	return out, nil
}

// CountRepositoryActions counts a repository's entries on one calendar day.
func (m *InMemoryModel) CountRepositoryActions(ctx context.Context, repositoryID int64, day time.Time) (int64, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, entry := range m.logs {
		if entry.RepositoryID != repositoryID {
			continue
		}
		if entry.Datetime.Before(dayStart) || !entry.Datetime.Before(dayEnd) {
			continue
		}
		n++
	}
	return n, nil
}

type memoryBatchIterator struct {
	batches [][]Log
}

func (it *memoryBatchIterator) Next(ctx context.Context) ([]Log, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(it.batches) == 0 {
		return nil, false, nil
	}
	batch := it.batches[0]
	it.batches = it.batches[1:]
	return batch, true, nil
}

// YieldLogsForExport streams matching entries in fixed-size batches.
func (m *InMemoryModel) YieldLogsForExport(ctx context.Context, start, end time.Time, opts ExportOptions) (LogBatchIterator, error) {
	filter := LookupFilter{}
	matched, err := m.matching(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}

	var selected []Log
	for _, entry := range matched {
		if opts.RepositoryID != 0 && entry.RepositoryID != opts.RepositoryID {
			continue
		}
		if opts.NamespaceID != 0 && entry.AccountID != opts.NamespaceID {
			continue
		}
		selected = append(selected, entry)
	}

	const batchSize = 100
	var batches [][]Log
	for len(selected) > 0 {
		n := batchSize
		if n > len(selected) {
			n = len(selected)
		}
		batches = append(batches, selected[:n])
		selected = selected[n:]
	}
	return &memoryBatchIterator{batches: batches}, nil
}

// memoryRotationContext covers one calendar day of aged entries.
type memoryRotationContext struct {
	model    *InMemoryModel
	day      time.Time
	logs     []Log
	yielded  bool
	resolved bool
}

func (c *memoryRotationContext) NextBatch(ctx context.Context) (*RotationBatch, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if c.yielded {
		return nil, false, nil
	}
	c.yielded = true
	return &RotationBatch{
		Logs:              c.logs,
		SuggestedFilename: fmt.Sprintf("inmemory_%s.txt.gz", c.day.Format("2006-01-02")),
	}, true, nil
}

func (c *memoryRotationContext) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.resolved {
		return nil
	}
	c.resolved = true

	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	kept := c.model.logs[:0]
	dayEnd := c.day.Add(24 * time.Hour)
	for _, entry := range c.model.logs {
		if !entry.Datetime.Before(c.day) && entry.Datetime.Before(dayEnd) {
			continue
		}
		kept = append(kept, entry)
	}
	c.model.logs = kept
	return nil
}

func (c *memoryRotationContext) Abort() {
	c.resolved = true
}

type memoryRotationIterator struct {
	contexts []*memoryRotationContext
}

func (it *memoryRotationIterator) Next(ctx context.Context) (RotationContext, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(it.contexts) == 0 {
		return nil, false, nil
	}
	next := it.contexts[0]
	it.contexts = it.contexts[1:]
	return next, true, nil
}

// YieldLogRotationContexts groups entries older than cutoff by calendar day,
// one context per day regardless of minLogsPerRotation.
func (m *InMemoryModel) YieldLogRotationContexts(ctx context.Context, cutoff time.Time, minLogsPerRotation int) (RotationContextIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	byDay := map[time.Time][]Log{}
	for _, entry := range m.logs {
		if !entry.Datetime.Before(cutoff) {
			continue
		}
		day := entry.Datetime.UTC().Truncate(24 * time.Hour)
		byDay[day] = append(byDay[day], entry)
	}
	m.mu.Unlock()

	days := make([]time.Time, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	it := &memoryRotationIterator{}
	for _, day := range days {
		it.contexts = append(it.contexts, &memoryRotationContext{model: m, day: day, logs: byDay[day]})
	}
	return it, nil
}
