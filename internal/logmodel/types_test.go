// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"context"
	"errors"
	"testing"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		wantKey string
		wantLen int
	}{
		{"nil", nil, "", 0},
		{"empty string", "", "", 0},
		{"json object string", `{"tag":"latest"}`, "tag", 1},
		{"json bytes", []byte(`{"tag":"latest"}`), "tag", 1},
		{"already a map", map[string]interface{}{"tag": "latest"}, "tag", 1},
		{"not json", "{broken", "", 0},
		{"json scalar", `"just a string"`, "", 0},
		{"unexpected type", 42, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseMetadata(tt.input)
			if got == nil {
				t.Fatal("ParseMetadata returned nil map")
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantKey != "" {
				if _, ok := got[tt.wantKey]; !ok {
					t.Errorf("missing key %q in %v", tt.wantKey, got)
				}
			}
		})
	}
}

func testDirectory(t *testing.T) *MemoryDirectory {
	t.Helper()
	dir := NewMemoryDirectory()
	dir.AddUser(User{ID: 1, Username: "acme", Email: "ops@acme.test", Organization: true})
	dir.AddUser(User{ID: 2, Username: "alice", Email: "alice@acme.test"})
	dir.AddRepository(Repository{ID: 10, Name: "web", NamespaceUserID: 1, NamespaceName: "acme"})
	return dir
}

func TestResolveFilterIDsPinsAccountToRepositoryNamespace(t *testing.T) {
	dir := testDirectory(t)

	repoID, accountID, performerID, err := ResolveFilterIDs(context.Background(), dir, dir, LookupFilter{
		RepositoryName: "web",
		NamespaceName:  "acme",
		PerformerName:  "alice",
	})
	if err != nil {
		t.Fatalf("ResolveFilterIDs: %v", err)
	}
	if repoID != 10 {
		t.Errorf("repositoryID = %d, want 10", repoID)
	}
	if accountID != 1 {
		t.Errorf("accountID = %d, want 1", accountID)
	}
	if performerID != 2 {
		t.Errorf("performerID = %d, want 2", performerID)
	}
}

func TestResolveFilterIDsUnknownNamespace(t *testing.T) {
	dir := testDirectory(t)

	_, _, _, err := ResolveFilterIDs(context.Background(), dir, dir, LookupFilter{NamespaceName: "nobody"})
	if !errors.Is(err, ErrUnknownNamespace) {
		t.Fatalf("err = %v, want ErrUnknownNamespace", err)
	}
}

func TestResolveFilterIDsUnknownPerformerMatchesNothing(t *testing.T) {
	dir := testDirectory(t)

	_, _, performerID, err := ResolveFilterIDs(context.Background(), dir, dir, LookupFilter{PerformerName: "ghost"})
	if err != nil {
		t.Fatalf("ResolveFilterIDs: %v", err)
	}
	if performerID != 0 {
		t.Errorf("performerID = %d, want 0", performerID)
	}
}
