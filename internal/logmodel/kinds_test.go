// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import "testing"

func TestKindRegistryAssignsStableIDs(t *testing.T) {
	r := NewKindRegistry([]string{"push_repo", "pull_repo", "delete_tag"})

	id, err := r.KindID("pull_repo")
	if err != nil {
		t.Fatalf("KindID: %v", err)
	}
	if id != 2 {
		t.Errorf("pull_repo id = %d, want 2", id)
	}
	if name := r.KindName(3); name != "delete_tag" {
		t.Errorf("KindName(3) = %q, want delete_tag", name)
	}
}

func TestKindIDRejectsUnknownOnWritePath(t *testing.T) {
	r := NewKindRegistry(DefaultKindNames())
	if _, err := r.KindID("no_such_kind"); err == nil {
		t.Fatal("expected error for unknown kind on write path")
	}
}

func TestLookupIDToleratesUnknownOnReadPath(t *testing.T) {
	r := NewKindRegistry(DefaultKindNames())
	if id := r.LookupID("no_such_kind"); id != 0 {
		t.Errorf("LookupID = %d, want 0", id)
	}
}

func TestFilterIDsSkipsUnknownNames(t *testing.T) {
	r := NewKindRegistry([]string{"push_repo", "pull_repo"})
	ids := r.FilterIDs([]string{"pull_repo", "no_such_kind", "push_repo"})
	if len(ids) != 2 {
		t.Fatalf("FilterIDs returned %v, want two ids", ids)
	}
	if ids[0] != 2 || ids[1] != 1 {
		t.Errorf("FilterIDs = %v, want [2 1]", ids)
	}
}

func TestDefaultKindNamesAreUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for _, name := range DefaultKindNames() {
		if _, dup := seen[name]; dup {
			t.Errorf("duplicate kind name %q", name)
		}
		seen[name] = struct{}{}
	}
}

func TestIsPullClassKind(t *testing.T) {
	tests := []struct {
		kind string
		want bool
	}{
		{"pull_repo", true},
		{"repo_verb", true},
		{"push_repo", false},
		{"delete_tag", false},
	}
	for _, tt := range tests {
		if got := IsPullClassKind(tt.kind); got != tt.want {
			t.Errorf("IsPullClassKind(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
