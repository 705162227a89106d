// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"errors"
	"testing"
)

func TestPageTokenRoundTrip(t *testing.T) {
	type payload struct {
		Offset     int    `json:"offset"`
		SearchID   string `json:"search_id"`
		PageNumber int    `json:"page_number"`
	}

	token, err := NewPageToken(BackendSplunk, payload{Offset: 40, SearchID: "sid-1", PageNumber: 2})
	if err != nil {
		t.Fatalf("NewPageToken: %v", err)
	}

	parsed, err := ParsePageToken(token.Encode())
	if err != nil {
		t.Fatalf("ParsePageToken: %v", err)
	}
	if parsed.Backend() != BackendSplunk {
		t.Errorf("backend = %q, want %q", parsed.Backend(), BackendSplunk)
	}

	var got payload
	if err := parsed.DecodeInto(&got); err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if got.Offset != 40 || got.SearchID != "sid-1" || got.PageNumber != 2 {
		t.Errorf("payload = %+v", got)
	}
}

func TestParsePageTokenRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no version", "eyJiIjoiZGF0YWJhc2UifQ"},
		{"wrong version", "v9:eyJiIjoiZGF0YWJhc2UifQ"},
		{"bad base64", "v1:!!!"},
		{"not json", "v1:bm90LWpzb24"},
		{"missing backend", "v1:e30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePageToken(tt.input)
			if !errors.Is(err, ErrInvalidPageToken) {
				t.Errorf("ParsePageToken(%q) = %v, want ErrInvalidPageToken", tt.input, err)
			}
		})
	}
}

func TestCheckTokenBackend(t *testing.T) {
	token, err := NewPageToken(BackendElasticsearch, struct{}{})
	if err != nil {
		t.Fatalf("NewPageToken: %v", err)
	}

	if err := CheckTokenBackend(nil, BackendDatabase); err != nil {
		t.Errorf("nil token should be valid for any backend, got %v", err)
	}
	if err := CheckTokenBackend(token, BackendElasticsearch); err != nil {
		t.Errorf("matching backend rejected: %v", err)
	}
	if err := CheckTokenBackend(token, BackendDatabase); !errors.Is(err, ErrInvalidPageToken) {
		t.Errorf("mismatched backend = %v, want ErrInvalidPageToken", err)
	}
}
