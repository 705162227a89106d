// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package splunk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEscapeValue(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`plain`, `plain`},
		{`with"quote`, `with\"quote`},
		{`with\backslash`, `with\\backslash`},
		// Backslash must be escaped before the quote, or the quote's
		// escape backslash gets doubled.
		{`both\"`, `both\\\"`},
		{``, ``},
	}
	for _, tt := range tests {
		if got := EscapeValue(tt.input); got != tt.want {
			t.Errorf("EscapeValue(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestEscapeValueIdempotentStructure(t *testing.T) {
	// Escaping an already-escaped value doubles the escapes rather than
	// corrupting them; callers must escape exactly once.
	once := EscapeValue(`a"b`)
	twice := EscapeValue(once)
	if twice != `a\\\"b` {
		t.Errorf("double escape = %q", twice)
	}
}

// searchServer fakes the job API: dispatch, N pending polls, then done.
func searchServer(t *testing.T, pendingPolls int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/services/search/jobs":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if !strings.HasPrefix(r.Form.Get("search"), "search ") {
				t.Errorf("query %q should start with the search command", r.Form.Get("search"))
			}
			if _, err := w.Write([]byte(`{"sid":"job-1"}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodGet && r.URL.Path == "/services/search/jobs/job-1":
			n := polls.Add(1)
			state := `"dispatchState":"RUNNING","isDone":false`
			if n > pendingPolls {
				state = `"dispatchState":"DONE","isDone":true`
			}
			if _, err := w.Write([]byte(`{"entry":[{"content":{` + state + `,"isFailed":false}}]}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodGet && r.URL.Path == "/services/search/jobs/job-1/results":
			if _, err := w.Write([]byte(`{"results":[{"_raw":"{\"kind\":\"push_repo\"}"},{"_raw":"{\"kind\":\"pull_repo\"}"}]}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/control"):
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	return server, &polls
}

func testSearchClient(t *testing.T, server *httptest.Server, timeout time.Duration) *SearchClient {
	t.Helper()
	parsed, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	client, err := NewSearchClient(SearchConfig{
		Host:         parsed.Hostname(),
		BearerToken:  "token",
		Timeout:      timeout,
		PollInterval: 5 * time.Millisecond,
		HTTPClient:   server.Client(),
	})
	if err != nil {
		t.Fatalf("NewSearchClient: %v", err)
	}
	// The fake server is plain HTTP on a random port.
	client.baseURL = server.URL
	return client
}

func TestSearchPollsUntilDone(t *testing.T) {
	server, polls := searchServer(t, 3)
	defer server.Close()
	client := testSearchClient(t, server, time.Minute)

	results, err := client.Search(context.Background(), `search index=audit_logs | sort -_time`, 0, 20)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
	if polls.Load() < 4 {
		t.Errorf("job polled %d times, want at least 4", polls.Load())
	}
}

func TestSearchTimeoutCancelsJob(t *testing.T) {
	var cancelled atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/services/search/jobs":
			if _, err := w.Write([]byte(`{"sid":"job-1"}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodGet && r.URL.Path == "/services/search/jobs/job-1":
			// Never finishes.
			if _, err := w.Write([]byte(`{"entry":[{"content":{"dispatchState":"RUNNING","isDone":false,"isFailed":false}}]}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/control"):
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.Form.Get("action") == "cancel" {
				cancelled.Store(true)
			}
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()
	client := testSearchClient(t, server, 30*time.Millisecond)

	_, err := client.Search(context.Background(), `search index=audit_logs`, 0, 20)
	if !errors.Is(err, ErrSearchTimeout) {
		t.Fatalf("err = %v, want ErrSearchTimeout", err)
	}
	// Cancellation is fired synchronously before the error returns.
	if !cancelled.Load() {
		t.Error("timed-out job was not cancelled")
	}
}

// neverDoneServer fakes a job that dispatches but never completes.
func neverDoneServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/services/search/jobs":
			if _, err := w.Write([]byte(`{"sid":"job-1"}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodGet && r.URL.Path == "/services/search/jobs/job-1":
			if _, err := w.Write([]byte(`{"entry":[{"content":{"dispatchState":"RUNNING","isDone":false,"isFailed":false}}]}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/control"):
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
}

func TestSearchWithTimeoutOverridesConfiguredBound(t *testing.T) {
	server := neverDoneServer(t)
	defer server.Close()
	// The configured bound is a minute; the per-call bound must win.
	client := testSearchClient(t, server, time.Minute)

	start := time.Now()
	_, err := client.SearchWithTimeout(context.Background(), `search index=audit_logs`, 0, 20, 30*time.Millisecond)
	if !errors.Is(err, ErrSearchTimeout) {
		t.Fatalf("err = %v, want ErrSearchTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("search ran %v, per-call timeout not applied", elapsed)
	}
}

func TestSearchCallerDeadlineMapsToSearchTimeout(t *testing.T) {
	server := neverDoneServer(t)
	defer server.Close()
	client := testSearchClient(t, server, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Search(ctx, `search index=audit_logs`, 0, 20)
	if !errors.Is(err, ErrSearchTimeout) {
		t.Fatalf("err = %v, want deadline expiry reported as ErrSearchTimeout", err)
	}
}

func TestSearchFailedJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/services/search/jobs":
			if _, err := w.Write([]byte(`{"sid":"job-1"}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodGet:
			if _, err := w.Write([]byte(`{"entry":[{"content":{"dispatchState":"FAILED","isDone":false,"isFailed":true}}]}`)); err != nil {
				t.Errorf("write: %v", err)
			}
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/control"):
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()
	client := testSearchClient(t, server, time.Minute)

	_, err := client.Search(context.Background(), `search index=audit_logs`, 0, 20)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("err = %v, want job failure", err)
	}
}

func TestHECSendEvent(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/collector/event" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		buf := make([]byte, r.ContentLength)
		if _, err := r.Body.Read(buf); err != nil && err.Error() != "EOF" {
			t.Errorf("read body: %v", err)
		}
		gotBody = string(buf)
		if _, err := w.Write([]byte(`{"text":"Success","code":0}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer server.Close()

	client := NewHECClient(HECConfig{
		URL:        server.URL,
		Token:      "hec-token",
		Index:      "registry_audit",
		SourceType: "access_combined",
		HTTPClient: server.Client(),
	})
	err := client.SendEvent(context.Background(), []byte(`{"kind":"push_repo"}`))
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if gotAuth != "Splunk hec-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"index":"registry_audit"`) {
		t.Errorf("body = %q, want index field", gotBody)
	}
	if !strings.Contains(gotBody, `"event":{"kind":"push_repo"}`) {
		t.Errorf("body = %q, want raw event embedded", gotBody)
	}
}

func TestHECSendEventFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		if _, err := w.Write([]byte(`{"text":"Invalid token","code":4}`)); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer server.Close()

	client := NewHECClient(HECConfig{URL: server.URL, Token: "bad", HTTPClient: server.Client()})
	err := client.SendEvent(context.Background(), []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("err = %v, want 403 failure", err)
	}
}
