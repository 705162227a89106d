// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package splunk holds the two Splunk surfaces the pipeline touches: the
// search job REST API for reads and the HTTP Event Collector for writes.
package splunk

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// ErrSearchTimeout reports that a search job did not complete in time. The
// job is cancelled best-effort before this is returned.
var ErrSearchTimeout = errors.New("splunk search job timed out")

// defaultPollInterval is how often a running job's status is checked.
const defaultPollInterval = 500 * time.Millisecond

// SearchConfig holds connection settings for the search job API.
type SearchConfig struct {
	// Host and Port address the Splunk management API (not HEC).
	Host string
	Port int

	BearerToken string

	// Timeout bounds a single search job from dispatch to completion.
	Timeout time.Duration

	VerifySSL bool
	SSLCAPath string

	// PollInterval overrides the job status poll cadence, mainly for tests.
	PollInterval time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// SearchClient runs blocking searches through the Splunk job API.
type SearchClient struct {
	baseURL      string
	token        string
	timeout      time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
}

// NewSearchClient builds a client from config.
func NewSearchClient(cfg SearchConfig) (*SearchClient, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-out for self-signed deployments
		} else if cfg.SSLCAPath != "" {
			pem, err := os.ReadFile(cfg.SSLCAPath)
			if err != nil {
				return nil, fmt.Errorf("reading CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("CA bundle %s contains no certificates", cfg.SSLCAPath)
			}
			transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		httpClient = &http.Client{Transport: transport, Timeout: 30 * time.Second}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	port := cfg.Port
	if port == 0 {
		port = 8089
	}

	return &SearchClient{
		baseURL:      fmt.Sprintf("https://%s:%d", cfg.Host, port),
		token:        cfg.BearerToken,
		timeout:      timeout,
		pollInterval: pollInterval,
		httpClient:   httpClient,
	}, nil
}

// EscapeValue escapes a string for interpolation into an SPL query. Order
// matters: backslashes first, then quotes.
func EscapeValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (c *SearchClient) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	form.Set("output_mode", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.execute(req, out)
}

func (c *SearchClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	query.Set("output_mode", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.execute(req, out)
}

func (c *SearchClient) execute(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("splunk returned status %d: %s", resp.StatusCode, body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// createJob dispatches a search and returns its sid.
func (c *SearchClient) createJob(ctx context.Context, query string) (string, error) {
	form := url.Values{}
	form.Set("search", query)
	var resp struct {
		SID string `json:"sid"`
	}
	if err := c.postForm(ctx, "/services/search/jobs", form, &resp); err != nil {
		return "", fmt.Errorf("creating search job: %w", err)
	}
	if resp.SID == "" {
		return "", fmt.Errorf("search job response carried no sid")
	}
	return resp.SID, nil
}

// jobState polls a job once and reports whether it is done or failed.
func (c *SearchClient) jobState(ctx context.Context, sid string) (done bool, err error) {
	var resp struct {
		Entry []struct {
			Content struct {
				DispatchState string `json:"dispatchState"`
				IsDone        bool   `json:"isDone"`
				IsFailed      bool   `json:"isFailed"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := c.get(ctx, "/services/search/jobs/"+url.PathEscape(sid), url.Values{}, &resp); err != nil {
		return false, err
	}
	if len(resp.Entry) == 0 {
		return false, fmt.Errorf("search job %s has no status entry", sid)
	}
	content := resp.Entry[0].Content
	if content.IsFailed || content.DispatchState == "FAILED" {
		return false, fmt.Errorf("search job %s failed", sid)
	}
	return content.IsDone || content.DispatchState == "DONE", nil
}

// cancelJob aborts a running job, best effort.
func (c *SearchClient) cancelJob(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	form := url.Values{}
	form.Set("action", "cancel")
	if err := c.postForm(ctx, "/services/search/jobs/"+url.PathEscape(sid)+"/control", form, nil); err != nil {
		logging.Warn().Err(err).Str("sid", sid).Msg("failed to cancel search job")
	}
}

// waitForJob blocks until the job completes, the timeout passes or ctx is
// cancelled. Timed-out and cancelled jobs are cancelled server-side too. A
// caller deadline expiring mid-wait counts as a search timeout, not a plain
// context error, so degradable callers hit their degrade path either way.
func (c *SearchClient) waitForJob(ctx context.Context, sid string, timeout time.Duration) error {
	started := time.Now()
	deadline := started.Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		done, err := c.jobState(ctx, sid)
		if err != nil {
			c.cancelJob(sid)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.SplunkSearchTimeouts.Inc()
				return fmt.Errorf("%w: %v", ErrSearchTimeout, ctx.Err())
			}
			return err
		}
		if done {
			metrics.SplunkSearchWaitDuration.Observe(time.Since(started).Seconds())
			return nil
		}
		if time.Now().After(deadline) {
			c.cancelJob(sid)
			metrics.SplunkSearchTimeouts.Inc()
			return fmt.Errorf("%w after %s", ErrSearchTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			c.cancelJob(sid)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.SplunkSearchTimeouts.Inc()
				return fmt.Errorf("%w: %v", ErrSearchTimeout, ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fetchResults reads one window of a completed job's results.
func (c *SearchClient) fetchResults(ctx context.Context, sid string, offset, count int) ([]json.RawMessage, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	if count > 0 {
		query.Set("count", strconv.Itoa(count))
	}
	var resp struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := c.get(ctx, "/services/search/jobs/"+url.PathEscape(sid)+"/results", query, &resp); err != nil {
		return nil, fmt.Errorf("fetching results: %w", err)
	}
	return resp.Results, nil
}

// Search dispatches a query, waits for completion and returns one window of
// results. count of zero fetches everything from offset onwards.
func (c *SearchClient) Search(ctx context.Context, query string, offset, count int) ([]json.RawMessage, error) {
	return c.SearchWithTimeout(ctx, query, offset, count, 0)
}

// SearchWithTimeout runs a search under a per-call job timeout, for callers
// whose searches must come back faster than the configured bound. Zero or
// negative falls back to the configured timeout.
func (c *SearchClient) SearchWithTimeout(ctx context.Context, query string, offset, count int, timeout time.Duration) ([]json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	sid, err := c.createJob(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := c.waitForJob(ctx, sid, timeout); err != nil {
		return nil, err
	}
	return c.fetchResults(ctx, sid, offset, count)
}
