// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package elastic is a minimal Elasticsearch REST client covering the calls
// the audit log pipeline needs: search with search_after, counts, scrolls,
// bulk indexing and per-day index management. Requests can optionally be
// SigV4-signed for managed clusters behind AWS.
package elastic

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// IndexDateFormat is the suffix layout of per-day indices.
const IndexDateFormat = "2006-01-02"

// Config holds connection settings for the client.
type Config struct {
	// Addr is the base URL, e.g. "https://es.internal:9200".
	Addr string

	// AccessKey/SecretKey/Region enable SigV4 request signing when all are
	// set.
	AccessKey string
	SecretKey string
	Region    string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to one Elasticsearch cluster.
type Client struct {
	baseURL    string
	httpClient *http.Client

	signer *v4.Signer
	creds  aws.Credentials
	region string
}

// NewClient builds a client from config.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.Addr, "/"),
		httpClient: httpClient,
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		c.signer = v4.NewSigner()
		c.creds = aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey}
		c.region = cfg.Region
	}
	return c
}

// IndexName returns the per-day index for a timestamp.
func IndexName(prefix string, day time.Time) string {
	return prefix + day.UTC().Format(IndexDateFormat)
}

// ParseIndexDay extracts the day from a per-day index name.
func ParseIndexDay(prefix, index string) (time.Time, error) {
	suffix := strings.TrimPrefix(index, prefix)
	if suffix == index {
		return time.Time{}, fmt.Errorf("index %q does not carry prefix %q", index, prefix)
	}
	day, err := time.Parse(IndexDateFormat, suffix)
	if err != nil {
		return time.Time{}, fmt.Errorf("index %q has no parseable day suffix: %w", index, err)
	}
	return day, nil
}

// StatusError is a non-2xx response from the cluster.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("elasticsearch returned status %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the cluster.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	if c.signer != nil {
		payloadHash := sha256.Sum256(body)
		if err := c.signer.SignHTTP(ctx, c.creds, req, hex.EncodeToString(payloadHash[:]), "es", c.region, time.Now().UTC()); err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("failed to close response body")
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}
	return c.do(ctx, method, path, encoded, "application/json", out)
}

// IndexExists reports whether an index exists on the cluster.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	err := c.do(ctx, http.MethodHead, "/"+index, nil, "", nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ListIndices returns all index names with the given prefix.
func (c *Client) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	var rows []struct {
		Index string `json:"index"`
	}
	path := "/_cat/indices/" + prefix + "*?format=json&h=index"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &rows); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Index)
	}
	return names, nil
}

// DeleteIndex removes an index from the cluster.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	return c.do(ctx, http.MethodDelete, "/"+index, nil, "", nil)
}

// Search runs a search over the given indices. Missing indices are ignored
// rather than failing the whole query, since per-day indices only exist for
// days with traffic.
func (c *Client) Search(ctx context.Context, indices []string, req *SearchRequest) (*SearchResponse, error) {
	path := "/" + strings.Join(indices, ",") + "/_search?ignore_unavailable=true"
	var resp SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Count returns the number of documents matching the query.
func (c *Client) Count(ctx context.Context, indices []string, query map[string]interface{}) (int64, error) {
	path := "/" + strings.Join(indices, ",") + "/_count?ignore_unavailable=true"
	body := map[string]interface{}{}
	if query != nil {
		body["query"] = query
	}
	var resp struct {
		Count int64 `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// OpenScroll starts a scroll over the given indices.
func (c *Client) OpenScroll(ctx context.Context, indices []string, req *SearchRequest, keepAlive time.Duration) (*SearchResponse, error) {
	path := fmt.Sprintf("/%s/_search?scroll=%ds&ignore_unavailable=true",
		strings.Join(indices, ","), int(keepAlive.Seconds()))
	var resp SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContinueScroll fetches the next scroll batch.
func (c *Client) ContinueScroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*SearchResponse, error) {
	body := map[string]interface{}{
		"scroll":    fmt.Sprintf("%ds", int(keepAlive.Seconds())),
		"scroll_id": scrollID,
	}
	var resp SearchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_search/scroll", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearScroll releases a scroll's server-side resources. Best effort; a
// scroll also expires on its own.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) {
	body := map[string]interface{}{"scroll_id": scrollID}
	if err := c.doJSON(ctx, http.MethodDelete, "/_search/scroll", body, nil); err != nil {
		logging.Warn().Err(err).Msg("failed to clear scroll")
	}
}

// BulkDoc is one document destined for an index.
type BulkDoc struct {
	Index string
	ID    string
	Body  []byte
}

// Bulk indexes documents across their target indices in one request.
// Per-item failures are reported as a single error naming the first failed
// document.
func (c *Client) Bulk(ctx context.Context, docs []BulkDoc) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]interface{}{
			"index": map[string]interface{}{"_index": doc.Index, "_id": doc.ID},
		}
		line, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("encoding bulk action: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		buf.Write(doc.Body)
		buf.WriteByte('\n')
	}

	var resp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := c.do(ctx, http.MethodPost, "/_bulk", buf.Bytes(), "application/x-ndjson", &resp); err != nil {
		return err
	}
	if resp.Errors {
		for _, item := range resp.Items {
			for _, result := range item {
				if result.Status >= 300 {
					return fmt.Errorf("bulk indexing failed with status %d: %s", result.Status, result.Error)
				}
			}
		}
		return fmt.Errorf("bulk indexing reported errors")
	}
	return nil
}
