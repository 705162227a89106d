// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package splunk

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/lmerrick/auditpipe/internal/logging"
)

// HECConfig holds settings for the HTTP Event Collector.
type HECConfig struct {
	// URL is the collector base, e.g. "https://splunk.internal:8088".
	URL   string
	Token string

	Index      string
	SourceType string
	Host       string

	VerifySSL bool

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// HECClient sends events to a Splunk HTTP Event Collector. HEC is
// write-only; reads go through SearchClient.
type HECClient struct {
	endpoint   string
	token      string
	index      string
	sourceType string
	host       string
	httpClient *http.Client
}

// NewHECClient builds a client from config.
func NewHECClient(cfg HECConfig) *HECClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{}
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-out for self-signed deployments
		}
		httpClient = &http.Client{Transport: transport, Timeout: 10 * time.Second}
	}
	return &HECClient{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/services/collector/event",
		token:      cfg.Token,
		index:      cfg.Index,
		sourceType: cfg.SourceType,
		host:       cfg.Host,
		httpClient: httpClient,
	}
}

type hecEnvelope struct {
	Event      json.RawMessage `json:"event"`
	Index      string          `json:"index,omitempty"`
	SourceType string          `json:"sourcetype,omitempty"`
	Host       string          `json:"host,omitempty"`
}

// SendEvent posts one pre-serialized event to the collector.
func (c *HECClient) SendEvent(ctx context.Context, event []byte) error {
	body, err := json.Marshal(hecEnvelope{
		Event:      event,
		Index:      c.index,
		SourceType: c.sourceType,
		Host:       c.host,
	})
	if err != nil {
		return fmt.Errorf("encoding HEC envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HEC returned status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
