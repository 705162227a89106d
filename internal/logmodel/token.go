// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package logmodel

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Backend discriminates which logs model produced a pagination token. A
// token presented to a different backend than the one that minted it is
// rejected with ErrInvalidPageToken rather than misinterpreted.
type Backend string

const (
	BackendDatabase      Backend = "database"
	BackendElasticsearch Backend = "elasticsearch"
	BackendSplunk        Backend = "splunk"
	BackendCombined      Backend = "combined"
)

// tokenVersion prefixes the string encoding so the schema can evolve.
const tokenVersion = "v1"

// PageToken is an opaque pagination cursor. The payload schema is private
// to the backend that minted the token; the combined model nests child
// tokens without inspecting them.
type PageToken struct {
	backend Backend
	payload json.RawMessage
}

type tokenEnvelope struct {
	Backend Backend         `json:"b"`
	Payload json.RawMessage `json:"p"`
}

// NewPageToken mints a token for the given backend around the backend's
// private payload struct.
func NewPageToken(backend Backend, payload interface{}) (*PageToken, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding page token payload: %w", err)
	}
	return &PageToken{backend: backend, payload: raw}, nil
}

// Backend reports which backend minted the token.
func (t *PageToken) Backend() Backend { return t.backend }

// DecodeInto unmarshals the private payload into the backend's own struct.
func (t *PageToken) DecodeInto(v interface{}) error {
	if err := json.Unmarshal(t.payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return nil
}

// Encode renders the token as an opaque string for transport.
func (t *PageToken) Encode() string {
	raw, _ := json.Marshal(tokenEnvelope{Backend: t.backend, Payload: t.payload})
	return tokenVersion + ":" + base64.RawURLEncoding.EncodeToString(raw)
}

// ParsePageToken decodes a token string minted by Encode. Any malformed
// input fails with ErrInvalidPageToken.
func ParsePageToken(s string) (*PageToken, error) {
	version, encoded, found := strings.Cut(s, ":")
	if !found || version != tokenVersion {
		return nil, fmt.Errorf("%w: unsupported token version", ErrInvalidPageToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var env tokenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if env.Backend == "" {
		return nil, fmt.Errorf("%w: missing backend discriminator", ErrInvalidPageToken)
	}
	return &PageToken{backend: env.Backend, payload: env.Payload}, nil
}

// CheckTokenBackend validates that a caller-supplied token belongs to the
// consuming backend. A nil token is always valid (first page).
func CheckTokenBackend(t *PageToken, backend Backend) error {
	if t == nil {
		return nil
	}
	if t.backend != backend {
		return fmt.Errorf("%w: token minted by %q, consumed by %q", ErrInvalidPageToken, t.backend, backend)
	}
	return nil
}
