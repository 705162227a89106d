// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package logmodel defines the uniform contract for recording and querying
// registry audit logs across pluggable backends.
//
// The ActionLogsModel interface is implemented by four backends:
//
//   - table: rows in a relational table (internal/logmodel/table)
//   - document: per-day Elasticsearch indices (internal/logmodel/document)
//   - splunk: Splunk search API + HEC writes (internal/logmodel/splunkmodel)
//   - combined: transitional write-one/read-both wrapper (internal/logmodel/combined)
//
// All backends normalize their results into the canonical Log datatype and
// return opaque, backend-discriminated pagination tokens. The package also
// holds the closed action-kind registry, the skip-logging predicate, the
// strict-logging policy, and an in-memory model used by tests and by the
// rotation worker's tests.
package logmodel
