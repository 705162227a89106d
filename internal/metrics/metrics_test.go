// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordLogWrite(t *testing.T) {
	before := testutil.ToFloat64(LogWritesTotal.WithLabelValues("database"))
	RecordLogWrite("database", nil, false)
	after := testutil.ToFloat64(LogWritesTotal.WithLabelValues("database"))
	if after != before+1 {
		t.Errorf("writes counter = %v, want %v", after, before+1)
	}

	failBefore := testutil.ToFloat64(LogWriteFailures.WithLabelValues("database", "true"))
	RecordLogWrite("database", errors.New("disk full"), true)
	failAfter := testutil.ToFloat64(LogWriteFailures.WithLabelValues("database", "true"))
	if failAfter != failBefore+1 {
		t.Errorf("tolerated failure counter = %v, want %v", failAfter, failBefore+1)
	}
}

func TestRecordProducerSend(t *testing.T) {
	before := testutil.ToFloat64(ProducerSendsTotal.WithLabelValues("kafka", "failure"))
	RecordProducerSend("kafka", 10*time.Millisecond, errors.New("broker down"))
	after := testutil.ToFloat64(ProducerSendsTotal.WithLabelValues("kafka", "failure"))
	if after != before+1 {
		t.Errorf("failure counter = %v, want %v", after, before+1)
	}
}

func TestRecordRotationContext(t *testing.T) {
	committedBefore := testutil.ToFloat64(RotationContextsTotal.WithLabelValues("committed"))
	entriesBefore := testutil.ToFloat64(RotationArchivedEntries)

	RecordRotationContext(true, 42, 1024)

	if got := testutil.ToFloat64(RotationContextsTotal.WithLabelValues("committed")); got != committedBefore+1 {
		t.Errorf("committed counter = %v, want %v", got, committedBefore+1)
	}
	if got := testutil.ToFloat64(RotationArchivedEntries); got != entriesBefore+42 {
		t.Errorf("archived entries = %v, want %v", got, entriesBefore+42)
	}

	abortedBefore := testutil.ToFloat64(RotationContextsTotal.WithLabelValues("aborted"))
	RecordRotationContext(false, 42, 1024)
	if got := testutil.ToFloat64(RotationArchivedEntries); got != entriesBefore+42 {
		t.Errorf("aborted context must not add archived entries, got %v", got)
	}
	if got := testutil.ToFloat64(RotationContextsTotal.WithLabelValues("aborted")); got != abortedBefore+1 {
		t.Errorf("aborted counter = %v, want %v", got, abortedBefore+1)
	}
}
