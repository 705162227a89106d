// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package producers routes audit log writes to external sinks. Every
// producer takes a fully resolved event and delivers it synchronously; the
// caller decides whether a delivery failure fails the request.
package producers

import (
	"context"
	"fmt"
	"time"

	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// Event is one audit log entry ready for delivery. It carries both the
// normalized entry (ID-addressed, for document stores) and the resolved
// display names (for name-addressed sinks like Splunk HEC).
type Event struct {
	Kind string
	Log  logmodel.Log

	AccountName    string
	PerformerName  string
	RepositoryName string
}

// Producer delivers one event to a sink.
type Producer interface {
	Send(ctx context.Context, event *Event) error
}

// SendError is the leaf failure type for all producers. Callers translate
// it into a write error at the model boundary.
type SendError struct {
	Producer string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s producer send failed: %v", e.Producer, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// instrumented wraps a send with per-producer metrics.
func instrumented(ctx context.Context, producer string, event *Event, send func(context.Context, *Event) error) error {
	start := time.Now()
	err := send(ctx, event)
	metrics.RecordProducerSend(producer, time.Since(start), err)
	if err != nil {
		return &SendError{Producer: producer, Err: err}
	}
	return nil
}
