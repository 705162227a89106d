// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"context"
	"time"

	"github.com/lmerrick/auditpipe/internal/splunk"
)

// HECSender is the slice of the HEC client the producer uses.
type HECSender interface {
	SendEvent(ctx context.Context, event []byte) error
}

// SplunkHECProducer sends events to a Splunk HTTP Event Collector. Unlike
// the document producers it addresses entities by name, since Splunk
// queries filter on field values rather than registry IDs.
type SplunkHECProducer struct {
	client HECSender
}

// NewSplunkHECProducer builds a producer over an existing HEC client.
func NewSplunkHECProducer(client HECSender) *SplunkHECProducer {
	return &SplunkHECProducer{client: client}
}

// splunkEvent is the name-addressed wire form for Splunk.
type splunkEvent struct {
	Kind       string                 `json:"kind"`
	Account    string                 `json:"account,omitempty"`
	Performer  string                 `json:"performer,omitempty"`
	Repository string                 `json:"repository,omitempty"`
	IP         string                 `json:"ip,omitempty"`
	Metadata   map[string]interface{} `json:"metadata_json"`
	Datetime   time.Time              `json:"datetime"`
}

// Send delivers one event to the collector.
func (p *SplunkHECProducer) Send(ctx context.Context, event *Event) error {
	return instrumented(ctx, "splunk_hec", event, func(ctx context.Context, event *Event) error {
		metadata := event.Log.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		payload, err := Serialize(splunkEvent{
			Kind:       event.Kind,
			Account:    event.AccountName,
			Performer:  event.PerformerName,
			Repository: event.RepositoryName,
			IP:         event.Log.IP,
			Metadata:   metadata,
			Datetime:   event.Log.Datetime,
		})
		if err != nil {
			return err
		}
		return p.client.SendEvent(ctx, payload)
	})
}

var _ HECSender = (*splunk.HECClient)(nil)
