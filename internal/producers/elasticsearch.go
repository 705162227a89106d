// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"context"

	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/metrics"
)

// ElasticsearchProducer indexes events directly into per-day indices.
type ElasticsearchProducer struct {
	client      *elastic.Client
	indexPrefix string
}

// NewElasticsearchProducer builds a producer over an existing client.
func NewElasticsearchProducer(client *elastic.Client, indexPrefix string) *ElasticsearchProducer {
	return &ElasticsearchProducer{client: client, indexPrefix: indexPrefix}
}

// Send indexes one event into the index for its calendar day. The entry's
// random ID doubles as the document ID so retried sends stay idempotent.
func (p *ElasticsearchProducer) Send(ctx context.Context, event *Event) error {
	return instrumented(ctx, "elasticsearch", event, func(ctx context.Context, event *Event) error {
		body, err := Serialize(event.Log)
		if err != nil {
			return err
		}
		doc := elastic.BulkDoc{
			Index: elastic.IndexName(p.indexPrefix, event.Log.Datetime),
			ID:    event.Log.RandomID,
			Body:  body,
		}
		metrics.ElasticsearchBulkSize.Observe(1)
		return p.client.Bulk(ctx, []elastic.BulkDoc{doc})
	})
}
