// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	wmKafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// KafkaConfig holds settings for the Kafka producer.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// MaxBlock bounds a single publish. A broker outage then fails the
	// write instead of stalling the request indefinitely.
	MaxBlock time.Duration
}

// KafkaProducer publishes events to a Kafka topic through Watermill.
type KafkaProducer struct {
	publisher message.Publisher
	topic     string
	maxBlock  time.Duration
}

// NewKafkaProducer connects a synchronous publisher to the brokers.
func NewKafkaProducer(cfg KafkaConfig, logger watermill.LoggerAdapter) (*KafkaProducer, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	maxBlock := cfg.MaxBlock
	if maxBlock == 0 {
		maxBlock = 5 * time.Second
	}

	saramaConfig := wmKafka.DefaultSaramaSyncPublisherConfig()
	// Audit entries must not vanish on a leader failover.
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Timeout = maxBlock
	saramaConfig.Net.DialTimeout = maxBlock
	saramaConfig.Net.WriteTimeout = maxBlock
	saramaConfig.Net.ReadTimeout = maxBlock
	saramaConfig.Metadata.Retry.Max = 3

	publisher, err := wmKafka.NewPublisher(wmKafka.PublisherConfig{
		Brokers:               cfg.Brokers,
		Marshaler:             wmKafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaConfig,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}

	return &KafkaProducer{publisher: publisher, topic: cfg.Topic, maxBlock: maxBlock}, nil
}

// newKafkaProducerWithPublisher exists for tests.
func newKafkaProducerWithPublisher(publisher message.Publisher, topic string, maxBlock time.Duration) *KafkaProducer {
	return &KafkaProducer{publisher: publisher, topic: topic, maxBlock: maxBlock}
}

// Send publishes one event, keyed by the entry's random ID.
func (p *KafkaProducer) Send(ctx context.Context, event *Event) error {
	return instrumented(ctx, "kafka", event, func(ctx context.Context, event *Event) error {
		payload, err := Serialize(event.Log)
		if err != nil {
			return err
		}
		msg := message.NewMessage(event.Log.RandomID, payload)
		msg.Metadata.Set("kind", event.Kind)

		publishCtx, cancel := context.WithTimeout(ctx, p.maxBlock)
		defer cancel()
		msg.SetContext(publishCtx)

		done := make(chan error, 1)
		go func() { done <- p.publisher.Publish(p.topic, msg) }()
		select {
		case err := <-done:
			return err
		case <-publishCtx.Done():
			return fmt.Errorf("publish blocked longer than %s: %w", p.maxBlock, publishCtx.Err())
		}
	})
}

// Close shuts down the underlying publisher.
func (p *KafkaProducer) Close() error {
	return p.publisher.Close()
}
