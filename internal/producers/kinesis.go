// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"context"
	"crypto/sha1" // #nosec G505 -- partition key spreading, not integrity
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/google/uuid"
)

// KinesisAPI is the slice of the Kinesis client the producer uses.
type KinesisAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisConfig holds settings for the Kinesis producer.
type KinesisConfig struct {
	StreamName string
	Region     string
	AccessKey  string
	SecretKey  string

	Retries        int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// KinesisProducer puts events onto a Kinesis stream.
type KinesisProducer struct {
	client     KinesisAPI
	streamName string
}

// NewKinesisProducer builds a producer with its own AWS client.
func NewKinesisProducer(ctx context.Context, cfg KinesisConfig) (*KinesisProducer, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Retries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.Retries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &KinesisProducer{
		client:     kinesis.NewFromConfig(awsCfg),
		streamName: cfg.StreamName,
	}, nil
}

// NewKinesisProducerWithClient builds a producer over an existing client,
// mainly for tests.
func NewKinesisProducerWithClient(client KinesisAPI, streamName string) *KinesisProducer {
	return &KinesisProducer{client: client, streamName: streamName}
}

// partitionKey spreads records uniformly across shards. Randomness, not
// event identity, drives the key: ordering within the stream is not part of
// the contract.
func partitionKey() string {
	sum := sha1.Sum([]byte(uuid.NewString())) // #nosec G401 -- see import note
	return hex.EncodeToString(sum[:])
}

// Send puts one event onto the stream.
func (p *KinesisProducer) Send(ctx context.Context, event *Event) error {
	return instrumented(ctx, "kinesis", event, func(ctx context.Context, event *Event) error {
		payload, err := Serialize(event.Log)
		if err != nil {
			return err
		}
		_, err = p.client.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamName:   aws.String(p.streamName),
			PartitionKey: aws.String(partitionKey()),
			Data:         payload,
		})
		return err
	})
}
