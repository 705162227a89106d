// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

// Package factory assembles the configured audit log backend from its
// collaborators. It is the only place that knows which concrete model,
// producer and client types a selector string maps to; everything else
// depends on the ActionLogsModel interface.
package factory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lmerrick/auditpipe/internal/config"
	"github.com/lmerrick/auditpipe/internal/elastic"
	"github.com/lmerrick/auditpipe/internal/logmodel"
	"github.com/lmerrick/auditpipe/internal/logmodel/combined"
	"github.com/lmerrick/auditpipe/internal/logmodel/document"
	"github.com/lmerrick/auditpipe/internal/logmodel/splunkmodel"
	"github.com/lmerrick/auditpipe/internal/logmodel/table"
	"github.com/lmerrick/auditpipe/internal/producers"
	"github.com/lmerrick/auditpipe/internal/splunk"
)

// New builds the backend selected by cfg.Logs.Backend. The database handle
// serves the table backend; users and repos serve every backend's read path.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory) (logmodel.ActionLogsModel, error) {
	kinds := logmodel.NewKindRegistry(logmodel.DefaultKindNames())
	skip := logmodel.SkipPolicy{
		DisabledNamespaces:               cfg.Logs.DisabledNamespaces,
		DisabledPullNamespaces:           cfg.Logs.DisabledPullNamespaces,
		DisablePullLogsForFreeNamespaces: cfg.Logs.DisablePullLogsForFreeNamespaces,
	}
	strict := logmodel.StrictPolicy{
		AllowWithoutStrictLogging:      cfg.Logs.AllowWithoutStrictLogging,
		AllowPullsWithoutStrictLogging: cfg.Logs.AllowPullsWithoutStrictLogging,
	}

	switch cfg.Logs.Backend {
	case "", config.BackendDatabase:
		return table.NewModel(db, kinds, users, repos, skip, strict), nil

	case config.BackendElasticsearch:
		model, err := newDocumentModel(ctx, cfg, kinds, users, repos, skip, strict)
		if err != nil {
			return nil, err
		}
		return model, nil

	case config.BackendSplunk:
		return newSplunkModel(ctx, cfg, kinds, users, repos, skip, strict)

	case config.BackendTransition:
		// Writes and fresh reads go to Elasticsearch; the table holds the
		// history still being migrated.
		primary, err := newDocumentModel(ctx, cfg, kinds, users, repos, skip, strict)
		if err != nil {
			return nil, err
		}
		secondary := table.NewModel(db, kinds, users, repos, skip, strict)
		return combined.NewModel(primary, secondary), nil

	default:
		return nil, fmt.Errorf("unknown audit log backend %q", cfg.Logs.Backend)
	}
}

func newDocumentModel(ctx context.Context, cfg *config.Config, kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory, skip logmodel.SkipPolicy, strict logmodel.StrictPolicy) (*document.Model, error) {
	es := newElasticClient(cfg)

	selector := cfg.Logs.Producer
	if selector == "" {
		selector = config.ProducerElasticsearch
	}
	producer, err := newProducer(ctx, cfg, selector, es)
	if err != nil {
		return nil, err
	}
	return document.NewModel(es, producer, cfg.Elasticsearch.IndexPrefix, kinds, users, repos, skip, strict), nil
}

func newSplunkModel(ctx context.Context, cfg *config.Config, kinds *logmodel.KindRegistry, users logmodel.UserDirectory, repos logmodel.RepositoryDirectory, skip logmodel.SkipPolicy, strict logmodel.StrictPolicy) (*splunkmodel.Model, error) {
	searchCfg, indexPrefix, err := splunkSearchConfig(cfg)
	if err != nil {
		return nil, err
	}
	search, err := splunk.NewSearchClient(searchCfg)
	if err != nil {
		return nil, fmt.Errorf("building splunk search client: %w", err)
	}

	selector := cfg.Logs.Producer
	if selector == "" {
		selector = config.ProducerSplunkHEC
	}
	producer, err := newProducer(ctx, cfg, selector, nil)
	if err != nil {
		return nil, err
	}

	return splunkmodel.NewModel(search, producer, splunkmodel.Config{
		IndexPrefix:   indexPrefix,
		SearchTimeout: searchCfg.Timeout,
	}, kinds, users, repos, skip, strict), nil
}

// splunkSearchConfig derives search API settings. HEC is write-only, so a
// HEC-producing deployment must carry separate search credentials.
func splunkSearchConfig(cfg *config.Config) (splunk.SearchConfig, string, error) {
	if cfg.Logs.Producer == config.ProducerSplunkHEC && cfg.SplunkHEC.SearchToken == "" {
		return splunk.SearchConfig{}, "", fmt.Errorf("splunk backend with the splunk_hec producer requires a search_token")
	}

	sp, err := cfg.SplunkSearchSettings()
	if err != nil {
		return splunk.SearchConfig{}, "", err
	}
	return splunk.SearchConfig{
		Host:        sp.Host,
		Port:        sp.Port,
		BearerToken: sp.BearerToken,
		Timeout:     sp.SearchTimeout,
		VerifySSL:   sp.VerifySSL,
		SSLCAPath:   sp.SSLCAPath,
	}, sp.IndexPrefix, nil
}

// newProducer builds the write-path shipper. HTTP transports are wrapped in
// a circuit breaker so a downed collector sheds load instead of stacking
// timeouts.
func newProducer(ctx context.Context, cfg *config.Config, selector string, es *elastic.Client) (producers.Producer, error) {
	switch selector {
	case config.ProducerElasticsearch:
		if es == nil {
			es = newElasticClient(cfg)
		}
		inner := producers.NewElasticsearchProducer(es, cfg.Elasticsearch.IndexPrefix)
		return producers.WithBreaker("elasticsearch", inner), nil

	case config.ProducerKafka:
		producer, err := producers.NewKafkaProducer(producers.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			MaxBlock: cfg.Kafka.MaxBlock,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("building kafka producer: %w", err)
		}
		return producer, nil

	case config.ProducerKinesis:
		producer, err := producers.NewKinesisProducer(ctx, producers.KinesisConfig{
			StreamName:     cfg.Kinesis.StreamName,
			Region:         cfg.Kinesis.AWSRegion,
			AccessKey:      cfg.Kinesis.AccessKey,
			SecretKey:      cfg.Kinesis.SecretKey,
			Retries:        cfg.Kinesis.Retries,
			ConnectTimeout: cfg.Kinesis.ConnectTimeout,
			ReadTimeout:    cfg.Kinesis.ReadTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("building kinesis producer: %w", err)
		}
		return producer, nil

	case config.ProducerSplunk, config.ProducerSplunkHEC:
		hec := splunk.NewHECClient(splunk.HECConfig{
			URL:        cfg.SplunkHEC.URL,
			Token:      cfg.SplunkHEC.Token,
			Index:      cfg.SplunkHEC.Index,
			SourceType: cfg.SplunkHEC.SourceType,
			Host:       cfg.SplunkHEC.HostField,
			VerifySSL:  cfg.SplunkHEC.VerifySSL,
		})
		inner := producers.NewSplunkHECProducer(hec)
		return producers.WithBreaker("splunk_hec", inner), nil

	default:
		return nil, fmt.Errorf("unknown audit log producer %q", selector)
	}
}

func newElasticClient(cfg *config.Config) *elastic.Client {
	return elastic.NewClient(elastic.Config{
		Addr:      cfg.Elasticsearch.Addr(),
		AccessKey: cfg.Elasticsearch.AccessKey,
		SecretKey: cfg.Elasticsearch.SecretKey,
		Region:    cfg.Elasticsearch.AWSRegion,
	})
}
