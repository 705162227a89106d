// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package config

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks that required configuration is present and consistent.
// Misconfiguration is a boot-time failure, never a request-time one.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.validateBackend(); err != nil {
		return err
	}
	if err := c.validateProducer(); err != nil {
		return err
	}
	return c.validateRotation()
}

// validateBackend checks the settings required by the selected backend.
func (c *Config) validateBackend() error {
	switch c.Logs.Backend {
	case BackendDatabase:
		return nil

	case BackendElasticsearch, BackendTransition:
		if c.Elasticsearch.Host == "" {
			return fmt.Errorf("ELASTICSEARCH_HOST is required for the %s backend", c.Logs.Backend)
		}
		if (c.Elasticsearch.AccessKey != "") != (c.Elasticsearch.SecretKey != "") {
			return fmt.Errorf("ELASTICSEARCH_ACCESS_KEY and ELASTICSEARCH_SECRET_KEY must be set together")
		}
		if c.Elasticsearch.AccessKey != "" && c.Elasticsearch.AWSRegion == "" {
			return fmt.Errorf("ELASTICSEARCH_AWS_REGION is required when request signing is enabled")
		}
		return nil

	case BackendSplunk:
		if c.Logs.Producer == ProducerSplunkHEC {
			// HEC is write-only. Reads need explicit search credentials up
			// front; discovering their absence on the first lookup is too late.
			if c.SplunkHEC.SearchToken == "" {
				return fmt.Errorf("SPLUNK_HEC_SEARCH_TOKEN is required when the splunk backend writes through HEC")
			}
			if c.SplunkHEC.SearchHost == "" && c.SplunkHEC.URL == "" {
				return fmt.Errorf("SPLUNK_HEC_SEARCH_HOST or SPLUNK_HEC_URL is required for splunk reads")
			}
			return nil
		}
		if c.Splunk.Host == "" {
			return fmt.Errorf("SPLUNK_HOST is required for the splunk backend")
		}
		if c.Splunk.BearerToken == "" {
			return fmt.Errorf("SPLUNK_BEARER_TOKEN is required for the splunk backend")
		}
		return nil
	}
	return nil
}

// validateProducer checks the settings required by the selected producer.
func (c *Config) validateProducer() error {
	if c.Logs.Backend == BackendDatabase {
		// The table backend writes directly; a configured producer is inert.
		return nil
	}

	switch c.Logs.Producer {
	case "", ProducerElasticsearch:
		if c.Elasticsearch.Host == "" {
			return fmt.Errorf("ELASTICSEARCH_HOST is required for the elasticsearch producer")
		}
	case ProducerKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka producer")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required for the kafka producer")
		}
	case ProducerKinesis:
		if c.Kinesis.StreamName == "" {
			return fmt.Errorf("KINESIS_STREAM_NAME is required for the kinesis_stream producer")
		}
		if c.Kinesis.AWSRegion == "" {
			return fmt.Errorf("KINESIS_AWS_REGION is required for the kinesis_stream producer")
		}
	case ProducerSplunk:
		if c.Splunk.Host == "" {
			return fmt.Errorf("SPLUNK_HOST is required for the splunk producer")
		}
	case ProducerSplunkHEC:
		if c.SplunkHEC.URL == "" {
			return fmt.Errorf("SPLUNK_HEC_URL is required for the splunk_hec producer")
		}
		if c.SplunkHEC.Token == "" {
			return fmt.Errorf("SPLUNK_HEC_TOKEN is required for the splunk_hec producer")
		}
	}
	return nil
}

// validateRotation checks rotation settings against the retention floor.
func (c *Config) validateRotation() error {
	if !c.Rotation.Enabled {
		return nil
	}
	if c.Rotation.ThresholdDays < MinRotationAgeDays {
		return fmt.Errorf("ROTATION_THRESHOLD_DAYS must be at least %d, got %d",
			MinRotationAgeDays, c.Rotation.ThresholdDays)
	}
	if c.Rotation.S3Bucket == "" {
		return fmt.Errorf("ROTATION_S3_BUCKET is required when rotation is enabled")
	}
	return nil
}

// SplunkSearchSettings returns the effective search connection for the
// splunk backend. With the splunk_hec producer the search settings are
// derived from the HEC block: the HEC URL host stands in for a missing
// search host, and the management port defaults to 8089.
func (c *Config) SplunkSearchSettings() (SplunkConfig, error) {
	if c.Logs.Producer != ProducerSplunkHEC {
		out := c.Splunk
		if out.Port == 0 {
			out.Port = 8089
		}
		return out, nil
	}

	out := SplunkConfig{
		Host:          c.SplunkHEC.SearchHost,
		Port:          c.SplunkHEC.SearchPort,
		BearerToken:   c.SplunkHEC.SearchToken,
		IndexPrefix:   c.SplunkHEC.Index,
		VerifySSL:     c.SplunkHEC.VerifySSL,
		SearchTimeout: c.Splunk.SearchTimeout,
	}
	if out.Host == "" {
		parsed, err := url.Parse(c.SplunkHEC.URL)
		if err != nil || parsed.Hostname() == "" {
			return SplunkConfig{}, fmt.Errorf("cannot derive splunk search host from SPLUNK_HEC_URL %q", c.SplunkHEC.URL)
		}
		out.Host = parsed.Hostname()
	}
	if out.Port == 0 {
		out.Port = 8089
	}
	if out.IndexPrefix == "" {
		out.IndexPrefix = c.Splunk.IndexPrefix
	}
	return out, nil
}
