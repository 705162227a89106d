// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables and config files.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all optional settings
//  2. Config File: Optional YAML config file (config.yaml)
//  3. Environment Variables: Override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
type Config struct {
	Logs          LogsConfig          `koanf:"logs"`
	Database      DatabaseConfig      `koanf:"database"`
	Elasticsearch ElasticsearchConfig `koanf:"elasticsearch"`
	Kafka         KafkaConfig         `koanf:"kafka"`
	Kinesis       KinesisConfig       `koanf:"kinesis"`
	Splunk        SplunkConfig        `koanf:"splunk"`
	SplunkHEC     SplunkHECConfig     `koanf:"splunk_hec"`
	Rotation      RotationConfig      `koanf:"rotation"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// Backend and producer selector values for LogsConfig.
const (
	BackendDatabase      = "database"
	BackendElasticsearch = "elasticsearch"
	BackendSplunk        = "splunk"
	BackendTransition    = "transition_reads_both_writes_es"

	ProducerElasticsearch = "elasticsearch"
	ProducerKafka         = "kafka"
	ProducerKinesis       = "kinesis_stream"
	ProducerSplunk        = "splunk"
	ProducerSplunkHEC     = "splunk_hec"
)

// LogsConfig selects the audit log backend and its write producer, plus the
// logging policies applied on the write path.
type LogsConfig struct {
	// Backend is one of "database", "elasticsearch", "splunk" or
	// "transition_reads_both_writes_es".
	Backend string `koanf:"backend" validate:"oneof=database elasticsearch splunk transition_reads_both_writes_es"`

	// Producer routes non-database writes. One of "elasticsearch", "kafka",
	// "kinesis_stream", "splunk" or "splunk_hec". Ignored for the database
	// backend.
	Producer string `koanf:"producer" validate:"omitempty,oneof=elasticsearch kafka kinesis_stream splunk splunk_hec"`

	// Skip policy: namespaces excluded from logging entirely, namespaces
	// excluded from pull logging, and the free-plan pull exclusion toggle.
	DisabledNamespaces               []string `koanf:"disabled_namespaces"`
	DisabledPullNamespaces           []string `koanf:"disabled_pull_namespaces"`
	DisablePullLogsForFreeNamespaces bool     `koanf:"disable_pull_logs_for_free_namespaces"`

	// Strictness policy: kinds whose write failures never fail the request.
	AllowWithoutStrictLogging      []string `koanf:"allow_without_strict_logging"`
	AllowPullsWithoutStrictLogging bool     `koanf:"allow_pulls_without_strict_logging"`
}

// DatabaseConfig holds DuckDB settings for the table backend, the identity
// directory and the rotation lock.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"gte=0"` // 0 = runtime.NumCPU()
}

// ElasticsearchConfig holds connection settings for the Elasticsearch
// backend and producer.
type ElasticsearchConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port" validate:"gte=0,lte=65535"`
	UseSSL      bool   `koanf:"use_ssl"`
	IndexPrefix string `koanf:"index_prefix"`

	// AccessKey/SecretKey enable SigV4 request signing for managed
	// Elasticsearch behind AWS. Empty means unsigned requests.
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	AWSRegion string `koanf:"aws_region"`
}

// Addr returns the base URL for the Elasticsearch REST API.
func (c ElasticsearchConfig) Addr() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	port := c.Port
	if port == 0 {
		port = 9200
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(port)
}

// KafkaConfig holds settings for the Kafka producer.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`

	// MaxBlock bounds how long a single publish may block before the write
	// is treated as failed.
	MaxBlock time.Duration `koanf:"max_block"`
}

// KinesisConfig holds settings for the Kinesis producer.
type KinesisConfig struct {
	StreamName string `koanf:"stream_name"`
	AWSRegion  string `koanf:"aws_region"`
	AccessKey  string `koanf:"access_key"`
	SecretKey  string `koanf:"secret_key"`

	Retries        int           `koanf:"retries" validate:"gte=0"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
}

// SplunkConfig holds connection settings for the Splunk search backend.
type SplunkConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port" validate:"gte=0,lte=65535"` // 0 = 8089
	BearerToken string `koanf:"bearer_token"`
	IndexPrefix string `koanf:"index_prefix"`
	SSLCAPath   string `koanf:"ssl_ca_path"`
	VerifySSL   bool   `koanf:"verify_ssl"`

	// SearchTimeout bounds a single search job before it is cancelled.
	SearchTimeout time.Duration `koanf:"search_timeout"`
}

// SplunkHECConfig holds settings for the Splunk HTTP Event Collector
// producer. SearchToken and SearchHost exist because HEC is write-only: when
// the splunk backend is paired with the splunk_hec producer, reads still go
// through the search API and need their own credentials.
type SplunkHECConfig struct {
	URL        string `koanf:"url"`
	Token      string `koanf:"token"`
	Index      string `koanf:"index"`
	SourceType string `koanf:"sourcetype"`
	HostField  string `koanf:"host_field"`

	SearchHost  string `koanf:"search_host"`
	SearchPort  int    `koanf:"search_port" validate:"gte=0,lte=65535"` // 0 = 8089
	SearchToken string `koanf:"search_token"`
	VerifySSL   bool   `koanf:"verify_ssl"`
}

// RotationConfig holds settings for the log rotation worker.
type RotationConfig struct {
	Enabled bool `koanf:"enabled"`

	// Frequency is the interval between rotation attempts.
	Frequency time.Duration `koanf:"frequency"`

	// ThresholdDays is the age beyond which entries are archived and
	// deleted. Must stay comfortably above MinAgeDays.
	ThresholdDays int `koanf:"threshold_days" validate:"gte=1"`

	// MinLogsPerRotation sizes each rotation context.
	MinLogsPerRotation int `koanf:"min_logs_per_rotation" validate:"gte=1"`

	// StoragePath is the key prefix archives land under.
	StoragePath string `koanf:"storage_path"`

	// S3-compatible endpoint settings for the archive bucket. A non-empty
	// endpoint routes to a MinIO/Ceph style store instead of AWS.
	S3Bucket    string `koanf:"s3_bucket"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`
}

// MinRotationAgeDays is the floor rotation may never cut into. Entries
// younger than this are always retained regardless of configuration.
const MinRotationAgeDays = 7

// ServerConfig holds HTTP server settings for the health and metrics
// endpoints.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
