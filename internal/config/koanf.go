// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/auditpipe/config.yaml",
	"/etc/auditpipe/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logs: LogsConfig{
			Backend:                   BackendDatabase,
			AllowWithoutStrictLogging: []string{"pull_repo"},
		},
		Database: DatabaseConfig{
			Path:      "/data/auditpipe.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Elasticsearch: ElasticsearchConfig{
			Host:        "",
			Port:        9200,
			UseSSL:      false,
			IndexPrefix: "logentry_",
		},
		Kafka: KafkaConfig{
			Topic:    "logentry",
			MaxBlock: 5 * time.Second,
		},
		Kinesis: KinesisConfig{
			StreamName:     "logentry",
			Retries:        5,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    5 * time.Second,
		},
		Splunk: SplunkConfig{
			Port:          8089,
			IndexPrefix:   "audit_logs",
			VerifySSL:     true,
			SearchTimeout: 60 * time.Second,
		},
		SplunkHEC: SplunkHECConfig{
			SourceType: "access_combined",
			VerifySSL:  true,
		},
		Rotation: RotationConfig{
			Enabled:            false,
			Frequency:          12 * time.Hour,
			ThresholdDays:      30,
			MinLogsPerRotation: 10000,
			StoragePath:        "/exportedactionlogs",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when supplied via env vars.
var sliceConfigPaths = []string{
	"logs.disabled_namespaces",
	"logs.disabled_pull_namespaces",
	"logs.allow_without_strict_logging",
	"kafka.brokers",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields. Env vars come in as strings; the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped keys return "" and are skipped, so random environment variables
// never pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Backend selection
		"logs_backend":  "logs.backend",
		"logs_producer": "logs.producer",

		// Logging policies
		"logs_disabled_namespaces":            "logs.disabled_namespaces",
		"logs_disabled_pull_namespaces":       "logs.disabled_pull_namespaces",
		"logs_disable_free_namespace_pulls":   "logs.disable_pull_logs_for_free_namespaces",
		"logs_allow_without_strict_logging":   "logs.allow_without_strict_logging",
		"logs_allow_pulls_without_strict_log": "logs.allow_pulls_without_strict_logging",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Elasticsearch mappings
		"elasticsearch_host":         "elasticsearch.host",
		"elasticsearch_port":         "elasticsearch.port",
		"elasticsearch_use_ssl":      "elasticsearch.use_ssl",
		"elasticsearch_index_prefix": "elasticsearch.index_prefix",
		"elasticsearch_access_key":   "elasticsearch.access_key",
		"elasticsearch_secret_key":   "elasticsearch.secret_key",
		"elasticsearch_aws_region":   "elasticsearch.aws_region",

		// Kafka mappings
		"kafka_brokers":   "kafka.brokers",
		"kafka_topic":     "kafka.topic",
		"kafka_max_block": "kafka.max_block",

		// Kinesis mappings
		"kinesis_stream_name":     "kinesis.stream_name",
		"kinesis_aws_region":      "kinesis.aws_region",
		"kinesis_access_key":      "kinesis.access_key",
		"kinesis_secret_key":      "kinesis.secret_key",
		"kinesis_retries":         "kinesis.retries",
		"kinesis_connect_timeout": "kinesis.connect_timeout",
		"kinesis_read_timeout":    "kinesis.read_timeout",

		// Splunk search mappings
		"splunk_host":           "splunk.host",
		"splunk_port":           "splunk.port",
		"splunk_bearer_token":   "splunk.bearer_token",
		"splunk_index_prefix":   "splunk.index_prefix",
		"splunk_ssl_ca_path":    "splunk.ssl_ca_path",
		"splunk_verify_ssl":     "splunk.verify_ssl",
		"splunk_search_timeout": "splunk.search_timeout",

		// Splunk HEC mappings
		"splunk_hec_url":          "splunk_hec.url",
		"splunk_hec_token":        "splunk_hec.token",
		"splunk_hec_index":        "splunk_hec.index",
		"splunk_hec_sourcetype":   "splunk_hec.sourcetype",
		"splunk_hec_host_field":   "splunk_hec.host_field",
		"splunk_hec_search_host":  "splunk_hec.search_host",
		"splunk_hec_search_port":  "splunk_hec.search_port",
		"splunk_hec_search_token": "splunk_hec.search_token",
		"splunk_hec_verify_ssl":   "splunk_hec.verify_ssl",

		// Rotation mappings
		"rotation_enabled":          "rotation.enabled",
		"rotation_frequency":        "rotation.frequency",
		"rotation_threshold_days":   "rotation.threshold_days",
		"rotation_min_logs":      "rotation.min_logs_per_rotation",
		"rotation_storage_path":  "rotation.storage_path",
		"rotation_s3_bucket":     "rotation.s3_bucket",
		"rotation_s3_region":     "rotation.s3_region",
		"rotation_s3_endpoint":   "rotation.s3_endpoint",
		"rotation_s3_access_key": "rotation.s3_access_key",
		"rotation_s3_secret_key": "rotation.s3_secret_key",

		// Server mappings
		"http_port":    "server.port",
		"http_host":    "server.host",
		"http_timeout": "server.timeout",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
