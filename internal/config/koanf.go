// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"bridge.yaml",
	"bridge.yml",
	"/etc/puente/bridge.yaml",
	"/etc/puente/bridge.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "PUENTE_CONFIG"

// Load assembles the configuration from defaults, the YAML file (if found),
// and environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile loads configuration with an explicit file path. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		fileK := koanf.New(".")
		if err := fileK.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := rejectUnknownKeys(fileK); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Merge(fileK); err != nil {
			return nil, fmt.Errorf("merge config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// knownKeyPatterns matches every key the schema recognizes. List entries are
// matched with their index normalized out.
var knownKeyPatterns = func() []*regexp.Regexp {
	keys := []string{
		`schema_version`,
		`mqtt\.(broker_host|broker_port|client_id|username|password|qos|keep_alive_s|tls_enabled|ca_cert|client_cert|client_key|reconnect_delay_s)`,
		`opcua\.(endpoint|server_name|namespace|security_policy|certificate|private_key|allow_anonymous|subscription_interval_ms)`,
		`buffer\.(db_path|max_size|worker_threads|batch_size|lease_duration_s|per_message_timeout_s|cleanup_interval_s|retention_days|message_ttl_minutes|base_backoff_s|max_backoff_s|max_retries|stats_flush_interval_s)`,
		`mappings\[\d+\]\.(mqtt_topic|opcua_node_id|data_type|direction|priority|max_retries|coalesce|transform|description)`,
		`sap\.(enabled|endpoint|timeout_s|poll_interval_s)`,
		`sap\.auth\.(type|username|password|token_url|client_id|client_secret|scope)`,
		`sap\.mappings\[\d+\]\.(mapping_id|resource_path|direction|destination|target|data_type|priority|transform)`,
		`monitoring\.(metrics_enabled|metrics_port)`,
		`logging\.(level|format|caller)`,
	}
	patterns := make([]*regexp.Regexp, len(keys))
	for i, k := range keys {
		patterns[i] = regexp.MustCompile(`^` + k + `$`)
	}
	return patterns
}()

// rejectUnknownKeys fails when the file carries a key the schema does not
// recognize.
func rejectUnknownKeys(k *koanf.Koanf) error {
	var unknown []string
	for _, key := range k.Keys() {
		normalized := normalizeListKey(key)
		matched := false
		for _, p := range knownKeyPatterns {
			if p.MatchString(normalized) {
				matched = true
				break
			}
		}
		if !matched {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// normalizeListKey rewrites koanf's flattened list paths (mappings.0.field)
// to the indexed form the patterns expect (mappings[0].field).
var listIndexRe = regexp.MustCompile(`\.(\d+)\.`)

func normalizeListKey(key string) string {
	return listIndexRe.ReplaceAllString(key, `[$1].`)
}

// envTransformFunc maps environment variable names to config paths.
// Unmapped variables are skipped so unrelated environment noise cannot
// reach the configuration.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"MQTT_BROKER_HOST":     "mqtt.broker_host",
		"MQTT_BROKER_PORT":     "mqtt.broker_port",
		"MQTT_CLIENT_ID":       "mqtt.client_id",
		"MQTT_USERNAME":        "mqtt.username",
		"MQTT_PASSWORD":        "mqtt.password",
		"MQTT_QOS":             "mqtt.qos",
		"MQTT_TLS_ENABLED":     "mqtt.tls_enabled",
		"OPCUA_ENDPOINT":       "opcua.endpoint",
		"OPCUA_NAMESPACE":      "opcua.namespace",
		"BUFFER_DB_PATH":       "buffer.db_path",
		"BUFFER_MAX_SIZE":      "buffer.max_size",
		"BUFFER_WORKERS":       "buffer.worker_threads",
		"BUFFER_MAX_RETRIES":   "buffer.max_retries",
		"SAP_ENABLED":          "sap.enabled",
		"SAP_ENDPOINT":         "sap.endpoint",
		"SAP_USERNAME":         "sap.auth.username",
		"SAP_PASSWORD":         "sap.auth.password",
		"METRICS_ENABLED":      "monitoring.metrics_enabled",
		"METRICS_PORT":         "monitoring.metrics_port",
		"LOG_LEVEL":            "logging.level",
		"LOG_FORMAT":           "logging.format",
		"LOG_CALLER":           "logging.caller",
	}
	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
