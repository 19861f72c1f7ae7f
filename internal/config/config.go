// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package config loads and validates the bridge configuration.
//
// Configuration is layered (highest priority wins): environment variables,
// then the YAML config file, then built-in defaults. Unknown YAML keys are
// rejected at startup so typos surface immediately instead of silently
// falling back to defaults.
package config

import (
	"fmt"
	"time"

	"github.com/puente-io/puente/internal/bridge"
)

// SchemaVersion is the configuration schema this build supports. A config
// file carrying a different schema_version is rejected.
const SchemaVersion = 2

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	BrokerHost     string `koanf:"broker_host"`
	BrokerPort     int    `koanf:"broker_port"`
	ClientID       string `koanf:"client_id"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`
	QoS            int    `koanf:"qos"`
	KeepAliveS     int    `koanf:"keep_alive_s"`
	TLSEnabled     bool   `koanf:"tls_enabled"`
	CACert         string `koanf:"ca_cert"`
	ClientCert     string `koanf:"client_cert"`
	ClientKey      string `koanf:"client_key"`
	ReconnectDelay int    `koanf:"reconnect_delay_s"`
}

// OPCUAConfig configures the OPC-UA endpoint connection.
type OPCUAConfig struct {
	Endpoint       string `koanf:"endpoint"`
	ServerName     string `koanf:"server_name"`
	Namespace      string `koanf:"namespace"`
	SecurityPolicy string `koanf:"security_policy"`
	Certificate    string `koanf:"certificate"`
	PrivateKey     string `koanf:"private_key"`
	AllowAnonymous bool   `koanf:"allow_anonymous"`
	// SubscriptionIntervalMs is the publishing interval requested for
	// change-notification subscriptions.
	SubscriptionIntervalMs int `koanf:"subscription_interval_ms"`
}

// BufferConfig tunes the persistent buffer core. Interval fields carry an
// explicit unit suffix in the file; accessor methods convert to
// time.Duration.
type BufferConfig struct {
	DBPath            string  `koanf:"db_path"`
	MaxSize           int     `koanf:"max_size"`
	WorkerThreads     int     `koanf:"worker_threads"`
	BatchSize         int     `koanf:"batch_size"`
	LeaseDurationS    int     `koanf:"lease_duration_s"`
	PerMessageTimeout int     `koanf:"per_message_timeout_s"`
	CleanupIntervalS  int     `koanf:"cleanup_interval_s"`
	RetentionDays     int     `koanf:"retention_days"`
	MessageTTLMinutes float64 `koanf:"message_ttl_minutes"`
	BaseBackoffS      int     `koanf:"base_backoff_s"`
	MaxBackoffS       int     `koanf:"max_backoff_s"`
	MaxRetries        int     `koanf:"max_retries"`
	StatsFlushS       int     `koanf:"stats_flush_interval_s"`
}

// LeaseDuration returns the worker lease as a duration.
func (b BufferConfig) LeaseDuration() time.Duration {
	return time.Duration(b.LeaseDurationS) * time.Second
}

// MessageTimeout returns the per-message egress timeout.
func (b BufferConfig) MessageTimeout() time.Duration {
	return time.Duration(b.PerMessageTimeout) * time.Second
}

// CleanupInterval returns the janitor cycle period.
func (b BufferConfig) CleanupInterval() time.Duration {
	return time.Duration(b.CleanupIntervalS) * time.Second
}

// Retention returns the completed-row retention window.
func (b BufferConfig) Retention() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// MessageTTL returns the default per-message time-to-live.
func (b BufferConfig) MessageTTL() time.Duration {
	return time.Duration(b.MessageTTLMinutes * float64(time.Minute))
}

// BaseBackoff returns the initial retry backoff.
func (b BufferConfig) BaseBackoff() time.Duration {
	return time.Duration(b.BaseBackoffS) * time.Second
}

// MaxBackoff returns the retry backoff ceiling.
func (b BufferConfig) MaxBackoff() time.Duration {
	return time.Duration(b.MaxBackoffS) * time.Second
}

// StatsFlushInterval returns the counter flush period.
func (b BufferConfig) StatsFlushInterval() time.Duration {
	return time.Duration(b.StatsFlushS) * time.Second
}

// MonitoringConfig gates the prometheus exporter.
type MonitoringConfig struct {
	MetricsEnabled bool `koanf:"metrics_enabled"`
	MetricsPort    int  `koanf:"metrics_port"`
}

// SAPAuthConfig configures SAP authentication: basic or oauth2
// client-credentials.
type SAPAuthConfig struct {
	Type         string `koanf:"type"`
	Username     string `koanf:"username"`
	Password     string `koanf:"password"`
	TokenURL     string `koanf:"token_url"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	Scope        string `koanf:"scope"`
}

// SAPMappingConfig maps a SAP resource to a bridge destination.
type SAPMappingConfig struct {
	MappingID    string `koanf:"mapping_id"`
	ResourcePath string `koanf:"resource_path"`
	Direction    string `koanf:"direction"` // bridge_to_sap, sap_to_bridge, bidirectional
	Destination  string `koanf:"destination"`
	Target       string `koanf:"target"`
	DataType     string `koanf:"data_type"`
	Priority     string `koanf:"priority"`
	Transform    string `koanf:"transform"`
}

// SAPConfig configures the optional SAP HTTP connector.
type SAPConfig struct {
	Enabled       bool               `koanf:"enabled"`
	Endpoint      string             `koanf:"endpoint"`
	TimeoutS      int                `koanf:"timeout_s"`
	PollIntervalS int                `koanf:"poll_interval_s"`
	Auth          SAPAuthConfig      `koanf:"auth"`
	Mappings      []SAPMappingConfig `koanf:"mappings"`
}

// Timeout returns the HTTP request timeout.
func (s SAPConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutS) * time.Second
}

// PollInterval returns the inbound polling period.
func (s SAPConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalS) * time.Second
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// MappingConfig routes between an MQTT topic and an OPC-UA node.
type MappingConfig struct {
	MQTTTopic   string `koanf:"mqtt_topic"`
	OPCUANodeID string `koanf:"opcua_node_id"`
	DataType    string `koanf:"data_type"`
	Direction   string `koanf:"direction"` // mqtt_to_opcua, opcua_to_mqtt, bidirectional
	Priority    string `koanf:"priority"`
	MaxRetries  int    `koanf:"max_retries"` // 0 = inherit buffer.max_retries
	Coalesce    bool   `koanf:"coalesce"`
	Transform   string `koanf:"transform"`
	Description string `koanf:"description"`
}

// Config is the complete bridge configuration.
type Config struct {
	SchemaVersion int              `koanf:"schema_version"`
	MQTT          MQTTConfig       `koanf:"mqtt"`
	OPCUA         OPCUAConfig      `koanf:"opcua"`
	Buffer        BufferConfig     `koanf:"buffer"`
	Mappings      []MappingConfig  `koanf:"mappings"`
	SAP           SAPConfig        `koanf:"sap"`
	Monitoring    MonitoringConfig `koanf:"monitoring"`
	Logging       LoggingConfig    `koanf:"logging"`
}

// defaultConfig returns a Config with all default values applied.
func defaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		MQTT: MQTTConfig{
			BrokerHost:     "localhost",
			BrokerPort:     1883,
			ClientID:       "puente-bridge",
			QoS:            1,
			KeepAliveS:     60,
			ReconnectDelay: 5,
		},
		OPCUA: OPCUAConfig{
			Endpoint:               "opc.tcp://localhost:4840/bridge/server/",
			ServerName:             "Puente Bridge",
			Namespace:              "http://puente-io.github.io/bridge",
			SecurityPolicy:         "None",
			AllowAnonymous:         true,
			SubscriptionIntervalMs: 500,
		},
		Buffer: BufferConfig{
			DBPath:            "buffer.db",
			MaxSize:           10000,
			WorkerThreads:     2,
			BatchSize:         16,
			LeaseDurationS:    60,
			PerMessageTimeout: 10,
			CleanupIntervalS:  60,
			RetentionDays:     7,
			MessageTTLMinutes: 60,
			BaseBackoffS:      1,
			MaxBackoffS:       300,
			MaxRetries:        5,
			StatsFlushS:       10,
		},
		SAP: SAPConfig{
			Enabled:       false,
			TimeoutS:      15,
			PollIntervalS: 20,
			Auth:          SAPAuthConfig{Type: "basic"},
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: false,
			MetricsPort:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validDirections = map[string]bool{
	"mqtt_to_opcua": true,
	"opcua_to_mqtt": true,
	"bidirectional": true,
}

var validSAPDirections = map[string]bool{
	"bridge_to_sap": true,
	"sap_to_bridge": true,
	"bidirectional": true,
}

// Validate checks the assembled configuration. Any error here is fatal at
// startup.
func (c *Config) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (supported: %d)", c.SchemaVersion, SchemaVersion)
	}
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("mqtt.broker_host is required")
	}
	if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker_port %d out of range", c.MQTT.BrokerPort)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.TLSEnabled && c.MQTT.CACert == "" {
		return fmt.Errorf("mqtt.ca_cert is required when tls_enabled")
	}
	if c.OPCUA.Endpoint == "" {
		return fmt.Errorf("opcua.endpoint is required")
	}
	if c.Buffer.DBPath == "" {
		return fmt.Errorf("buffer.db_path is required")
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.max_size must be positive")
	}
	if c.Buffer.WorkerThreads <= 0 {
		return fmt.Errorf("buffer.worker_threads must be positive")
	}
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer.batch_size must be positive")
	}
	if c.Buffer.MaxRetries < 0 {
		return fmt.Errorf("buffer.max_retries must not be negative")
	}
	if c.Buffer.MessageTTLMinutes <= 0 {
		return fmt.Errorf("buffer.message_ttl_minutes must be positive")
	}
	if c.Buffer.BaseBackoffS <= 0 || c.Buffer.MaxBackoffS < c.Buffer.BaseBackoffS {
		return fmt.Errorf("buffer backoff bounds invalid: base=%ds max=%ds",
			c.Buffer.BaseBackoffS, c.Buffer.MaxBackoffS)
	}

	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one mapping is required")
	}
	for i, m := range c.Mappings {
		if m.MQTTTopic == "" || m.OPCUANodeID == "" {
			return fmt.Errorf("mappings[%d]: mqtt_topic and opcua_node_id are required", i)
		}
		if !bridge.DataType(m.DataType).Valid() {
			return fmt.Errorf("mappings[%d]: unknown data_type %q", i, m.DataType)
		}
		if !validDirections[m.Direction] {
			return fmt.Errorf("mappings[%d]: unknown direction %q", i, m.Direction)
		}
		if _, err := bridge.ParsePriority(m.Priority); err != nil {
			return fmt.Errorf("mappings[%d]: %w", i, err)
		}
		if m.MaxRetries < 0 {
			return fmt.Errorf("mappings[%d]: max_retries must not be negative", i)
		}
	}

	if c.SAP.Enabled {
		if c.SAP.Endpoint == "" {
			return fmt.Errorf("sap.endpoint is required when sap.enabled")
		}
		switch c.SAP.Auth.Type {
		case "basic", "oauth2":
		default:
			return fmt.Errorf("sap.auth.type must be basic or oauth2")
		}
		if c.SAP.Auth.Type == "oauth2" &&
			(c.SAP.Auth.TokenURL == "" || c.SAP.Auth.ClientID == "" || c.SAP.Auth.ClientSecret == "") {
			return fmt.Errorf("sap.auth: oauth2 requires token_url, client_id and client_secret")
		}
		for i, m := range c.SAP.Mappings {
			if m.MappingID == "" {
				return fmt.Errorf("sap.mappings[%d]: mapping_id is required", i)
			}
			if !validSAPDirections[m.Direction] {
				return fmt.Errorf("sap.mappings[%d]: unknown direction %q", i, m.Direction)
			}
			// Outbound needs target as the MQTT source filter; inbound needs
			// it as the delivery subject. Both poll or post resource_path.
			if m.ResourcePath == "" {
				return fmt.Errorf("sap.mappings[%d]: resource_path is required", i)
			}
			if m.Target == "" {
				return fmt.Errorf("sap.mappings[%d]: target is required", i)
			}
			if m.Direction != "bridge_to_sap" {
				if m.Destination != string(bridge.DestMQTT) && m.Destination != string(bridge.DestOPCUA) {
					return fmt.Errorf("sap.mappings[%d]: destination must be mqtt or opcua", i)
				}
			}
			if m.DataType != "" && !bridge.DataType(m.DataType).Valid() {
				return fmt.Errorf("sap.mappings[%d]: unknown data_type %q", i, m.DataType)
			}
			if _, err := bridge.ParsePriority(m.Priority); err != nil {
				return fmt.Errorf("sap.mappings[%d]: %w", i, err)
			}
		}
	}

	if c.Monitoring.MetricsEnabled && (c.Monitoring.MetricsPort <= 0 || c.Monitoring.MetricsPort > 65535) {
		return fmt.Errorf("monitoring.metrics_port %d out of range", c.Monitoring.MetricsPort)
	}
	return nil
}
