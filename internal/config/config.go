// Package config loads the hub's runtime configuration from the
// environment using envconfig-tagged configuration groups.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// StorageBackend selects which storage.Store implementation the hub
// wires at startup.
type StorageBackend string

const (
	StorageBackendMemory StorageBackend = "memory"
	StorageBackendMech   StorageBackend = "mech"
)

// RegistrationPolicy selects the default registration_status a new
// agent receives absent a tenant-specific policy.
type RegistrationPolicy string

const (
	RegistrationOpen             RegistrationPolicy = "open"
	RegistrationApprovalRequired RegistrationPolicy = "approval_required"
)

// ServerConfig covers the listening port and process-level knobs.
type ServerConfig struct {
	Port int `envconfig:"PORT" default:"8080"`
}

// HeartbeatConfig covers agent liveness policy defaults.
type HeartbeatConfig struct {
	IntervalMS int `envconfig:"HEARTBEAT_INTERVAL_MS" default:"30000"`
	TimeoutMS  int `envconfig:"HEARTBEAT_TIMEOUT_MS" default:"90000"`
}

func (h HeartbeatConfig) Interval() time.Duration { return time.Duration(h.IntervalMS) * time.Millisecond }
func (h HeartbeatConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutMS) * time.Millisecond }

// InboxConfig covers message lifecycle defaults.
type InboxConfig struct {
	DefaultTTLSec          int `envconfig:"MESSAGE_TTL_SEC" default:"86400"`
	DefaultVisibilityTOSec int `envconfig:"MESSAGE_VISIBILITY_TIMEOUT_SEC" default:"60"`
	MaxAttempts            int `envconfig:"MESSAGE_MAX_ATTEMPTS" default:"5"`
}

// SchedulerConfig covers the background sweeper's tick interval.
type SchedulerConfig struct {
	CleanupIntervalMS int `envconfig:"CLEANUP_INTERVAL_MS" default:"60000"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.CleanupIntervalMS) * time.Millisecond
}

// AuthConfig covers bearer-key enforcement.
type AuthConfig struct {
	APIKeyRequired bool   `envconfig:"API_KEY_REQUIRED" default:"true"`
	MasterAPIKey   string `envconfig:"MASTER_API_KEY"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend       StorageBackend `envconfig:"STORAGE_BACKEND" default:"memory"`
	RemoteURL     string         `envconfig:"STORAGE_REMOTE_URL"`
	RemoteAppID   string         `envconfig:"STORAGE_REMOTE_APP_ID"`
	RemoteAPIKey  string         `envconfig:"STORAGE_REMOTE_API_KEY"`
	RequestTimeoutMS int         `envconfig:"STORAGE_REQUEST_TIMEOUT_MS" default:"5000"`
}

func (s StorageConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// RegistrationConfig covers the default tenant-less registration policy.
type RegistrationConfig struct {
	Policy RegistrationPolicy `envconfig:"REGISTRATION_POLICY" default:"open"`
}

// WebhookConfig covers outbound-push and inbound-receiver signing.
type WebhookConfig struct {
	SigningKey       string `envconfig:"WEBHOOK_SIGNING_KEY"`
	RequestTimeoutMS int    `envconfig:"WEBHOOK_REQUEST_TIMEOUT_MS" default:"3000"`
}

func (w WebhookConfig) RequestTimeout() time.Duration {
	return time.Duration(w.RequestTimeoutMS) * time.Millisecond
}

// RoundTableConfig covers the default bounds for round-table creation.
type RoundTableConfig struct {
	DefaultTimeoutMinutes int `envconfig:"ROUND_TABLE_DEFAULT_TIMEOUT_MINUTES" default:"10"`
	MaxParticipants       int `envconfig:"ROUND_TABLE_MAX_PARTICIPANTS" default:"20"`
	MaxThreadLength       int `envconfig:"ROUND_TABLE_MAX_THREAD_LENGTH" default:"200"`
	PurgeAfterMS          int `envconfig:"ROUND_TABLE_PURGE_AFTER_MS" default:"604800000"`
}

func (r RoundTableConfig) PurgeAfter() time.Duration {
	return time.Duration(r.PurgeAfterMS) * time.Millisecond
}

// KafkaConfig covers the optional group-post audit mirror.
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_AUDIT_TOPIC" default:"admp.group.audit"`
}

// Enabled reports whether a broker list was configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Config is the root configuration object, assembled from the
// environment at process start.
type Config struct {
	Server       ServerConfig
	Heartbeat    HeartbeatConfig
	Inbox        InboxConfig
	Scheduler    SchedulerConfig
	Auth         AuthConfig
	Storage      StorageConfig
	Registration RegistrationConfig
	Webhook      WebhookConfig
	RoundTable   RoundTableConfig
	Kafka        KafkaConfig
}

// Load populates a Config from the environment. Every field carries an
// explicit envconfig tag naming the bare variable from spec §6 (e.g.
// PORT, MESSAGE_TTL_SEC), so Load processes each group with an empty
// prefix rather than namespacing them under an application prefix.
func Load() (*Config, error) {
	var cfg Config
	for _, group := range []any{
		&cfg.Server, &cfg.Heartbeat, &cfg.Inbox, &cfg.Scheduler,
		&cfg.Auth, &cfg.Storage, &cfg.Registration, &cfg.Webhook,
		&cfg.RoundTable, &cfg.Kafka,
	} {
		if err := envconfig.Process("", group); err != nil {
			return nil, fmt.Errorf("config: load: %w", err)
		}
	}
	return &cfg, nil
}
