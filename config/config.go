// Package config manages runtime settings loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/vessel/errs"
)

// Duration wraps time.Duration with human-friendly YAML parsing ("200ms").
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Backend names a storage adapter implementation.
type Backend string

// Supported storage backends.
const (
	BackendMemory   Backend = "memory"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
)

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     Backend `yaml:"backend"`
	BadgerPath  string  `yaml:"badgerPath"`
	PostgresDSN string  `yaml:"postgresDSN"`
}

// RetryConfig bounds query fetch retries.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"maxAttempts"`
	InitialInterval Duration `yaml:"initialInterval"`
	MaxInterval     Duration `yaml:"maxInterval"`
}

// BridgeConfig points at the cross-context relay.
type BridgeConfig struct {
	URL string `yaml:"url"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings is the unified runtime configuration sourced from YAML with
// VESSEL_-prefixed environment overrides.
type Settings struct {
	Namespace        string          `yaml:"namespace"`
	Throttle         Duration        `yaml:"throttle"`
	DefaultStaleTime Duration        `yaml:"defaultStaleTime"`
	Retry            RetryConfig     `yaml:"retry"`
	Storage          StorageConfig   `yaml:"storage"`
	Bridge           BridgeConfig    `yaml:"bridge"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
}

// Defaults applied by normalise.
const (
	defaultThrottle  = 200 * time.Millisecond
	defaultStaleTime = 30 * time.Second
)

// Load reads settings from the YAML file, applies environment overrides,
// normalises defaults, and validates the result. An empty path yields
// defaults plus environment.
func Load(path string) (Settings, error) {
	var cfg Settings
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// applyEnv folds VESSEL_-prefixed variables over the file values.
func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("VESSEL_NAMESPACE")); v != "" {
		s.Namespace = v
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_THROTTLE")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.Throttle = Duration(d)
		}
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_STALE_TIME")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.DefaultStaleTime = Duration(d)
		}
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_STORAGE_BACKEND")); v != "" {
		s.Storage.Backend = Backend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_BADGER_PATH")); v != "" {
		s.Storage.BadgerPath = v
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_POSTGRES_DSN")); v != "" {
		s.Storage.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_BRIDGE_URL")); v != "" {
		s.Bridge.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("VESSEL_OTLP_ENDPOINT")); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
}

func (s *Settings) normalise() {
	s.Namespace = strings.TrimSpace(s.Namespace)
	if s.Throttle <= 0 {
		s.Throttle = Duration(defaultThrottle)
	}
	if s.DefaultStaleTime <= 0 {
		s.DefaultStaleTime = Duration(defaultStaleTime)
	}
	if s.Retry.MaxAttempts < 1 {
		s.Retry.MaxAttempts = 1
	}
	if s.Storage.Backend == "" {
		s.Storage.Backend = BackendMemory
	}
	s.Storage.Backend = Backend(strings.ToLower(string(s.Storage.Backend)))
	if s.Telemetry.ServiceName == "" {
		s.Telemetry.ServiceName = "vessel"
	}
}

// Validate rejects settings that cannot produce a working engine.
func (s Settings) Validate() error {
	if s.Namespace == "" {
		return errs.Validation("config", "namespace required")
	}
	switch s.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if s.Storage.BadgerPath == "" {
			return errs.Validation("config", "storage.badgerPath required for the badger backend")
		}
	case BackendPostgres:
		if s.Storage.PostgresDSN == "" {
			return errs.Validation("config", "storage.postgresDSN required for the postgres backend")
		}
	default:
		return errs.Validation("config", fmt.Sprintf("unknown storage backend %q", s.Storage.Backend))
	}
	if s.Retry.InitialInterval < 0 || s.Retry.MaxInterval < 0 {
		return errs.Validation("config", "retry intervals must not be negative")
	}
	if s.Retry.MaxInterval > 0 && s.Retry.InitialInterval > s.Retry.MaxInterval {
		return errs.Validation("config", "retry.initialInterval exceeds retry.maxInterval")
	}
	return nil
}
