package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentdeck.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("AGENTDECK_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTDECK_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTDECK_CORS_ORIGIN")

	setString(&cfg.Agent.URL, "AGENTDECK_AGENT_URL")
	setString(&cfg.Agent.Token, "AGENTDECK_AGENT_TOKEN")
	setString(&cfg.Agent.ProjectPath, "AGENTDECK_PROJECT_PATH")
	setDuration(&cfg.Agent.Timeout, "AGENTDECK_AGENT_TIMEOUT")

	setString(&cfg.Registry.Backend, "AGENTDECK_REGISTRY_BACKEND")
	setString(&cfg.Registry.URL, "AGENTDECK_REGISTRY_URL")
	setString(&cfg.Registry.Token, "AGENTDECK_REGISTRY_TOKEN")
	setDuration(&cfg.Registry.StaleTimeout, "AGENTDECK_REGISTRY_STALE_TIMEOUT")
	setString(&cfg.Registry.Bucket, "AGENTDECK_REGISTRY_BUCKET")
	setBool(&cfg.Registry.Serve, "AGENTDECK_REGISTRY_SERVE")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTDECK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTDECK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTDECK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTDECK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTDECK_PG_HEALTH_CHECK")
	setDuration(&cfg.Postgres.LockTimeout, "AGENTDECK_PG_LOCK_TIMEOUT")

	setString(&cfg.NATS.URL, "NATS_URL")

	// Session
	setString(&cfg.Session.Key, "AGENTDECK_SESSION_KEY")
	setDuration(&cfg.Session.HeartbeatInterval, "AGENTDECK_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Session.StuckPollInterval, "AGENTDECK_STUCK_POLL_INTERVAL")
	setDuration(&cfg.Session.NextTaskDelay, "AGENTDECK_NEXT_TASK_DELAY")
	setInt(&cfg.Session.BuildCacheCapacity, "AGENTDECK_BUILD_CACHE_CAPACITY")
	setInt(&cfg.Session.ToolResultPreviewChars, "AGENTDECK_TOOL_RESULT_PREVIEW")
	setDuration(&cfg.Session.LogBatchWindow, "AGENTDECK_LOG_BATCH_WINDOW")
	setInt(&cfg.Session.LogBatchMaxSize, "AGENTDECK_LOG_BATCH_MAX")
	setInt(&cfg.Session.LogTailLimit, "AGENTDECK_LOG_TAIL_LIMIT")
	setBool(&cfg.Session.AutoStart, "AGENTDECK_AUTO_START")
	setBool(&cfg.Session.VisibilityFollowsViewers, "AGENTDECK_VISIBILITY_FOLLOWS_VIEWERS")

	setString(&cfg.Logging.Level, "AGENTDECK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTDECK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTDECK_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "AGENTDECK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTDECK_BREAKER_TIMEOUT")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "AGENTDECK_OTLP_INSECURE")

	setString(&cfg.Auth.APIKeyHash, "AGENTDECK_API_KEY_HASH")
	setBool(&cfg.MCP.Enabled, "AGENTDECK_MCP_ENABLED")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Agent.URL == "" {
		return errors.New("agent.url is required")
	}
	switch cfg.Registry.Backend {
	case RegistryMemory:
	case RegistryHTTP:
		if cfg.Registry.URL == "" {
			return errors.New("registry.url is required for the http backend")
		}
	case RegistryPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case RegistryNATS:
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("registry.backend %q is not supported", cfg.Registry.Backend)
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		return errors.New("session.heartbeat_interval must be > 0")
	}
	if cfg.Session.StuckPollInterval <= 0 {
		return errors.New("session.stuck_poll_interval must be > 0")
	}
	if cfg.Session.NextTaskDelay < 0 {
		return errors.New("session.next_task_delay must be >= 0")
	}
	if cfg.Session.BuildCacheCapacity < 1 {
		return errors.New("session.build_cache_capacity must be >= 1")
	}
	if cfg.Session.LogBatchMaxSize < 1 {
		return errors.New("session.log_batch_max_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
