package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type UDPConfig struct {
	Port            int    `yaml:"port"`
	AdvertiseHost   string `yaml:"advertise_host"`
	ReadBufferBytes int    `yaml:"read_buffer_bytes"`
}

type JitterConfig struct {
	TargetMS int  `yaml:"target_ms"`
	MinMS    int  `yaml:"min_ms"`
	MaxMS    int  `yaml:"max_ms"`
	Adaptive bool `yaml:"adaptive"`
}

type SessionConfig struct {
	TimeoutMS            int64 `yaml:"timeout_ms"`
	CleanupIntervalMS    int64 `yaml:"cleanup_interval_ms"`
	DrainTimeoutMS       int64 `yaml:"drain_timeout_ms"`
	ConditionsIntervalMS int64 `yaml:"conditions_interval_ms"`
}

type MemoryConfig struct {
	PerSessionBytes int64 `yaml:"per_session_bytes"`
	TotalBytes      int64 `yaml:"total_bytes"`
}

type SubtitlesConfig struct {
	DefaultDurationMS int64 `yaml:"default_duration_ms"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	UDP          UDPConfig          `yaml:"udp"`
	Jitter       JitterConfig       `yaml:"jitter"`
	Session      SessionConfig      `yaml:"session"`
	Memory       MemoryConfig       `yaml:"memory"`
	Subtitles    SubtitlesConfig    `yaml:"subtitles"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "chip-audio-receiver",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		UDP: UDPConfig{
			Port:            8001,
			ReadBufferBytes: 1 << 20,
		},
		Jitter: JitterConfig{
			TargetMS: 100,
			MinMS:    50,
			MaxMS:    300,
			Adaptive: true,
		},
		Session: SessionConfig{
			TimeoutMS:         300000,
			CleanupIntervalMS: 30000,
			DrainTimeoutMS:    2000,
		},
		Memory: MemoryConfig{
			PerSessionBytes: 50 << 20,
			TotalBytes:      500 << 20,
		},
		Subtitles: SubtitlesConfig{
			DefaultDurationMS: 5000,
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/chip-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CHIP_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CHIP_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHIP_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHIP_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHIP_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHIP_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHIP_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "CHIP_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHIP_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CHIP_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHIP_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHIP_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHIP_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHIP_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHIP_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.UDP.Port, "CHIP_UDP_PORT")
	overrideString(&cfg.UDP.AdvertiseHost, "CHIP_UDP_ADVERTISE_HOST")
	overrideInt(&cfg.UDP.ReadBufferBytes, "CHIP_UDP_READ_BUFFER_BYTES")
	overrideInt(&cfg.Jitter.TargetMS, "CHIP_JITTER_TARGET_MS")
	overrideInt(&cfg.Jitter.MinMS, "CHIP_JITTER_MIN_MS")
	overrideInt(&cfg.Jitter.MaxMS, "CHIP_JITTER_MAX_MS")
	overrideBool(&cfg.Jitter.Adaptive, "CHIP_JITTER_ADAPTIVE")
	overrideInt64(&cfg.Session.TimeoutMS, "CHIP_SESSION_TIMEOUT_MS")
	overrideInt64(&cfg.Session.CleanupIntervalMS, "CHIP_SESSION_CLEANUP_INTERVAL_MS")
	overrideInt64(&cfg.Session.DrainTimeoutMS, "CHIP_SESSION_DRAIN_TIMEOUT_MS")
	overrideInt64(&cfg.Session.ConditionsIntervalMS, "CHIP_SESSION_CONDITIONS_INTERVAL_MS")
	overrideInt64(&cfg.Memory.PerSessionBytes, "CHIP_MEMORY_PER_SESSION_BYTES")
	overrideInt64(&cfg.Memory.TotalBytes, "CHIP_MEMORY_TOTAL_BYTES")
	overrideInt64(&cfg.Subtitles.DefaultDurationMS, "CHIP_SUBTITLES_DEFAULT_DURATION_MS")
	overrideString(&cfg.SessionStore.Path, "CHIP_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "CHIP_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "CHIP_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "CHIP_SESSION_STORE_MAX_SESSIONS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.UDP.Port <= 0 || cfg.UDP.Port > 65535 {
		return errors.New("udp.port must be between 1 and 65535")
	}
	if cfg.Jitter.MinMS <= 0 {
		return errors.New("jitter.min_ms must be positive")
	}
	if cfg.Jitter.MaxMS < cfg.Jitter.MinMS {
		return errors.New("jitter.max_ms must be >= jitter.min_ms")
	}
	if cfg.Jitter.TargetMS < cfg.Jitter.MinMS || cfg.Jitter.TargetMS > cfg.Jitter.MaxMS {
		return errors.New("jitter.target_ms must be within [min_ms, max_ms]")
	}
	if cfg.Session.TimeoutMS <= 0 {
		return errors.New("session.timeout_ms must be positive")
	}
	if cfg.Session.CleanupIntervalMS <= 0 {
		return errors.New("session.cleanup_interval_ms must be positive")
	}
	if cfg.Session.DrainTimeoutMS < 0 {
		return errors.New("session.drain_timeout_ms must be >= 0")
	}
	if cfg.Memory.PerSessionBytes < 0 || cfg.Memory.TotalBytes < 0 {
		return errors.New("memory limits must be >= 0")
	}
	if cfg.Memory.TotalBytes > 0 && cfg.Memory.PerSessionBytes > cfg.Memory.TotalBytes {
		return errors.New("memory.per_session_bytes must not exceed memory.total_bytes")
	}
	if cfg.Subtitles.DefaultDurationMS <= 0 {
		return errors.New("subtitles.default_duration_ms must be positive")
	}
	if cfg.SessionStore.Path == "" && cfg.SessionStore.RetentionMode != "ephemeral" {
		return errors.New("session_store.path must not be empty")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	return nil
}
