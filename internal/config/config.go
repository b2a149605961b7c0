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

type WebSocketConfig struct {
	Bind              string `yaml:"bind"`
	Port              int    `yaml:"port"`
	MaxMessageBytes   int64  `yaml:"max_message_bytes"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	SendBuffer        int    `yaml:"send_buffer"`
	MaxSessionsPerIP  int    `yaml:"max_sessions_per_ip"`
	SessionTimeoutSec int    `yaml:"session_timeout_sec"`
	ReapIntervalSec   int    `yaml:"reap_interval_sec"`
}

type QueueConfig struct {
	MaxSize            int `yaml:"max_size"`
	MaxTaskAgeSec      int `yaml:"max_task_age_sec"`
	SweepIntervalSec   int `yaml:"sweep_interval_sec"`
	WaitTimeoutMS      int `yaml:"wait_timeout_ms"`
	SynthesisTimeoutMS int `yaml:"synthesis_timeout_ms"`
}

type EngineConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	Voice           string  `yaml:"voice"`
	Language        string  `yaml:"language"`
	Format          string  `yaml:"format"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	Speed           float64 `yaml:"speed"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	ChunkBytes      int     `yaml:"chunk_bytes"`
	Fallback        string  `yaml:"fallback"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	WebSocket   WebSocketConfig  `yaml:"websocket"`
	Queue       QueueConfig      `yaml:"queue"`
	Engine      EngineConfig     `yaml:"engine"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts-streamer",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		WebSocket: WebSocketConfig{
			Bind:              "0.0.0.0",
			Port:              8765,
			MaxMessageBytes:   1 << 20,
			WriteTimeoutMS:    10000,
			SendBuffer:        64,
			MaxSessionsPerIP:  10,
			SessionTimeoutSec: 300,
			ReapIntervalSec:   60,
		},
		Queue: QueueConfig{
			MaxSize:            1000,
			MaxTaskAgeSec:      300,
			SweepIntervalSec:   30,
			WaitTimeoutMS:      1000,
			SynthesisTimeoutMS: 45000,
		},
		Engine: EngineConfig{
			Mode:            "mock",
			Voice:           "es-0",
			Language:        "es",
			Format:          "wav",
			SampleRate:      22050,
			Channels:        1,
			Speed:           1.0,
			ChunkDurationMS: 200,
			ChunkBytes:      1024,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/tts-events.db",
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
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideString(&cfg.WebSocket.Bind, "LOQA_TTS_WS_BIND")
	overrideInt(&cfg.WebSocket.Port, "LOQA_TTS_WS_PORT")
	overrideInt(&cfg.WebSocket.MaxSessionsPerIP, "LOQA_TTS_WS_MAX_SESSIONS_PER_IP")
	overrideInt(&cfg.WebSocket.SessionTimeoutSec, "LOQA_TTS_WS_SESSION_TIMEOUT_SEC")
	overrideInt(&cfg.WebSocket.ReapIntervalSec, "LOQA_TTS_WS_REAP_INTERVAL_SEC")
	overrideInt(&cfg.Queue.MaxSize, "LOQA_TTS_QUEUE_MAX_SIZE")
	overrideInt(&cfg.Queue.MaxTaskAgeSec, "LOQA_TTS_QUEUE_MAX_TASK_AGE_SEC")
	overrideInt(&cfg.Queue.SweepIntervalSec, "LOQA_TTS_QUEUE_SWEEP_INTERVAL_SEC")
	overrideInt(&cfg.Queue.WaitTimeoutMS, "LOQA_TTS_QUEUE_WAIT_TIMEOUT_MS")
	overrideInt(&cfg.Queue.SynthesisTimeoutMS, "LOQA_TTS_QUEUE_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "LOQA_TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_TTS_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Voice, "LOQA_TTS_ENGINE_VOICE")
	overrideString(&cfg.Engine.Language, "LOQA_TTS_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.Format, "LOQA_TTS_ENGINE_FORMAT")
	overrideInt(&cfg.Engine.SampleRate, "LOQA_TTS_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "LOQA_TTS_ENGINE_CHANNELS")
	overrideFloat(&cfg.Engine.Speed, "LOQA_TTS_ENGINE_SPEED")
	overrideInt(&cfg.Engine.ChunkDurationMS, "LOQA_TTS_ENGINE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Engine.ChunkBytes, "LOQA_TTS_ENGINE_CHUNK_BYTES")
	overrideString(&cfg.Engine.Fallback, "LOQA_TTS_ENGINE_FALLBACK")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_TTS_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.WebSocket.Port <= 0 || cfg.WebSocket.Port > 65535 {
		return errors.New("websocket.port must be between 1 and 65535")
	}
	if cfg.WebSocket.MaxSessionsPerIP <= 0 {
		return errors.New("websocket.max_sessions_per_ip must be positive")
	}
	if cfg.WebSocket.SessionTimeoutSec <= 0 {
		return errors.New("websocket.session_timeout_sec must be positive")
	}
	if cfg.WebSocket.ReapIntervalSec <= 0 {
		return errors.New("websocket.reap_interval_sec must be positive")
	}
	if cfg.Queue.MaxSize <= 0 {
		return errors.New("queue.max_size must be positive")
	}
	if cfg.Queue.MaxTaskAgeSec <= 0 {
		return errors.New("queue.max_task_age_sec must be positive")
	}
	if cfg.Queue.SweepIntervalSec <= 0 {
		return errors.New("queue.sweep_interval_sec must be positive")
	}
	if cfg.Queue.SynthesisTimeoutMS <= 0 {
		return errors.New("queue.synthesis_timeout_ms must be positive")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Fallback {
	case "", "mock", "exec":
	default:
		return errors.New("engine.fallback must be one of mock|exec or empty")
	}
	if cfg.Engine.Fallback == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when fallback=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.ChunkBytes <= 0 {
		return errors.New("engine.chunk_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
