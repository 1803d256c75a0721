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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Surfaces    SurfaceConfig    `yaml:"surfaces"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
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

// SpeechConfig configures the synthesis backend and the streaming pipeline.
type SpeechConfig struct {
	Enabled             bool           `yaml:"enabled"`
	Mode                string         `yaml:"mode"` // mock, exec
	Command             string         `yaml:"command"`
	ModelPath           string         `yaml:"model_path"`
	Voices              []string       `yaml:"voices"`
	DefaultVoice        string         `yaml:"default_voice"`
	Speed               float64        `yaml:"speed"`
	SampleRate          int            `yaml:"sample_rate"`
	Channels            int            `yaml:"channels"`
	Window              int            `yaml:"window"`
	GenerationTimeoutMS int            `yaml:"generation_timeout_ms"`
	Parallel            bool           `yaml:"parallel"`
	Workers             int            `yaml:"workers"`
	CaptureDir          string         `yaml:"capture_dir"`
	Fallback            FallbackConfig `yaml:"fallback"`
}

// FallbackConfig configures the system-voice engine used when the primary
// backend is unavailable.
type FallbackConfig struct {
	Command       string `yaml:"command"`
	VoicesCommand string `yaml:"voices_command"`
}

type PlaybackConfig struct {
	Sink         string `yaml:"sink"` // device, remote, discard
	Target       string `yaml:"target"`
	DoneMarginMS int    `yaml:"done_margin_ms"`
	BufferMS     int    `yaml:"buffer_ms"`
}

type SurfaceConfig struct {
	HeartbeatTimeoutMS int `yaml:"heartbeat_timeout_ms"`
}

type RecognizerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "aloud-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/aloud-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Enabled:             true,
			Mode:                "mock",
			SampleRate:          22050,
			Channels:            1,
			Speed:               1.0,
			Window:              3,
			GenerationTimeoutMS: 30000,
			Workers:             2,
		},
		Playback: PlaybackConfig{
			Sink:         "device",
			Target:       "default",
			DoneMarginMS: 750,
			BufferMS:     100,
		},
		Surfaces: SurfaceConfig{
			HeartbeatTimeoutMS: 6000,
		},
		Recognizer: RecognizerConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
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
	overrideString(&cfg.RuntimeName, "ALOUD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "ALOUD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "ALOUD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "ALOUD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "ALOUD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "ALOUD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "ALOUD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "ALOUD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "ALOUD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "ALOUD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "ALOUD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "ALOUD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "ALOUD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "ALOUD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "ALOUD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "ALOUD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "ALOUD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "ALOUD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "ALOUD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "ALOUD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "ALOUD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "ALOUD_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "ALOUD_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "ALOUD_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "ALOUD_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "ALOUD_SPEECH_MODEL_PATH")
	overrideStringSlice(&cfg.Speech.Voices, "ALOUD_SPEECH_VOICES")
	overrideString(&cfg.Speech.DefaultVoice, "ALOUD_SPEECH_DEFAULT_VOICE")
	overrideFloat(&cfg.Speech.Speed, "ALOUD_SPEECH_SPEED")
	overrideInt(&cfg.Speech.SampleRate, "ALOUD_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "ALOUD_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.Window, "ALOUD_SPEECH_WINDOW")
	overrideInt(&cfg.Speech.GenerationTimeoutMS, "ALOUD_SPEECH_GENERATION_TIMEOUT_MS")
	overrideBool(&cfg.Speech.Parallel, "ALOUD_SPEECH_PARALLEL")
	overrideInt(&cfg.Speech.Workers, "ALOUD_SPEECH_WORKERS")
	overrideString(&cfg.Speech.CaptureDir, "ALOUD_SPEECH_CAPTURE_DIR")
	overrideString(&cfg.Speech.Fallback.Command, "ALOUD_SPEECH_FALLBACK_COMMAND")
	overrideString(&cfg.Speech.Fallback.VoicesCommand, "ALOUD_SPEECH_FALLBACK_VOICES_COMMAND")
	overrideString(&cfg.Playback.Sink, "ALOUD_PLAYBACK_SINK")
	overrideString(&cfg.Playback.Target, "ALOUD_PLAYBACK_TARGET")
	overrideInt(&cfg.Playback.DoneMarginMS, "ALOUD_PLAYBACK_DONE_MARGIN_MS")
	overrideInt(&cfg.Playback.BufferMS, "ALOUD_PLAYBACK_BUFFER_MS")
	overrideInt(&cfg.Surfaces.HeartbeatTimeoutMS, "ALOUD_SURFACES_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Recognizer.Enabled, "ALOUD_RECOGNIZER_ENABLED")
	overrideString(&cfg.Recognizer.Mode, "ALOUD_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.Command, "ALOUD_RECOGNIZER_COMMAND")
	overrideString(&cfg.Recognizer.ModelPath, "ALOUD_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Language, "ALOUD_RECOGNIZER_LANGUAGE")
	overrideInt(&cfg.Recognizer.SampleRate, "ALOUD_RECOGNIZER_SAMPLE_RATE")
	overrideInt(&cfg.Recognizer.Channels, "ALOUD_RECOGNIZER_CHANNELS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.Channels <= 0 {
			return errors.New("speech.channels must be positive")
		}
		if cfg.Speech.Window <= 0 {
			return errors.New("speech.window must be >= 1")
		}
		if cfg.Speech.GenerationTimeoutMS <= 0 {
			return errors.New("speech.generation_timeout_ms must be positive")
		}
		if cfg.Speech.Speed <= 0 {
			return errors.New("speech.speed must be positive")
		}
		if cfg.Speech.Parallel && cfg.Speech.Workers <= 0 {
			return errors.New("speech.workers must be >= 1 when parallel generation is enabled")
		}
	}
	switch cfg.Playback.Sink {
	case "device", "remote", "discard":
	default:
		return errors.New("playback.sink must be one of device|remote|discard")
	}
	if cfg.Playback.Sink == "remote" && cfg.Playback.Target == "" {
		return errors.New("playback.target must be set when sink=remote")
	}
	if cfg.Playback.DoneMarginMS < 0 {
		return errors.New("playback.done_margin_ms must be >= 0")
	}
	if cfg.Surfaces.HeartbeatTimeoutMS <= 0 {
		return errors.New("surfaces.heartbeat_timeout_ms must be positive")
	}
	if cfg.Recognizer.Enabled {
		switch cfg.Recognizer.Mode {
		case "mock", "exec":
		default:
			return errors.New("recognizer.mode must be one of mock|exec")
		}
		if cfg.Recognizer.Mode == "exec" && cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
		if cfg.Recognizer.SampleRate <= 0 {
			return errors.New("recognizer.sample_rate must be positive")
		}
		if cfg.Recognizer.Channels <= 0 {
			return errors.New("recognizer.channels must be positive")
		}
	}
	return nil
}
