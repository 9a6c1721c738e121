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
	StdoutTraces bool   `yaml:"stdout_traces"`
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
	Registry    RegistryConfig   `yaml:"registry"`
	Correction  CorrectionConfig `yaml:"correction"`
	Corrector   CorrectorConfig  `yaml:"corrector"`
	Sequencer   SequencerConfig  `yaml:"sequencer"`
	TTS         TTSConfig        `yaml:"tts"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Input       InputConfig      `yaml:"input"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// RegistryConfig controls tool health tracking. Tools announced over the bus
// are marked unhealthy once no heartbeat arrives within HeartbeatTimeout.
type RegistryConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type CorrectionConfig struct {
	Tool          string `yaml:"tool"`
	Transport     string `yaml:"transport"` // inproc, mcp-stdio, mcp-http, nats
	Command       string `yaml:"command"`
	Endpoint      string `yaml:"endpoint"`
	DeadlineMS    int    `yaml:"deadline_ms"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

type CorrectorConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SystemPrompt  string  `yaml:"system_prompt"`
}

type SequencerConfig struct {
	MaxPending int `yaml:"max_pending"`
	MaxSpeakMS int `yaml:"max_speak_ms"`
}

type TTSConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, bus
	Command        string `yaml:"command"`
	Voice          string `yaml:"voice"`
	Target         string `yaml:"target"`
	MockDurationMS int    `yaml:"mock_duration_ms"`
}

type EventStoreConfig struct {
	RetentionMode string `yaml:"retention_mode"` // ephemeral, memory
	MaxEvents     int    `yaml:"max_events"`
}

type InputConfig struct {
	Stdin          bool `yaml:"stdin"`
	RatePerMinute  int  `yaml:"rate_per_minute"`
	MaxCommandSize int  `yaml:"max_command_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-vcc",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Correction: CorrectionConfig{
			Tool:          "correct_command",
			Transport:     "inproc",
			Endpoint:      "http://127.0.0.1:3000/mcp",
			DeadlineMS:    300,
			MaxConcurrent: 4,
		},
		Corrector: CorrectorConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:3b",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "fast",
			MaxTokens:     32,
			Temperature:   0,
		},
		Sequencer: SequencerConfig{
			MaxPending: 16,
			MaxSpeakMS: 15000,
		},
		TTS: TTSConfig{
			Mode:           "mock",
			Voice:          "en-US",
			Target:         "default",
			MockDurationMS: 50,
		},
		EventStore: EventStoreConfig{
			RetentionMode: "memory",
			MaxEvents:     1000,
		},
		Input: InputConfig{
			Stdin:          false,
			RatePerMinute:  600,
			MaxCommandSize: 4096,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadToolHost reads the same file as Load but only validates the sections a
// standalone tool host uses.
func LoadToolHost(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := ValidateCorrector(cfg.Corrector); err != nil {
		return cfg, err
	}
	if cfg.Correction.Tool == "" {
		return cfg, errors.New("correction.tool must not be empty")
	}
	if cfg.Registry.HeartbeatInterval <= 0 {
		return cfg, errors.New("registry.heartbeat_interval_ms must be positive")
	}
	return cfg, nil
}

func read(path string) (Config, error) {
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VCC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VCC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VCC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VCC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VCC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VCC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VCC_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VCC_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VCC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VCC_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "VCC_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "VCC_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VCC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VCC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VCC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VCC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VCC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VCC_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Registry.HeartbeatInterval, "VCC_REGISTRY_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Registry.HeartbeatTimeout, "VCC_REGISTRY_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Correction.Tool, "VCC_CORRECTION_TOOL")
	overrideString(&cfg.Correction.Transport, "VCC_CORRECTION_TRANSPORT")
	overrideString(&cfg.Correction.Command, "VCC_CORRECTION_COMMAND")
	overrideString(&cfg.Correction.Endpoint, "VCC_CORRECTION_ENDPOINT")
	overrideInt(&cfg.Correction.DeadlineMS, "VCC_CORRECTION_DEADLINE_MS")
	overrideInt(&cfg.Correction.MaxConcurrent, "VCC_CORRECTION_MAX_CONCURRENT")
	overrideString(&cfg.Corrector.Mode, "VCC_CORRECTOR_MODE")
	overrideString(&cfg.Corrector.Endpoint, "VCC_CORRECTOR_ENDPOINT")
	overrideString(&cfg.Corrector.Command, "VCC_CORRECTOR_COMMAND")
	overrideString(&cfg.Corrector.APIKey, "VCC_CORRECTOR_API_KEY")
	overrideString(&cfg.Corrector.ModelFast, "VCC_CORRECTOR_MODEL_FAST")
	overrideString(&cfg.Corrector.ModelBalanced, "VCC_CORRECTOR_MODEL_BALANCED")
	overrideString(&cfg.Corrector.DefaultTier, "VCC_CORRECTOR_DEFAULT_TIER")
	overrideInt(&cfg.Corrector.MaxTokens, "VCC_CORRECTOR_MAX_TOKENS")
	overrideFloat(&cfg.Corrector.Temperature, "VCC_CORRECTOR_TEMPERATURE")
	overrideString(&cfg.Corrector.SystemPrompt, "VCC_CORRECTOR_SYSTEM_PROMPT")
	overrideInt(&cfg.Sequencer.MaxPending, "VCC_SEQUENCER_MAX_PENDING")
	overrideInt(&cfg.Sequencer.MaxSpeakMS, "VCC_SEQUENCER_MAX_SPEAK_MS")
	overrideString(&cfg.TTS.Mode, "VCC_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VCC_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "VCC_TTS_VOICE")
	overrideString(&cfg.TTS.Target, "VCC_TTS_TARGET")
	overrideInt(&cfg.TTS.MockDurationMS, "VCC_TTS_MOCK_DURATION_MS")
	overrideString(&cfg.EventStore.RetentionMode, "VCC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.MaxEvents, "VCC_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.Input.Stdin, "VCC_INPUT_STDIN")
	overrideInt(&cfg.Input.RatePerMinute, "VCC_INPUT_RATE_PER_MINUTE")
	overrideInt(&cfg.Input.MaxCommandSize, "VCC_INPUT_MAX_COMMAND_BYTES")
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

// NeedsBus reports whether any configured component talks over NATS.
func (c Config) NeedsBus() bool {
	return c.Bus.Enabled || c.Correction.Transport == "nats" || c.TTS.Mode == "bus"
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.NeedsBus() {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Registry.HeartbeatInterval <= 0 {
		return errors.New("registry.heartbeat_interval_ms must be positive")
	}
	if cfg.Registry.HeartbeatTimeout <= cfg.Registry.HeartbeatInterval {
		return errors.New("registry.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Correction.Tool == "" {
		return errors.New("correction.tool must not be empty")
	}
	switch cfg.Correction.Transport {
	case "inproc", "nats":
	case "mcp-stdio":
		if cfg.Correction.Command == "" {
			return errors.New("correction.command must be set when transport=mcp-stdio")
		}
	case "mcp-http":
		if cfg.Correction.Endpoint == "" {
			return errors.New("correction.endpoint must be set when transport=mcp-http")
		}
	default:
		return errors.New("correction.transport must be one of inproc|mcp-stdio|mcp-http|nats")
	}
	if cfg.Correction.DeadlineMS <= 0 {
		return errors.New("correction.deadline_ms must be positive")
	}
	if cfg.Correction.MaxConcurrent <= 0 {
		return errors.New("correction.max_concurrent must be >= 1")
	}
	if err := ValidateCorrector(cfg.Corrector); err != nil {
		return err
	}
	if cfg.Sequencer.MaxPending <= 0 {
		return errors.New("sequencer.max_pending must be >= 1")
	}
	if cfg.Sequencer.MaxSpeakMS <= 0 {
		return errors.New("sequencer.max_speak_ms must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "bus":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|bus")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "memory":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|memory")
	}
	if cfg.EventStore.MaxEvents < 0 {
		return errors.New("event_store.max_events must be >= 0")
	}
	if cfg.Input.MaxCommandSize <= 0 {
		return errors.New("input.max_command_bytes must be positive")
	}
	return nil
}

// ValidateCorrector checks the model backend settings.
func ValidateCorrector(cfg CorrectorConfig) error {
	switch cfg.Mode {
	case "mock":
	case "ollama":
		if cfg.Endpoint == "" {
			return errors.New("corrector.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Command == "" {
			return errors.New("corrector.command must be set when mode=exec")
		}
	case "openai":
		if cfg.APIKey == "" && cfg.Endpoint == "" {
			return errors.New("corrector.api_key or corrector.endpoint must be set when mode=openai")
		}
	default:
		return errors.New("corrector.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("corrector.max_tokens must be >= 0")
	}
	return nil
}
