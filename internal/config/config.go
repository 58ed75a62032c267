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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
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

// StoreConfig controls the conversation log.
type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxMessages   int    `yaml:"max_messages"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture device. Frames are always 16 kHz mono.
type AudioConfig struct {
	Device     string `yaml:"device"` // exec, wav, mock
	Command    string `yaml:"command"`
	File       string `yaml:"file"`
	Realtime   bool   `yaml:"realtime"`
	SampleRate int    `yaml:"sample_rate"`
	BufferMS   int    `yaml:"buffer_ms"`
}

type EndpointConfig struct {
	Rule1MinTrailingSilenceMS int `yaml:"rule1_min_trailing_silence_ms"`
	Rule2MinTrailingSilenceMS int `yaml:"rule2_min_trailing_silence_ms"`
	Rule3MinUtteranceMS       int `yaml:"rule3_min_utterance_ms"`
}

type STTConfig struct {
	Mode            string         `yaml:"mode"` // mock, exec
	Command         string         `yaml:"command"`
	ModelPath       string         `yaml:"model_path"`
	NumThreads      int            `yaml:"num_threads"`
	SampleRate      int            `yaml:"sample_rate"`
	EnergyThreshold float64        `yaml:"energy_threshold"`
	DumpDir         string         `yaml:"dump_dir"`
	Endpoint        EndpointConfig `yaml:"endpoint"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, openai, exec, wasm
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	ModelPath    string  `yaml:"model_path"`
	APIKey       string  `yaml:"api_key"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PipelineConfig struct {
	ContextMessages     int  `yaml:"context_messages"`
	GenerationTimeoutMS int  `yaml:"generation_timeout_ms"`
	AutoInit            bool `yaml:"auto_init"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicechat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/conversation.db",
			RetentionMode: "persistent",
			RetentionDays: 0,
			MaxMessages:   10000,
		},
		Audio: AudioConfig{
			Device:     "exec",
			Command:    "arecord -q -f S16_LE -r 16000 -c 1 -t raw",
			Realtime:   true,
			SampleRate: 16000,
			BufferMS:   100,
		},
		STT: STTConfig{
			Mode:            "mock",
			NumThreads:      2,
			SampleRate:      16000,
			EnergyThreshold: 0.01,
			Endpoint: EndpointConfig{
				Rule1MinTrailingSilenceMS: 2400,
				Rule2MinTrailingSilenceMS: 1200,
				Rule3MinUtteranceMS:       20000,
			},
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Enabled:         false,
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Pipeline: PipelineConfig{
			ContextMessages:     10,
			GenerationTimeoutMS: 120000,
			AutoInit:            true,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "LOQA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "LOQA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "LOQA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxMessages, "LOQA_STORE_MAX_MESSAGES")
	overrideBool(&cfg.Store.VacuumOnStart, "LOQA_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.BufferMS, "LOQA_AUDIO_BUFFER_MS")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideInt(&cfg.STT.NumThreads, "LOQA_STT_NUM_THREADS")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideFloat(&cfg.STT.EnergyThreshold, "LOQA_STT_ENERGY_THRESHOLD")
	overrideString(&cfg.STT.DumpDir, "LOQA_STT_DUMP_DIR")
	overrideInt(&cfg.STT.Endpoint.Rule1MinTrailingSilenceMS, "LOQA_STT_ENDPOINT_RULE1_MS")
	overrideInt(&cfg.STT.Endpoint.Rule2MinTrailingSilenceMS, "LOQA_STT_ENDPOINT_RULE2_MS")
	overrideInt(&cfg.STT.Endpoint.Rule3MinUtteranceMS, "LOQA_STT_ENDPOINT_RULE3_MS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.ModelPath, "LOQA_LLM_MODEL_PATH")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.SystemPrompt, "LOQA_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideInt(&cfg.Pipeline.ContextMessages, "LOQA_PIPELINE_CONTEXT_MESSAGES")
	overrideInt(&cfg.Pipeline.GenerationTimeoutMS, "LOQA_PIPELINE_GENERATION_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.AutoInit, "LOQA_PIPELINE_AUTO_INIT")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.Audio.Device {
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when device=exec")
		}
	case "wav":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when device=wav")
		}
	case "mock":
	default:
		return errors.New("audio.device must be one of exec|wav|mock")
	}
	if cfg.Audio.SampleRate != 16000 {
		return errors.New("audio.sample_rate must be 16000")
	}
	if cfg.Audio.BufferMS <= 0 {
		return errors.New("audio.buffer_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.EnergyThreshold < 0 || cfg.STT.EnergyThreshold > 1 {
		return errors.New("stt.energy_threshold must be within [0, 1]")
	}
	ep := cfg.STT.Endpoint
	if ep.Rule1MinTrailingSilenceMS <= 0 || ep.Rule2MinTrailingSilenceMS <= 0 || ep.Rule3MinUtteranceMS <= 0 {
		return errors.New("stt.endpoint thresholds must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama", "openai":
		if cfg.LLM.Endpoint == "" {
			return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
		}
		if cfg.LLM.Model == "" {
			return fmt.Errorf("llm.model must be set when mode=%s", cfg.LLM.Mode)
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	case "wasm":
		if cfg.LLM.ModelPath == "" {
			return errors.New("llm.model_path must be set when mode=wasm")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|openai|exec|wasm")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Pipeline.ContextMessages < 0 {
		return errors.New("pipeline.context_messages must be >= 0")
	}
	if cfg.Pipeline.GenerationTimeoutMS <= 0 {
		return errors.New("pipeline.generation_timeout_ms must be positive")
	}
	return nil
}
