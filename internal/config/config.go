package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks fatal configuration problems. Nothing starts once Load
// returns an error wrapping it.
var ErrInvalid = errors.New("invalid configuration")

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type PipelineConfig struct {
	ChunkChars           int `yaml:"chunk_chars"`
	AttributionAttempts  int `yaml:"attribution_attempts"`
	SynthesisAttempts    int `yaml:"synthesis_attempts"`
	SynthesisConcurrency int `yaml:"synthesis_concurrency"`
	PacingMS             int `yaml:"pacing_ms"`
}

type LLMConfig struct {
	Provider        string  `yaml:"provider"` // mock, ollama, openai
	Model           string  `yaml:"model"`
	Endpoint        string  `yaml:"endpoint"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TimeoutMS       int     `yaml:"timeout_ms"`
}

type EngineConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
	SynthTimeoutMS int    `yaml:"synth_timeout_ms"`
}

type VoicesConfig struct {
	MappingPath     string `yaml:"mapping_path"`
	NarrationLabel  string `yaml:"narration_label"`
	NarrationStyle  int    `yaml:"narration_style_id"`
	Pool            []int  `yaml:"pool"`
	OnPoolExhausted string `yaml:"on_pool_exhausted"` // reuse, fail
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type Config struct {
	ProjectName string          `yaml:"project_name"`
	Environment string          `yaml:"environment"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	LLM         LLMConfig       `yaml:"llm"`
	Engine      EngineConfig    `yaml:"engine"`
	Voices      VoicesConfig    `yaml:"voices"`
	Output      OutputConfig    `yaml:"output"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		ProjectName: "kotovox",
		Environment: "development",
		Pipeline: PipelineConfig{
			ChunkChars:           4000,
			AttributionAttempts:  3,
			SynthesisAttempts:    4,
			SynthesisConcurrency: 1,
			PacingMS:             50,
		},
		LLM: LLMConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			MaxOutputTokens: 1500,
			Temperature:     0.2,
			TimeoutMS:       120000,
		},
		Engine: EngineConfig{
			Host:           "127.0.0.1",
			Port:           50021,
			QueryTimeoutMS: 60000,
			SynthTimeoutMS: 120000,
		},
		Voices: VoicesConfig{
			MappingPath:     "config/voice_assignments.yaml",
			NarrationLabel:  "ナレーション",
			NarrationStyle:  3,
			Pool:            []int{2, 8, 10, 9, 11, 13, 14, 16, 20, 21, 23},
			OnPoolExhausted: "reuse",
		},
		Output: OutputConfig{
			Dir: "output",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "kotovox.progress",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("%w: config file not found: %v", ErrInvalid, err)
			}
			return cfg, fmt.Errorf("%w: failed to read config file: %v", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: failed to parse config file: %v", ErrInvalid, err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ProjectName, "KOTOVOX_PROJECT_NAME")
	overrideString(&cfg.Environment, "KOTOVOX_ENVIRONMENT")
	overrideInt(&cfg.Pipeline.ChunkChars, "KOTOVOX_PIPELINE_CHUNK_CHARS")
	overrideInt(&cfg.Pipeline.AttributionAttempts, "KOTOVOX_PIPELINE_ATTRIBUTION_ATTEMPTS")
	overrideInt(&cfg.Pipeline.SynthesisAttempts, "KOTOVOX_PIPELINE_SYNTHESIS_ATTEMPTS")
	overrideInt(&cfg.Pipeline.SynthesisConcurrency, "KOTOVOX_PIPELINE_SYNTHESIS_CONCURRENCY")
	overrideInt(&cfg.Pipeline.PacingMS, "KOTOVOX_PIPELINE_PACING_MS")
	overrideString(&cfg.LLM.Provider, "KOTOVOX_LLM_PROVIDER")
	overrideString(&cfg.LLM.Model, "KOTOVOX_LLM_MODEL")
	overrideString(&cfg.LLM.Endpoint, "KOTOVOX_LLM_ENDPOINT")
	overrideInt(&cfg.LLM.MaxOutputTokens, "KOTOVOX_LLM_MAX_OUTPUT_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "KOTOVOX_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "KOTOVOX_LLM_TIMEOUT_MS")
	overrideString(&cfg.Engine.Host, "KOTOVOX_ENGINE_HOST")
	overrideInt(&cfg.Engine.Port, "KOTOVOX_ENGINE_PORT")
	overrideInt(&cfg.Engine.QueryTimeoutMS, "KOTOVOX_ENGINE_QUERY_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SynthTimeoutMS, "KOTOVOX_ENGINE_SYNTH_TIMEOUT_MS")
	overrideString(&cfg.Voices.MappingPath, "KOTOVOX_VOICES_MAPPING_PATH")
	overrideString(&cfg.Voices.NarrationLabel, "KOTOVOX_VOICES_NARRATION_LABEL")
	overrideInt(&cfg.Voices.NarrationStyle, "KOTOVOX_VOICES_NARRATION_STYLE_ID")
	overrideIntSlice(&cfg.Voices.Pool, "KOTOVOX_VOICES_POOL")
	overrideString(&cfg.Voices.OnPoolExhausted, "KOTOVOX_VOICES_ON_POOL_EXHAUSTED")
	overrideString(&cfg.Output.Dir, "KOTOVOX_OUTPUT_DIR")
	overrideString(&cfg.Telemetry.LogLevel, "KOTOVOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KOTOVOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KOTOVOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KOTOVOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "KOTOVOX_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "KOTOVOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KOTOVOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KOTOVOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KOTOVOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KOTOVOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KOTOVOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "KOTOVOX_BUS_SUBJECT_PREFIX")
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

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var parsed []int
		for _, p := range strings.Split(value, ",") {
			s := strings.TrimSpace(p)
			if s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ProjectName == "" {
		return fmt.Errorf("%w: project_name must not be empty", ErrInvalid)
	}
	if cfg.Pipeline.ChunkChars <= 0 {
		return fmt.Errorf("%w: pipeline.chunk_chars must be positive", ErrInvalid)
	}
	if cfg.Pipeline.AttributionAttempts <= 0 {
		return fmt.Errorf("%w: pipeline.attribution_attempts must be >= 1", ErrInvalid)
	}
	if cfg.Pipeline.SynthesisAttempts <= 0 {
		return fmt.Errorf("%w: pipeline.synthesis_attempts must be >= 1", ErrInvalid)
	}
	if cfg.Pipeline.SynthesisConcurrency <= 0 {
		return fmt.Errorf("%w: pipeline.synthesis_concurrency must be >= 1", ErrInvalid)
	}
	switch cfg.LLM.Provider {
	case "mock", "ollama", "openai":
	default:
		return fmt.Errorf("%w: llm.provider must be one of mock|ollama|openai", ErrInvalid)
	}
	if cfg.LLM.Provider == "ollama" && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("%w: llm.endpoint must be set when provider=ollama", ErrInvalid)
	}
	if cfg.LLM.Model == "" {
		return fmt.Errorf("%w: llm.model must not be empty", ErrInvalid)
	}
	if cfg.LLM.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: llm.max_output_tokens must be >= 0", ErrInvalid)
	}
	if cfg.Engine.Host == "" {
		return fmt.Errorf("%w: engine.host must not be empty", ErrInvalid)
	}
	if cfg.Engine.Port <= 0 || cfg.Engine.Port > 65535 {
		return fmt.Errorf("%w: engine.port must be between 1 and 65535", ErrInvalid)
	}
	if cfg.Voices.NarrationLabel == "" {
		return fmt.Errorf("%w: voices.narration_label must not be empty", ErrInvalid)
	}
	if cfg.Voices.NarrationStyle < 0 {
		return fmt.Errorf("%w: voices.narration_style_id must be >= 0", ErrInvalid)
	}
	if len(cfg.Voices.Pool) == 0 {
		return fmt.Errorf("%w: voices.pool must not be empty", ErrInvalid)
	}
	switch cfg.Voices.OnPoolExhausted {
	case "reuse", "fail":
	default:
		return fmt.Errorf("%w: voices.on_pool_exhausted must be one of reuse|fail", ErrInvalid)
	}
	if cfg.Output.Dir == "" {
		return fmt.Errorf("%w: output.dir must not be empty", ErrInvalid)
	}
	if cfg.Bus.Enabled && len(cfg.Bus.Servers) == 0 {
		return fmt.Errorf("%w: bus.servers must not be empty when bus is enabled", ErrInvalid)
	}
	return nil
}
