package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SamplingConfig is the caller-facing generation surface.
type SamplingConfig struct {
	Mode              string  `yaml:"generation_mode"`
	MaxNewTokens      int     `yaml:"max_new_tokens"`
	TopP              float64 `yaml:"top_p"`
	Temperature       float64 `yaml:"temperature"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	RepetitionLastN   int     `yaml:"repetition_last_n"`
	// PromptMode is carried for prompt templating in the caller; the engine ignores it.
	PromptMode string `yaml:"prompt_mode"`
}

type Config struct {
	ModelPath   string `yaml:"model_path"`
	Seed        int64  `yaml:"seed"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	TraceAddr   string `yaml:"trace_addr"`

	Sampling SamplingConfig `yaml:"sampling"`
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be text or json)", c.LogFormat)
	}
	return c.Sampling.Validate()
}

// Validate checks value ranges. The generation mode name is resolved by the engine.
func (s *SamplingConfig) Validate() error {
	if s.Mode == "" {
		return fmt.Errorf("invalid generation_mode: empty")
	}
	if s.MaxNewTokens <= 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be positive)", s.MaxNewTokens)
	}
	for name, v := range map[string]float64{
		"top_p":              s.TopP,
		"temperature":        s.Temperature,
		"repetition_penalty": s.RepetitionPenalty,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("invalid %s: %v (must be finite)", name, v)
		}
	}
	if s.TopP <= 0 || s.TopP > 1 {
		return fmt.Errorf("invalid top_p: %v (must be in (0, 1])", s.TopP)
	}
	if s.Temperature <= 0 {
		return fmt.Errorf("invalid temperature: %v (must be positive)", s.Temperature)
	}
	if s.RepetitionPenalty < 1 {
		return fmt.Errorf("invalid repetition_penalty: %v (must be >= 1)", s.RepetitionPenalty)
	}
	if s.RepetitionLastN <= 0 {
		return fmt.Errorf("invalid repetition_last_n: %d (must be positive)", s.RepetitionLastN)
	}
	return nil
}

func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Mode:              "greedy",
		MaxNewTokens:      2048,
		TopP:              1.0,
		Temperature:       1.0,
		RepetitionPenalty: 1.0,
		RepetitionLastN:   64,
		PromptMode:        "prompted",
	}
}

func Default() Config {
	return Config{
		Seed:      42,
		LogLevel:  "info",
		LogFormat: "text",
		Sampling:  DefaultSampling(),
	}
}

// Load reads a YAML file over Default. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
