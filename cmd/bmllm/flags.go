package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bmllm/internal/config"
	"github.com/23skdu/longbow-bmllm/internal/device"
	"github.com/23skdu/longbow-bmllm/internal/logger"
)

var (
	configPath string
	modelPath  string
	logLevel   string
	logFormat  string
	debug      bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to YAML config file",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to GGUF model file (overrides model_path)",
			Destination: &modelPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (text, json)",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// loadConfig reads --config over the defaults and applies the flag overrides
// shared by every command, then configures the global logger.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}
	if modelPath != "" {
		cfg.ModelPath = modelPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// loadRuntime reads a host model file and binds its sub-graphs.
func loadRuntime(path string) (*device.HostModel, *device.HostRuntime, error) {
	if path == "" {
		return nil, nil, fmt.Errorf("no model: pass --model or set model_path")
	}
	m, err := device.LoadHostModel(path)
	if err != nil {
		return nil, nil, err
	}
	rt, err := m.Runtime()
	if err != nil {
		return nil, nil, err
	}
	return m, rt, nil
}

// parseTokens parses a comma or space separated list of token ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatTokens(toks []int) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, " ")
}
