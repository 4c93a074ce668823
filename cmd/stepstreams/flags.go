package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360/stepstreams/config"
)

// globalFlags holds the persistent flags shared by every command
type globalFlags struct {
	configPaths []string
	logLevel    string
	logFormat   string
}

func (f *globalFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringSliceVarP(&f.configPaths, "config", "c",
		splitList(getEnv("STEPSTREAMS_CONFIG", "")),
		"Configuration files, later files override earlier ones (env: STEPSTREAMS_CONFIG)")

	// Empty means the configured service.log_level, which already honors
	// STEPSTREAMS_LOG_LEVEL
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&f.logFormat, "log-format", "",
		"Log format: json, text")
}

func (f *globalFlags) validate() error {
	if len(f.configPaths) == 0 {
		return fmt.Errorf("no configuration file given: use --config or STEPSTREAMS_CONFIG")
	}
	for _, path := range f.configPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if f.logLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, f.logLevel) {
		return fmt.Errorf("invalid log level: %s", f.logLevel)
	}
	if f.logFormat != "" && !slices.Contains([]string{"json", "text"}, f.logFormat) {
		return fmt.Errorf("invalid log format: %s", f.logFormat)
	}
	return nil
}

// load reads the configuration layers and applies the log flags
func (f *globalFlags) load() (*config.Config, error) {
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	loader := config.NewLoader()
	for _, path := range f.configPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Service.LogFormat = f.logFormat
	}
	return cfg, nil
}

// logger builds the process logger for cfg and installs it as the default
func (f *globalFlags) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := setupLogger(w, cfg.Service.LogLevel, cfg.Service.LogFormat).With("service", cfg.Service.Name)
	slog.SetDefault(logger)
	return logger
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
