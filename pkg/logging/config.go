package logging

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the slog handler constructed by New. It lives in
// its own YAML file (the log_config path named in the main config), kept
// separate from the JSON config.json contract per spec section 6.
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // used when output is "file"
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// DefaultLoggingConfig returns the configuration used when no log_config
// file is present.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

// LoadConfig reads a YAML logger configuration from path. A missing file is
// not an error: LoadConfig then returns DefaultLoggingConfig.
func LoadConfig(path string) (*LoggingConfig, error) {
	cfg := DefaultLoggingConfig()

	// #nosec G304 - path comes from the main config's log_config field
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse log config YAML: %w", err)
	}

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}

	return cfg, nil
}
