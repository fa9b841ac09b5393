package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg.Source = path

	logger.Debug("config file loaded",
		slog.String("path", path),
		slog.Int("keys", len(md.Keys())),
	)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values, so the tool works without a
// config file.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", slog.String("path", path))
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. The
// returned Config has every path default filled in and is validated.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Config, error) {
	// 1. Config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. File layer (defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	// 3. Environment layer
	if env.ServerURL != "" {
		cfg.ServerURL = env.ServerURL
	}

	if env.TokenFile != "" {
		cfg.TokenFile = env.TokenFile
	}

	// 4. CLI layer (pointer fields: nil = not specified)
	if cli.ServerURL != nil {
		cfg.ServerURL = *cli.ServerURL
	}

	if cli.TokenFile != nil {
		cfg.TokenFile = *cli.TokenFile
	}

	if cli.SerializeMutations != nil {
		cfg.SerializeMutations = *cli.SerializeMutations
	}

	// 5. Environment-dependent defaults
	if cfg.TokenFile == "" {
		cfg.TokenFile = DefaultTokenPath()
	}

	if cfg.JournalPath == "" {
		cfg.JournalPath = DefaultJournalPath()
	}

	cfg.TokenFile = expandTilde(cfg.TokenFile)
	cfg.JournalPath = expandTilde(cfg.JournalPath)

	// 6. Re-validate: env and CLI values bypassed the file-level check.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	if err := ValidateResolved(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	logger.Debug("config resolved",
		slog.String("source", cfg.Source),
		slog.String("server_url", cfg.ServerURL),
		slog.String("token_file", cfg.TokenFile),
	)

	return cfg, nil
}
