package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "DICEWARE_CONFIG"
	EnvServerURL = "DICEWARE_SERVER_URL"
	EnvTokenFile = "DICEWARE_TOKEN_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // DICEWARE_CONFIG: override config file path
	ServerURL  string // DICEWARE_SERVER_URL: Diceware service base URL
	TokenFile  string // DICEWARE_TOKEN_FILE: token file location
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	o := EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		TokenFile:  os.Getenv(EnvTokenFile),
	}

	logger.Debug("read environment overrides",
		slog.String("config_path", o.ConfigPath),
		slog.String("server_url", o.ServerURL),
		slog.String("token_file", o.TokenFile),
	)

	return o
}
