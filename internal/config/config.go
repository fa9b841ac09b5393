// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for diceware-go. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags). All keys live at the top level of the file.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// The embedded sections share one flat key namespace.
type Config struct {
	ServerConfig
	AuthConfig
	SyncConfig
	LoggingConfig
	NetworkConfig

	// Source is the config file the values were read from, or empty when
	// only defaults applied.
	Source string `toml:"-" json:"-"`
}

// ServerConfig locates the Diceware service.
type ServerConfig struct {
	ServerURL string `toml:"server_url" json:"server_url"`
	UserAgent string `toml:"user_agent" json:"user_agent"`
}

// AuthConfig describes the OAuth client used to sign in and where the
// resulting token is kept.
type AuthConfig struct {
	ClientID     string   `toml:"client_id" json:"client_id"`
	ClientSecret string   `toml:"client_secret" json:"-"`
	AuthURL      string   `toml:"auth_url" json:"auth_url"`
	TokenURL     string   `toml:"token_url" json:"token_url"`
	Scopes       []string `toml:"scopes" json:"scopes"`
	TokenFile    string   `toml:"token_file" json:"token_file"`
}

// SyncConfig controls the collection controller and its operation journal.
type SyncConfig struct {
	SerializeMutations bool   `toml:"serialize_mutations" json:"serialize_mutations"`
	Journal            bool   `toml:"journal" json:"journal"`
	JournalPath        string `toml:"journal_path" json:"journal_path"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// NetworkConfig controls HTTP client timeouts.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout" json:"request_timeout"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath         string  // --config flag (empty = use default)
	ServerURL          *string // --server flag
	TokenFile          *string // --token-file flag
	SerializeMutations *bool   // --serialize flag
}

// ConnectTimeoutDuration returns connect_timeout as a duration. Call only
// on a validated Config; an unparsable value yields the default.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return parseDurationOr(c.ConnectTimeout, defaultConnectTimeout)
}

// RequestTimeoutDuration returns request_timeout as a duration, with the
// same fallback rule as ConnectTimeoutDuration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(c.RequestTimeout, defaultRequestTimeout)
}

func parseDurationOr(value, fallback string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
