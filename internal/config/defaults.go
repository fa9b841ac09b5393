package config

import "golang.org/x/oauth2/google"

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultServerURL      = "http://localhost:8080/"
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultConnectTimeout = "10s"
	defaultRequestTimeout = "30s"
	defaultTokenFileName  = "token.json"
	defaultJournalName    = "journal.db"
)

// defaultScopes are requested when the config file names none. The openid
// scope makes the provider return an ID token.
var defaultScopes = []string{"openid", "email", "profile"}

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (so unset fields keep their
// defaults) and the result when no config file exists. Path defaults are
// filled in later by Resolve, because they depend on the environment.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig:  defaultServerConfig(),
		AuthConfig:    defaultAuthConfig(),
		LoggingConfig: defaultLoggingConfig(),
		NetworkConfig: defaultNetworkConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		ServerURL: defaultServerURL,
	}
}

func defaultAuthConfig() AuthConfig {
	return AuthConfig{
		AuthURL:  google.Endpoint.AuthURL,
		TokenURL: google.Endpoint.TokenURL,
		Scopes:   append([]string(nil), defaultScopes...),
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		RequestTimeout: defaultRequestTimeout,
	}
}
