package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minConnectTimeout = 1 * time.Second
	minRequestTimeout = 5 * time.Second
)

// Validate checks all configuration values and returns every error found,
// so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.ServerConfig)...)
	errs = append(errs, validateAuth(&cfg.AuthConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after the
// override chain has filled in every default.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.TokenFile == "" {
		errs = append(errs, errors.New("token_file: no default location available, set it explicitly"))
	} else if !filepath.IsAbs(cfg.TokenFile) {
		errs = append(errs, fmt.Errorf("token_file: must be absolute after expansion, got %q", cfg.TokenFile))
	}

	if cfg.Journal && !filepath.IsAbs(cfg.JournalPath) {
		errs = append(errs, fmt.Errorf("journal_path: must be absolute after expansion, got %q", cfg.JournalPath))
	}

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	if err := validateHTTPURL("server_url", s.ServerURL); err != nil {
		return []error{err}
	}

	return nil
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	if err := validateHTTPURL("auth_url", a.AuthURL); err != nil {
		errs = append(errs, err)
	}

	if err := validateHTTPURL("token_url", a.TokenURL); err != nil {
		errs = append(errs, err)
	}

	if len(a.Scopes) == 0 {
		errs = append(errs, errors.New("scopes: must list at least one scope"))
	}

	for _, s := range a.Scopes {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t") {
			errs = append(errs, fmt.Errorf("scopes: invalid scope %q", s))
		}
	}

	return errs
}

func validateHTTPURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute http(s) URL, got %q", field, value)
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}
