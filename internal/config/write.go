package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// configFilePermissions is owner read/write only: the file may hold a
// client secret.
const configFilePermissions = 0o600

// configDirPermissions is the permission mode for the config directory.
const configDirPermissions = 0o700

// ErrConfigExists is returned by CreateDefaultConfig when the file is
// already present.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is the config file written by "config init". Every
// setting is present as a commented-out default so users can discover
// them without reading docs.
const configTemplate = `# diceware-go configuration

# Diceware service base URL
# server_url = "http://localhost:8080/"

# OAuth client registered with the identity provider (required for login)
# client_id = ""
# client_secret = ""
# auth_url = "https://accounts.google.com/o/oauth2/auth"
# token_url = "https://oauth2.googleapis.com/token"
# scopes = ["openid", "email", "profile"]

# Where the OAuth token is stored (default: platform data directory)
# token_file = ""

# Run one create/update/delete at a time, each followed by its refresh
# serialize_mutations = false

# Record every remote operation in a local SQLite journal ("history")
# journal = false
# journal_path = ""

# Log verbosity: debug, info, warn, error
# log_level = "info"

# Log format: auto (text on a terminal, JSON otherwise), text, json
# log_format = "auto"

# HTTP timeouts
# connect_timeout = "10s"
# request_timeout = "30s"
`

// CreateDefaultConfig writes the commented template to path. It refuses to
// overwrite an existing file.
func CreateDefaultConfig(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	logger.Info("creating config file", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// SetKey sets a top-level key in the config file at path, creating the file
// from the template when it does not exist. An existing assignment (even a
// commented-out default) is replaced in place; otherwise the line is
// appended. The result is validated before it is written.
func SetKey(path, key, value string, logger *slog.Logger) error {
	if !IsKnownKey(key) {
		return unknownKeyError(key)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data = []byte(configTemplate)
	} else if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	newLine := fmt.Sprintf("%s = %s", key, formatTOMLValue(key, value))
	lines := setKeyLine(strings.Split(string(data), "\n"), key, newLine)
	out := []byte(strings.Join(lines, "\n"))

	if err := validateContent(out); err != nil {
		return err
	}

	logger.Info("setting config key",
		slog.String("path", path),
		slog.String("key", key),
	)

	return atomicWriteFile(path, out)
}

// setKeyLine replaces the first active assignment of key, else the first
// commented-out assignment, else appends newLine.
func setKeyLine(lines []string, key, newLine string) []string {
	commented := -1

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if lineAssigns(trimmed, key) {
			lines[i] = newLine
			return lines
		}

		if commented < 0 && strings.HasPrefix(trimmed, "#") &&
			lineAssigns(strings.TrimSpace(strings.TrimPrefix(trimmed, "#")), key) {
			commented = i
		}
	}

	if commented >= 0 {
		lines[commented] = newLine
		return lines
	}

	// Keep a trailing newline at the end of the file.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		return append(lines[:n-1], newLine, "")
	}

	return append(lines, newLine)
}

// lineAssigns reports whether a trimmed line assigns key.
func lineAssigns(trimmed, key string) bool {
	rest, ok := strings.CutPrefix(trimmed, key)
	if !ok {
		return false
	}

	return strings.HasPrefix(strings.TrimSpace(rest), "=")
}

// boolKeys and listKeys are the keys whose TOML type is not a string.
var (
	boolKeys = map[string]bool{"serialize_mutations": true, "journal": true}
	listKeys = map[string]bool{"scopes": true}
)

// formatTOMLValue renders a CLI-supplied value for key as TOML: booleans
// bare, list keys as arrays split on commas, everything else quoted.
func formatTOMLValue(key, value string) string {
	switch {
	case boolKeys[key]:
		return value
	case listKeys[key]:
		parts := strings.Split(value, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}

		return "[" + joinQuoted(parts) + "]"
	default:
		return strconv.Quote(value)
	}
}

// validateContent decodes data as a config file and validates it.
func validateContent(data []byte) error {
	cfg := DefaultConfig()

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("parsing updated config: %w", err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return err
	}

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it over path.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
