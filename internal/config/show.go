package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers "config show". The client secret is never printed.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	if cfg.Source != "" {
		ew.printf("# Effective configuration (file: %s)\n\n", cfg.Source)
	} else {
		ew.printf("# Effective configuration (defaults, no config file)\n\n")
	}

	renderServerSection(ew, &cfg.ServerConfig)
	renderAuthSection(ew, &cfg.AuthConfig)
	renderSyncSection(ew, &cfg.SyncConfig)
	renderLoggingSection(ew, &cfg.LoggingConfig)
	renderNetworkSection(ew, &cfg.NetworkConfig)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	ew.printf("# server\n")
	ew.printf("server_url          = %q\n", s.ServerURL)

	if s.UserAgent != "" {
		ew.printf("user_agent          = %q\n", s.UserAgent)
	}

	ew.printf("\n")
}

func renderAuthSection(ew *errWriter, a *AuthConfig) {
	ew.printf("# auth\n")

	if a.ClientID != "" {
		ew.printf("client_id           = %q\n", a.ClientID)
	} else {
		ew.printf("# client_id is not set; login will fail\n")
	}

	if a.ClientSecret != "" {
		ew.printf("client_secret       = \"(set)\"\n")
	}

	ew.printf("auth_url            = %q\n", a.AuthURL)
	ew.printf("token_url           = %q\n", a.TokenURL)
	ew.printf("scopes              = [%s]\n", joinQuoted(a.Scopes))
	ew.printf("token_file          = %q\n", a.TokenFile)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("# sync\n")
	ew.printf("serialize_mutations = %t\n", s.SerializeMutations)
	ew.printf("journal             = %t\n", s.Journal)
	ew.printf("journal_path        = %q\n", s.JournalPath)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("# logging\n")
	ew.printf("log_level           = %q\n", l.LogLevel)
	ew.printf("log_format          = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("# network\n")
	ew.printf("connect_timeout     = %q\n", n.ConnectTimeout)
	ew.printf("request_timeout     = %q\n", n.RequestTimeout)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
