package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/diceware-go/internal/config"
)

// newRootCmd binds flags with StringVar/BoolVar, which reset the globals to
// their defaults. Tests set globals after newRootCmd returns or go through
// cmd.SetArgs.

func TestNewRootCmd_RegistersCommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{
		"login", "logout", "whoami", "ls", "get", "add", "edit", "rm",
		"watch", "browse", "history", "config",
	} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		cfg       *config.Config
		flags     CLIFlags
		enabled   slog.Level
		notEnable slog.Level
	}{
		{"no config defaults to warn", nil, CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"config level", &config.Config{LoggingConfig: config.LoggingConfig{LogLevel: "debug"}}, CLIFlags{}, slog.LevelDebug, slog.LevelDebug - 4},
		{"verbose wins over config", &config.Config{LoggingConfig: config.LoggingConfig{LogLevel: "error"}}, CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 4},
		{"quiet", nil, CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := buildLogger(tt.cfg, tt.flags, os.Stderr)

			assert.True(t, logger.Handler().Enabled(ctx, tt.enabled))
			assert.False(t, logger.Handler().Enabled(ctx, tt.notEnable))
		})
	}
}

func TestNewLogHandler_Format(t *testing.T) {
	var buf bytes.Buffer

	slog.New(newLogHandler(&buf, "auto", false, slog.LevelInfo)).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	slog.New(newLogHandler(&buf, "auto", true, slog.LevelInfo)).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	slog.New(newLogHandler(&buf, "json", true, slog.LevelInfo)).Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	slog.New(newLogHandler(&buf, "text", false, slog.LevelInfo)).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestMustCLIContext_PanicsWithoutPreRun(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{}
	assert.Same(t, cc, mustCLIContext(withCLIContext(context.Background(), cc)))
}

func TestConfigPathFromFlags(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cc := &CLIContext{Flags: CLIFlags{ConfigPath: "/explicit.toml"}}
	assert.Equal(t, "/explicit.toml", configPathFromFlags(cc))

	t.Setenv(config.EnvConfig, "/from-env.toml")
	assert.Equal(t, "/from-env.toml", configPathFromFlags(&CLIContext{}))

	t.Setenv(config.EnvConfig, "")
	assert.Equal(t, config.DefaultConfigPath(), configPathFromFlags(&CLIContext{}))
}

func TestNewHTTPClient_UsesRequestTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RequestTimeout = "7s"

	client := newHTTPClient(cfg)

	assert.Equal(t, "7s", client.Timeout.String())
	require.NotNil(t, client.Transport)
}

func TestRootCmd_RejectsUnknownOutputFormat(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "-o", "xml", "whoami")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestRootCmd_JSONFlagForcesJSON(t *testing.T) {
	env := newCLIEnv(t)
	env.signIn(t, "tok-alice")

	out, err := env.run(t, "--json", "-o", "yaml", "whoami")

	require.NoError(t, err)
	assert.Contains(t, out, `"subject": "alice"`)
}

func TestRootCmd_EnvServerURL(t *testing.T) {
	env := newCLIEnv(t)

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", env.configPath, "-o", "json", "config", "show"})

	t.Setenv(config.EnvServerURL, "https://diceware.example.com/")

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"server_url": "https://diceware.example.com/"`)
}
