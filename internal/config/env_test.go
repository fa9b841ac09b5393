package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv("DICEWARE_CONFIG", "/custom/config.toml")
	t.Setenv("DICEWARE_SERVER_URL", "https://diceware.example.com/")
	t.Setenv("DICEWARE_TOKEN_FILE", "/tmp/token.json")

	overrides := ReadEnvOverrides(testLogger(t))
	assert.Equal(t, "/custom/config.toml", overrides.ConfigPath)
	assert.Equal(t, "https://diceware.example.com/", overrides.ServerURL)
	assert.Equal(t, "/tmp/token.json", overrides.TokenFile)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv("DICEWARE_CONFIG", "")
	t.Setenv("DICEWARE_SERVER_URL", "")
	t.Setenv("DICEWARE_TOKEN_FILE", "")

	overrides := ReadEnvOverrides(testLogger(t))
	assert.Empty(t, overrides.ConfigPath)
	assert.Empty(t, overrides.ServerURL)
	assert.Empty(t, overrides.TokenFile)
}

func TestEnvVarConstants(t *testing.T) {
	assert.Equal(t, "DICEWARE_CONFIG", EnvConfig)
	assert.Equal(t, "DICEWARE_SERVER_URL", EnvServerURL)
	assert.Equal(t, "DICEWARE_TOKEN_FILE", EnvTokenFile)
}
