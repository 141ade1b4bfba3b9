package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// viper treats empty variables as unset
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, "billing.db", cfg.DBPath)
	assert.Equal(t, "exports", cfg.ExportDir)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DB_PATH", "/var/lib/billing/ledger.db")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "/var/lib/billing/ledger.db", cfg.DBPath)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Port: "8080", Env: "development", LogLevel: "info", DBPath: "x.db"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown env", func(c *Config) { c.Env = "staging" }},
		{"non-numeric port", func(c *Config) { c.Port = "http" }},
		{"port out of range", func(c *Config) { c.Port = "70000" }},
		{"empty db path", func(c *Config) { c.DBPath = " " }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_Level_FallsBackToInfo(t *testing.T) {
	c := &Config{LogLevel: "nonsense"}
	assert.Equal(t, zerolog.InfoLevel, c.Level())
}
