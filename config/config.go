/*
Package config loads runtime settings from the environment.

SOURCES (later wins):
  1. defaults below
  2. optional .env file in the working directory
  3. process environment

KEYS:
  PORT          HTTP listen port                     8080
  ENV           development | production             development
  LOG_LEVEL     zerolog level name                   info
  DB_PATH       SQLite file (":memory:" for tests)   billing.db
  EXPORT_DIR    where snapshot exports are written   exports
  CORS_ORIGINS  comma-separated allowed origins      http://localhost:5173
*/
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DBPath      string   `mapstructure:"DB_PATH"`
	ExportDir   string   `mapstructure:"EXPORT_DIR"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{"PORT", "ENV", "LOG_LEVEL", "DB_PATH", "EXPORT_DIR", "CORS_ORIGINS"}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "billing.db")
	v.SetDefault("EXPORT_DIR", "exports")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can start the service.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("ENV must be \"development\" or \"production\", got %q", c.Env)
	}
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// Level returns the parsed LOG_LEVEL, or info when it does not parse.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
