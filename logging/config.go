package logging

import (
	"os"
	"strings"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// environmentDefaults are applied before explicit LOG_* overrides.
var environmentDefaults = map[string]Config{
	EnvProduction:  {Level: "info", Format: "json"},
	EnvTest:        {Level: "debug", Format: "text"},
	EnvDevelopment: {Level: "debug", Format: "text", AddSource: true},
}

// GetConfigFromEnv reads ENVIRONMENT, LOG_LEVEL, LOG_FORMAT and
// LOG_ADD_SOURCE. Without any of them the result is info-level text
// output for development.
func GetConfigFromEnv() Config {
	cfg := Config{Level: "info", Format: "text", Environment: EnvDevelopment}

	if env := strings.ToLower(os.Getenv("ENVIRONMENT")); env != "" {
		cfg.Environment = env
		if d, ok := environmentDefaults[env]; ok {
			cfg.Level, cfg.Format, cfg.AddSource = d.Level, d.Format, d.AddSource
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_ADD_SOURCE"); v != "" {
		cfg.AddSource = strings.EqualFold(v, "true")
	}
	return cfg
}
