package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "PEERMENTOR_"

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ConfigPathFromEnv returns PEERMENTOR_CONFIG, or def when unset.
func ConfigPathFromEnv(def string) string {
	if v := env("CONFIG"); v != "" {
		return v
	}
	return def
}

// ApplyEnv overrides selected fields from PEERMENTOR_* variables.
func ApplyEnv(cfg *Config) {
	if v := env("HTTP_ADDR"); v != "" {
		cfg.Viewer.HTTPAddr = v
	}
	if v := env("HUB_URL"); v != "" {
		cfg.Signaling.HubURL = v
	}
	if v := env("HUB_ADDR"); v != "" {
		cfg.Signaling.HubAddr = v
	}
	if v := env("SIGNALING_MODE"); v != "" {
		cfg.Signaling.Mode = strings.ToLower(v)
	}
	if v := env("ENDPOINT_ID"); v != "" {
		cfg.Signaling.EndpointID = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := env("LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSON = b
		}
	}
	if v := env("APPROVAL_POLICY"); v != "" {
		cfg.Ledger.Policy = strings.ToLower(v)
	}
	if v := env("MENTOR_ID"); v != "" {
		cfg.Identity.MentorID = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}
