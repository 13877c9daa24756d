package config

import (
	"os"
	"strconv"
	"time"
)

// The exported helpers serve CLI flag defaults. Unlike the getEnv* loaders
// they treat an empty variable as unset.

// EnvOrDefault returns the value of the environment variable if set, otherwise the fallback.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvBoolOrDefault returns the bool value of the environment variable if set and valid, otherwise the fallback.
func EnvBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// EnvDurationOrDefault returns the duration value of the environment variable if set and valid, otherwise the fallback.
func EnvDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
