// Package config provides functions for reading config settings from ENV.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns a string environment variable value or a default if not
// set.
//
// Example:
//
//	addr := GetEnvStr("VIGIL_REDIS_ADDR", "")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set
// or not parseable.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not
// set. Accepts "true", "1", "yes" as true and "false", "0", "no" as false,
// case-insensitive.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}

	return defaultValue
}

// GetEnvDuration returns a duration environment variable value (Go duration
// syntax, e.g. "90s") or a default if not set or not parseable.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel returns a slog level from the environment or a default if
// not set or not recognized.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	return ParseLogLevel(os.Getenv(key), defaultValue)
}

// ParseLogLevel maps a level name to a slog level, falling back to the
// default for unknown names.
func ParseLogLevel(value string, defaultValue slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	return defaultValue
}

// ParseCommaSeparatedList parses a comma-separated string into a slice of
// trimmed strings, dropping empty entries.
func ParseCommaSeparatedList(input string) []string {
	if input == "" {
		return nil
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
