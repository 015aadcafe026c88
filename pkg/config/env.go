package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level
// Configurable via SPANBERT_DEBUG
// Values: 0/false = INFO (default), 1/true = DEBUG
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SPANBERT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// LogDir returns the default training log directory
// Configurable via SPANBERT_LOGDIR
// Default: logs
func LogDir() string {
	if s := Var("SPANBERT_LOGDIR"); s != "" {
		return s
	}
	return "logs"
}

// Var returns an environment variable with surrounding quotes and spaces removed
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
