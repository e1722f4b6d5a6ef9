package util

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file from the working directory if there is one.
// Variables already set in the environment win.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// GetEnv returns the value of key or "".
func GetEnv(key string) string {
	return os.Getenv(key)
}

func GetEnvString(key string, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// lookupParsed parses key with parse. Unset or unparsable values return
// defaultValue.
func lookupParsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	parsed, err := parse(strings.TrimSpace(value))
	if err != nil {
		logger.Debug("Ignoring invalid environment value", "key", key, "value", value)
		return defaultValue
	}
	return parsed
}

func GetEnvInt(key string, defaultValue int) int {
	return lookupParsed(key, defaultValue, strconv.Atoi)
}

func GetEnvFloat(key string, defaultValue float64) float64 {
	return lookupParsed(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvBool accepts the values strconv.ParseBool understands.
func GetEnvBool(key string, defaultValue bool) bool {
	return lookupParsed(key, defaultValue, strconv.ParseBool)
}

// GetEnvDuration parses values like "30s" or "1m".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return lookupParsed(key, defaultValue, time.ParseDuration)
}
