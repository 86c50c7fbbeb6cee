// Package env reads process environment variables with typed fallbacks, used
// to seed logger and bootstrap configuration before the config loader (viper)
// is available.
package env

import (
	"os"
	"strconv"
)

// GetEnvOrDefault returns the named variable or def if unset or empty.
func GetEnvOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// GetEnvBoolOrDefault parses the named variable as a bool, returning def if
// unset or unparseable.
func GetEnvBoolOrDefault(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetEnvIntOrDefault parses the named variable as an int, returning def if
// unset or unparseable.
func GetEnvIntOrDefault(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
