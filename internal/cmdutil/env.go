// Package cmdutil holds the small helpers shared by the mesh command-line
// tools: environment parsing and JSON output.
package cmdutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString returns the trimmed value of key, or fallback when unset or blank.
func EnvString(key string, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// EnvBool parses key as a boolean; unset or blank yields fallback.
func EnvBool(key string, fallback bool) (bool, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// EnvInt parses key as an integer; unset or blank yields fallback.
func EnvInt(key string, fallback int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// EnvDuration parses key as a time.Duration; unset or blank yields fallback.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// SplitCSVEnv splits a comma-separated env value into trimmed, non-empty parts.
func SplitCSVEnv(key string) []string {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
