// Package config reads the environment variables the binaries use as flag
// defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the trimmed value of key, or def when it is unset or blank.
func String(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

// Int returns key parsed as an integer, or def when it is unset or invalid.
func Int(key string, def int) int {
	n, err := strconv.Atoi(String(key, ""))
	if err != nil {
		return def
	}
	return n
}

// Duration accepts either a Go duration ("750ms") or a plain number of
// seconds ("5"). Anything else yields def.
func Duration(key string, def time.Duration) time.Duration {
	raw := String(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// List splits a comma separated value, dropping empty items.
func List(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
