package utils

import (
	"os"
	"strings"
)

// EnvOr returns the environment value for key, falling back when the
// variable is unset or holds only whitespace. Values loaded from .env
// files occasionally carry stray spaces, so the result is trimmed.
func EnvOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
