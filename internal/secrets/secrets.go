// Package secrets resolves credentials from config values, environment
// variables and mounted secret files (Docker or Kubernetes secrets).
// Secret values are never logged.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
)

// maxSecretFileSize bounds secret file reads; secrets are tokens and passwords.
const maxSecretFileSize = 64 * 1024

// GetLogger returns the secrets module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("secrets")
}

func secretError(err error, path string) error {
	b := errors.New(err).
		Component("secrets").
		Category(errors.CategoryConfiguration)
	if path != "" {
		b = b.Context("path", path)
	}
	return b.Build()
}

// ExpandString expands ${VAR} and ${VAR:-default} references. A referenced
// variable that is unset or empty and has no default is an error.
func ExpandString(s string) (string, error) {
	if s == "" {
		return "", nil
	}

	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", secretError(fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", ")), "")
	}
	return expanded, nil
}

// ReadFile reads a secret file and strips trailing newlines. Files readable
// by group or others are accepted with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", secretError(fmt.Errorf("secret file path is empty"), "")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	switch {
	case os.IsNotExist(err):
		return "", secretError(fmt.Errorf("secret file not found: %s", clean), clean)
	case err != nil:
		return "", secretError(fmt.Errorf("failed to stat secret file: %w", err), clean)
	case !info.Mode().IsRegular():
		return "", secretError(fmt.Errorf("secret path is not a regular file: %s", clean), clean)
	case info.Size() > maxSecretFileSize:
		return "", secretError(fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean), clean)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		GetLogger().Warn("secret file is readable by group or others",
			logger.String("path", clean),
			logger.String("mode", fmt.Sprintf("%04o", perm)))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", secretError(fmt.Errorf("failed to read secret file: %w", err), clean)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", secretError(fmt.Errorf("secret file is empty: %s", clean), clean)
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded. Both empty yields "".
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		return ReadFile(filePath)
	}
	return ExpandString(value)
}
