// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/tphakala/psgscore/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ErrorCategory marks configuration problems as validation errors.
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryValidation
}

var validLogLevels = []string{"trace", "debug", "info", "warn", "warning", "error"}

// ValidateSettings validates the entire Settings struct and reports every
// problem found, not just the first.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, check := range []func(*Settings) []string{
		validateLoggingSettings,
		validateScoringSettings,
		validateDetectorPresets,
		validateOutputSettings,
		validateWebServerSettings,
		validateTelemetrySettings,
	} {
		ve.Errors = append(ve.Errors, check(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateLoggingSettings(s *Settings) []string {
	var problems []string
	level := strings.ToLower(s.Logging.DefaultLevel)
	if level != "" && !slices.Contains(validLogLevels, level) {
		problems = append(problems, fmt.Sprintf("logging: unknown default level %q", s.Logging.DefaultLevel))
	}
	for module, lvl := range s.Logging.ModuleLevels {
		if !slices.Contains(validLogLevels, strings.ToLower(lvl)) {
			problems = append(problems, fmt.Sprintf("logging: unknown level %q for module %s", lvl, module))
		}
	}
	return problems
}

func validateScoringSettings(s *Settings) []string {
	var problems []string
	sc := &s.Scoring
	if sc.EpochLength <= 0 {
		problems = append(problems, "scoring: epoch length must be greater than 0")
	}
	if sc.DurationTolerance < 0 {
		problems = append(problems, "scoring: duration tolerance must not be negative")
	}
	if sc.Workers < 1 {
		problems = append(problems, "scoring: workers must be at least 1")
	}
	if sc.CacheTTL < 0 {
		problems = append(problems, "scoring: cache TTL must not be negative")
	}
	for _, stage := range sc.Taxonomy.Stages {
		if strings.TrimSpace(stage) == "" {
			problems = append(problems, "scoring: taxonomy contains an empty stage label")
			break
		}
	}
	return problems
}

func validateDetectorPresets(s *Settings) []string {
	var problems []string
	names := make([]string, 0, len(s.Detectors))
	for name := range s.Detectors {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		d := s.Detectors[name]
		prefix := "detectors." + name + ": "
		if d.Algorithm == "" {
			problems = append(problems, prefix+"algorithm is required")
		}
		if len(d.Channels) == 0 {
			problems = append(problems, prefix+"at least one channel is required")
		}
		if d.Window <= 0 {
			problems = append(problems, prefix+"window must be greater than 0")
		} else if d.Overlap < 0 || d.Overlap >= d.Window {
			problems = append(problems, prefix+"overlap must satisfy 0 <= overlap < window")
		}
	}
	return problems
}

func validateOutputSettings(s *Settings) []string {
	var problems []string
	out := &s.Output
	if out.Format != "yaml" && out.Format != "csv" {
		problems = append(problems, fmt.Sprintf("output: format must be yaml or csv, got %q", out.Format))
	}
	if out.SQLite.Enabled && out.MySQL.Enabled {
		problems = append(problems, "output: enable either sqlite or mysql, not both")
	}
	if out.SQLite.Enabled && out.SQLite.Path == "" {
		problems = append(problems, "output: sqlite path is required")
	}
	if out.MySQL.Enabled {
		if out.MySQL.Host == "" || out.MySQL.Database == "" || out.MySQL.Username == "" {
			problems = append(problems, "output: mysql host, database and username are required")
		}
		if _, err := strconv.Atoi(out.MySQL.Port); err != nil {
			problems = append(problems, fmt.Sprintf("output: invalid mysql port %q", out.MySQL.Port))
		}
	}
	return problems
}

func validateWebServerSettings(s *Settings) []string {
	if !s.WebServer.Enabled {
		return nil
	}
	port, err := strconv.Atoi(s.WebServer.Port)
	if err != nil || port < 1 || port > 65535 {
		return []string{fmt.Sprintf("webserver: invalid port %q", s.WebServer.Port)}
	}
	return nil
}

func validateTelemetrySettings(s *Settings) []string {
	var problems []string
	if s.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(s.Telemetry.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("telemetry: invalid listen address %q: %v", s.Telemetry.Listen, err))
		}
	}
	if s.Sentry.Enabled && s.Sentry.DSN == "" && s.Sentry.DSNFile == "" {
		problems = append(problems, "sentry: dsn or dsnfile is required when sentry is enabled")
	}
	return problems
}
