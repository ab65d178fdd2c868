// Package telemetry provides opt-in, privacy-filtered error reporting to Sentry.
//
// Recordings carry patient data. Nothing leaves the machine unless the user
// enables Sentry, and every event passes the privacy filter first.
package telemetry

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/psgscore/internal/conf"
	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/secrets"
)

var (
	initMu      sync.Mutex
	initialized bool
)

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("telemetry")
}

// InitSentry initializes the Sentry SDK and installs it as the error reporter.
// It does nothing unless Sentry is explicitly enabled.
func InitSentry(settings *conf.Settings) error {
	if !settings.Sentry.Enabled {
		GetLogger().Info("sentry error reporting is disabled (opt-in required)")
		return nil
	}
	return initSentry(settings, nil)
}

// initSentry initializes the SDK. A nil transport selects the HTTP transport.
func initSentry(settings *conf.Settings, transport sentry.Transport) error {
	initMu.Lock()
	defer initMu.Unlock()

	dsn, err := secrets.Resolve(settings.Sentry.DSNFile, settings.Sentry.DSN)
	if err != nil {
		return err
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Transport:        transport,
		SampleRate:       1.0,
		Debug:            settings.Sentry.Debug,
		AttachStacktrace: false,
		Environment:      settings.Sentry.Environment,
		ServerName:       "", // never leak the hostname
		Release:          fmt.Sprintf("psgscore@%s", settings.Version),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetContext("application", map[string]any{
			"name":    "psgscore",
			"version": settings.Version,
		})
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized = true

	GetLogger().Info("sentry error reporting enabled",
		logger.String("environment", settings.Sentry.Environment),
		logger.String("release", settings.Version))
	return nil
}

// applyPrivacyFilters strips user, host and runtime details from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}

// Enabled reports whether Sentry has been initialized.
func Enabled() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return initialized
}

// Flush ensures all buffered events are sent to Sentry
func Flush(timeout time.Duration) {
	if !Enabled() {
		return
	}
	sentry.Flush(timeout)
}

// Shutdown flushes pending events and uninstalls the error reporter.
func Shutdown(timeout time.Duration) {
	Flush(timeout)

	initMu.Lock()
	defer initMu.Unlock()
	if initialized {
		errors.SetTelemetryReporter(nil)
		initialized = false
	}
}
