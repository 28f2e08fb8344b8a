package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. It discards output until Init
	// is called so packages can log safely from tests.
	Logger = zerolog.Nop()
)

// Init initializes the global logger. format is "json" or "console"; the
// console writer is also used when ENV=development.
func Init(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	var output io.Writer = os.Stdout

	if format == "console" || os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "stockpulse").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithTenant scopes a component logger to a tenant
func WithTenant(component, tenantID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("tenant_id", tenantID).
		Logger()
}

// WithAlert scopes a component logger to one alert
func WithAlert(component, tenantID, alertID string) zerolog.Logger {
	return Logger.With().
		Str("component", component).
		Str("tenant_id", tenantID).
		Str("alert_id", alertID).
		Logger()
}

// WithError returns a logger with an error field
func WithError(err error) zerolog.Logger {
	return Logger.With().Err(err).Logger()
}
