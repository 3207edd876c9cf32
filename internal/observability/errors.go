package observability

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/signalsfoundry/lockstep-client/internal/logging"
	"github.com/signalsfoundry/lockstep-client/scheduler"
)

// ErrorReportingConfig configures Sentry error reporting.
type ErrorReportingConfig struct {
	DSN         string
	Environment string
	Release     string
	// BeforeSend may inspect or drop events before they are sent.
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// ErrorReportingConfigFromEnv reads SENTRY_DSN, SENTRY_ENVIRONMENT and
// SENTRY_RELEASE.
func ErrorReportingConfigFromEnv() ErrorReportingConfig {
	return ErrorReportingConfig{
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		Release:     os.Getenv("SENTRY_RELEASE"),
	}
}

// ErrorReporter forwards lockstep failures to Sentry. Without a DSN events are
// built but not transmitted.
type ErrorReporter struct {
	hub     *sentry.Hub
	enabled bool
	log     logging.Logger
}

// NewErrorReporter builds a reporter with its own Sentry hub.
func NewErrorReporter(cfg ErrorReportingConfig, log logging.Logger) (*ErrorReporter, error) {
	if log == nil {
		log = logging.Noop()
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, err
	}
	r := &ErrorReporter{
		hub:     sentry.NewHub(client, sentry.NewScope()),
		enabled: cfg.DSN != "",
		log:     log,
	}
	if r.enabled {
		log.Info(context.Background(), "sentry error reporting enabled", logging.String("environment", cfg.Environment))
	}
	return r, nil
}

// Enabled reports whether events are transmitted.
func (r *ErrorReporter) Enabled() bool { return r != nil && r.enabled }

// ReportUpdateError captures the failures returned by a lockstep Update. An
// aggregated error is reported as one event per failure. It returns the number
// of events captured.
func (r *ErrorReporter) ReportUpdateError(player uint8, turn int, err error) int {
	if r == nil || err == nil {
		return 0
	}

	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "lockstep")
		scope.SetTag("player", strconv.Itoa(int(player)))
		scope.SetTag("turn", strconv.Itoa(turn))
	})

	errs := []error{err}
	var agg *scheduler.AggregateError
	if errors.As(err, &agg) {
		errs = agg.Errors
	}

	captured := 0
	for _, e := range errs {
		if hub.CaptureException(e) != nil {
			captured++
		}
	}
	r.log.Debug(context.Background(), "reported update failures",
		logging.Player(player),
		logging.Int("events", captured),
	)
	return captured
}

// Flush waits up to timeout for queued events to be delivered.
func (r *ErrorReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
