package worker

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter sends synthesis failures to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter initialises the Sentry client. An empty dsn yields a
// reporter whose events are dropped.
func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	return newSentryReporter(sentry.ClientOptions{Dsn: dsn, Environment: environment})
}

func newSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report captures err with tags on a cloned hub.
func (r *SentryReporter) Report(_ context.Context, err error, tags map[string]string) {
	hub := r.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentry.LevelError)
	})
	hub.CaptureException(err)
}

// Flush waits up to timeout for queued events.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
