package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP integration attaches a hub to request contexts, which accounts
// for most contexts flowing through the heartbeat and realtime surfaces. Contexts
// born inside background loops (the persistence queue, the staleness sweeper, bus
// subscribers) have no hub, hence the fallback.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry is a defer-able which forwards panics in long-lived
// goroutines to sentry before re-panicking. Without this, a panic in e.g the
// keepalive loop would crash the process with nothing recorded.
func ReportPanicsToSentry() {
	if err := recover(); err != nil {
		sentry.CurrentHub().RecoverWithContext(context.Background(), err)
		panic(err)
	}
}
