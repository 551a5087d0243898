package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "presence_data"
)

// logging metadata for a single heartbeat or realtime request
type data struct {
	schoolID   int64
	studentID  int64
	deviceID   string
	accepted   bool
	persisted  bool
	dropReason string
}

// RequestContext prepares a request context so it can carry presence request info
// for end-of-request log decoration.
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		schoolID:  -1,
		studentID: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetRequestContextIdentity records the resolved identity on this request context.
// Needs RequestContext to have been called first.
func SetRequestContextIdentity(ctx context.Context, schoolID, studentID int64, deviceID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.schoolID = schoolID
	da.studentID = studentID
	da.deviceID = deviceID
}

// SetRequestContextOutcome records what the pipeline did with the request:
// whether the heartbeat passed the accept gate, whether a durable write was
// enqueued, and the drop reason if it was discarded.
func SetRequestContextOutcome(ctx context.Context, accepted, persisted bool, dropReason string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.accepted = accepted
	da.persisted = persisted
	da.dropReason = dropReason
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.schoolID >= 0 {
		l = l.Int64("school", da.schoolID)
	}
	if da.studentID >= 0 {
		l = l.Int64("student", da.studentID)
	}
	if da.deviceID != "" {
		l = l.Str("device", da.deviceID)
	}
	l = l.Bool("accepted", da.accepted)
	if da.persisted {
		l = l.Bool("persisted", true)
	}
	if da.dropReason != "" {
		l = l.Str("drop", da.dropReason)
	}
	return l
}
