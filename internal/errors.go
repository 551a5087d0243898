package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is an error with an associated HTTP status code. HTTP surfaces
// inspect returned errors for this type to decide which status to send; anything
// else becomes a 500.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// UnauthorizedError is a hard authentication failure: the connection or request
// carrying the assertion is terminated. Contrast with policy rejections, which
// are benign no-op successes so clients do not retry aggressively.
func UnauthorizedError(msg string) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusUnauthorized,
		Err:        fmt.Errorf("unauthorized: %s", msg),
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and PRESENCE_DEBUG=1 then the program panics.
// If expr is false and PRESENCE_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, e.g two active sessions existing for one device, and shouldn't be used to log a
// normal error e.g network errors. Developers can make use of this function by setting
// PRESENCE_DEBUG=1 when running the server, which will fail-fast whenever a programming or logic
// error occurs.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("session is active", session.IsActive)
//
// Which then produces:
//
//	assertion failed: session is active
func Assert(msg string, expr bool) {
	assert(msg, expr)
}

// AssertWithContext is a version of Assert which also reports the assertion failure to sentry,
// if sentry is enabled.
func AssertWithContext(ctx context.Context, msg string, expr bool) {
	if !expr {
		GetSentryHubFromContextOrDefault(ctx).CaptureException(fmt.Errorf("assertion failed: %s", msg))
	}
	assert(msg, expr)
}

func assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("PRESENCE_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(2)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(3)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
