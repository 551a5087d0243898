// Package bridge fans presence traffic out across server instances and keeps
// small ephemeral facts (last-seen authority, screenshots, restriction flags)
// in a TTL key-value store. Every instance publishes what it delivers locally
// and re-delivers what other instances publish, so a staff dashboard is never
// pinned to the instance its students happen to heartbeat through.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/classwatch/presence-sync/presence"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrNoEntry is returned by GetEphemeral when the key is absent or expired.
var ErrNoEntry = errors.New("bridge: no such entry")

const (
	lastSeenTTL = 5 * time.Minute
	restrictTTL = 10 * time.Minute

	// ScreenshotTTL bounds how long a captured frame is retrievable.
	ScreenshotTTL = 60 * time.Second
	// MaxScreenshotBytes rejects oversized uploads before they hit the bus.
	MaxScreenshotBytes = 200 * 1024
)

// Transport is one concrete bus. Publish is fire-and-forget fanout to every
// instance; Subscribe installs the process-wide delivery callback (exactly
// one); the ephemeral calls are TTL KV operations.
type Transport interface {
	Publish(ctx context.Context, schoolID int64, payload []byte) error
	Subscribe(handler func(schoolID int64, payload []byte)) error
	SetEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetEphemeral(ctx context.Context, key string) ([]byte, error)
	Enabled() bool
	Close()
}

// Bridge wraps a Transport with instance tagging and a local fallback KV.
// With no transport configured it degrades to a single-instance setup:
// publishes vanish, ephemeral state lives in process memory.
type Bridge struct {
	instanceID string
	transport  Transport
	fallback   *memoryKV

	publishCounter prometheus.Counter
}

// New picks the transport from the URL scheme: redis:// or rediss:// for
// Redis, nats:// for NATS, empty for local-only.
func New(busURL string) (*Bridge, error) {
	b := &Bridge{
		instanceID: uuid.NewString(),
		fallback:   newMemoryKV(),
	}
	switch {
	case busURL == "":
		logger.Info().Msg("bridge: no bus configured, running local-only")
	case strings.HasPrefix(busURL, "redis://"), strings.HasPrefix(busURL, "rediss://"):
		t, err := NewRedisTransport(busURL)
		if err != nil {
			return nil, fmt.Errorf("bridge: %w", err)
		}
		b.transport = t
	case strings.HasPrefix(busURL, "nats://"):
		t, err := NewNATSTransport(busURL)
		if err != nil {
			return nil, fmt.Errorf("bridge: %w", err)
		}
		b.transport = t
	default:
		return nil, fmt.Errorf("bridge: unrecognised bus URL %q", busURL)
	}
	return b, nil
}

// NewWithTransport exists for tests and embedders that construct their own
// transport.
func NewWithTransport(t Transport) *Bridge {
	return &Bridge{
		instanceID: uuid.NewString(),
		transport:  t,
		fallback:   newMemoryKV(),
	}
}

// AddPrometheusMetrics records how many envelopes this instance hands to the
// bus. Unregistered again on Close.
func (b *Bridge) AddPrometheusMetrics() {
	b.publishCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_sync",
		Subsystem: "bridge",
		Name:      "published_envelopes",
		Help:      "Envelopes published to the cross-instance bus.",
	})
	prometheus.MustRegister(b.publishCounter)
}

func (b *Bridge) Enabled() bool {
	return b.transport != nil && b.transport.Enabled()
}

func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Publish tags the payload with this instance's id and hands it to the bus.
// Fire-and-forget: the caller has already delivered locally, so a bus error
// costs remote instances one update, which the next change repairs.
func (b *Bridge) Publish(ctx context.Context, schoolID int64, payload []byte) {
	if !b.Enabled() {
		return
	}
	tagged, err := sjson.SetBytes(payload, "origin", b.instanceID)
	if err != nil {
		logger.Err(err).Msg("bridge: failed to tag payload")
		return
	}
	if err := b.transport.Publish(ctx, schoolID, tagged); err != nil {
		logger.Err(err).Int64("school", schoolID).Msg("bridge: publish failed")
		sentry.CaptureException(err)
		return
	}
	if b.publishCounter != nil {
		b.publishCounter.Inc()
	}
}

// Subscribe installs the delivery handler. Envelopes published by this
// instance are dropped here: local delivery already happened when they were
// published, and replaying them would double every update.
func (b *Bridge) Subscribe(handler func(schoolID int64, payload []byte)) error {
	if !b.Enabled() {
		return nil
	}
	return b.transport.Subscribe(func(schoolID int64, payload []byte) {
		if gjson.GetBytes(payload, "origin").Str == b.instanceID {
			return
		}
		stripped, err := sjson.DeleteBytes(payload, "origin")
		if err == nil {
			payload = stripped
		}
		handler(schoolID, payload)
	})
}

func (b *Bridge) Close() {
	if b.transport != nil {
		b.transport.Close()
	}
	if b.publishCounter != nil {
		prometheus.Unregister(b.publishCounter)
	}
	b.fallback.Teardown()
}

// setEphemeral writes through to the bus when it's up and always mirrors into
// the local fallback, so reads keep working through a bus outage.
func (b *Bridge) setEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) {
	b.fallback.Set(key, value, ttl)
	if !b.Enabled() {
		return
	}
	if err := b.transport.SetEphemeral(ctx, key, value, ttl); err != nil {
		logger.Err(err).Str("key", key).Msg("bridge: ephemeral write failed, fallback only")
	}
}

func (b *Bridge) getEphemeral(ctx context.Context, key string) ([]byte, bool) {
	if b.Enabled() {
		value, err := b.transport.GetEphemeral(ctx, key)
		if err == nil {
			return value, true
		}
		if !errors.Is(err, ErrNoEntry) {
			logger.Err(err).Str("key", key).Msg("bridge: ephemeral read failed, trying fallback")
		}
	}
	value, ok := b.fallback.Get(key)
	return value, ok
}

func lastSeenKey(studentID int64) string {
	return fmt.Sprintf("lastseen/%d", studentID)
}

// SetLastSeen records the authoritative most-recent device for a student.
// Every instance that accepts a heartbeat writes this, so aggregation can
// break primary-device ties no matter which instance serves the read.
func (b *Bridge) SetLastSeen(ctx context.Context, studentID int64, hint presence.LastSeenHint) {
	value, err := json.Marshal(hint)
	if err != nil {
		return
	}
	b.setEphemeral(ctx, lastSeenKey(studentID), value, lastSeenTTL)
}

func (b *Bridge) LastSeen(ctx context.Context, studentID int64) (presence.LastSeenHint, bool) {
	value, ok := b.getEphemeral(ctx, lastSeenKey(studentID))
	if !ok {
		return presence.LastSeenHint{}, false
	}
	var hint presence.LastSeenHint
	if err := json.Unmarshal(value, &hint); err != nil {
		return presence.LastSeenHint{}, false
	}
	return hint, true
}

// LastSeenBulk fetches hints for many students, omitting misses.
func (b *Bridge) LastSeenBulk(ctx context.Context, studentIDs []int64) map[int64]presence.LastSeenHint {
	hints := make(map[int64]presence.LastSeenHint, len(studentIDs))
	for _, id := range studentIDs {
		if hint, ok := b.LastSeen(ctx, id); ok {
			hints[id] = hint
		}
	}
	return hints
}

func screenshotKey(deviceID string) string {
	return "shot/" + deviceID
}

// PutScreenshot stores a captured frame for ScreenshotTTL. Oversized frames
// are rejected outright rather than truncated.
func (b *Bridge) PutScreenshot(ctx context.Context, deviceID string, img []byte) error {
	if len(img) > MaxScreenshotBytes {
		return fmt.Errorf("bridge: screenshot %d bytes exceeds cap %d", len(img), MaxScreenshotBytes)
	}
	if len(img) == 0 {
		return errors.New("bridge: empty screenshot")
	}
	b.setEphemeral(ctx, screenshotKey(deviceID), img, ScreenshotTTL)
	return nil
}

func (b *Bridge) Screenshot(ctx context.Context, deviceID string) ([]byte, bool) {
	return b.getEphemeral(ctx, screenshotKey(deviceID))
}

func restrictKey(deviceID string) string {
	return "restrict/" + deviceID
}

// SetRestricted mirrors a server-issued restriction so that whichever
// instance a device reconnects through can re-assert it.
func (b *Bridge) SetRestricted(ctx context.Context, deviceID string, on bool) {
	value := []byte("0")
	if on {
		value = []byte("1")
	}
	b.setEphemeral(ctx, restrictKey(deviceID), value, restrictTTL)
}

func (b *Bridge) Restricted(ctx context.Context, deviceID string) (on bool, known bool) {
	value, ok := b.getEphemeral(ctx, restrictKey(deviceID))
	if !ok {
		return false, false
	}
	return len(value) == 1 && value[0] == '1', true
}
