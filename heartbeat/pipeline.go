package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/classwatch/presence-sync/bridge"
	"github.com/classwatch/presence-sync/internal"
	"github.com/classwatch/presence-sync/presence"
	"github.com/classwatch/presence-sync/pubsub"
	"github.com/classwatch/presence-sync/state"
)

// Request is one heartbeat as a device sends it. StudentID is nonzero only
// when transport auth already established it; otherwise identity resolves
// through the device mapping or email. Full asks for heavy processing even
// without tabs attached.
type Request struct {
	SchoolID     int64          `json:"school_id"`
	StudentID    int64          `json:"student_id,omitempty"`
	DeviceID     string         `json:"device_id"`
	Email        string         `json:"email,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	Locked       bool           `json:"locked"`
	Sharing      bool           `json:"sharing"`
	CameraActive bool           `json:"camera_active"`
	Full         bool           `json:"full,omitempty"`
	OpenTabs     []presence.Tab `json:"open_tabs,omitempty"`
}

// Drop reasons, recorded in logs and metrics. None of them surface to the
// device: a dropped heartbeat still gets an ok response so clients never
// retry-storm.
const (
	DropWindow        = "window"
	DropThrottled     = "throttled"
	DropUnresolved    = "unresolved"
	DropUnknownSchool = "unknown-school"
	DropStoreError    = "store-error"
)

// Outcome says what the pipeline did with a heartbeat. Persisted means a
// durable write was enqueued, not that it has landed.
type Outcome struct {
	Accepted   bool
	Persisted  bool
	DropReason string
}

// Pipeline is the heartbeat ingestion path: policy window, throttle gates,
// identity resolution, synchronous cache update, deferred durable write,
// coalesced fanout notification.
type Pipeline struct {
	sessions   *state.SessionsTable
	heartbeats *state.HeartbeatsTable
	schools    *state.SchoolConfigCache
	cache      *presence.Cache
	resolver   *Resolver
	throttle   *Throttle
	queue      *WriteQueue
	notify     *NotifyTicker
	bus        *bridge.Bridge
	notifier   pubsub.Notifier

	outcomeVec *prometheus.CounterVec
}

func NewPipeline(
	store *state.Storage,
	schools *state.SchoolConfigCache,
	cache *presence.Cache,
	resolver *Resolver,
	throttle *Throttle,
	queue *WriteQueue,
	notify *NotifyTicker,
	bus *bridge.Bridge,
	notifier pubsub.Notifier,
	addPrometheusMetrics bool,
) *Pipeline {
	p := &Pipeline{
		sessions:   store.SessionsTable,
		heartbeats: store.HeartbeatsTable,
		schools:    schools,
		cache:      cache,
		resolver:   resolver,
		throttle:   throttle,
		queue:      queue,
		notify:     notify,
		bus:        bus,
		notifier:   notifier,
	}
	if addPrometheusMetrics {
		p.outcomeVec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence_sync",
			Subsystem: "heartbeat",
			Name:      "processed",
			Help:      "Number of heartbeats processed, by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(p.outcomeVec)
	}
	return p
}

func (p *Pipeline) Teardown() {
	if p.outcomeVec != nil {
		prometheus.Unregister(p.outcomeVec)
	}
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.outcomeVec != nil {
		p.outcomeVec.WithLabelValues(outcome).Inc()
	}
}

// Process runs one heartbeat through the pipeline. The returned error is for
// the caller's log only; whatever happens, the device gets a benign ack.
func (p *Pipeline) Process(ctx context.Context, req *Request) (Outcome, error) {
	ctx, span := internal.StartSpan(ctx, "processHeartbeat")
	defer span.End()
	now := time.Now()

	school, err := p.schools.Get(ctx, req.SchoolID)
	if err != nil {
		p.countOutcome("store_error")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return Outcome{DropReason: DropStoreError}, fmt.Errorf("school lookup: %w", err)
	}
	if school == nil {
		p.countOutcome("unknown_school")
		logger.Debug().Int64("school", req.SchoolID).Msg("heartbeat for unknown school dropped")
		return Outcome{DropReason: DropUnknownSchool}, nil
	}
	if !InTrackingWindow(school, now) {
		p.countOutcome("window")
		return Outcome{DropReason: DropWindow}, nil
	}
	if !p.throttle.ShouldAccept(req.DeviceID, now) {
		p.countOutcome("throttled")
		return Outcome{DropReason: DropThrottled}, nil
	}

	student, err := p.resolver.Resolve(ctx, req.SchoolID, req.StudentID, req.DeviceID, req.Email, req.DisplayName)
	if errors.Is(err, ErrUnresolved) {
		p.countOutcome("unresolved")
		logger.Debug().Str("device", req.DeviceID).Int64("school", req.SchoolID).Msg("unresolvable heartbeat dropped")
		return Outcome{DropReason: DropUnresolved}, nil
	}
	if err != nil {
		p.countOutcome("store_error")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return Outcome{DropReason: DropStoreError}, fmt.Errorf("resolve: %w", err)
	}
	internal.AssertWithContext(ctx, "resolver returned a student", student != nil)
	// the accept slot is consumed only now that identity resolved
	p.throttle.MarkAccepted(req.DeviceID, now)

	// Heavy gate: tabs survive only on an eligible plan, within the heavy
	// interval, and up to the school's configured count. The light heartbeat
	// proceeds either way.
	tabs := req.OpenTabs
	if tabs != nil || req.Full {
		if !PlanAllowsHeavy(school) || !p.throttle.ShouldAcceptHeavy(req.DeviceID, now) {
			tabs = nil
		} else if n := ClampTabs(school, len(tabs)); n < len(tabs) {
			tabs = tabs[:n]
		}
	}

	nowMs := now.UnixMilli()
	p.cache.ApplyHeartbeat(presence.Update{
		SchoolID:     req.SchoolID,
		StudentID:    student.ID,
		DeviceID:     req.DeviceID,
		Email:        student.Email,
		DisplayName:  student.DisplayName,
		URL:          req.URL,
		Title:        req.Title,
		OpenTabs:     tabs,
		Locked:       req.Locked,
		Sharing:      req.Sharing,
		CameraActive: req.CameraActive,
		ObservedAt:   nowMs,
	})
	p.bus.SetLastSeen(ctx, student.ID, presence.LastSeenHint{DeviceID: req.DeviceID, At: nowMs})

	persisted := false
	if p.throttle.ShouldPersist(req.DeviceID, now) {
		persisted = p.queue.Enqueue(p.persistTask(req, student.ID, tabs, now))
	}

	p.notify.Remember(SchoolDevice{SchoolID: req.SchoolID, DeviceID: req.DeviceID})
	p.countOutcome("accepted")
	return Outcome{Accepted: true, Persisted: persisted}, nil
}

// persistTask captures one durable write: the heartbeat row plus the session
// bump. The bump goes through full arbitration, so a device heartbeating
// without an open session starts one, and the ended sessions of a swap or
// eviction fan out from here.
func (p *Pipeline) persistTask(req *Request, studentID int64, tabs []presence.Tab, seenAt time.Time) func() error {
	schoolID, deviceID := req.SchoolID, req.DeviceID
	row := &state.HeartbeatRow{
		SchoolID:  schoolID,
		StudentID: studentID,
		DeviceID:  deviceID,
		URL:       req.URL,
		Title:     req.Title,
		Locked:    req.Locked,
		Sharing:   req.Sharing,
		Camera:    req.CameraActive,
		SeenAt:    seenAt,
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		blob, err := presence.EncodeTabs(tabs)
		if err != nil {
			return fmt.Errorf("encode tabs: %w", err)
		}
		row.Tabs = blob
		if err := p.heartbeats.Insert(ctx, row); err != nil {
			return fmt.Errorf("insert heartbeat: %w", err)
		}
		out, err := p.sessions.StartSession(ctx, schoolID, studentID, deviceID)
		if err != nil {
			return fmt.Errorf("session bump: %w", err)
		}
		p.FanOutSessionChanges(out)
		return nil
	}
}

// FanOutSessionChanges publishes the side effects of an arbitration outcome:
// ended sessions force their snapshots offline and notify staff, a fresh
// session announces itself. Shared by the pipeline's lazy bump and the
// socket auth path.
func (p *Pipeline) FanOutSessionChanges(out state.StartOutcome) {
	nowMs := time.Now().UnixMilli()
	for i := range out.Ended {
		ended := &out.Ended[i]
		p.cache.ForceOffline(presence.SnapshotKey{StudentID: ended.StudentID, DeviceID: ended.DeviceID}, nowMs)
		// A swap releases the old device; its cached mapping is dead. On an
		// eviction the device id matches the new session and the mapping was
		// just refreshed, so it must survive.
		if out.Session == nil || ended.DeviceID != out.Session.DeviceID {
			p.resolver.Forget(ended.DeviceID)
		}
		reason := state.EndReasonStale
		if ended.EndReason != nil {
			reason = *ended.EndReason
		}
		if err := p.notifier.Notify(pubsub.ChanPresence, &pubsub.SessionEnded{
			SessionID: ended.ID,
			SchoolID:  ended.SchoolID,
			StudentID: ended.StudentID,
			DeviceID:  ended.DeviceID,
			Reason:    reason,
		}); err != nil {
			logger.Err(err).Msg("failed to notify session end")
		}
		p.notify.Remember(SchoolDevice{SchoolID: ended.SchoolID, DeviceID: ended.DeviceID})
	}
	if out.Session != nil && !out.Resumed {
		if err := p.notifier.Notify(pubsub.ChanPresence, &pubsub.SessionStarted{
			SessionID: out.Session.ID,
			SchoolID:  out.Session.SchoolID,
			StudentID: out.Session.StudentID,
			DeviceID:  out.Session.DeviceID,
		}); err != nil {
			logger.Err(err).Msg("failed to notify session start")
		}
	}
}

// ConnectDevice runs arbitration for a socket-authenticated device, so a
// device is owned the moment it connects instead of at its first persisted
// heartbeat.
func (p *Pipeline) ConnectDevice(ctx context.Context, schoolID, studentID int64, deviceID string) error {
	out, err := p.sessions.StartSession(ctx, schoolID, studentID, deviceID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	p.resolver.Remember(deviceID, studentID)
	p.FanOutSessionChanges(out)
	return nil
}

// DisconnectDevice ends the device's active session after an explicit logout.
// No-op when the device has none.
func (p *Pipeline) DisconnectDevice(ctx context.Context, deviceID, reason string) error {
	ended, err := p.sessions.EndActiveForDevice(ctx, deviceID, reason)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if ended != nil {
		p.FanOutSessionChanges(state.StartOutcome{Ended: []state.Session{*ended}})
	}
	return nil
}

// Sweep ends sessions unseen for maxAge and fans their endings out. Returns
// how many were ended. Runs on a timer owned by the server assembly; it is
// the only closer of sessions the client never terminated.
func (p *Pipeline) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	ended, err := p.sessions.ExpireStale(ctx, maxAge)
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("expire stale sessions: %w", err)
	}
	if len(ended) > 0 {
		p.FanOutSessionChanges(state.StartOutcome{Ended: ended})
	}
	p.throttle.Prune(time.Now(), 24*time.Hour)
	return len(ended), nil
}
