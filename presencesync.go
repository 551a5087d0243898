package presencesync

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/classwatch/presence-sync/bridge"
	"github.com/classwatch/presence-sync/heartbeat"
	"github.com/classwatch/presence-sync/internal"
	"github.com/classwatch/presence-sync/live"
	"github.com/classwatch/presence-sync/presence"
	"github.com/classwatch/presence-sync/pubsub"
	"github.com/classwatch/presence-sync/state"
)

const Version = "0.3.1"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts tunes Setup beyond the required Postgres URI. JWTSecret is the only
// mandatory field: it signs device tokens and verifies staff cookies, so
// every instance of a deployment must share it.
type Opts struct {
	JWTSecret string
	// BusURL selects the cross-instance transport by scheme (redis:// or
	// nats://). Empty runs single-instance with the in-memory KV fallback.
	BusURL         string
	AllowedOrigins []string

	AddPrometheusMetrics bool

	// FlushInterval coalesces presence pokes; SweepInterval/StaleAfter drive
	// the session staleness sweeper. Zero values take the defaults below.
	FlushInterval time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	PersistEvery  time.Duration
	QueueCapacity int
	// HeartbeatRetention expires old heartbeat rows during sweeps. Zero
	// keeps them forever.
	HeartbeatRetention time.Duration
}

// Server bundles every long-lived component of one instance. Setup wires,
// Start launches the loops, Teardown unwinds. HTTP assembly lives in
// Routes / RunServer.
type Server struct {
	Store    *state.Storage
	Schools  *state.SchoolConfigCache
	Cache    *presence.Cache
	Bus      *bridge.Bridge
	Pipeline *heartbeat.Pipeline
	Hub      *live.Hub
	Conns    *live.ConnMap
	Verifier *live.TokenVerifier

	resolver *heartbeat.Resolver
	queue    *heartbeat.WriteQueue
	ticker   *heartbeat.NotifyTicker
	notifier pubsub.Notifier
	sub      *pubsub.PresenceSub

	opts      Opts
	sweepDone chan struct{}
}

// Setup wires one instance: storage, presence cache, heartbeat pipeline,
// fanout bridge and the realtime hub, all sharing the same pubsub spine.
// Nothing runs yet; call Start.
func Setup(postgresURI string, opts Opts) (*Server, error) {
	if opts.JWTSecret == "" {
		return nil, fmt.Errorf("setup: a signing secret is required")
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Second
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = 90 * time.Second
	}
	if opts.PersistEvery == 0 {
		opts.PersistEvery = heartbeat.DefaultPersistEvery
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = heartbeat.DefaultQueueCapacity
	}

	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		return nil, fmt.Errorf("setup: open postgres: %w", err)
	}
	store := state.NewStorageWithDB(db, opts.AddPrometheusMetrics)
	schools := state.NewSchoolConfigCache(store.SchoolsTable)
	cache := presence.NewCache()
	bus, err := bridge.New(opts.BusURL)
	if err != nil {
		return nil, fmt.Errorf("setup: bridge: %w", err)
	}
	if opts.AddPrometheusMetrics {
		bus.AddPrometheusMetrics()
	}
	resolver := heartbeat.NewResolver(store.StudentsTable)
	throttle := heartbeat.NewThrottle(heartbeat.DefaultAcceptEvery, heartbeat.DefaultHeavyEvery, opts.PersistEvery)
	queue := heartbeat.NewWriteQueue(opts.QueueCapacity, opts.AddPrometheusMetrics)
	ticker := heartbeat.NewNotifyTicker(opts.FlushInterval)

	ps := pubsub.NewPubSub(100)
	var notifier pubsub.Notifier = ps
	if opts.AddPrometheusMetrics {
		notifier = pubsub.NewPromNotifier(ps, "pubsub")
	}

	pipeline := heartbeat.NewPipeline(store, schools, cache, resolver, throttle, queue, ticker, bus, notifier, opts.AddPrometheusMetrics)
	conns := live.NewConnMap(opts.AddPrometheusMetrics)
	verifier := live.NewTokenVerifier([]byte(opts.JWTSecret))
	hub := live.NewHub(conns, cache, bus, schools, resolver, pipeline, notifier, verifier)
	sub := pubsub.NewPresenceSub(ps, hub)

	// the ticker's flushes become the presence pokes the hub fans out
	ticker.SetCallback(func(schoolID int64, deviceIDs []string) {
		err := notifier.Notify(pubsub.ChanPresence, &pubsub.PresenceChanged{
			SchoolID:  schoolID,
			DeviceIDs: deviceIDs,
		})
		if err != nil {
			logger.Err(err).Int64("school", schoolID).Msg("failed to publish presence poke")
			sentry.CaptureException(err)
		}
	})

	return &Server{
		Store:    store,
		Schools:  schools,
		Cache:    cache,
		Bus:      bus,
		Pipeline: pipeline,
		Hub:      hub,
		Conns:    conns,
		Verifier: verifier,

		resolver: resolver,
		queue:    queue,
		ticker:   ticker,
		notifier: notifier,
		sub:      sub,

		opts:      opts,
		sweepDone: make(chan struct{}),
	}, nil
}

// Start launches the background loops: keepalive pings, the cross-instance
// subscription, notification flushing, pubsub dispatch and the staleness
// sweeper. Callers then mount Routes() on a listener.
func (s *Server) Start() error {
	if err := s.Hub.RunBridge(); err != nil {
		return fmt.Errorf("start: bridge subscribe: %w", err)
	}
	go s.Hub.Run()
	go func() {
		defer internal.ReportPanicsToSentry()
		s.ticker.Run()
	}()
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := s.sub.Listen(); err != nil {
			logger.Err(err).Msg("presence listener exited with error")
			sentry.CaptureException(err)
		}
	}()
	go s.runSweeper()
	return nil
}

// Rehydrate primes the presence cache and the resolver's device mapping from
// the most recent persisted heartbeats, so a restart doesn't blank every
// dashboard until devices report again. Sessions stay as the database left
// them; the sweeper reconciles any that went stale while we were down.
func (s *Server) Rehydrate(ctx context.Context) error {
	schools, err := s.Store.SchoolsTable.All(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: list schools: %w", err)
	}
	since := time.Now().Add(-15 * time.Minute)
	total := 0
	for _, school := range schools {
		rows, err := s.Store.HeartbeatsTable.LatestPerStudent(ctx, school.ID, since)
		if err != nil {
			return fmt.Errorf("rehydrate school %d: %w", school.ID, err)
		}
		for _, row := range rows {
			tabs, err := presence.DecodeTabs(row.Tabs)
			if err != nil {
				logger.Warn().Err(err).Int64("student", row.StudentID).Msg("skipping undecodable tabs blob")
				tabs = nil
			}
			var email, displayName string
			if student, err := s.Store.StudentsTable.FindByID(ctx, row.StudentID); err == nil && student != nil {
				email, displayName = student.Email, student.DisplayName
			}
			s.Cache.ApplyHeartbeat(presence.Update{
				SchoolID:     row.SchoolID,
				StudentID:    row.StudentID,
				DeviceID:     row.DeviceID,
				Email:        email,
				DisplayName:  displayName,
				URL:          row.URL,
				Title:        row.Title,
				OpenTabs:     tabs,
				Locked:       row.Locked,
				Sharing:      row.Sharing,
				CameraActive: row.Camera,
				ObservedAt:   row.SeenAt.UnixMilli(),
			})
			s.resolver.Remember(row.DeviceID, row.StudentID)
			if on, known := s.Bus.Restricted(ctx, row.DeviceID); known && on {
				s.Cache.ApplyServerFlagByDevice(row.DeviceID, presence.FlagRestricted, true, time.Now().UnixMilli())
			}
			total++
		}
		// Active sessions are the authoritative pairings; they win over
		// whatever the heartbeat rows implied.
		sessions, err := s.Store.SessionsTable.ActiveForSchool(ctx, school.ID)
		if err != nil {
			return fmt.Errorf("rehydrate school %d sessions: %w", school.ID, err)
		}
		for _, sess := range sessions {
			s.resolver.Remember(sess.DeviceID, sess.StudentID)
		}
	}
	logger.Info().Int("snapshots", total).Int("schools", len(schools)).Msg("rehydrated presence cache")
	return nil
}

// runSweeper periodically expires stale sessions and, when retention is
// configured, old heartbeat rows. Every instance sweeps; the queries are
// written so concurrent sweeps don't double-end a session.
func (s *Server) runSweeper() {
	defer internal.ReportPanicsToSentry()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.sweepDone:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if n, err := s.Pipeline.Sweep(ctx, s.opts.StaleAfter); err != nil {
			logger.Err(err).Msg("staleness sweep failed")
			sentry.CaptureException(err)
		} else if n > 0 {
			logger.Info().Int("sessions", n).Msg("swept stale sessions")
		}
		if s.opts.HeartbeatRetention > 0 {
			if n, err := s.Store.HeartbeatsTable.DeleteOlderThan(ctx, s.opts.HeartbeatRetention); err != nil {
				logger.Err(err).Msg("heartbeat retention sweep failed")
				sentry.CaptureException(err)
			} else if n > 0 {
				logger.Info().Int64("rows", n).Msg("expired old heartbeat rows")
			}
		}
		cancel()
	}
}

// Teardown stops the background loops and releases prometheus registrations
// and the database handle. Not safe to call twice.
func (s *Server) Teardown() {
	close(s.sweepDone)
	s.Hub.Stop()
	s.ticker.Stop()
	s.sub.Teardown()
	if err := s.notifier.Close(); err != nil {
		logger.Warn().Err(err).Msg("notifier close failed")
	}
	s.Bus.Close()
	s.Pipeline.Teardown()
	s.queue.Teardown()
	s.Conns.Teardown()
	s.Schools.Teardown()
	s.Store.Teardown()
}
