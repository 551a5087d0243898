package presencesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/classwatch/presence-sync/bridge"
	"github.com/classwatch/presence-sync/heartbeat"
	"github.com/classwatch/presence-sync/internal"
	"github.com/classwatch/presence-sync/live"
	"github.com/classwatch/presence-sync/presence"
	"github.com/classwatch/presence-sync/state"
)

// maxHeartbeatBytes bounds a heartbeat body. A full report with the tab cap
// maxed out stays well under this.
const maxHeartbeatBytes = 64 * 1024

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

var okBody = struct {
	OK bool `json:"ok"`
}{true}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, herr *internal.HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// Routes assembles the HTTP surface: heartbeat ingest, the staff read API,
// screenshot relay, explicit logout, the websocket upgrade and a liveness
// probe.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/api/heartbeat", allowCORS(http.HandlerFunc(s.handleHeartbeat)))
	r.Handle("/api/presence", allowCORS(http.HandlerFunc(s.handlePresence)))
	r.Handle("/api/screenshot/{deviceID}", allowCORS(http.HandlerFunc(s.handleScreenshot)))
	r.Handle("/api/logout", allowCORS(http.HandlerFunc(s.handleLogout)))
	r.Handle("/ws", live.NewHandler(s.Hub, s.Verifier, s.opts.AllowedOrigins))
	r.HandleFunc("/healthz", s.handleHealth)
	return r
}

// handleHeartbeat ingests one device report. Whatever the pipeline decides,
// the device gets {"ok":true}: a throttled, out-of-window or unresolvable
// heartbeat must not teach ten thousand extensions to retry. Only transport
// level garbage earns an error status.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusMethodNotAllowed, Err: fmt.Errorf("POST required")})
		return
	}
	var req heartbeat.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHeartbeatBytes)).Decode(&req); err != nil {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("malformed heartbeat: %w", err)})
		return
	}
	internal.SetRequestContextIdentity(r.Context(), req.SchoolID, req.StudentID, req.DeviceID)
	outcome, err := s.Pipeline.Process(r.Context(), &req)
	if err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("heartbeat pipeline error")
	}
	internal.SetRequestContextOutcome(r.Context(), outcome.Accepted, outcome.Persisted, outcome.DropReason)
	writeJSON(w, http.StatusOK, okBody)
}

// handlePresence serves a staff dashboard the aggregated roster for one
// school, folding in cross-instance last-seen hints so every instance
// answers identically.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.Verifier.StaffIdentity(r) == "" {
		writeError(w, internal.UnauthorizedError("no staff session"))
		return
	}
	schoolID, err := strconv.ParseInt(r.URL.Query().Get("school_id"), 10, 64)
	if err != nil || schoolID <= 0 {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("school_id required")})
		return
	}
	snaps := s.Cache.BySchool(schoolID)
	studentIDs := make([]int64, 0, len(snaps))
	seen := make(map[int64]bool, len(snaps))
	for _, snap := range snaps {
		if !seen[snap.StudentID] {
			seen[snap.StudentID] = true
			studentIDs = append(studentIDs, snap.StudentID)
		}
	}
	hints := s.Bus.LastSeenBulk(r.Context(), studentIDs)
	students := presence.Aggregate(snaps, hints, time.Now().UnixMilli())
	writeJSON(w, http.StatusOK, struct {
		Students []presence.AggregatedPresence `json:"students"`
	}{students})
}

// handleScreenshot stores (device POST) or serves (staff GET) the transient
// screen capture for one device. Captures live only in the bridge KV, never
// on disk, and vanish after the TTL.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]
	switch r.Method {
	case http.MethodPost:
		// one byte over the cap makes PutScreenshot reject, without us
		// buffering an unbounded body first
		img, err := io.ReadAll(io.LimitReader(r.Body, bridge.MaxScreenshotBytes+1))
		if err != nil {
			writeError(w, &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("read capture: %w", err)})
			return
		}
		if err := s.Bus.PutScreenshot(r.Context(), deviceID, img); err != nil {
			writeError(w, &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: err})
			return
		}
		writeJSON(w, http.StatusOK, okBody)
	case http.MethodGet:
		if s.Verifier.StaffIdentity(r) == "" {
			writeError(w, internal.UnauthorizedError("no staff session"))
			return
		}
		img, ok := s.Bus.Screenshot(r.Context(), deviceID)
		if !ok {
			writeError(w, &internal.HandlerError{StatusCode: http.StatusNotFound, Err: fmt.Errorf("no capture for %s", deviceID)})
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.Write(img)
	default:
		writeError(w, &internal.HandlerError{StatusCode: http.StatusMethodNotAllowed, Err: fmt.Errorf("GET or POST required")})
	}
}

// handleLogout ends a device's session explicitly. Unlike heartbeats this
// reports real failures: the extension retries logout until acknowledged.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusMethodNotAllowed, Err: fmt.Errorf("POST required")})
		return
	}
	var body struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.DeviceID == "" {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("device_id required")})
		return
	}
	internal.SetRequestContextIdentity(r.Context(), 0, 0, body.DeviceID)
	if err := s.Pipeline.DisconnectDevice(r.Context(), body.DeviceID, state.EndReasonLogout); err != nil {
		internal.GetSentryHubFromContextOrDefault(r.Context()).CaptureException(err)
		writeError(w, &internal.HandlerError{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("logout: %w", err)})
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.DB.PingContext(ctx); err != nil {
		writeError(w, &internal.HandlerError{StatusCode: http.StatusServiceUnavailable, Err: fmt.Errorf("db: %w", err)})
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

// RunServer rehydrates, starts the background loops and blocks serving the
// API. Middleware order matters: the request-context install sits outside
// the access logger so end-of-request decoration sees what handlers
// recorded into it.
func RunServer(s *Server, bindAddr string) {
	if err := s.Rehydrate(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("rehydration failed, starting cold")
		sentry.CaptureException(err)
	}
	if err := s.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start background loops")
	}

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					next.ServeHTTP(w, r.WithContext(internal.RequestContext(r.Context())))
				})
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/healthz" {
					return
				}
				l := hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path)
				internal.DecorateLogger(r.Context(), l).Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: s.Routes(),
	}

	logger.Info().Str("version", Version).Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, otelhttp.NewHandler(srv, "presence-sync")); err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
