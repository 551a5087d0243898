package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/tidwall/sjson"

	"github.com/classwatch/presence-sync/bridge"
	"github.com/classwatch/presence-sync/internal"
	"github.com/classwatch/presence-sync/presence"
	"github.com/classwatch/presence-sync/pubsub"
	"github.com/classwatch/presence-sync/state"
)

// SessionArbiter runs session arbitration for socket-authenticated devices
// and fans out whatever it ends.
type SessionArbiter interface {
	ConnectDevice(ctx context.Context, schoolID, studentID int64, deviceID string) error
	DisconnectDevice(ctx context.Context, deviceID, reason string) error
}

// IdentityResolver ties a handshake to a student row, provisioning by email
// when needed.
type IdentityResolver interface {
	Resolve(ctx context.Context, schoolID, studentID int64, deviceID, email, displayName string) (*state.Student, error)
}

// SchoolConfig serves tenant rows for handshakes and applies school-wide
// restriction toggles.
type SchoolConfig interface {
	Get(ctx context.Context, id int64) (*state.School, error)
	SetRestrictedMode(ctx context.Context, id int64, on bool) (bool, error)
	Invalidate(id int64)
}

// Hub routes frames between local connections and, through the bridge, to
// connections held by other instances. Every outbound delivery does both:
// local ConnMap delivery plus a bridge publish; the bridge drops our own
// envelopes on the way back in.
type Hub struct {
	conns    *ConnMap
	cache    *presence.Cache
	bus      *bridge.Bridge
	schools  SchoolConfig
	resolver IdentityResolver
	arbiter  SessionArbiter
	notifier pubsub.Notifier
	verifier *TokenVerifier

	ticker *time.Ticker
	done   chan struct{}
}

func NewHub(
	conns *ConnMap,
	cache *presence.Cache,
	bus *bridge.Bridge,
	schools SchoolConfig,
	resolver IdentityResolver,
	arbiter SessionArbiter,
	notifier pubsub.Notifier,
	verifier *TokenVerifier,
) *Hub {
	return &Hub{
		conns:    conns,
		cache:    cache,
		bus:      bus,
		schools:  schools,
		resolver: resolver,
		arbiter:  arbiter,
		notifier: notifier,
		verifier: verifier,
		ticker:   time.NewTicker(PingInterval),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Register(conn *Conn) {
	h.conns.Add(conn)
}

func (h *Hub) Unregister(conn *Conn) {
	h.conns.Remove(conn)
	conn.Close()
}

// HandleFrame processes one frame from a local connection. Unauthenticated
// connections get exactly one chance: their first frame must be auth.
func (h *Hub) HandleFrame(ctx context.Context, conn *Conn, raw []byte) {
	m, err := ParseFrame(raw)
	if err != nil {
		if !conn.Authed() {
			h.rejectAuth(conn, "authenticate first")
			return
		}
		logger.Warn().Err(err).Str("conn", conn.ID).Msg("dropping undecodable frame")
		return
	}
	if _, isAuth := m.(*AuthRequest); !isAuth && !conn.Authed() {
		h.rejectAuth(conn, "authenticate first")
		return
	}
	switch msg := m.(type) {
	case *AuthRequest:
		h.handleAuth(ctx, conn, msg)
	case *Signal:
		h.handleSignal(ctx, conn, msg, raw)
	case *Command:
		h.handleCommand(ctx, conn, msg, raw)
	default:
		logger.Warn().Str("frame", fmt.Sprintf("%T", m)).Str("conn", conn.ID).Msg("client sent a server-only frame, dropping")
	}
}

func (h *Hub) rejectAuth(conn *Conn, reason string) {
	logger.Info().Str("conn", conn.ID).Str("reason", reason).Msg("authentication failed")
	conn.SendFrame(NewAuthError(reason))
	conn.Close()
}

func (h *Hub) handleAuth(ctx context.Context, conn *Conn, msg *AuthRequest) {
	if conn.Authed() {
		logger.Warn().Str("conn", conn.ID).Msg("ignoring repeated auth")
		return
	}
	switch msg.Role {
	case RoleStaff:
		h.authStaff(ctx, conn, msg)
	case RoleStudent:
		h.authStudent(ctx, conn, msg)
	default:
		h.rejectAuth(conn, "unknown role")
	}
}

func (h *Hub) authStaff(ctx context.Context, conn *Conn, msg *AuthRequest) {
	cookieID := conn.CookieStaffID()
	if cookieID == "" {
		h.rejectAuth(conn, "no staff session")
		return
	}
	if msg.StaffID == "" || msg.StaffID != cookieID {
		h.rejectAuth(conn, "staff identity mismatch")
		return
	}
	school := h.lookupSchool(ctx, conn, msg.SchoolID)
	if school == nil {
		return
	}
	conn.authenticateStaff(school.ID, msg.StaffID)
	h.finishAuth(conn, school)
}

func (h *Hub) authStudent(ctx context.Context, conn *Conn, msg *AuthRequest) {
	schoolID, studentID, deviceID := msg.SchoolID, msg.StudentID, msg.DeviceID
	if msg.Token != "" {
		claims, err := h.verifier.DeviceClaims(msg.Token)
		if err != nil {
			h.rejectAuth(conn, "invalid device token")
			return
		}
		schoolID, studentID, deviceID = claims.SchoolID, claims.StudentID, claims.DeviceID
	}
	if deviceID == "" {
		h.rejectAuth(conn, "missing device id")
		return
	}
	school := h.lookupSchool(ctx, conn, schoolID)
	if school == nil {
		return
	}
	student, err := h.resolver.Resolve(ctx, school.ID, studentID, deviceID, msg.Email, msg.DisplayName)
	if err != nil {
		logger.Debug().Err(err).Str("device", deviceID).Msg("handshake resolution failed")
		h.rejectAuth(conn, "cannot resolve student")
		return
	}
	conn.authenticateStudent(school.ID, student.ID, deviceID)
	if err := h.arbiter.ConnectDevice(ctx, school.ID, student.ID, deviceID); err != nil {
		// the session will be created lazily by the next persisted heartbeat
		logger.Err(err).Str("device", deviceID).Msg("session arbitration failed during auth")
		sentry.CaptureException(err)
	}
	h.finishAuth(conn, school)

	// a restriction issued while the device was away survives the reconnect,
	// whichever instance it comes back through
	if on, known := h.bus.Restricted(ctx, deviceID); known && on {
		h.cache.ApplyServerFlagByDevice(deviceID, presence.FlagRestricted, true, time.Now().UnixMilli())
		conn.SendFrame(&Command{
			Type:      TypeRemoteControl,
			Command:   CommandBody{Type: CommandRestrict},
			DeviceIDs: []string{deviceID},
		})
	}
}

// lookupSchool fetches the tenant row, rejecting the handshake when it cannot
// be served. Returns nil after a rejection.
func (h *Hub) lookupSchool(ctx context.Context, conn *Conn, schoolID int64) *state.School {
	school, err := h.schools.Get(ctx, schoolID)
	if err != nil {
		logger.Err(err).Int64("school", schoolID).Msg("school lookup failed during auth")
		sentry.CaptureException(err)
		h.rejectAuth(conn, "server error")
		return nil
	}
	if school == nil {
		h.rejectAuth(conn, "unknown school")
		return nil
	}
	return school
}

func (h *Hub) finishAuth(conn *Conn, school *state.School) {
	if displaced := h.conns.Authenticated(conn); displaced != nil {
		logger.Info().Str("conn", displaced.ID).Str("device", conn.DeviceID()).Msg("closing displaced connection for device")
		displaced.Close()
	}
	conn.SendFrame(NewAuthSuccess(NewTenantConfig(school)))
	logger.Info().Str("conn", conn.ID).Str("role", string(conn.Role())).Int64("school", school.ID).Msg("connection authenticated")
}

func (h *Hub) handleSignal(ctx context.Context, conn *Conn, msg *Signal, raw []byte) {
	from := conn.StaffID()
	if conn.Role() == RoleStudent {
		if msg.To != ToStaff {
			// devices only signal at their supervisors
			logger.Warn().Str("conn", conn.ID).Str("to", msg.To).Msg("dropping device-to-device signal")
			return
		}
		from = conn.DeviceID()
	}
	msg.From = from
	tagged, err := sjson.SetBytes(raw, "from", from)
	if err != nil {
		logger.Err(err).Msg("failed to stamp signal origin")
		return
	}
	h.fanOut(ctx, conn.SchoolID(), msg, tagged)
}

func (h *Hub) handleCommand(ctx context.Context, conn *Conn, msg *Command, raw []byte) {
	if conn.Role() != RoleStaff {
		logger.Warn().Str("conn", conn.ID).Msg("dropping command from non-staff connection")
		return
	}
	schoolID := conn.SchoolID()
	if msg.Type == TypeRemoteControl && !h.applyCommandWrites(ctx, schoolID, msg) {
		return
	}
	h.fanOut(ctx, schoolID, msg, raw)
}

// applyCommandWrites performs the durable and cross-instance side effects of
// a remote-control command on the originating instance only. Returns false
// when the command was wholly absorbed into a config change and should not be
// broadcast as a command.
func (h *Hub) applyCommandWrites(ctx context.Context, schoolID int64, msg *Command) bool {
	switch msg.Command.Type {
	case CommandRestrict, CommandUnrestrict:
		on := msg.Command.Type == CommandRestrict
		if len(msg.DeviceIDs) == 0 {
			// school-wide toggle: clients learn about it from the config
			// update, not from a command frame
			ok, err := h.schools.SetRestrictedMode(ctx, schoolID, on)
			if err != nil {
				logger.Err(err).Int64("school", schoolID).Msg("failed to set school restricted mode")
				sentry.CaptureException(err)
				return false
			}
			if !ok {
				logger.Warn().Int64("school", schoolID).Msg("restricted mode toggle for unknown school")
				return false
			}
			if err := h.notifier.Notify(pubsub.ChanPresence, &pubsub.SchoolConfigChanged{SchoolID: schoolID}); err != nil {
				logger.Err(err).Msg("failed to notify school config change")
			}
			return false
		}
		for _, deviceID := range msg.DeviceIDs {
			// never let a restriction reach across tenants; the shared flag
			// would be re-asserted on the device's next reconnect anywhere
			if snap, ok := h.cache.ForDevice(deviceID); !ok || snap.SchoolID != schoolID {
				continue
			}
			h.bus.SetRestricted(ctx, deviceID, on)
		}
	}
	return true
}

// fanOut delivers to local connections and publishes for other instances.
// Both always happen; the bridge skips replaying our own envelopes.
func (h *Hub) fanOut(ctx context.Context, schoolID int64, m any, raw []byte) {
	h.deliver(ctx, schoolID, m, raw)
	h.bus.Publish(ctx, schoolID, raw)
}

// deliver sends one frame to its local targets. It runs both for frames
// originating here and for frames arriving over the bridge, so any cache
// side effects applied here happen once per instance.
func (h *Hub) deliver(ctx context.Context, schoolID int64, m any, raw []byte) {
	switch msg := m.(type) {
	case *Signal:
		if msg.To == ToStaff {
			for _, c := range h.conns.Staff(schoolID) {
				c.SendRaw(raw)
			}
			return
		}
		if c := h.conns.ForDevice(msg.To); c != nil && c.SchoolID() == schoolID {
			c.SendRaw(raw)
		}
	case *Command:
		h.applyCommandEffects(schoolID, msg)
		if len(msg.DeviceIDs) == 0 {
			for _, c := range h.conns.Students(schoolID) {
				c.SendRaw(raw)
			}
			return
		}
		for _, deviceID := range msg.DeviceIDs {
			if c := h.conns.ForDevice(deviceID); c != nil && c.SchoolID() == schoolID {
				c.SendRaw(raw)
			}
		}
	case *StudentUpdate:
		for _, c := range h.conns.Staff(schoolID) {
			c.SendRaw(raw)
		}
	case *ConfigUpdate:
		h.deliverConfig(ctx, schoolID)
	default:
		logger.Warn().Str("frame", fmt.Sprintf("%T", m)).Msg("no delivery rule for frame, dropping")
	}
}

// applyCommandEffects mirrors a remote-control command into this instance's
// presence cache with a fresh server-issued stamp, so in-flight heartbeats
// carrying the old flag value lose the race.
func (h *Hub) applyCommandEffects(schoolID int64, msg *Command) {
	if msg.Type != TypeRemoteControl {
		return
	}
	var flag presence.Flag
	var on bool
	switch msg.Command.Type {
	case CommandLock:
		flag, on = presence.FlagLocked, true
	case CommandUnlock:
		flag, on = presence.FlagLocked, false
	case CommandRestrict:
		flag, on = presence.FlagRestricted, true
	case CommandUnrestrict:
		flag, on = presence.FlagRestricted, false
	default:
		return
	}
	nowMs := time.Now().UnixMilli()
	if len(msg.DeviceIDs) == 0 {
		for _, snap := range h.cache.BySchool(schoolID) {
			h.cache.ApplyServerFlag(schoolID, snap.Key(), flag, on, nowMs)
		}
		return
	}
	for _, deviceID := range msg.DeviceIDs {
		// never let a command reach across tenants
		if snap, ok := h.cache.ForDevice(deviceID); !ok || snap.SchoolID != schoolID {
			continue
		}
		h.cache.ApplyServerFlagByDevice(deviceID, flag, on, nowMs)
	}
}

// deliverConfig pushes fresh tenant settings to the school's local
// connections. The bridged frame is only a trigger; each instance
// invalidates and reloads the row itself.
func (h *Hub) deliverConfig(ctx context.Context, schoolID int64) {
	h.schools.Invalidate(schoolID)
	school, err := h.schools.Get(ctx, schoolID)
	if err != nil {
		logger.Err(err).Int64("school", schoolID).Msg("config update: school lookup failed")
		return
	}
	if school == nil {
		return
	}
	cfg := NewTenantConfig(school)
	frame := NewConfigUpdate(schoolID, &cfg)
	for _, c := range h.conns.Students(schoolID) {
		c.SendFrame(frame)
	}
	for _, c := range h.conns.Staff(schoolID) {
		c.SendFrame(frame)
	}
}

func (h *Hub) broadcastStudentUpdate(schoolID int64, deviceIDs []string) {
	frame := NewStudentUpdate(schoolID, deviceIDs)
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.fanOut(context.Background(), schoolID, frame, raw)
}

func (h *Hub) OnPresenceChanged(p *pubsub.PresenceChanged) {
	h.broadcastStudentUpdate(p.SchoolID, p.DeviceIDs)
}

func (h *Hub) OnSessionStarted(p *pubsub.SessionStarted) {
	h.broadcastStudentUpdate(p.SchoolID, []string{p.DeviceID})
}

func (h *Hub) OnSessionEnded(p *pubsub.SessionEnded) {
	h.broadcastStudentUpdate(p.SchoolID, []string{p.DeviceID})
}

func (h *Hub) OnSchoolConfigChanged(p *pubsub.SchoolConfigChanged) {
	frame := NewConfigUpdate(p.SchoolID, nil)
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.fanOut(context.Background(), p.SchoolID, frame, raw)
}

// RunBridge installs the hub as the process-wide bus handler. Incoming
// envelopes re-run local delivery exactly as if they originated here.
func (h *Hub) RunBridge() error {
	return h.bus.Subscribe(func(schoolID int64, payload []byte) {
		m, err := ParseFrame(payload)
		if err != nil {
			logger.Warn().Err(err).Int64("school", schoolID).Msg("dropping undecodable bridge envelope")
			return
		}
		h.deliver(context.Background(), schoolID, m, payload)
	})
}

// Run drives the keepalive loop until Stop is called.
func (h *Hub) Run() {
	defer internal.ReportPanicsToSentry()
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) Stop() {
	h.ticker.Stop()
	close(h.done)
}

func (h *Hub) pingAll() {
	for _, conn := range h.conns.All() {
		if conn.PendingPong() {
			logger.Info().Str("conn", conn.ID).Msg("closing connection: previous ping unacknowledged")
			h.Unregister(conn)
			continue
		}
		if err := conn.Ping(); err != nil {
			h.Unregister(conn)
		}
	}
}
