package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/classwatch/presence-sync/bridge"
	"github.com/classwatch/presence-sync/presence"
	"github.com/classwatch/presence-sync/pubsub"
	"github.com/classwatch/presence-sync/state"
)

const testSigningSecret = "live-test-signing-secret"

// fakeSchools serves tenant rows from memory so hub tests need no database.
type fakeSchools struct {
	mu          sync.Mutex
	rows        map[int64]*state.School
	invalidated map[int64]int
}

func (f *fakeSchools) Get(ctx context.Context, id int64) (*state.School, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeSchools) SetRestrictedMode(ctx context.Context, id int64, on bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	row.RestrictedMode = on
	return true, nil
}

func (f *fakeSchools) Invalidate(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalidated == nil {
		f.invalidated = make(map[int64]int)
	}
	f.invalidated[id]++
}

func (f *fakeSchools) add(row *state.School) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[row.ID] = row
}

func (f *fakeSchools) restricted(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	return ok && row.RestrictedMode
}

func (f *fakeSchools) wasInvalidated(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalidated[id] > 0
}

// fakeResolver hands out deterministic student rows: token identities pass
// through, email identities provision ids starting at 1001.
type fakeResolver struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]int64
}

func (f *fakeResolver) Resolve(ctx context.Context, schoolID, studentID int64, deviceID, email, displayName string) (*state.Student, error) {
	if studentID != 0 {
		return &state.Student{ID: studentID, SchoolID: schoolID, Email: email, DisplayName: displayName}, nil
	}
	if email == "" {
		return nil, errors.New("no identity to resolve")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", schoolID, email)
	id, ok := f.byKey[key]
	if !ok {
		f.nextID++
		id = 1000 + f.nextID
		f.byKey[key] = id
	}
	return &state.Student{ID: id, SchoolID: schoolID, Email: email, DisplayName: displayName}, nil
}

type fakeArbiter struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	connectErr  error
}

func (f *fakeArbiter) ConnectDevice(ctx context.Context, schoolID, studentID int64, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects = append(f.connects, fmt.Sprintf("%d/%d/%s", schoolID, studentID, deviceID))
	return nil
}

func (f *fakeArbiter) DisconnectDevice(ctx context.Context, deviceID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, deviceID+"/"+reason)
	return nil
}

func (f *fakeArbiter) connected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []pubsub.Payload
}

func (n *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) find(match func(pubsub.Payload) bool) pubsub.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.payloads {
		if match(p) {
			return p
		}
	}
	return nil
}

type hubEnv struct {
	hub      *Hub
	conns    *ConnMap
	cache    *presence.Cache
	bus      *bridge.Bridge
	schools  *fakeSchools
	resolver *fakeResolver
	arbiter  *fakeArbiter
	notifier *recordingNotifier
	server   *httptest.Server
}

func newHubEnvWithBus(t *testing.T, bus *bridge.Bridge) (*hubEnv, func()) {
	t.Helper()
	conns := NewConnMap(false)
	cache := presence.NewCache()
	schools := &fakeSchools{rows: map[int64]*state.School{
		1: {ID: 1, Name: "Hillcrest High", PlanTier: 2, TrackingEndMin: 1440, TrackingDays: 127, MaxOpenTabs: 8},
	}}
	resolver := &fakeResolver{byKey: make(map[string]int64)}
	arbiter := &fakeArbiter{}
	notifier := &recordingNotifier{}
	verifier := NewTokenVerifier([]byte(testSigningSecret))
	hub := NewHub(conns, cache, bus, schools, resolver, arbiter, notifier, verifier)
	server := httptest.NewServer(NewHandler(hub, verifier, nil))
	env := &hubEnv{
		hub:      hub,
		conns:    conns,
		cache:    cache,
		bus:      bus,
		schools:  schools,
		resolver: resolver,
		arbiter:  arbiter,
		notifier: notifier,
		server:   server,
	}
	cleanup := func() {
		for _, c := range conns.All() {
			c.Close()
		}
		server.CloseClientConnections()
		server.Close()
		hub.Stop()
		bus.Close()
		conns.Teardown()
	}
	return env, cleanup
}

func newHubEnv(t *testing.T) (*hubEnv, func()) {
	t.Helper()
	bus, err := bridge.New("")
	if err != nil {
		t.Fatalf("failed to make bridge: %s", err)
	}
	return newHubEnvWithBus(t, bus)
}

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %s", err)
	}
	return signed
}

func dial(t *testing.T, env *hubEnv, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial %s: %s", url, err)
	}
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal frame: %s", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("failed to write frame: %s", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %s", err)
	}
	return raw
}

// assertNoFrame verifies silence for the whole grace window. The read deadline
// poisons the socket, so this must be the last read on it.
func assertNoFrame(t *testing.T, ws *websocket.Conn, wait time.Duration) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(wait))
	_, raw, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", string(raw))
	}
	if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
		t.Fatalf("expected a read timeout, got %s", err)
	}
}

func expectAuthError(t *testing.T, ws *websocket.Conn, want string) {
	t.Helper()
	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAuthError {
		t.Fatalf("expected auth-error, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "error").Str; got != want {
		t.Fatalf("auth-error got %q want %q", got, want)
	}
}

func authStaff(t *testing.T, env *hubEnv, staffID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Add("Cookie", StaffCookieName+"="+mintToken(t, jwt.MapClaims{"staff_id": staffID}))
	ws := dial(t, env, header)
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStaff, StaffID: staffID, SchoolID: 1})
	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAuthSuccess {
		t.Fatalf("staff auth got %q frame: %s", typ, string(raw))
	}
	return ws
}

func authDeviceAt(t *testing.T, env *hubEnv, schoolID int64, deviceID, email string) *websocket.Conn {
	t.Helper()
	ws := dial(t, env, nil)
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, SchoolID: schoolID, DeviceID: deviceID, Email: email})
	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAuthSuccess {
		t.Fatalf("device auth got %q frame: %s", typ, string(raw))
	}
	return ws
}

func authDevice(t *testing.T, env *hubEnv, deviceID, email string) *websocket.Conn {
	t.Helper()
	return authDeviceAt(t, env, 1, deviceID, email)
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestHandshakeMustLeadWithAuth(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &Command{Type: TypeChat, Command: CommandBody{Type: "message"}})
	expectAuthError(t, ws, "authenticate first")

	// the socket is terminated, not left half-open
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("socket should be closed after a rejected handshake")
	}
}

func TestStaffAuthRejectsMissingCookie(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStaff, StaffID: "t-1", SchoolID: 1})
	expectAuthError(t, ws, "no staff session")
}

func TestStaffAuthRejectsMismatchedIdentity(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	header := http.Header{}
	header.Add("Cookie", StaffCookieName+"="+mintToken(t, jwt.MapClaims{"staff_id": "t-1"}))
	ws := dial(t, env, header)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStaff, StaffID: "t-2", SchoolID: 1})
	expectAuthError(t, ws, "staff identity mismatch")
}

func TestStaffAuthDeliversTenantConfig(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	header := http.Header{}
	header.Add("Cookie", StaffCookieName+"="+mintToken(t, jwt.MapClaims{"staff_id": "t-7"}))
	ws := dial(t, env, header)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStaff, StaffID: "t-7", SchoolID: 1})

	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAuthSuccess {
		t.Fatalf("expected auth-success, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "school.name").Str; got != "Hillcrest High" {
		t.Errorf("school.name got %q want %q", got, "Hillcrest High")
	}
	if got := gjson.GetBytes(raw, "school.plan_tier").Int(); got != 2 {
		t.Errorf("school.plan_tier got %d want 2", got)
	}
	if got := gjson.GetBytes(raw, "school.max_open_tabs").Int(); got != 8 {
		t.Errorf("school.max_open_tabs got %d want 8", got)
	}
	if got := len(env.conns.Staff(1)); got != 1 {
		t.Errorf("Staff(1) got %d conns want 1", got)
	}

	// a second auth frame on an authenticated conn is ignored, not re-run
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStaff, StaffID: "t-7", SchoolID: 1})
	assertNoFrame(t, ws, 200*time.Millisecond)
}

func TestDeviceAuthWithSignedToken(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	token := mintToken(t, jwt.MapClaims{"school_id": 1, "student_id": 42, "device_id": "dev-tok"})
	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, Token: token})

	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAuthSuccess {
		t.Fatalf("expected auth-success, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "school.school_id").Int(); got != 1 {
		t.Errorf("school.school_id got %d want 1", got)
	}
	waitUntil(t, "arbiter to see the device", func() bool {
		return len(env.arbiter.connected()) == 1
	})
	if got := env.arbiter.connected()[0]; got != "1/42/dev-tok" {
		t.Errorf("arbiter recorded %q want %q", got, "1/42/dev-tok")
	}
	if c := env.conns.ForDevice("dev-tok"); c == nil {
		t.Errorf("device conn not indexed after auth")
	}
}

func TestDeviceAuthProvisionsByEmail(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := authDevice(t, env, "dev-email", "amy@school.org")
	defer ws.Close()

	waitUntil(t, "arbiter to see the device", func() bool {
		return len(env.arbiter.connected()) == 1
	})
	if got := env.arbiter.connected()[0]; got != "1/1001/dev-email" {
		t.Errorf("arbiter recorded %q want %q", got, "1/1001/dev-email")
	}
}

func TestDeviceAuthRejectsBadToken(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"school_id": 1, "student_id": 42, "device_id": "dev-forged",
	}).SignedString([]byte("not-the-signing-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %s", err)
	}

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, Token: forged})
	expectAuthError(t, ws, "invalid device token")
	if len(env.arbiter.connected()) != 0 {
		t.Fatalf("forged token must not reach the arbiter")
	}
}

func TestDeviceAuthRequiresDeviceID(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, SchoolID: 1, Email: "amy@school.org"})
	expectAuthError(t, ws, "missing device id")
}

func TestDeviceAuthRejectsUnknownSchool(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, SchoolID: 999, DeviceID: "dev-x", Email: "amy@school.org"})
	expectAuthError(t, ws, "unknown school")
}

func TestDeviceAuthRejectsUnresolvableStudent(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := dial(t, env, nil)
	defer ws.Close()
	sendFrame(t, ws, &AuthRequest{Type: TypeAuth, Role: RoleStudent, SchoolID: 1, DeviceID: "dev-anon"})
	expectAuthError(t, ws, "cannot resolve student")
}

// Arbitration writes to the database; if that fails the socket still comes up
// and the next persisted heartbeat creates the session instead.
func TestDeviceAuthSurvivesArbitrationFailure(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()
	env.arbiter.connectErr = errors.New("connection refused")

	ws := authDevice(t, env, "dev-degraded", "amy@school.org")
	defer ws.Close()
	if c := env.conns.ForDevice("dev-degraded"); c == nil {
		t.Fatalf("device conn not indexed after degraded auth")
	}
}

func TestNewSocketDisplacesOldForDevice(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	first := authDevice(t, env, "dev-a", "amy@school.org")
	defer first.Close()
	second := authDevice(t, env, "dev-a", "amy@school.org")
	defer second.Close()

	// the older socket is closed by the server as soon as the newer one
	// finishes its handshake
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatalf("displaced socket still delivering frames")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatalf("displaced socket was never closed")
	}
	waitUntil(t, "connmap to drop the displaced conn", func() bool {
		return env.conns.Len() == 1
	})
}

func TestSignalRelayStampsOrigin(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	staff := authStaff(t, env, "t-9")
	defer staff.Close()
	device := authDevice(t, env, "dev-sig", "amy@school.org")
	defer device.Close()

	// the client-supplied from is overwritten with the authenticated identity
	sendFrame(t, staff, &Signal{Type: TypeOffer, To: "dev-sig", From: "forged", Data: json.RawMessage(`{"sdp":"v=0"}`)})
	raw := readFrame(t, device)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeOffer {
		t.Fatalf("expected offer, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "from").Str; got != "t-9" {
		t.Errorf("offer from got %q want %q", got, "t-9")
	}
	if got := gjson.GetBytes(raw, "data.sdp").Str; got != "v=0" {
		t.Errorf("offer data.sdp got %q want %q", got, "v=0")
	}

	sendFrame(t, device, &Signal{Type: TypeAnswer, To: ToStaff, Data: json.RawMessage(`{"sdp":"v=0 answer"}`)})
	raw = readFrame(t, staff)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAnswer {
		t.Fatalf("expected answer, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "from").Str; got != "dev-sig" {
		t.Errorf("answer from got %q want %q", got, "dev-sig")
	}
}

func TestSignalDeviceToDeviceDropped(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	sender := authDevice(t, env, "dev-send", "amy@school.org")
	defer sender.Close()
	target := authDevice(t, env, "dev-target", "ben@school.org")
	defer target.Close()

	sendFrame(t, sender, &Signal{Type: TypeICECandidate, To: "dev-target", Data: json.RawMessage(`{"candidate":"x"}`)})
	assertNoFrame(t, target, 300*time.Millisecond)
}

func TestRemoteControlAppliesServerFlags(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	staff := authStaff(t, env, "t-1")
	defer staff.Close()
	device := authDevice(t, env, "dev-1", "amy@school.org")
	defer device.Close()
	env.cache.ApplyHeartbeat(presence.Update{SchoolID: 1, StudentID: 1001, DeviceID: "dev-1", ObservedAt: time.Now().UnixMilli()})

	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandLock}, DeviceIDs: []string{"dev-1"}})
	raw := readFrame(t, device)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeRemoteControl {
		t.Fatalf("expected remote-control, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "command.type").Str; got != CommandLock {
		t.Fatalf("command.type got %q want %q", got, CommandLock)
	}
	snap, ok := env.cache.ForDevice("dev-1")
	if !ok || !snap.Locked {
		t.Fatalf("lock command did not flag the snapshot: %+v", snap)
	}
	if snap.LockedSetAt == 0 {
		t.Fatalf("server-issued lock should carry a stamp")
	}

	// a targeted restriction also lands in the shared ephemeral store so any
	// instance can re-assert it
	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandRestrict}, DeviceIDs: []string{"dev-1"}})
	readFrame(t, device)
	on, known := env.bus.Restricted(context.Background(), "dev-1")
	if !known || !on {
		t.Fatalf("restriction not recorded: on=%v known=%v", on, known)
	}
	snap, _ = env.cache.ForDevice("dev-1")
	if !snap.Restricted {
		t.Fatalf("restrict command did not flag the snapshot")
	}
}

func TestReconnectReassertsRestriction(t *testing.T) {
	bus := &fakeBus{}
	env, cleanup := newHubEnvWithBus(t, bridge.NewWithTransport(bus.connect()))
	defer cleanup()
	env.bus.SetRestricted(context.Background(), "dev-back", true)

	ws := authDevice(t, env, "dev-back", "amy@school.org")
	defer ws.Close()

	// right behind auth-success comes the standing restriction
	raw := readFrame(t, ws)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeRemoteControl {
		t.Fatalf("expected the restriction to be re-issued, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "command.type").Str; got != CommandRestrict {
		t.Fatalf("command.type got %q want %q", got, CommandRestrict)
	}
}

func TestSchoolWideRestrictBecomesConfigUpdate(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	staff := authStaff(t, env, "t-1")
	defer staff.Close()
	device := authDevice(t, env, "dev-1", "amy@school.org")
	defer device.Close()

	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandRestrict}})
	waitUntil(t, "the school row to flip restricted", func() bool {
		return env.schools.restricted(1)
	})
	waitUntil(t, "the config change announcement", func() bool {
		return env.notifier.find(func(p pubsub.Payload) bool {
			_, ok := p.(*pubsub.SchoolConfigChanged)
			return ok
		}) != nil
	})

	// the announcement comes back through pubsub and surfaces as a config
	// update, never as a command frame
	env.hub.OnSchoolConfigChanged(&pubsub.SchoolConfigChanged{SchoolID: 1})
	raw := readFrame(t, device)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeConfigUpdate {
		t.Fatalf("device expected config-update, got %s", string(raw))
	}
	if !gjson.GetBytes(raw, "school.restricted_mode").Bool() {
		t.Fatalf("config-update should carry restricted_mode=true: %s", string(raw))
	}
	raw = readFrame(t, staff)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeConfigUpdate {
		t.Fatalf("staff expected config-update, got %s", string(raw))
	}
	if !env.schools.wasInvalidated(1) {
		t.Fatalf("config update must reload the row, not trust the cache")
	}
}

func TestPresencePokesReachStaffOnly(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	staff := authStaff(t, env, "t-1")
	defer staff.Close()
	device := authDevice(t, env, "dev-9", "amy@school.org")
	defer device.Close()

	env.hub.OnPresenceChanged(&pubsub.PresenceChanged{SchoolID: 1, DeviceIDs: []string{"dev-9"}})
	raw := readFrame(t, staff)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeStudentUpdate {
		t.Fatalf("expected student-update, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "device_ids.0").Str; got != "dev-9" {
		t.Errorf("device_ids got %q want %q", got, "dev-9")
	}

	env.hub.OnSessionEnded(&pubsub.SessionEnded{SchoolID: 1, StudentID: 1001, DeviceID: "dev-9", Reason: "logout"})
	raw = readFrame(t, staff)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeStudentUpdate {
		t.Fatalf("expected student-update after session end, got %s", string(raw))
	}

	assertNoFrame(t, device, 300*time.Millisecond)
}

func TestSchoolIsolation(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()
	env.schools.add(&state.School{ID: 2, Name: "Eastside Middle", PlanTier: 1, TrackingEndMin: 1440, TrackingDays: 127, MaxOpenTabs: 4})

	staff := authStaff(t, env, "t-iso") // school 1
	defer staff.Close()
	device := authDeviceAt(t, env, 2, "dev-s2", "zoe@eastside.org")
	defer device.Close()
	env.cache.ApplyHeartbeat(presence.Update{SchoolID: 2, StudentID: 1001, DeviceID: "dev-s2", ObservedAt: time.Now().UnixMilli()})

	sendFrame(t, staff, &Command{Type: TypeChat, Command: CommandBody{Type: "message", Data: json.RawMessage(`{"text":"school one only"}`)}})
	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandLock}, DeviceIDs: []string{"dev-s2"}})
	assertNoFrame(t, device, 300*time.Millisecond)
	if snap, ok := env.cache.ForDevice("dev-s2"); !ok || snap.Locked {
		t.Fatalf("cross-school command must not flag the device: %+v", snap)
	}

	env.hub.OnPresenceChanged(&pubsub.PresenceChanged{SchoolID: 2, DeviceIDs: []string{"dev-s2"}})
	assertNoFrame(t, staff, 300*time.Millisecond)
}

// A targeted restriction must not write the shared ephemeral flag for another
// school's device: that flag outlives the command frame and would be
// re-asserted when the device reconnects.
func TestSchoolIsolationRestrictionFlag(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()
	env.schools.add(&state.School{ID: 2, Name: "Eastside Middle", PlanTier: 1, TrackingEndMin: 1440, TrackingDays: 127, MaxOpenTabs: 4})

	staff := authStaff(t, env, "t-iso-r") // school 1
	defer staff.Close()
	nowMs := time.Now().UnixMilli()
	env.cache.ApplyHeartbeat(presence.Update{SchoolID: 2, StudentID: 2001, DeviceID: "dev-s2-flag", ObservedAt: nowMs})
	env.cache.ApplyHeartbeat(presence.Update{SchoolID: 1, StudentID: 1001, DeviceID: "dev-s1-flag", ObservedAt: nowMs})

	// frames from one conn apply in order, so once the second restriction is
	// visible the first has been fully handled
	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandRestrict}, DeviceIDs: []string{"dev-s2-flag"}})
	sendFrame(t, staff, &Command{Type: TypeRemoteControl, Command: CommandBody{Type: CommandRestrict}, DeviceIDs: []string{"dev-s1-flag"}})
	waitUntil(t, "the in-school restriction to land", func() bool {
		on, known := env.bus.Restricted(context.Background(), "dev-s1-flag")
		return known && on
	})
	if on, known := env.bus.Restricted(context.Background(), "dev-s2-flag"); known && on {
		t.Fatalf("cross-school restriction reached the shared flag store")
	}

	// and the other school's device comes back clean
	device := authDeviceAt(t, env, 2, "dev-s2-flag", "zoe@eastside.org")
	defer device.Close()
	assertNoFrame(t, device, 300*time.Millisecond)
}

func TestKeepaliveTerminatesUnresponsiveConns(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := authDevice(t, env, "dev-dead", "amy@school.org")
	defer ws.Close()

	// the client never reads, so the ping is never acknowledged
	env.hub.pingAll()
	env.hub.pingAll()
	if c := env.conns.ForDevice("dev-dead"); c != nil {
		t.Fatalf("unresponsive conn survived two keepalive rounds")
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("socket should be closed after an unacknowledged ping")
	}
}

func TestKeepaliveSparesResponsiveConns(t *testing.T) {
	env, cleanup := newHubEnv(t)
	defer cleanup()

	ws := authDevice(t, env, "dev-alive", "amy@school.org")
	defer ws.Close()

	// a reading client answers pings automatically
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn := env.conns.ForDevice("dev-alive")
	if conn == nil {
		t.Fatalf("device conn not indexed")
	}
	env.hub.pingAll()
	waitUntil(t, "the pong to arrive", func() bool {
		return !conn.PendingPong()
	})
	env.hub.pingAll()
	if c := env.conns.ForDevice("dev-alive"); c == nil {
		t.Fatalf("responsive conn was terminated")
	}
}

// fakeBus links several bridge transports in process, standing in for the
// redis or nats fanout between instances.
type fakeBus struct {
	mu   sync.Mutex
	subs []func(int64, []byte)
	kv   map[string][]byte
}

func (b *fakeBus) connect() *fakeBusTransport {
	return &fakeBusTransport{bus: b}
}

type fakeBusTransport struct {
	bus *fakeBus
}

func (t *fakeBusTransport) Publish(ctx context.Context, schoolID int64, payload []byte) error {
	t.bus.mu.Lock()
	subs := make([]func(int64, []byte), len(t.bus.subs))
	copy(subs, t.bus.subs)
	t.bus.mu.Unlock()
	for _, fn := range subs {
		fn(schoolID, append([]byte(nil), payload...))
	}
	return nil
}

func (t *fakeBusTransport) Subscribe(handler func(schoolID int64, payload []byte)) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	t.bus.subs = append(t.bus.subs, handler)
	return nil
}

func (t *fakeBusTransport) SetEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if t.bus.kv == nil {
		t.bus.kv = make(map[string][]byte)
	}
	t.bus.kv[key] = append([]byte(nil), value...)
	return nil
}

func (t *fakeBusTransport) GetEphemeral(ctx context.Context, key string) ([]byte, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	value, ok := t.bus.kv[key]
	if !ok {
		return nil, bridge.ErrNoEntry
	}
	return value, nil
}

func (t *fakeBusTransport) Enabled() bool { return true }
func (t *fakeBusTransport) Close()        {}

func TestFanoutCrossesInstances(t *testing.T) {
	bus := &fakeBus{}
	envA, cleanupA := newHubEnvWithBus(t, bridge.NewWithTransport(bus.connect()))
	defer cleanupA()
	envB, cleanupB := newHubEnvWithBus(t, bridge.NewWithTransport(bus.connect()))
	defer cleanupB()
	if err := envA.hub.RunBridge(); err != nil {
		t.Fatalf("failed to subscribe instance A: %s", err)
	}
	if err := envB.hub.RunBridge(); err != nil {
		t.Fatalf("failed to subscribe instance B: %s", err)
	}

	staff := authStaff(t, envA, "t-x")
	defer staff.Close()
	device := authDeviceAt(t, envB, 1, "dev-remote", "remote@school.org")
	defer device.Close()

	sendFrame(t, staff, &Command{
		Type:      TypeChat,
		Command:   CommandBody{Type: "message", Data: json.RawMessage(`{"text":"eyes up front"}`)},
		DeviceIDs: []string{"dev-remote"},
	})
	raw := readFrame(t, device)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeChat {
		t.Fatalf("expected chat on the other instance, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "command.data.text").Str; got != "eyes up front" {
		t.Errorf("chat text got %q want %q", got, "eyes up front")
	}
	if gjson.GetBytes(raw, "origin").Exists() {
		t.Errorf("instance tag leaked to the client: %s", string(raw))
	}

	sendFrame(t, device, &Signal{Type: TypeAnswer, To: ToStaff, Data: json.RawMessage(`{"sdp":"v=0"}`)})
	raw = readFrame(t, staff)
	if typ := gjson.GetBytes(raw, "type").Str; typ != TypeAnswer {
		t.Fatalf("expected answer relayed across instances, got %s", string(raw))
	}
	if got := gjson.GetBytes(raw, "from").Str; got != "dev-remote" {
		t.Errorf("answer from got %q want %q", got, "dev-remote")
	}

	// the sending instance must not replay its own envelope to the sender
	assertNoFrame(t, staff, 300*time.Millisecond)
}
