package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket tuning. PongAckTimeout documents how quickly an acknowledgment is
// expected; staleness is only detected at the next keepalive tick, so the
// effective limit is PingInterval, not this constant.
const (
	writeWait      = 10 * time.Second
	authWait       = 10 * time.Second
	PingInterval   = 30 * time.Second
	PongAckTimeout = 5 * time.Second
	readWait       = 3 * PingInterval
	maxFrameBytes  = 256 * 1024
)

// Conn is one live socket. It starts unauthenticated; the first frame decides
// its role and identity. All writes serialize on the conn's mutex because the
// hub, the keepalive ticker and the bridge handler all deliver concurrently.
type Conn struct {
	ID string
	ws *websocket.Conn

	// cookieStaffID is the identity inside the staff session cookie presented
	// at upgrade time, or empty. The auth frame's asserted id must match it.
	cookieStaffID string

	mu          sync.Mutex
	role        Role
	authed      bool
	schoolID    int64
	studentID   int64
	deviceID    string
	staffID     string
	pendingPong bool

	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, cookieStaffID string) *Conn {
	return &Conn{
		ID:            uuid.NewString(),
		ws:            ws,
		cookieStaffID: cookieStaffID,
	}
}

func (c *Conn) authenticateStaff(schoolID int64, staffID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleStaff
	c.authed = true
	c.schoolID = schoolID
	c.staffID = staffID
}

func (c *Conn) authenticateStudent(schoolID, studentID int64, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = RoleStudent
	c.authed = true
	c.schoolID = schoolID
	c.studentID = studentID
	c.deviceID = deviceID
}

func (c *Conn) Authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) SchoolID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schoolID
}

func (c *Conn) StudentID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.studentID
}

func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Conn) StaffID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staffID
}

func (c *Conn) CookieStaffID() string {
	return c.cookieStaffID
}

// SendFrame marshals and writes one frame.
func (c *Conn) SendFrame(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(raw)
}

func (c *Conn) SendRaw(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Ping sends a protocol-level ping and arms the pending-pong flag. The flag
// clears in the socket's pong handler; a conn still flagged at the next
// keepalive tick gets terminated.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return err
	}
	c.pendingPong = true
	return nil
}

func (c *Conn) PongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingPong = false
}

func (c *Conn) PendingPong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingPong
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}
