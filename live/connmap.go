package live

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ConnMap is this instance's registry of live sockets. Conns are tracked from
// the moment they upgrade; authentication additionally indexes them by role
// so routing never scans the whole table. One device id maps to at most one
// conn: a newer socket for the same device displaces the older one.
type ConnMap struct {
	mu    sync.Mutex
	conns map[string]*Conn

	byDevice         map[string]*Conn
	staffBySchool    map[int64]map[string]*Conn
	studentsBySchool map[int64]map[string]*Conn

	connGauge *prometheus.GaugeVec
}

func NewConnMap(addPrometheusMetrics bool) *ConnMap {
	m := &ConnMap{
		conns:            make(map[string]*Conn),
		byDevice:         make(map[string]*Conn),
		staffBySchool:    make(map[int64]map[string]*Conn),
		studentsBySchool: make(map[int64]map[string]*Conn),
	}
	if addPrometheusMetrics {
		m.connGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "presence_sync",
			Subsystem: "live",
			Name:      "connections",
			Help:      "Number of live websocket connections by role",
		}, []string{"role"})
		prometheus.MustRegister(m.connGauge)
	}
	return m
}

func (m *ConnMap) Teardown() {
	if m.connGauge != nil {
		prometheus.Unregister(m.connGauge)
	}
}

// updateGauge is called with the mutex held.
func (m *ConnMap) updateGauge() {
	if m.connGauge == nil {
		return
	}
	staff, students := 0, 0
	for _, conns := range m.staffBySchool {
		staff += len(conns)
	}
	for _, conns := range m.studentsBySchool {
		students += len(conns)
	}
	m.connGauge.WithLabelValues("staff").Set(float64(staff))
	m.connGauge.WithLabelValues("student").Set(float64(students))
	m.connGauge.WithLabelValues("pending").Set(float64(len(m.conns) - staff - students))
}

func (m *ConnMap) Add(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID] = conn
	m.updateGauge()
}

// Authenticated indexes a conn that just completed its handshake. Returns the
// conn displaced from the device index, if any, so the caller can close it.
func (m *ConnMap) Authenticated(conn *Conn) (displaced *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	schoolID := conn.SchoolID()
	switch conn.Role() {
	case RoleStaff:
		if m.staffBySchool[schoolID] == nil {
			m.staffBySchool[schoolID] = make(map[string]*Conn)
		}
		m.staffBySchool[schoolID][conn.ID] = conn
	case RoleStudent:
		if m.studentsBySchool[schoolID] == nil {
			m.studentsBySchool[schoolID] = make(map[string]*Conn)
		}
		m.studentsBySchool[schoolID][conn.ID] = conn
		deviceID := conn.DeviceID()
		if old := m.byDevice[deviceID]; old != nil && old.ID != conn.ID {
			displaced = old
		}
		m.byDevice[deviceID] = conn
	}
	m.updateGauge()
	return displaced
}

func (m *ConnMap) Remove(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn.ID)
	schoolID := conn.SchoolID()
	if conns := m.staffBySchool[schoolID]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(m.staffBySchool, schoolID)
		}
	}
	if conns := m.studentsBySchool[schoolID]; conns != nil {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(m.studentsBySchool, schoolID)
		}
	}
	// only unmap the device if this conn still owns it
	if deviceID := conn.DeviceID(); deviceID != "" {
		if cur := m.byDevice[deviceID]; cur != nil && cur.ID == conn.ID {
			delete(m.byDevice, deviceID)
		}
	}
	m.updateGauge()
}

func (m *ConnMap) ForDevice(deviceID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byDevice[deviceID]
}

func (m *ConnMap) Staff(schoolID int64) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.staffBySchool[schoolID]))
	for _, c := range m.staffBySchool[schoolID] {
		conns = append(conns, c)
	}
	return conns
}

func (m *ConnMap) Students(schoolID int64) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.studentsBySchool[schoolID]))
	for _, c := range m.studentsBySchool[schoolID] {
		conns = append(conns, c)
	}
	return conns
}

func (m *ConnMap) All() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *ConnMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
