package presence

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Status is derived from LastSeen at read time and never stored: with
// multiple server instances there is no way to keep a stored status truthful,
// but a timestamp ages correctly everywhere.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Horizons for deriving Status from the last heartbeat. Idle sits well above
// the heartbeat accept gate so a healthy device can't flap, offline matches
// the session staleness threshold.
const (
	IdleAfter    = 30 * time.Second
	OfflineAfter = 90 * time.Second
)

// Tab is one open browser tab. Serialized as CBOR for the durable heartbeat
// blob (short keys keep rows small) and as JSON on the staff API.
type Tab struct {
	DeviceID string `cbor:"d" json:"device_id"`
	URL      string `cbor:"u" json:"url"`
	Title    string `cbor:"t" json:"title"`
}

func EncodeTabs(tabs []Tab) ([]byte, error) {
	if len(tabs) == 0 {
		return nil, nil
	}
	return cbor.Marshal(tabs)
}

func DecodeTabs(blob []byte) ([]Tab, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var tabs []Tab
	if err := cbor.Unmarshal(blob, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

// SnapshotKey identifies one student-on-device pairing. A comparable struct
// rather than a joined string so it can key maps without delimiter games.
type SnapshotKey struct {
	StudentID int64
	DeviceID  string
}

// PresenceSnapshot is the live view of one pairing. All timestamps are unix
// milliseconds. The *SetAt fields shadow their flag: they record when the
// server last issued that flag, so a heartbeat carrying an older client-side
// value cannot roll a fresh server decision back.
type PresenceSnapshot struct {
	SchoolID    int64  `json:"school_id"`
	StudentID   int64  `json:"student_id"`
	DeviceID    string `json:"device_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`

	URL      string `json:"url"`
	Title    string `json:"title"`
	OpenTabs []Tab  `json:"open_tabs,omitempty"`
	LastSeen int64  `json:"last_seen"`

	Locked          bool  `json:"locked"`
	LockedSetAt     int64 `json:"-"`
	Sharing         bool  `json:"sharing"`
	SharingSetAt    int64 `json:"-"`
	Restricted      bool  `json:"restricted"`
	RestrictedSetAt int64 `json:"-"`
	CameraActive    bool  `json:"camera_active"`
	CameraSetAt     int64 `json:"-"`

	// ForcedOfflineAt marks the moment a session ended. It outranks LastSeen
	// until a newer heartbeat arrives.
	ForcedOfflineAt int64 `json:"-"`
}

func (s *PresenceSnapshot) Key() SnapshotKey {
	return SnapshotKey{StudentID: s.StudentID, DeviceID: s.DeviceID}
}

// StatusAt derives the status as of nowMs.
func (s *PresenceSnapshot) StatusAt(nowMs int64) Status {
	if s.ForcedOfflineAt >= s.LastSeen {
		return StatusOffline
	}
	age := time.Duration(nowMs-s.LastSeen) * time.Millisecond
	switch {
	case age >= OfflineAfter:
		return StatusOffline
	case age >= IdleAfter:
		return StatusIdle
	default:
		return StatusOnline
	}
}

func (s *PresenceSnapshot) Status() Status {
	return s.StatusAt(time.Now().UnixMilli())
}
