package live

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/classwatch/presence-sync/state"
)

// Role of an authenticated connection.
type Role string

const (
	RoleStaff   Role = "staff"
	RoleStudent Role = "student"
)

// Wire frame types. Every frame is one JSON object with a "type" tag; the
// parser maps each tag to exactly one struct below so unhandled shapes fail
// loudly instead of drifting.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth-success"
	TypeAuthError   = "auth-error"

	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	TypeRemoteControl = "remote-control"
	TypeChat          = "chat"

	TypeStudentUpdate = "student-update"
	TypeConfigUpdate  = "config-update"
)

// ToStaff addresses a signal at the supervising side instead of a device.
const ToStaff = "staff"

// Remote-control command verbs understood by the server. Anything else rides
// through to the device untouched.
const (
	CommandLock       = "lock"
	CommandUnlock     = "unlock"
	CommandRestrict   = "restrict"
	CommandUnrestrict = "unrestrict"
)

// AuthRequest is the mandatory first frame. Staff assert their id, which must
// match the identity in their session cookie. Devices present either a signed
// token or enough identity (school + device + email) for resolution.
type AuthRequest struct {
	Type string `json:"type"`
	Role Role   `json:"role"`

	StaffID string `json:"staff_id,omitempty"`

	Token       string `json:"token,omitempty"`
	SchoolID    int64  `json:"school_id,omitempty"`
	StudentID   int64  `json:"student_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// TenantConfig is the school settings payload pushed on auth-success and on
// config updates, so clients never need a follow-up fetch.
type TenantConfig struct {
	SchoolID       int64  `json:"school_id"`
	Name           string `json:"name"`
	PlanTier       int    `json:"plan_tier"`
	RestrictedMode bool   `json:"restricted_mode"`
	MaxOpenTabs    int    `json:"max_open_tabs"`
}

func NewTenantConfig(s *state.School) TenantConfig {
	return TenantConfig{
		SchoolID:       s.ID,
		Name:           s.Name,
		PlanTier:       s.PlanTier,
		RestrictedMode: s.RestrictedMode,
		MaxOpenTabs:    s.MaxOpenTabs,
	}
}

type AuthSuccess struct {
	Type   string       `json:"type"`
	School TenantConfig `json:"school"`
}

func NewAuthSuccess(cfg TenantConfig) *AuthSuccess {
	return &AuthSuccess{Type: TypeAuthSuccess, School: cfg}
}

type AuthError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAuthError(msg string) *AuthError {
	return &AuthError{Type: TypeAuthError, Error: msg}
}

// Signal is a point-to-point relay frame (WebRTC handshake traffic). The
// server never looks inside Data; it only routes on To and stamps From.
type Signal struct {
	Type string          `json:"type"`
	To   string          `json:"to"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command wraps one instruction for a set of devices. An empty DeviceIDs list
// addresses every student connection in the sender's school.
type Command struct {
	Type      string      `json:"type"`
	Command   CommandBody `json:"command"`
	DeviceIDs []string    `json:"device_ids,omitempty"`
}

type CommandBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StudentUpdate pokes staff dashboards: these devices have fresh presence,
// re-fetch the aggregated view.
type StudentUpdate struct {
	Type      string   `json:"type"`
	SchoolID  int64    `json:"school_id"`
	DeviceIDs []string `json:"device_ids"`
}

func NewStudentUpdate(schoolID int64, deviceIDs []string) *StudentUpdate {
	return &StudentUpdate{Type: TypeStudentUpdate, SchoolID: schoolID, DeviceIDs: deviceIDs}
}

// ConfigUpdate tells a school's connections to apply fresh tenant settings.
// On the wire between instances only SchoolID is set; each instance loads the
// row itself and fills School before pushing to its local connections.
type ConfigUpdate struct {
	Type     string        `json:"type"`
	SchoolID int64         `json:"school_id"`
	School   *TenantConfig `json:"school,omitempty"`
}

func NewConfigUpdate(schoolID int64, cfg *TenantConfig) *ConfigUpdate {
	return &ConfigUpdate{Type: TypeConfigUpdate, SchoolID: schoolID, School: cfg}
}

// ParseFrame maps one wire frame to its typed message. Unknown or tagless
// frames are an error: the protocol is a closed set, and anything outside it
// should be logged away, not half-handled.
func ParseFrame(raw []byte) (any, error) {
	t := gjson.GetBytes(raw, "type").Str
	switch t {
	case TypeAuth:
		var m AuthRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeAuthSuccess:
		var m AuthSuccess
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeAuthError:
		var m AuthError
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m Signal
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeRemoteControl, TypeChat:
		var m Command
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeStudentUpdate:
		var m StudentUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case TypeConfigUpdate:
		var m ConfigUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("malformed %s frame: %w", t, err)
		}
		return &m, nil
	case "":
		return nil, fmt.Errorf("frame carries no type tag")
	default:
		return nil, fmt.Errorf("unknown frame type %q", t)
	}
}
