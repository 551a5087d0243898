package pubsub

// The channel which has Presence* payloads: heartbeat ingestion and session
// arbitration publish here, the realtime fanout layer listens.
const ChanPresence = "presencech"

type PresenceListener interface {
	OnPresenceChanged(p *PresenceChanged)
	OnSessionStarted(p *SessionStarted)
	OnSessionEnded(p *SessionEnded)
	OnSchoolConfigChanged(p *SchoolConfigChanged)
}

// PresenceChanged is the coalesced "these devices have fresh presence data"
// poke. It is emitted by the notify ticker, not per heartbeat, so a school with
// 500 chattering devices produces at most one payload per flush interval.
// Supervising clients react by re-fetching aggregated presence.
type PresenceChanged struct {
	SchoolID  int64
	DeviceIDs []string
}

func (p PresenceChanged) Type() string { return "p" }

// SessionStarted is emitted whenever arbitration creates a new active session,
// including the swap and eviction paths.
type SessionStarted struct {
	SessionID int64
	SchoolID  int64
	StudentID int64
	DeviceID  string
}

func (p SessionStarted) Type() string { return "s" }

// SessionEnded is emitted whenever a session reaches its terminal state.
// Reason is one of "logout", "swap", "evict", "stale".
type SessionEnded struct {
	SessionID int64
	SchoolID  int64
	StudentID int64
	DeviceID  string
	Reason    string
}

func (p SessionEnded) Type() string { return "e" }

// SchoolConfigChanged tells connected devices of a school to apply fresh tenant
// settings without reconnecting.
type SchoolConfigChanged struct {
	SchoolID int64
}

func (p SchoolConfigChanged) Type() string { return "c" }

type PresenceSub struct {
	listener Listener
	receiver PresenceListener
}

func NewPresenceSub(l Listener, recv PresenceListener) *PresenceSub {
	return &PresenceSub{
		listener: l,
		receiver: recv,
	}
}

func (v *PresenceSub) Teardown() {
	v.listener.Close()
}

func (v *PresenceSub) onMessage(p Payload) {
	switch p.Type() {
	case PresenceChanged{}.Type():
		v.receiver.OnPresenceChanged(p.(*PresenceChanged))
	case SessionStarted{}.Type():
		v.receiver.OnSessionStarted(p.(*SessionStarted))
	case SessionEnded{}.Type():
		v.receiver.OnSessionEnded(p.(*SessionEnded))
	case SchoolConfigChanged{}.Type():
		v.receiver.OnSchoolConfigChanged(p.(*SchoolConfigChanged))
	}
}

func (v *PresenceSub) Listen() error {
	return v.listener.Listen(ChanPresence, v.onMessage)
}
