package heartbeat

import (
	"sync"
	"time"
)

// Default gate intervals. Accept bounds resolution and cache work, heavy
// bounds the expensive full-payload path, persist bounds durable writes.
// A heartbeat can clear an earlier gate and still be stopped by a later one.
const (
	DefaultAcceptEvery  = 8 * time.Second
	DefaultHeavyEvery   = 30 * time.Second
	DefaultPersistEvery = 15 * time.Second
)

// Throttle holds the per-device wall-clock stamps behind the three gates.
// One mutex for all three maps: gate checks are a handful of map operations
// and every heartbeat takes them together.
type Throttle struct {
	mu        sync.Mutex
	accepted  map[string]time.Time
	heavy     map[string]time.Time
	persisted map[string]time.Time

	acceptEvery  time.Duration
	heavyEvery   time.Duration
	persistEvery time.Duration
}

func NewThrottle(acceptEvery, heavyEvery, persistEvery time.Duration) *Throttle {
	return &Throttle{
		accepted:     make(map[string]time.Time),
		heavy:        make(map[string]time.Time),
		persisted:    make(map[string]time.Time),
		acceptEvery:  acceptEvery,
		heavyEvery:   heavyEvery,
		persistEvery: persistEvery,
	}
}

func gate(stamps map[string]time.Time, deviceID string, now time.Time, every time.Duration) bool {
	last, ok := stamps[deviceID]
	if ok && now.Sub(last) < every {
		return false
	}
	stamps[deviceID] = now
	return true
}

// ShouldAccept reports whether the device's accept interval has elapsed. It
// does not consume the slot; MarkAccepted does, once the heartbeat has
// resolved to a student, so a dropped heartbeat never throttles the next one.
func (t *Throttle) ShouldAccept(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.accepted[deviceID]
	return !ok || now.Sub(last) >= t.acceptEvery
}

// MarkAccepted consumes the device's accept slot.
func (t *Throttle) MarkAccepted(deviceID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accepted[deviceID] = now
}

// ShouldAcceptHeavy is consulted only for heartbeats actually carrying a
// heavy payload, so a stripped heartbeat doesn't burn the device's slot.
func (t *Throttle) ShouldAcceptHeavy(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gate(t.heavy, deviceID, now, t.heavyEvery)
}

func (t *Throttle) ShouldPersist(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gate(t.persisted, deviceID, now, t.persistEvery)
}

// Prune drops stamps for devices quiet for longer than olderThan, bounding
// map growth across a school year of churned devices. Called by the sweeper.
func (t *Throttle) Prune(now time.Time, olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, stamps := range []map[string]time.Time{t.accepted, t.heavy, t.persisted} {
		for deviceID, last := range stamps {
			if now.Sub(last) > olderThan {
				delete(stamps, deviceID)
			}
		}
	}
}
