package presence

import (
	"sync"
)

// Update is the distilled content of one accepted heartbeat. ObservedAt is
// the server receive time in unix ms. OpenTabs nil means the payload was
// stripped by the heavy gate and the previous tab list stands; an empty
// non-nil slice means the device reported zero tabs.
type Update struct {
	SchoolID     int64
	StudentID    int64
	DeviceID     string
	Email        string
	DisplayName  string
	URL          string
	Title        string
	OpenTabs     []Tab
	Locked       bool
	Sharing      bool
	CameraActive bool
	ObservedAt   int64
}

// Flag names a server-settable snapshot flag for ApplyServerFlag.
type Flag int

const (
	FlagLocked Flag = iota
	FlagRestricted
	FlagSharing
	FlagCameraActive
)

// Cache is the in-memory presence view for this instance. One RWMutex guards
// the whole map: updates are cheap field writes and reads are dominated by
// copying, so finer locking buys nothing. Returned snapshots are copies;
// their OpenTabs slices are replaced wholesale on update and must be treated
// read-only by callers.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[SnapshotKey]*PresenceSnapshot
	// device -> the pairing that most recently heartbeat from it. Remote
	// commands target devices, not pairings.
	byDevice map[string]SnapshotKey
}

func NewCache() *Cache {
	return &Cache{
		snapshots: make(map[SnapshotKey]*PresenceSnapshot),
		byDevice:  make(map[string]SnapshotKey),
	}
}

// ApplyHeartbeat folds an accepted heartbeat into the snapshot for its
// pairing. Client-reported flags only land if no server-issued change is
// younger than the heartbeat; the shadow stamps record server issuance.
// Updates older than what the snapshot already shows are dropped.
func (c *Cache) ApplyHeartbeat(u Update) (PresenceSnapshot, bool) {
	key := SnapshotKey{StudentID: u.StudentID, DeviceID: u.DeviceID}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[key]
	if !ok {
		snap = &PresenceSnapshot{
			SchoolID:  u.SchoolID,
			StudentID: u.StudentID,
			DeviceID:  u.DeviceID,
		}
		c.snapshots[key] = snap
	}
	if u.ObservedAt < snap.LastSeen {
		return *snap, false
	}
	if u.Email != "" {
		snap.Email = u.Email
	}
	if u.DisplayName != "" {
		snap.DisplayName = u.DisplayName
	}
	snap.URL = u.URL
	snap.Title = u.Title
	if u.OpenTabs != nil {
		snap.OpenTabs = u.OpenTabs
	}
	if u.ObservedAt >= snap.LockedSetAt {
		snap.Locked = u.Locked
	}
	if u.ObservedAt >= snap.SharingSetAt {
		snap.Sharing = u.Sharing
	}
	if u.ObservedAt >= snap.CameraSetAt {
		snap.CameraActive = u.CameraActive
	}
	snap.LastSeen = u.ObservedAt
	c.byDevice[u.DeviceID] = key
	return *snap, true
}

// ApplyServerFlag records a server-issued flag change with a fresh shadow
// stamp, creating a skeleton snapshot if the pairing has never heartbeat.
func (c *Cache) ApplyServerFlag(schoolID int64, key SnapshotKey, flag Flag, on bool, atMs int64) PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[key]
	if !ok {
		snap = &PresenceSnapshot{
			SchoolID:  schoolID,
			StudentID: key.StudentID,
			DeviceID:  key.DeviceID,
		}
		c.snapshots[key] = snap
	}
	switch flag {
	case FlagLocked:
		snap.Locked = on
		snap.LockedSetAt = atMs
	case FlagRestricted:
		snap.Restricted = on
		snap.RestrictedSetAt = atMs
	case FlagSharing:
		snap.Sharing = on
		snap.SharingSetAt = atMs
	case FlagCameraActive:
		snap.CameraActive = on
		snap.CameraSetAt = atMs
	}
	return *snap
}

// ApplyServerFlagByDevice is ApplyServerFlag addressed by device id alone.
// Returns false if this instance has never seen the device.
func (c *Cache) ApplyServerFlagByDevice(deviceID string, flag Flag, on bool, atMs int64) (PresenceSnapshot, bool) {
	c.mu.RLock()
	key, ok := c.byDevice[deviceID]
	var schoolID int64
	if ok {
		schoolID = c.snapshots[key].SchoolID
	}
	c.mu.RUnlock()
	if !ok {
		return PresenceSnapshot{}, false
	}
	return c.ApplyServerFlag(schoolID, key, flag, on, atMs), true
}

// ForceOffline stamps the pairing offline, typically because its session
// ended. A heartbeat newer than the stamp brings it back.
func (c *Cache) ForceOffline(key SnapshotKey, atMs int64) (PresenceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snapshots[key]
	if !ok {
		return PresenceSnapshot{}, false
	}
	snap.ForcedOfflineAt = atMs
	return *snap, true
}

func (c *Cache) Snapshot(key SnapshotKey) (PresenceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[key]
	if !ok {
		return PresenceSnapshot{}, false
	}
	return *snap, true
}

// ForDevice returns the snapshot of the pairing most recently active on the
// device.
func (c *Cache) ForDevice(deviceID string) (PresenceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.byDevice[deviceID]
	if !ok {
		return PresenceSnapshot{}, false
	}
	return *c.snapshots[key], true
}

func (c *Cache) BySchool(schoolID int64) []PresenceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []PresenceSnapshot
	for _, snap := range c.snapshots {
		if snap.SchoolID == schoolID {
			out = append(out, *snap)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
