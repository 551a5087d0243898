package heartbeat

import (
	"context"
	"errors"
	"sync"

	"github.com/classwatch/presence-sync/state"
)

// ErrUnresolved marks a heartbeat whose sender couldn't be tied to a
// student. The caller drops it without surfacing an error to the device.
var ErrUnresolved = errors.New("heartbeat: cannot resolve student identity")

// Resolver turns whatever identity a heartbeat carries into a student row.
// Order: explicit authenticated id, then the cached device mapping, then
// email lookup with auto-provisioning. The device map is process-local and
// rebuilt organically after a restart; rehydration pre-seeds it.
type Resolver struct {
	students *state.StudentsTable

	mu              sync.Mutex
	deviceToStudent map[string]int64
}

func NewResolver(students *state.StudentsTable) *Resolver {
	return &Resolver{
		students:        students,
		deviceToStudent: make(map[string]int64),
	}
}

func (r *Resolver) cached(deviceID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.deviceToStudent[deviceID]
	return id, ok
}

// Remember caches a device's resolved student for subsequent heartbeats.
func (r *Resolver) Remember(deviceID string, studentID int64) {
	if deviceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceToStudent[deviceID] = studentID
}

// Forget is called when a device logs out or is evicted, so the next
// heartbeat re-resolves instead of riding a dead mapping.
func (r *Resolver) Forget(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deviceToStudent, deviceID)
}

// Resolve finds the student behind a heartbeat. studentID is nonzero only
// when the transport already authenticated it (device token). A cached or
// token-asserted student must belong to the heartbeat's school; a mismatch
// resolves nothing rather than leaking a cross-tenant row.
func (r *Resolver) Resolve(ctx context.Context, schoolID, studentID int64, deviceID, email, displayName string) (*state.Student, error) {
	if studentID != 0 {
		student, err := r.students.FindByID(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if student != nil && student.SchoolID == schoolID {
			r.Remember(deviceID, student.ID)
			return student, nil
		}
	}

	if cachedID, ok := r.cached(deviceID); ok {
		student, err := r.students.FindByID(ctx, cachedID)
		if err != nil {
			return nil, err
		}
		if student != nil && student.SchoolID == schoolID {
			return student, nil
		}
		// The mapping went stale (student deleted or device moved schools).
		r.Forget(deviceID)
	}

	if email != "" {
		student, _, err := r.students.EnsureByEmail(ctx, schoolID, email, displayName)
		if err != nil {
			return nil, err
		}
		r.Remember(deviceID, student.ID)
		return student, nil
	}

	return nil, ErrUnresolved
}
