package heartbeat

import (
	"sync"
	"time"
)

// SchoolDevice names one changed pairing for coalesced notification.
type SchoolDevice struct {
	SchoolID int64
	DeviceID string
}

// NotifyTicker remembers which devices changed and periodically emits them
// grouped by school. Staff dashboards don't need a poke per heartbeat, they
// need at most one per school per flush interval.
type NotifyTicker struct {
	// The ticker controls the flush frequency. The done channel stops the
	// ticking goroutine. The notify map holds the pairings to flush.
	ticker    *time.Ticker
	done      chan struct{}
	notifyMap *sync.Map
	fn        func(schoolID int64, deviceIDs []string)
}

// NewNotifyTicker batches calls to Remember and flushes every d. If d is 0,
// no batching is performed and the callback fires synchronously, which is
// useful for testing.
func NewNotifyTicker(d time.Duration) *NotifyTicker {
	t := &NotifyTicker{
		done:      make(chan struct{}),
		notifyMap: &sync.Map{},
	}
	if d != 0 {
		t.ticker = time.NewTicker(d)
	}
	return t
}

// Stop ticking.
func (t *NotifyTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.done)
}

// SetCallback must be called before Run.
func (t *NotifyTicker) SetCallback(fn func(schoolID int64, deviceIDs []string)) {
	t.fn = fn
}

// Remember this school/device pairing, and emit it on the next flush.
func (t *NotifyTicker) Remember(sd SchoolDevice) {
	t.notifyMap.Store(sd, true)
	if t.ticker == nil {
		t.emitUpdate()
	}
}

func (t *NotifyTicker) emitUpdate() {
	bySchool := make(map[int64][]string)
	t.notifyMap.Range(func(key, value any) bool {
		sd := key.(SchoolDevice)
		bySchool[sd.SchoolID] = append(bySchool[sd.SchoolID], sd.DeviceID)
		// clear the map of this value
		t.notifyMap.Delete(key)
		return true // keep enumerating
	})
	for schoolID, deviceIDs := range bySchool {
		t.fn(schoolID, deviceIDs)
	}
}

// Run blocks, flushing until Stop() is called.
func (t *NotifyTicker) Run() {
	if t.ticker == nil {
		return
	}
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.emitUpdate()
		}
	}
}
