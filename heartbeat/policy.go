package heartbeat

import (
	"time"

	"github.com/classwatch/presence-sync/state"
)

// Minimum plan tier whose schools may send heavy payloads.
const heavyPayloadMinPlanTier = 2

// InTrackingWindow reports whether t falls inside the school's tracking
// window, evaluated in this server's clock. Outside the window heartbeats
// are acknowledged but change nothing. Equal start and end bounds mean the
// day is not time-constrained; a start after the end wraps past midnight.
func InTrackingWindow(school *state.School, t time.Time) bool {
	if school == nil {
		return false
	}
	if school.TrackingDays&(1<<int(t.Weekday())) == 0 {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	start, end := school.TrackingStartMin, school.TrackingEndMin
	switch {
	case start == end:
		return true
	case start < end:
		return mins >= start && mins < end
	default:
		return mins >= start || mins < end
	}
}

// PlanAllowsHeavy gates full-payload processing on the tenant's plan.
func PlanAllowsHeavy(school *state.School) bool {
	return school != nil && school.PlanTier >= heavyPayloadMinPlanTier
}

// ClampTabs enforces the school's configured open-tab report limit.
// Zero or negative means unlimited.
func ClampTabs(school *state.School, n int) int {
	if school == nil || school.MaxOpenTabs <= 0 || n <= school.MaxOpenTabs {
		return n
	}
	return school.MaxOpenTabs
}
