package presence

import (
	"sort"
)

// AggregatedPresence is the staff-facing, per-student projection over every
// device snapshot the student has.
type AggregatedPresence struct {
	SchoolID        int64  `json:"school_id"`
	StudentID       int64  `json:"student_id"`
	Email           string `json:"email"`
	DisplayName     string `json:"display_name"`
	PrimaryDeviceID string `json:"primary_device_id"`
	Status          Status `json:"status"`
	LastSeen        int64  `json:"last_seen"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	OpenTabs        []Tab  `json:"open_tabs,omitempty"`
	Locked          bool   `json:"locked"`
	Sharing         bool   `json:"sharing"`
	Restricted      bool   `json:"restricted"`
	CameraActive    bool   `json:"camera_active"`
}

// LastSeenHint is the cross-instance authority for a student's most recent
// activity, read from the bridge's ephemeral KV. It breaks primary-device
// ties when another instance saw the student more recently than we did.
type LastSeenHint struct {
	DeviceID string `json:"device_id"`
	At       int64  `json:"at"`
}

func statusRank(s Status) int {
	switch s {
	case StatusOnline:
		return 2
	case StatusIdle:
		return 1
	default:
		return 0
	}
}

// Aggregate projects device snapshots into one row per student. The primary
// device is the one seen last (hints outrank local knowledge); status is the
// best any device can claim; open tabs are the union across devices, each
// tagged with its device, with untaggable entries dropped.
func Aggregate(snaps []PresenceSnapshot, hints map[int64]LastSeenHint, nowMs int64) []AggregatedPresence {
	byStudent := make(map[int64][]PresenceSnapshot)
	for _, s := range snaps {
		byStudent[s.StudentID] = append(byStudent[s.StudentID], s)
	}

	out := make([]AggregatedPresence, 0, len(byStudent))
	for studentID, devices := range byStudent {
		// Deterministic primary selection: newest LastSeen, device id as the
		// tie-break so two instances aggregate identically.
		sort.Slice(devices, func(i, j int) bool {
			if devices[i].LastSeen != devices[j].LastSeen {
				return devices[i].LastSeen > devices[j].LastSeen
			}
			return devices[i].DeviceID < devices[j].DeviceID
		})
		primary := devices[0]

		agg := AggregatedPresence{
			SchoolID:        primary.SchoolID,
			StudentID:       studentID,
			PrimaryDeviceID: primary.DeviceID,
			LastSeen:        primary.LastSeen,
			URL:             primary.URL,
			Title:           primary.Title,
			Locked:          primary.Locked,
			Sharing:         primary.Sharing,
			Restricted:      primary.Restricted,
			CameraActive:    primary.CameraActive,
		}
		for _, d := range devices {
			if agg.Email == "" {
				agg.Email = d.Email
			}
			if agg.DisplayName == "" {
				agg.DisplayName = d.DisplayName
			}
			if statusRank(d.StatusAt(nowMs)) > statusRank(agg.Status) || agg.Status == "" {
				agg.Status = d.StatusAt(nowMs)
			}
			for _, tab := range d.OpenTabs {
				if tab.DeviceID == "" {
					tab.DeviceID = d.DeviceID
				}
				if tab.DeviceID == "" {
					continue
				}
				agg.OpenTabs = append(agg.OpenTabs, tab)
			}
		}

		// Another instance saw this student more recently: its device wins
		// the primary slot. We may not hold that device's snapshot, in which
		// case the page fields stay with what we know locally.
		if hint, ok := hints[studentID]; ok && hint.At > agg.LastSeen && hint.DeviceID != "" {
			agg.PrimaryDeviceID = hint.DeviceID
			agg.LastSeen = hint.At
			for _, d := range devices {
				if d.DeviceID == hint.DeviceID {
					agg.URL, agg.Title = d.URL, d.Title
					break
				}
			}
			if hintStatus := (&PresenceSnapshot{LastSeen: hint.At}).StatusAt(nowMs); statusRank(hintStatus) > statusRank(agg.Status) {
				agg.Status = hintStatus
			}
		}
		out = append(out, agg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}
