package availability

import (
	"sort"
	"time"

	"github.com/arefin-labs/carebook/services/scheduling-service/internal/model"
)

// ReferenceLocation is the single timezone used to interpret calendar dates
// and weekdays. Using the caller's or server's local zone shifts the weekday
// near midnight, so everything here is pinned to UTC.
var ReferenceLocation = time.UTC

// Rule is a clinician's recurring weekly bookable window. Start and end are
// minutes from midnight in ReferenceLocation; Weekday follows time.Weekday
// (Sunday = 0).
type Rule struct {
	ID          int64
	ClinicianID int64
	CentreID    int64
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
	SlotMinutes int
	Mode        model.Mode
	Active      bool
}

// Slot is a concrete dated candidate interval derived from a rule. Slots
// overlapping an occupying appointment are returned with Available=false
// rather than dropped, so callers can render the full grid.
type Slot struct {
	Start     time.Time
	End       time.Time
	Mode      model.Mode
	Available bool
}

// Interval is a half-open busy window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports half-open interval overlap: [a) and [b) overlap iff
// a.start < b.end && b.start < a.end.
func (iv Interval) Overlaps(start, end time.Time) bool {
	return start.Before(iv.End) && iv.Start.Before(end)
}

// Weekday returns day's weekday in ReferenceLocation.
func Weekday(day time.Time) time.Weekday {
	return day.In(ReferenceLocation).Weekday()
}

// DayBounds returns the [midnight, next midnight) window for day in
// ReferenceLocation.
func DayBounds(day time.Time) (time.Time, time.Time) {
	d := day.In(ReferenceLocation)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, ReferenceLocation)
	return start, start.AddDate(0, 0, 1)
}

// ExpandRules turns matching rules into the dated slot sequence for day.
// Each rule yields consecutive slots of SlotMinutes from StartMinute to
// EndMinute; a trailing remainder shorter than SlotMinutes is dropped. Busy
// intervals mark generated slots unavailable. Slots from different rules are
// never merged; ties on start time are kept, ordered by mode for determinism.
func ExpandRules(rules []Rule, day time.Time, busy []Interval) []Slot {
	midnight, _ := DayBounds(day)
	weekday := Weekday(day)

	var slots []Slot
	for _, r := range rules {
		if !r.Active || r.Weekday != weekday {
			continue
		}
		if r.SlotMinutes <= 0 || r.EndMinute <= r.StartMinute {
			continue
		}
		for m := r.StartMinute; m+r.SlotMinutes <= r.EndMinute; m += r.SlotMinutes {
			start := midnight.Add(time.Duration(m) * time.Minute)
			end := start.Add(time.Duration(r.SlotMinutes) * time.Minute)
			slots = append(slots, Slot{
				Start:     start,
				End:       end,
				Mode:      r.Mode,
				Available: !overlapsAny(start, end, busy),
			})
		}
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].Mode < slots[j].Mode
	})
	return slots
}

// FitsRule reports whether the interval [start, end) lies inside the rule's
// window on the rule's grid: start must land on a slot boundary and end must
// not spill past the window.
func FitsRule(r Rule, start, end time.Time) bool {
	if !r.Active || r.SlotMinutes <= 0 {
		return false
	}
	day := start.In(ReferenceLocation)
	if day.Weekday() != r.Weekday {
		return false
	}
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, ReferenceLocation)
	startMin := int(start.Sub(midnight) / time.Minute)
	endMin := int(end.In(ReferenceLocation).Sub(midnight) / time.Minute)
	if startMin < r.StartMinute || endMin > r.EndMinute || endMin <= startMin {
		return false
	}
	return (startMin-r.StartMinute)%r.SlotMinutes == 0
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		if b.Overlaps(start, end) {
			return true
		}
	}
	return false
}
