package reserve

import (
	"fmt"
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// maintenanceLeadTime is how close to a maintenance window a reservation
// may start before it is refused.
const maintenanceLeadTime = 30 * time.Minute

// minuteOfWeek maps a timestamp to its minute within the week, with
// minute 0 at Sunday 00:00.
func minuteOfWeek(t time.Time) int {
	return int(t.Weekday())*24*60 + t.Hour()*60 + t.Minute()
}

// ScheduleCalendar evaluates weekly open/closed windows for computers.
type ScheduleCalendar struct {
	Schedules ScheduleRepository
}

// OpenAt reports whether the computer's schedule is open at the instant.
func (c *ScheduleCalendar) OpenAt(computer models.Computer, t time.Time) (bool, error) {
	schedule, err := c.Schedules.Get(computer.ScheduleID)
	if err != nil {
		return false, fmt.Errorf("load schedule %s: %w", computer.ScheduleID, err)
	}
	if schedule == nil {
		return false, nil
	}
	minute := minuteOfWeek(t)
	for _, r := range schedule.Ranges {
		if minute >= r.Start && minute < r.End {
			return true, nil
		}
	}
	return false, nil
}

// WindowOpen reports whether the computer's schedule admits the whole
// window. Windows of seven days or longer need an always-open schedule;
// same-week windows need one range covering both ends; windows crossing
// the week boundary need a range open through the end of the week paired
// with one open from the start of the week.
func (c *ScheduleCalendar) WindowOpen(computer models.Computer, window models.TimeWindow) (bool, error) {
	schedule, err := c.Schedules.Get(computer.ScheduleID)
	if err != nil {
		return false, fmt.Errorf("load schedule %s: %w", computer.ScheduleID, err)
	}
	if schedule == nil {
		return false, nil
	}

	if window.Duration() >= 7*24*time.Hour {
		return schedule.AlwaysOpen(), nil
	}

	startMin := minuteOfWeek(window.Start)
	endMin := minuteOfWeek(window.End)

	if startMin <= endMin {
		for _, r := range schedule.Ranges {
			if r.Start <= startMin && endMin <= r.End {
				return true, nil
			}
		}
		return false, nil
	}

	// Crosses the week boundary.
	openToWeekEnd := false
	openFromWeekStart := false
	for _, r := range schedule.Ranges {
		if r.Start <= startMin && r.End >= models.MinutesPerWeek {
			openToWeekEnd = true
		}
		if r.Start <= 0 && endMin <= r.End {
			openFromWeekStart = true
		}
	}
	return openToWeekEnd && openFromWeekStart, nil
}

// MaintenanceRegistry evaluates maintenance conflicts for reservation
// windows.
type MaintenanceRegistry struct {
	Maintenance MaintenanceRepository
}

// Conflicts reports whether the window overlaps a maintenance window that
// forbids reservations spanning it, or starts within the lead time of one
// that does.
func (r *MaintenanceRegistry) Conflicts(window models.TimeWindow) (bool, error) {
	probe := window
	if lead := window.Start.Add(maintenanceLeadTime); probe.End.Before(lead) {
		probe.End = lead
	}

	windows, err := r.Maintenance.Overlapping(probe)
	if err != nil {
		return false, fmt.Errorf("load maintenance windows: %w", err)
	}

	for _, mw := range windows {
		if mw.AllowReservations {
			continue
		}
		if mw.Window().Overlaps(window) {
			return true, nil
		}
		gap := mw.Start.Sub(window.Start)
		if gap >= 0 && gap <= maintenanceLeadTime {
			return true, nil
		}
	}
	return false, nil
}

// Trim cuts the window short so it no longer overlaps any maintenance
// window that forbids reservations. Returns the (possibly zero-length)
// trimmed window.
func (r *MaintenanceRegistry) Trim(window models.TimeWindow) (models.TimeWindow, error) {
	windows, err := r.Maintenance.Overlapping(window)
	if err != nil {
		return window, fmt.Errorf("load maintenance windows: %w", err)
	}
	for _, mw := range windows {
		if mw.AllowReservations {
			continue
		}
		if !mw.Window().Overlaps(window) {
			continue
		}
		if !mw.Start.After(window.Start) {
			// Window begins inside maintenance; nothing usable remains.
			return models.TimeWindow{Start: window.Start, End: window.Start}, nil
		}
		if mw.Start.Before(window.End) {
			window.End = mw.Start
		}
	}
	return window, nil
}
