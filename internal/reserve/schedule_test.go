package reserve

import (
	"testing"
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// monday is a fixed Monday 00:00 UTC anchor for schedule math.
var monday = time.Date(2026, time.March, 2, 0, 0, 0, 0, time.UTC)

type stubSchedules struct {
	schedules map[string]models.Schedule
}

func (s stubSchedules) Get(scheduleID string) (*models.Schedule, error) {
	if sched, ok := s.schedules[scheduleID]; ok {
		clone := sched
		return &clone, nil
	}
	return nil, nil
}

type stubMaintenance struct {
	windows []models.MaintenanceWindow
}

func (s stubMaintenance) Overlapping(window models.TimeWindow) ([]models.MaintenanceWindow, error) {
	var out []models.MaintenanceWindow
	for _, mw := range s.windows {
		if mw.Window().Overlaps(window) {
			out = append(out, mw)
		}
	}
	return out, nil
}

func weekdaySchedule() models.Schedule {
	// Monday through Friday, 08:00 to 18:00.
	var ranges []models.MinuteRange
	for day := 1; day <= 5; day++ {
		ranges = append(ranges, models.MinuteRange{
			Start: day*24*60 + 8*60,
			End:   day*24*60 + 18*60,
		})
	}
	return models.Schedule{ID: "weekday", Ranges: ranges}
}

func TestMinuteOfWeek(t *testing.T) {
	if got := minuteOfWeek(monday); got != 24*60 {
		t.Fatalf("monday 00:00 should be minute %d, got %d", 24*60, got)
	}
	if got := minuteOfWeek(monday.Add(9*time.Hour + 30*time.Minute)); got != 24*60+9*60+30 {
		t.Fatalf("monday 09:30 minute wrong: %d", got)
	}
}

func TestWindowOpenSameWeek(t *testing.T) {
	calendar := &ScheduleCalendar{Schedules: stubSchedules{
		schedules: map[string]models.Schedule{"weekday": weekdaySchedule()},
	}}
	comp := models.Computer{ID: "c1", ScheduleID: "weekday"}

	cases := []struct {
		name   string
		window models.TimeWindow
		want   bool
	}{
		{
			name:   "inside monday hours",
			window: models.TimeWindow{Start: monday.Add(9 * time.Hour), End: monday.Add(12 * time.Hour)},
			want:   true,
		},
		{
			name:   "starts before opening",
			window: models.TimeWindow{Start: monday.Add(7 * time.Hour), End: monday.Add(9 * time.Hour)},
			want:   false,
		},
		{
			name:   "runs past closing",
			window: models.TimeWindow{Start: monday.Add(16 * time.Hour), End: monday.Add(19 * time.Hour)},
			want:   false,
		},
		{
			name: "sunday closed",
			window: models.TimeWindow{
				Start: monday.Add(-14 * time.Hour),
				End:   monday.Add(-12 * time.Hour),
			},
			want: false,
		},
		{
			name: "spans two separate open days",
			window: models.TimeWindow{
				Start: monday.Add(9 * time.Hour),
				End:   monday.Add(24*time.Hour + 9*time.Hour),
			},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := calendar.WindowOpen(comp, tc.window)
			if err != nil {
				t.Fatalf("WindowOpen: %v", err)
			}
			if got != tc.want {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestWindowOpenCrossesWeekBoundary(t *testing.T) {
	// Open Saturday noon to end of week plus Sunday start to noon, which
	// together admit a window crossing the Saturday/Sunday boundary.
	sched := models.Schedule{ID: "wrap", Ranges: []models.MinuteRange{
		{Start: 6*24*60 + 12*60, End: models.MinutesPerWeek},
		{Start: 0, End: 12 * 60},
	}}
	calendar := &ScheduleCalendar{Schedules: stubSchedules{
		schedules: map[string]models.Schedule{"wrap": sched},
	}}
	comp := models.Computer{ID: "c1", ScheduleID: "wrap"}

	saturday := monday.Add(5 * 24 * time.Hour)
	window := models.TimeWindow{
		Start: saturday.Add(20 * time.Hour),
		End:   saturday.Add(30 * time.Hour),
	}
	got, err := calendar.WindowOpen(comp, window)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}
	if !got {
		t.Fatal("window crossing the week boundary should be open")
	}

	// Without the range reaching the week's end, the same window closes.
	calendar = &ScheduleCalendar{Schedules: stubSchedules{
		schedules: map[string]models.Schedule{"wrap": {
			ID:     "wrap",
			Ranges: []models.MinuteRange{{Start: 6*24*60 + 12*60, End: models.MinutesPerWeek - 60}, {Start: 0, End: 12 * 60}},
		}},
	}}
	got, err = calendar.WindowOpen(comp, window)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}
	if got {
		t.Fatal("range stopping short of the week end must close the window")
	}
}

func TestWindowOpenLongWindowNeedsAlwaysOpen(t *testing.T) {
	always := models.Schedule{ID: "always", Ranges: []models.MinuteRange{{Start: 0, End: models.MinutesPerWeek}}}
	calendar := &ScheduleCalendar{Schedules: stubSchedules{
		schedules: map[string]models.Schedule{
			"always":  always,
			"weekday": weekdaySchedule(),
		},
	}}
	window := models.TimeWindow{Start: monday, End: monday.Add(8 * 24 * time.Hour)}

	got, err := calendar.WindowOpen(models.Computer{ScheduleID: "always"}, window)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}
	if !got {
		t.Fatal("always-open schedule should admit a week-long window")
	}

	got, err = calendar.WindowOpen(models.Computer{ScheduleID: "weekday"}, window)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}
	if got {
		t.Fatal("partial schedule must refuse a week-long window")
	}
}

func TestWindowOpenMissingSchedule(t *testing.T) {
	calendar := &ScheduleCalendar{Schedules: stubSchedules{schedules: map[string]models.Schedule{}}}
	got, err := calendar.WindowOpen(models.Computer{ScheduleID: "gone"}, models.TimeWindow{Start: monday, End: monday.Add(time.Hour)})
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}
	if got {
		t.Fatal("unknown schedule must read as closed")
	}
}

func TestMaintenanceConflicts(t *testing.T) {
	noon := monday.Add(12 * time.Hour)
	registry := &MaintenanceRegistry{Maintenance: stubMaintenance{
		windows: []models.MaintenanceWindow{
			{ID: "m1", Start: noon, End: noon.Add(2 * time.Hour)},
			{ID: "m2", Start: noon.Add(6 * time.Hour), End: noon.Add(7 * time.Hour), AllowReservations: true},
		},
	}}

	cases := []struct {
		name   string
		window models.TimeWindow
		want   bool
	}{
		{
			name:   "overlapping",
			window: models.TimeWindow{Start: noon.Add(time.Hour), End: noon.Add(3 * time.Hour)},
			want:   true,
		},
		{
			name:   "starts within lead time",
			window: models.TimeWindow{Start: noon.Add(-20 * time.Minute), End: noon.Add(-10 * time.Minute)},
			want:   true,
		},
		{
			name:   "starts outside lead time",
			window: models.TimeWindow{Start: noon.Add(-2 * time.Hour), End: noon.Add(-time.Hour)},
			want:   false,
		},
		{
			name:   "permissive window does not conflict",
			window: models.TimeWindow{Start: noon.Add(6 * time.Hour), End: noon.Add(7 * time.Hour)},
			want:   false,
		},
		{
			name:   "after maintenance ends",
			window: models.TimeWindow{Start: noon.Add(2 * time.Hour), End: noon.Add(3 * time.Hour)},
			want:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := registry.Conflicts(tc.window)
			if err != nil {
				t.Fatalf("Conflicts: %v", err)
			}
			if got != tc.want {
				t.Fatalf("want %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMaintenanceTrim(t *testing.T) {
	noon := monday.Add(12 * time.Hour)
	registry := &MaintenanceRegistry{Maintenance: stubMaintenance{
		windows: []models.MaintenanceWindow{
			{ID: "m1", Start: noon, End: noon.Add(time.Hour)},
		},
	}}

	trimmed, err := registry.Trim(models.TimeWindow{Start: noon.Add(-time.Hour), End: noon.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if !trimmed.End.Equal(noon) {
		t.Fatalf("window should end at maintenance start, got %v", trimmed.End)
	}

	trimmed, err = registry.Trim(models.TimeWindow{Start: noon.Add(30 * time.Minute), End: noon.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if trimmed.Duration() != 0 {
		t.Fatalf("window starting inside maintenance should trim to zero, got %v", trimmed.Duration())
	}
}
