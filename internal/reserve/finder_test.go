package reserve_test

import (
	"testing"
	"time"

	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
)

func finderFleet(f *fixture) {
	f.addImage("img", 2048)
	f.addComputer("comp-a", 4096)
	f.store.MapImage("img", "comp-a")
	f.addNodeCovering("mn-1", "comp-a")
}

func TestFinderFreeComputerKeepsDesiredStart(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(desired.Start) || slots[0].Duration != time.Hour {
		t.Fatalf("expected the desired window back, got %+v", slots[0])
	}
	if slots[0].ComputerID != "comp-a" {
		t.Fatalf("unexpected computer %s", slots[0].ComputerID)
	}
}

func TestFinderSuggestsAfterConflictingReservation(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	// Desired 11:00-12:00 collides with a booking 11:00-13:00; the next
	// usable start is 13:00.
	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	f.addBooking(t, "req-1", "someone", "comp-a", "img",
		models.TimeWindow{Start: desired.Start, End: desired.Start.Add(2 * time.Hour)})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	want := desired.Start.Add(2 * time.Hour)
	if !slots[0].Start.Equal(want) {
		t.Fatalf("expected start %v, got %v", want, slots[0].Start)
	}
	if slots[0].Duration != time.Hour {
		t.Fatalf("expected the requested duration, got %v", slots[0].Duration)
	}
}

func TestFinderDropsSlotsBelowMinimum(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	// A 20 minute gap before the booking is too short to suggest.
	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	f.addBooking(t, "req-1", "someone", "comp-a", "img",
		models.TimeWindow{Start: desired.Start.Add(20 * time.Minute), End: desired.Start.Add(2 * time.Hour)})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	for _, s := range slots {
		if s.Duration < 30*time.Minute {
			t.Fatalf("slot below the 30 minute minimum: %+v", s)
		}
		if s.Start.Equal(desired.Start) {
			t.Fatalf("the 20 minute gap must not be suggested: %+v", s)
		}
	}
}

func TestFinderAlignsStartsToQuarterHour(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	// Booking ends at 11:10, so the follow-up candidate snaps to 11:15.
	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	f.addBooking(t, "req-1", "someone", "comp-a", "img",
		models.TimeWindow{Start: desired.Start, End: desired.Start.Add(70 * time.Minute)})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) == 0 {
		t.Fatal("expected at least one slot")
	}
	for _, s := range slots {
		if !s.Start.Truncate(15 * time.Minute).Equal(s.Start) {
			t.Fatalf("slot start not aligned to 15 minutes: %v", s.Start)
		}
	}
}

func TestFinderSearchModeKeepsExactDuration(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3*time.Hour + 30*time.Minute)}

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true, SearchMode: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 || slots[0].Duration != 90*time.Minute {
		t.Fatalf("search mode should keep 90m, got %+v", slots)
	}

	slots, err = f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 || slots[0].Duration != time.Hour {
		t.Fatalf("display mode should bucket 90m to 1h, got %+v", slots)
	}
}

func TestFinderTrimsForbiddingMaintenance(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	f.store.AddMaintenance(models.MaintenanceWindow{
		ID:    "m1",
		Start: desired.Start.Add(30 * time.Minute),
		End:   desired.End.Add(time.Hour),
	})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 trimmed slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(desired.Start) || slots[0].Duration != 30*time.Minute {
		t.Fatalf("expected 30m before maintenance, got %+v", slots[0])
	}
}

func TestFinderTrimsForeignBlockAllocations(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	f.store.AddBlockAllocation(models.BlockAllocation{
		ID:          "blk-1",
		GroupID:     "team",
		ImageID:     "other-img",
		Status:      models.BlockAccepted,
		Windows:     []models.TimeWindow{{Start: desired.Start.Add(30 * time.Minute), End: desired.End.Add(time.Hour)}},
		ComputerIDs: []string{"comp-a"},
	})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 trimmed slot, got %d", len(slots))
	}
	if slots[0].Duration != 30*time.Minute {
		t.Fatalf("slot should stop at the block window, got %+v", slots[0])
	}
}

func TestFinderSkipsScheduleClosedSlots(t *testing.T) {
	f := newFixture(t)
	finderFleet(f)

	// The booking runs up to the 18:00 schedule close, so the follow-up
	// candidate lands entirely in closed time and must not be suggested.
	desired := models.TimeWindow{Start: testBase.Add(7 * time.Hour), End: testBase.Add(8 * time.Hour)}
	f.addBooking(t, "req-1", "someone", "comp-a", "img",
		models.TimeWindow{Start: testBase.Add(7 * time.Hour), End: testBase.Add(9 * time.Hour)})

	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots in schedule-closed time must be dropped, got %+v", slots)
	}
}

func TestFinderEmptyWhenNothingEligible(t *testing.T) {
	f := newFixture(t)
	f.addImage("img", 2048)

	desired := models.TimeWindow{Start: testBase.Add(2 * time.Hour), End: testBase.Add(3 * time.Hour)}
	slots, err := f.finder.Suggest(desired, "img", reserve.SuggestOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots without mapped computers, got %d", len(slots))
	}
}
