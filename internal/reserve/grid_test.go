package reserve_test

import (
	"testing"
	"time"

	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
)

func cellAt(t *testing.T, grid *reserve.Grid, computerID string, at time.Time) reserve.GridCell {
	t.Helper()
	for _, row := range grid.Computers {
		if row.ComputerID != computerID {
			continue
		}
		for _, cell := range row.Cells {
			if cell.Time.Equal(at) {
				return cell
			}
		}
	}
	t.Fatalf("no cell for %s at %v", computerID, at)
	return reserve.GridCell{}
}

func TestGridMarksReservationsWithLoadBuffer(t *testing.T) {
	f := newFixture(t)
	f.addComputer("comp-a", 4096)

	// Booking 10:30-11:00; horizon 10:00-11:00.
	start := testBase.Add(time.Hour)
	f.addBooking(t, "req-1", "someone", "comp-a", "img",
		models.TimeWindow{Start: start.Add(30 * time.Minute), End: start.Add(time.Hour)})

	grid, err := f.grid.Build([]string{"comp-a"}, models.TimeWindow{Start: start, End: start.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(grid.Computers) != 1 || len(grid.Computers[0].Cells) != 4 {
		t.Fatalf("expected 4 cells for 1 computer, got %+v", grid)
	}

	if cell := cellAt(t, grid, "comp-a", start); cell.State != reserve.SlotAvailable {
		t.Fatalf("10:00 should be available, got %s", cell.State)
	}
	// The tick right before the reservation is the load buffer.
	if cell := cellAt(t, grid, "comp-a", start.Add(15*time.Minute)); cell.State != reserve.SlotReserved {
		t.Fatalf("10:15 should be the load buffer, got %s", cell.State)
	}
	cell := cellAt(t, grid, "comp-a", start.Add(30*time.Minute))
	if cell.State != reserve.SlotReserved || cell.RequestID != "req-1" {
		t.Fatalf("10:30 should be reserved by req-1, got %+v", cell)
	}
}

func TestGridPrecedence(t *testing.T) {
	f := newFixture(t)
	f.addComputer("comp-a", 4096)

	start := testBase.Add(time.Hour)
	end := start.Add(time.Hour)

	// Maintenance over the first tick, a block allocation over the second,
	// and a reservation over all of it. Maintenance and block win over the
	// reservation; the rest of the hour shows reserved.
	f.store.AddMaintenance(models.MaintenanceWindow{
		ID:    "m1",
		Start: start,
		End:   start.Add(15 * time.Minute),
	})
	f.store.AddBlockAllocation(models.BlockAllocation{
		ID:          "blk-1",
		GroupID:     "team",
		ImageID:     "img",
		Status:      models.BlockAccepted,
		Windows:     []models.TimeWindow{{Start: start.Add(15 * time.Minute), End: start.Add(30 * time.Minute)}},
		ComputerIDs: []string{"comp-a"},
	})
	f.addBooking(t, "req-1", "someone", "comp-a", "img", models.TimeWindow{Start: start, End: end})

	grid, err := f.grid.Build([]string{"comp-a"}, models.TimeWindow{Start: start, End: end})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if cell := cellAt(t, grid, "comp-a", start); cell.State != reserve.SlotMaintenance {
		t.Fatalf("maintenance must win, got %s", cell.State)
	}
	if cell := cellAt(t, grid, "comp-a", start.Add(15*time.Minute)); cell.State != reserve.SlotBlocked {
		t.Fatalf("block allocation must win over the reservation, got %s", cell.State)
	}
	if cell := cellAt(t, grid, "comp-a", start.Add(30*time.Minute)); cell.State != reserve.SlotReserved {
		t.Fatalf("remaining ticks should be reserved, got %s", cell.State)
	}
}

func TestGridClosedSchedule(t *testing.T) {
	f := newFixture(t)
	f.addComputer("comp-a", 4096)

	// 17:45 is open, 18:00 and later are outside the weekday schedule.
	start := testBase.Add(8*time.Hour + 45*time.Minute)
	grid, err := f.grid.Build([]string{"comp-a"}, models.TimeWindow{Start: start, End: start.Add(45 * time.Minute)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if cell := cellAt(t, grid, "comp-a", start); cell.State != reserve.SlotAvailable {
		t.Fatalf("17:45 should be available, got %s", cell.State)
	}
	if cell := cellAt(t, grid, "comp-a", start.Add(15*time.Minute)); cell.State != reserve.SlotClosed {
		t.Fatalf("18:00 should be closed, got %s", cell.State)
	}
	if cell := cellAt(t, grid, "comp-a", start.Add(30*time.Minute)); cell.State != reserve.SlotClosed {
		t.Fatalf("18:15 should be closed, got %s", cell.State)
	}
}
