package engine_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cochaviz/carrel/internal/engine"
	"github.com/cochaviz/carrel/internal/metrics"
	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
	"github.com/cochaviz/carrel/internal/reserve/repositories/memory"
	"github.com/cochaviz/carrel/internal/setup"
)

func TestEngineResolvesAgainstMemoryStore(t *testing.T) {
	store := memory.NewStore()
	store.AddSchedule(models.Schedule{
		ID:     "always",
		Ranges: []models.MinuteRange{{Start: 0, End: models.MinutesPerWeek}},
	})
	store.AddImage(models.Image{
		ID:                   "img",
		Platform:             "x86",
		MinRAMMB:             1024,
		ProductionRevisionID: "rev",
	}, models.ImageRevision{ID: "rev", ImageID: "img", Production: true})
	store.AddComputer(models.Computer{
		ID:         "comp-a",
		State:      models.ComputerAvailable,
		Type:       models.TypePhysical,
		Platform:   "x86",
		ScheduleID: "always",
		RAMMB:      4096,
	})
	store.MapImage("img", "comp-a")
	store.AddNode(models.ManagementNode{ID: "mn-1", Liveness: models.LivenessNow}, "comp-a")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	eng := engine.New(store.Stores(), setup.Default(), logger, recorder)

	window := models.TimeWindow{Start: time.Now().Add(time.Hour), End: time.Now().Add(3 * time.Hour)}
	plan, err := eng.Resolver.Resolve(window, "img", reserve.ResolveOptions{IgnoreAccess: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Assignments) != 1 || plan.Assignments[0].ComputerID != "comp-a" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	req, err := eng.Ledger.Commit(plan, reserve.ResolveOptions{UserID: "alice"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	grid, err := eng.Grid.Build([]string{"comp-a"}, window)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, cell := range grid.Computers[0].Cells {
		if cell.RequestID == req.ID {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("committed request should show up in the grid")
	}
}
