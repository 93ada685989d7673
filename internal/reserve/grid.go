package reserve

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/models"
)

// GridTick is the discretization step of the availability grid.
const GridTick = 15 * time.Minute

// SlotState classifies one grid tick.
type SlotState string

const (
	SlotClosed      SlotState = "closed"
	SlotMaintenance SlotState = "maintenance"
	SlotBlocked     SlotState = "block"
	SlotReserved    SlotState = "reserved"
	SlotAvailable   SlotState = "available"
)

// GridCell is one computer's state for one tick.
type GridCell struct {
	Time  time.Time `json:"time"`
	State SlotState `json:"state"`

	// RequestID names the occupant for reserved ticks.
	RequestID string `json:"requestId,omitempty"`
}

// ComputerGrid is the tick row for one computer.
type ComputerGrid struct {
	ComputerID string     `json:"computerId"`
	Cells      []GridCell `json:"cells"`
}

// Grid is the discretized free/closed/reserved/blocked projection over a
// horizon. It is read-side only, and must reproduce the availability
// predicate the resolver uses, so what users see matches what they can
// book.
type Grid struct {
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Tick      time.Duration  `json:"tickSeconds"`
	Computers []ComputerGrid `json:"computers"`
}

// GridBuilder assembles availability grids.
type GridBuilder struct {
	Logger *slog.Logger

	Computers   ComputerRepository
	Calendar    *ScheduleCalendar
	Maintenance MaintenanceRepository
	Blocks      BlockAllocationRepository
	Requests    RequestRepository
}

// Build produces one cell per computer per tick across the horizon.
// Schedule-closed and maintenance ticks take precedence over block and
// reservation markings; the tick immediately preceding a reservation is
// forced unavailable as a load-time buffer.
func (g *GridBuilder) Build(computerIDs []string, horizon models.TimeWindow) (*Grid, error) {
	logger := logging.Ensure(g.Logger).With("component", "grid")

	start := snapUp(horizon.Start, GridTick)
	if !start.Before(horizon.End) {
		return &Grid{Start: start, End: horizon.End, Tick: GridTick}, nil
	}

	computers, err := g.Computers.ListByIDs(computerIDs)
	if err != nil {
		return nil, fmt.Errorf("load computers: %w", err)
	}
	maint, err := g.Maintenance.Overlapping(horizon)
	if err != nil {
		return nil, fmt.Errorf("load maintenance windows: %w", err)
	}
	blocks, err := g.Blocks.AcceptedOverlapping(horizon)
	if err != nil {
		return nil, fmt.Errorf("load block allocations: %w", err)
	}
	bookings, err := g.Requests.ActiveBookings(horizon)
	if err != nil {
		return nil, fmt.Errorf("load overlapping bookings: %w", err)
	}

	grid := &Grid{Start: start, End: horizon.End, Tick: GridTick}
	for _, comp := range computers {
		row := ComputerGrid{ComputerID: comp.ID}
		for tick := start; tick.Before(horizon.End); tick = tick.Add(GridTick) {
			cell, err := g.cellFor(comp, tick, maint, blocks, bookings)
			if err != nil {
				return nil, err
			}
			row.Cells = append(row.Cells, cell)
		}
		grid.Computers = append(grid.Computers, row)
	}

	logger.Debug("grid built", "computers", len(grid.Computers), "start", start, "end", horizon.End)
	return grid, nil
}

func (g *GridBuilder) cellFor(comp models.Computer, tick time.Time, maint []models.MaintenanceWindow, blocks []models.BlockAllocation, bookings []Booking) (GridCell, error) {
	cell := GridCell{Time: tick, State: SlotAvailable}

	open, err := g.Calendar.OpenAt(comp, tick)
	if err != nil {
		return cell, err
	}
	if !open {
		cell.State = SlotClosed
		return cell, nil
	}

	for _, mw := range maint {
		if mw.Window().Contains(tick) {
			cell.State = SlotMaintenance
			return cell, nil
		}
	}

	for _, blk := range blocks {
		if !blk.HasComputer(comp.ID) {
			continue
		}
		for _, bw := range blk.Windows {
			if bw.Contains(tick) {
				cell.State = SlotBlocked
				return cell, nil
			}
		}
	}

	for _, b := range bookings {
		if b.Reservation.ComputerID != comp.ID {
			continue
		}
		window := b.Request.Window()
		if window.Contains(tick) {
			cell.State = SlotReserved
			cell.RequestID = b.Request.ID
			return cell, nil
		}
		// Load-time buffer: the tick right before a reservation starts.
		if window.Start.After(tick) && !window.Start.After(tick.Add(GridTick)) {
			cell.State = SlotReserved
			cell.RequestID = b.Request.ID
			return cell, nil
		}
	}

	return cell, nil
}
