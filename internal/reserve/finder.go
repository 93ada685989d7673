package reserve

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/models"
)

const (
	// slotStep is the grid alignment for suggested start times.
	slotStep = 15 * time.Minute

	// minSlot is the shortest slot worth suggesting.
	minSlot = 30 * time.Minute

	// finderHorizon bounds how far past the desired start the finder
	// looks for gaps.
	finderHorizon = 14 * 24 * time.Hour
)

// SuggestOptions tune a nearby-available-time search.
type SuggestOptions struct {
	UserID       string
	Privileges   []string
	IgnoreAccess bool

	FixedIP  string
	FixedMAC string

	// SearchMode keeps exact minutes instead of bucketing durations for
	// display.
	SearchMode bool
}

// Slot is one suggested start time with the longest duration that
// survives policy at that start.
type Slot struct {
	Start      time.Time
	Duration   time.Duration
	ComputerID string
}

// Finder proposes nearby windows when the desired one is not available.
// It never fails hard: an empty result is a valid "nothing found within
// policy" outcome.
type Finder struct {
	Logger *slog.Logger

	Images      ImageRepository
	Computers   ComputerRepository
	Calendar    *ScheduleCalendar
	Maintenance MaintenanceRepository
	Blocks      BlockAllocationRepository
	Requests    RequestRepository
	Access      AccessIndex
	Groups      UserGroupRepository

	Clock func() time.Time
}

func (f *Finder) now() time.Time {
	if f.Clock != nil {
		return f.Clock()
	}
	return time.Now()
}

// Suggest returns candidate slots near the desired window for the image,
// ordered by start time. Only the longest surviving duration is kept per
// distinct start.
func (f *Finder) Suggest(desired models.TimeWindow, imageID string, opts SuggestOptions) ([]Slot, error) {
	logger := logging.Ensure(f.Logger).With("component", "finder", "image", imageID)
	now := f.now()

	img, err := f.Images.Get(imageID)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", imageID, err)
	}
	if img == nil {
		return nil, fmt.Errorf("image %s does not exist", imageID)
	}

	ctx := &AllocationContext{
		Window: desired,
		Now:    now,
		Options: ResolveOptions{
			UserID:     opts.UserID,
			Privileges: opts.Privileges,
		},
	}
	if !opts.IgnoreAccess && f.Access != nil {
		access, err := f.Access.UserResources(opts.UserID, opts.Privileges)
		if err != nil {
			return nil, fmt.Errorf("load user resources for %s: %w", opts.UserID, err)
		}
		ctx.Access = &access
	}
	if f.Groups != nil && opts.UserID != "" {
		groups, err := f.Groups.GroupsForUser(opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("load groups for %s: %w", opts.UserID, err)
		}
		ctx.Groups = groups
	}

	eligible, err := f.eligibleComputers(ctx, *img)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	probe := models.TimeWindow{Start: now, End: desired.Start.Add(finderHorizon)}
	if desired.Start.Before(now) {
		probe.Start = desired.Start
	}
	bookings, err := f.Requests.ActiveBookings(probe)
	if err != nil {
		return nil, fmt.Errorf("load overlapping bookings: %w", err)
	}
	blocks, err := f.Blocks.AcceptedOverlapping(probe)
	if err != nil {
		return nil, fmt.Errorf("load block allocations: %w", err)
	}
	maint, err := f.Maintenance.Overlapping(probe)
	if err != nil {
		return nil, fmt.Errorf("load maintenance windows: %w", err)
	}

	var slots []Slot
	for _, comp := range eligible {
		candidates := f.candidateWindows(comp, desired, now, bookings)
		for _, cand := range candidates {
			slot, ok, err := f.refine(ctx, *img, comp, cand, desired, bookings, blocks, maint, opts)
			if err != nil {
				return nil, err
			}
			if ok {
				slots = append(slots, slot)
			}
		}
	}

	slots = dedupeSlots(slots)
	logger.Debug("suggestions computed", "count", len(slots))
	return slots, nil
}

// eligibleComputers mirrors the resolver's mapping, platform, hardware,
// state, privilege, and schedule filters; concurrency and locking are
// left out.
func (f *Finder) eligibleComputers(ctx *AllocationContext, img models.Image) ([]models.Computer, error) {
	mapped, err := f.Images.ComputersForImage(img.ID)
	if err != nil {
		return nil, fmt.Errorf("computers for image %s: %w", img.ID, err)
	}
	computers, err := f.Computers.ListByIDs(mapped)
	if err != nil {
		return nil, fmt.Errorf("load mapped computers: %w", err)
	}

	startsNow := ctx.startsNow()
	var eligible []models.Computer
	for _, comp := range computers {
		if comp.Platform != img.Platform || !hardwareFits(comp, img) {
			continue
		}
		if stateExcluded(comp.State, startsNow) {
			continue
		}
		if !ctx.permitted(comp.ID) {
			continue
		}
		open, err := f.Calendar.WindowOpen(comp, ctx.Window)
		if err != nil {
			return nil, err
		}
		if !open {
			continue
		}
		eligible = append(eligible, comp)
	}
	return eligible, nil
}

// candidateWindows collects raw slot candidates from the four sources:
// free-right-now, gaps between reservations, the gap before the next
// reservation, and the open end after the last one.
func (f *Finder) candidateWindows(comp models.Computer, desired models.TimeWindow, now time.Time, bookings []Booking) []models.TimeWindow {
	requested := desired.Duration()

	var resvs []models.TimeWindow
	for _, b := range bookings {
		if b.Reservation.ComputerID != comp.ID {
			continue
		}
		resvs = append(resvs, b.Request.Window())
	}
	sort.Slice(resvs, func(i, j int) bool { return resvs[i].Start.Before(resvs[j].Start) })

	anchor := desired.Start
	if anchor.Before(now) {
		anchor = now
	}

	var candidates []models.TimeWindow

	wanted := models.TimeWindow{Start: anchor, End: anchor.Add(requested)}
	if !overlapsAny(wanted, resvs) {
		candidates = append(candidates, wanted)
	}

	for i := 0; i+1 < len(resvs); i++ {
		gap := models.TimeWindow{Start: resvs[i].End, End: resvs[i+1].Start}
		if gap.Start.Before(anchor) {
			gap.Start = anchor
		}
		if gap.End.After(gap.Start) {
			candidates = append(candidates, gap)
		}
	}

	for _, resv := range resvs {
		if resv.Start.After(anchor) {
			candidates = append(candidates, models.TimeWindow{Start: anchor, End: resv.Start})
			break
		}
	}

	if len(resvs) > 0 {
		last := resvs[len(resvs)-1]
		if last.End.After(anchor) {
			candidates = append(candidates, models.TimeWindow{Start: last.End, End: last.End.Add(requested)})
		}
	}

	return candidates
}

// refine clips, trims, snaps, and policy-checks one raw candidate.
func (f *Finder) refine(ctx *AllocationContext, img models.Image, comp models.Computer, cand, desired models.TimeWindow, bookings []Booking, blocks []models.BlockAllocation, maint []models.MaintenanceWindow, opts SuggestOptions) (Slot, bool, error) {
	requested := desired.Duration()

	if cand.End.Sub(cand.Start) > requested {
		cand.End = cand.Start.Add(requested)
	}

	// Trim block allocations the caller cannot use.
	for _, blk := range blocks {
		if !blk.HasComputer(comp.ID) {
			continue
		}
		if blk.ImageID == img.ID && ctx.memberOf(blk.GroupID) {
			continue
		}
		for _, bw := range blk.Windows {
			cand = trimWindow(cand, bw)
		}
	}

	// Trim maintenance windows that forbid reservations.
	for _, mw := range maint {
		if mw.AllowReservations {
			continue
		}
		cand = trimWindow(cand, mw.Window())
	}

	// Trim windows where the requested fixed address is taken.
	if opts.FixedIP != "" || opts.FixedMAC != "" {
		for _, b := range bookings {
			other, err := f.Computers.Get(b.Reservation.ComputerID)
			if err != nil {
				return Slot{}, false, fmt.Errorf("load computer %s: %w", b.Reservation.ComputerID, err)
			}
			if other == nil || other.ID == comp.ID {
				continue
			}
			if addressMatches(ctx.Options, other.IPAddress, other.MACAddress) ||
				(opts.FixedIP != "" && other.IPAddress == opts.FixedIP) ||
				(opts.FixedMAC != "" && other.MACAddress == opts.FixedMAC) {
				cand = trimWindow(cand, b.Request.Window())
			}
		}
	}

	start := snapUp(cand.Start, slotStep)
	if !start.Before(cand.End) {
		return Slot{}, false, nil
	}
	duration := cand.End.Sub(start)
	if duration < minSlot {
		return Slot{}, false, nil
	}
	if duration > requested {
		duration = requested
	}

	// Candidates derived from reservation edges can drift outside the
	// desired window, so the schedule check from eligibility no longer
	// vouches for them.
	open, err := f.Calendar.WindowOpen(comp, models.TimeWindow{Start: start, End: start.Add(duration)})
	if err != nil {
		return Slot{}, false, err
	}
	if !open {
		return Slot{}, false, nil
	}

	if img.MaxConcurrent != nil {
		over, err := f.capViolated(img, models.TimeWindow{Start: start, End: start.Add(duration)}, ctx)
		if err != nil {
			return Slot{}, false, err
		}
		if over {
			return Slot{}, false, nil
		}
	}

	if !opts.SearchMode {
		duration = bucketDuration(duration)
	}

	return Slot{Start: start, Duration: duration, ComputerID: comp.ID}, true, nil
}

// capViolated reports whether granting the slot would exceed the image's
// concurrency cap.
func (f *Finder) capViolated(img models.Image, window models.TimeWindow, ctx *AllocationContext) (bool, error) {
	bookings, err := f.Requests.ActiveBookings(window)
	if err != nil {
		return false, fmt.Errorf("load overlapping bookings: %w", err)
	}
	count := 0
	for _, b := range bookings {
		if b.Reservation.ImageID == img.ID {
			count++
		}
	}

	blocks, err := f.Blocks.AcceptedOverlapping(window)
	if err != nil {
		return false, fmt.Errorf("load block allocations: %w", err)
	}
	for _, blk := range blocks {
		if blk.ImageID != img.ID || ctx.memberOf(blk.GroupID) {
			continue
		}
		count += len(blk.ComputerIDs)
	}

	return count >= *img.MaxConcurrent, nil
}

// overlapsAny reports whether the window overlaps any of the given
// reservation windows.
func overlapsAny(window models.TimeWindow, resvs []models.TimeWindow) bool {
	for _, r := range resvs {
		if window.Overlaps(r) {
			return true
		}
	}
	return false
}

// trimWindow removes the overlap between cand and blocked, keeping the
// earlier usable part when blocked splits the candidate.
func trimWindow(cand, blocked models.TimeWindow) models.TimeWindow {
	if !cand.Overlaps(blocked) {
		return cand
	}
	if blocked.Start.After(cand.Start) {
		cand.End = blocked.Start
		return cand
	}
	if blocked.End.Before(cand.End) {
		cand.Start = blocked.End
		return cand
	}
	cand.End = cand.Start
	return cand
}

// snapUp aligns t to the next step boundary.
func snapUp(t time.Time, step time.Duration) time.Time {
	snapped := t.Truncate(step)
	if snapped.Before(t) {
		snapped = snapped.Add(step)
	}
	return snapped
}

// bucketDuration coarsens a duration for display: between one and two
// hours collapses to one hour, anything up to two days rounds to the
// nearest two hours, longer rounds to whole days.
func bucketDuration(d time.Duration) time.Duration {
	switch {
	case d <= time.Hour:
		return d
	case d < 2*time.Hour:
		return time.Hour
	case d <= 48*time.Hour:
		return d.Round(2 * time.Hour)
	default:
		return d.Round(24 * time.Hour)
	}
}

// dedupeSlots keeps the longest slot per distinct start and sorts by
// start ascending.
func dedupeSlots(slots []Slot) []Slot {
	best := make(map[time.Time]Slot)
	for _, s := range slots {
		if cur, ok := best[s.Start]; !ok || s.Duration > cur.Duration {
			best[s.Start] = s
		}
	}
	out := make([]Slot, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
