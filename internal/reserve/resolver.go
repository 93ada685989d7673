package reserve

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/metrics"
	"github.com/cochaviz/carrel/internal/models"
)

const (
	// failureLookback bounds the recent-failure heuristic: a computer
	// that hosted a suspiciously short reservation for the same user and
	// image within this window is skipped.
	failureLookback = 90 * time.Minute

	// shortLivedThreshold is how short a "was available" reservation must
	// have been to count as a suspected backend failure.
	shortLivedThreshold = 15 * time.Minute
)

// Resolver is the availability-decision engine. Resolve composes the
// maintenance, address, concurrency, mapping, schedule, hardware, state,
// privilege, block-allocation, VM-capacity, and failure-heuristic checks
// into an allocation plan or a typed refusal.
type Resolver struct {
	Logger *slog.Logger

	Images        ImageRepository
	Computers     ComputerRepository
	Calendar      *ScheduleCalendar
	Maintenance   *MaintenanceRegistry
	Blocks        BlockAllocationRepository
	Requests      RequestRepository
	Addresses     AddressRepository
	NodeDirectory ManagementNodeRepository
	Nodes         *NodeSelector
	Lock          *SemaphoreLock
	Access        AccessIndex
	Groups        UserGroupRepository
	Metrics       *metrics.Recorder

	// Order is the tier-ordering strategy; nil selects SmallestFit.
	Order OrderStrategy

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Resolver) order(tier []models.Computer) {
	if r.Order != nil {
		r.Order.Order(tier)
		return
	}
	SmallestFit{}.Order(tier)
}

// Resolve decides whether the image (and, for clusters, its sub-images)
// can be allocated for the window. Checks short-circuit on the first
// failure; refusals come back as *NegativeResult, store faults as plain
// errors. With HoldForCommit set, the returned plan holds a semaphore
// lease per assignment under plan.LeaseOwnerID; refusals release every
// lease taken earlier in the pass.
func (r *Resolver) Resolve(window models.TimeWindow, imageID string, opts ResolveOptions) (*models.AllocationPlan, error) {
	logger := logging.Ensure(r.Logger).With("component", "resolver", "image", imageID)

	conflict, err := r.Maintenance.Conflicts(window)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, r.refuse(logger, notAvailable(CodeMaintenanceConflict, "", "window conflicts with scheduled maintenance"))
	}

	if opts.FixedIP != "" || opts.FixedMAC != "" {
		neg, err := r.addressConflict(window, opts)
		if err != nil {
			return nil, err
		}
		if neg != nil {
			return nil, r.refuse(logger, neg)
		}
	}

	parent, err := r.Images.Get(imageID)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", imageID, err)
	}
	if parent == nil {
		return nil, fmt.Errorf("image %s does not exist", imageID)
	}

	ctx, err := r.newContext(window, opts)
	if err != nil {
		return nil, err
	}

	plan := &models.AllocationPlan{Window: window, LeaseOwnerID: ctx.OwnerID}

	images := []models.Image{*parent}
	for _, subID := range parent.SubImageIDs {
		sub, err := r.Images.Get(subID)
		if err != nil {
			return nil, fmt.Errorf("load sub-image %s: %w", subID, err)
		}
		if sub == nil {
			return nil, fmt.Errorf("sub-image %s of %s does not exist", subID, imageID)
		}
		images = append(images, *sub)
	}

	for i, img := range images {
		assignment, err := r.resolveImage(ctx, img, i > 0)
		if err != nil {
			if opts.HoldForCommit {
				if releaseErr := r.Lock.ReleaseOwner(ctx.OwnerID); releaseErr != nil {
					logger.Warn("release held leases after refusal", "error", releaseErr)
				}
			}
			if neg, ok := AsNegative(err); ok {
				return nil, r.refuse(logger, neg)
			}
			return nil, err
		}
		plan.Assignments = append(plan.Assignments, assignment)
		ctx.Claimed[assignment.ComputerID] = true
	}

	r.Metrics.ResolveOutcome("ok")
	logger.Info("allocation plan resolved", "assignments", len(plan.Assignments), "owner", ctx.OwnerID)
	return plan, nil
}

func (r *Resolver) refuse(logger *slog.Logger, neg *NegativeResult) error {
	r.Metrics.ResolveOutcome(neg.Code.String())
	logger.Info("resolution refused", "code", neg.Code.String(), "detail", neg.Detail)
	return neg
}

func (r *Resolver) newContext(window models.TimeWindow, opts ResolveOptions) (*AllocationContext, error) {
	ctx := &AllocationContext{
		OwnerID: uuid.NewString(),
		Window:  window,
		Options: opts,
		Now:     r.now(),
		Claimed: make(map[string]bool),
	}

	if !opts.IgnoreAccess && r.Access != nil {
		access, err := r.Access.UserResources(opts.UserID, opts.Privileges)
		if err != nil {
			return nil, fmt.Errorf("load user resources for %s: %w", opts.UserID, err)
		}
		ctx.Access = &access
	}

	if r.Groups != nil && opts.UserID != "" {
		groups, err := r.Groups.GroupsForUser(opts.UserID)
		if err != nil {
			return nil, fmt.Errorf("load groups for %s: %w", opts.UserID, err)
		}
		ctx.Groups = groups
	}

	return ctx, nil
}

func (r *Resolver) resolveImage(ctx *AllocationContext, img models.Image, subImage bool) (models.Assignment, error) {
	if img.MaxConcurrent != nil && !ctx.Options.SkipConcurrency {
		over, err := r.capReached(ctx, img)
		if err != nil {
			return models.Assignment{}, err
		}
		if over {
			return models.Assignment{}, notAvailable(CodeConcurrencyCapReached, img.ID,
				fmt.Sprintf("cap of %d simultaneous reservations reached", *img.MaxConcurrent))
		}
	}

	if img.Platform == "" {
		return models.Assignment{}, notAvailable(CodeUnknownPlatform, img.ID, "image has no platform")
	}

	revisionID, err := r.revisionFor(ctx, img, subImage)
	if err != nil {
		return models.Assignment{}, err
	}

	if ctx.Options.EditRequestID != "" {
		req, err := r.Requests.Get(ctx.Options.EditRequestID)
		if err != nil {
			return models.Assignment{}, fmt.Errorf("load request %s: %w", ctx.Options.EditRequestID, err)
		}
		if req != nil && req.Started(ctx.Now) {
			return r.resolveStartedEdit(ctx, img)
		}
	}

	eligible, err := r.eligibleComputers(ctx, img)
	if err != nil {
		return models.Assignment{}, err
	}
	if len(eligible) == 0 {
		return models.Assignment{}, notAvailable(CodeNoSchedulePlatformMatch, img.ID,
			"no mapped computer passes the schedule, hardware, state, and privilege filters")
	}

	eligible, err = r.withoutBooked(ctx, eligible)
	if err != nil {
		return models.Assignment{}, err
	}

	tiers, err := r.buildTiers(ctx, img, revisionID, eligible)
	if err != nil {
		return models.Assignment{}, err
	}

	return r.walkTiers(ctx, img, revisionID, tiers)
}

// eligibleComputers applies the mapping, platform, hardware, state,
// privilege, and schedule filters.
func (r *Resolver) eligibleComputers(ctx *AllocationContext, img models.Image) ([]models.Computer, error) {
	mapped, err := r.Images.ComputersForImage(img.ID)
	if err != nil {
		return nil, fmt.Errorf("computers for image %s: %w", img.ID, err)
	}
	if len(mapped) == 0 {
		return nil, notAvailable(CodeNoMappedComputers, img.ID, "no computer group is mapped to the image")
	}

	computers, err := r.Computers.ListByIDs(mapped)
	if err != nil {
		return nil, fmt.Errorf("load mapped computers: %w", err)
	}

	startsNow := ctx.startsNow()
	var eligible []models.Computer
	for _, comp := range computers {
		if comp.Platform != img.Platform {
			continue
		}
		if !hardwareFits(comp, img) {
			continue
		}
		if stateExcluded(comp.State, startsNow) {
			continue
		}
		if !ctx.permitted(comp.ID) {
			continue
		}
		open, err := r.Calendar.WindowOpen(comp, ctx.Window)
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

// withoutBooked drops computers held by other non-terminal requests
// overlapping the window, and computers claimed earlier in this pass.
func (r *Resolver) withoutBooked(ctx *AllocationContext, eligible []models.Computer) ([]models.Computer, error) {
	bookings, err := r.Requests.ActiveBookings(ctx.Window)
	if err != nil {
		return nil, fmt.Errorf("load overlapping bookings: %w", err)
	}

	booked := make(map[string]bool)
	for _, b := range bookings {
		if ctx.Options.EditRequestID != "" && b.Request.ID == ctx.Options.EditRequestID {
			continue
		}
		booked[b.Reservation.ComputerID] = true
	}

	var free []models.Computer
	for _, comp := range eligible {
		if booked[comp.ID] || ctx.Claimed[comp.ID] {
			continue
		}
		free = append(free, comp)
	}
	return free, nil
}

// tierSet holds the three candidate tiers in priority order.
type tierSet struct {
	block  []models.Computer
	loaded []models.Computer
	other  []models.Computer
}

func (t *tierSet) empty() bool {
	return len(t.block) == 0 && len(t.loaded) == 0 && len(t.other) == 0
}

// buildTiers partitions candidates by priority, applies the VM host
// capacity filter, and applies the recent-failure heuristic. When the
// heuristic would empty all tiers it is dropped and the partition is
// rebuilt without it.
func (r *Resolver) buildTiers(ctx *AllocationContext, img models.Image, revisionID string, eligible []models.Computer) (*tierSet, error) {
	blocks, err := r.Blocks.AcceptedOverlapping(ctx.Window)
	if err != nil {
		return nil, fmt.Errorf("load block allocations: %w", err)
	}

	memberBlock := make(map[string]bool)
	foreignBlock := make(map[string]bool)
	for _, blk := range blocks {
		if !blk.CoversWindow(ctx.Window) {
			continue
		}
		usable := blk.ImageID == img.ID && ctx.memberOf(blk.GroupID)
		for _, id := range blk.ComputerIDs {
			if usable {
				memberBlock[id] = true
			} else {
				foreignBlock[id] = true
			}
		}
	}

	suspicious, err := r.suspiciousComputers(ctx, img)
	if err != nil {
		return nil, err
	}

	tiers, dropped, err := r.partition(ctx, img, revisionID, eligible, memberBlock, foreignBlock, suspicious)
	if err != nil {
		return nil, err
	}
	if tiers.empty() && dropped {
		// The failure heuristic emptied every tier; retry without it.
		tiers, _, err = r.partition(ctx, img, revisionID, eligible, memberBlock, foreignBlock, nil)
		if err != nil {
			return nil, err
		}
	}
	return tiers, nil
}

func (r *Resolver) partition(ctx *AllocationContext, img models.Image, revisionID string, eligible []models.Computer, memberBlock, foreignBlock, suspicious map[string]bool) (*tierSet, bool, error) {
	tiers := &tierSet{}
	dropped := false
	for _, comp := range eligible {
		if suspicious[comp.ID] {
			dropped = true
			continue
		}
		switch {
		case memberBlock[comp.ID]:
			tiers.block = append(tiers.block, comp)
		case foreignBlock[comp.ID]:
			// Reserved for a block allocation the caller cannot use.
		case comp.CurrentImageID == img.ID && comp.CurrentRevisionID == revisionID:
			tiers.loaded = append(tiers.loaded, comp)
		default:
			tiers.other = append(tiers.other, comp)
		}
	}

	if len(tiers.loaded) == 0 {
		kept := tiers.other[:0]
		for _, comp := range tiers.other {
			if comp.Type == models.TypeVirtual {
				fits, err := r.hostFits(comp, img)
				if err != nil {
					return nil, false, err
				}
				if !fits {
					continue
				}
			}
			kept = append(kept, comp)
		}
		tiers.other = kept
	}

	return tiers, dropped, nil
}

// hostFits checks that assigning the image to the virtual machine would
// not oversubscribe its host's RAM, counting every sibling VM's current
// image minimum and swapping this VM's contribution for the new image.
func (r *Resolver) hostFits(comp models.Computer, img models.Image) (bool, error) {
	if comp.HostID == nil {
		return true, nil
	}
	host, err := r.Computers.Get(*comp.HostID)
	if err != nil {
		return false, fmt.Errorf("load VM host %s: %w", *comp.HostID, err)
	}
	if host == nil {
		return false, nil
	}

	vms, err := r.Computers.VirtualMachinesOnHost(host.ID)
	if err != nil {
		return false, fmt.Errorf("load VMs on host %s: %w", host.ID, err)
	}

	committed := 0
	for _, vm := range vms {
		if vm.ID == comp.ID {
			committed += img.MinRAMMB
			continue
		}
		if vm.CurrentImageID == "" {
			continue
		}
		current, err := r.Images.Get(vm.CurrentImageID)
		if err != nil {
			return false, fmt.Errorf("load image %s: %w", vm.CurrentImageID, err)
		}
		if current != nil {
			committed += current.MinRAMMB
		}
	}
	return committed <= host.RAMMB, nil
}

// suspiciousComputers returns computers that recently hosted a short
// "was available" reservation for the same user and image, a heuristic
// guard against undetected backend failures.
func (r *Resolver) suspiciousComputers(ctx *AllocationContext, img models.Image) (map[string]bool, error) {
	if ctx.Options.UserID == "" {
		return nil, nil
	}
	since := ctx.Now.Add(-failureLookback)
	bookings, err := r.Requests.RecentBookings(ctx.Options.UserID, img.ID, since)
	if err != nil {
		return nil, fmt.Errorf("load recent bookings: %w", err)
	}

	out := make(map[string]bool)
	for _, b := range bookings {
		if !b.Reservation.WasAvailable {
			continue
		}
		if b.Request.Window().Duration() >= shortLivedThreshold {
			continue
		}
		out[b.Reservation.ComputerID] = true
	}
	return out, nil
}

// walkTiers tries candidates in priority order: block allocation first,
// already-loaded second, anything else last. Each candidate needs a
// management node and, under hold-for-commit, a semaphore lease.
func (r *Resolver) walkTiers(ctx *AllocationContext, img models.Image, revisionID string, tiers *tierSet) (models.Assignment, error) {
	liveness := models.LivenessFuture
	if ctx.startsNow() {
		liveness = models.LivenessNow
	}

	ordered := [][]models.Computer{tiers.block, tiers.loaded, tiers.other}
	for tierIdx, tier := range ordered {
		r.order(tier)
		for _, comp := range tier {
			node, err := r.Nodes.Select(comp.ID, ctx.Window.Start, liveness)
			if err != nil {
				return models.Assignment{}, err
			}
			if node == nil {
				continue
			}
			if ctx.Options.HoldForCommit {
				ok, err := r.Lock.Acquire(comp.ID, ctx.OwnerID, ctx.Window, ctx.Options.EditRequestID)
				if err != nil {
					return models.Assignment{}, err
				}
				if !ok {
					continue
				}
			}
			return models.Assignment{
				ImageID:             img.ID,
				RevisionID:          revisionID,
				ComputerID:          comp.ID,
				ManagementNodeID:    node.ID,
				LoadedAlready:       comp.CurrentImageID == img.ID && comp.CurrentRevisionID == revisionID,
				FromBlockAllocation: tierIdx == 0,
			}, nil
		}
	}

	return models.Assignment{}, notAvailable(CodeNoManagementNodeOrLease, img.ID,
		"every candidate lost its management node or semaphore lease")
}

// resolveStartedEdit handles editing a request whose window has begun:
// the image stays on its current computer, which must still satisfy the
// schedule and must not collide with a block allocation the caller
// cannot use.
func (r *Resolver) resolveStartedEdit(ctx *AllocationContext, img models.Image) (models.Assignment, error) {
	reservations, err := r.Requests.Reservations(ctx.Options.EditRequestID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load reservations for %s: %w", ctx.Options.EditRequestID, err)
	}

	var current *models.Reservation
	for i := range reservations {
		if reservations[i].ImageID == img.ID {
			current = &reservations[i]
			break
		}
	}
	if current == nil {
		return models.Assignment{}, notAvailable(CodeEditWindowRestricted, img.ID,
			"running request holds no reservation for the image")
	}

	comp, err := r.Computers.Get(current.ComputerID)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load computer %s: %w", current.ComputerID, err)
	}
	if comp == nil {
		return models.Assignment{}, notAvailable(CodeEditWindowRestricted, img.ID, "assigned computer is gone")
	}

	open, err := r.Calendar.WindowOpen(*comp, ctx.Window)
	if err != nil {
		return models.Assignment{}, err
	}
	if !open {
		return models.Assignment{}, notAvailable(CodeScheduleIncompatibleForEdit, img.ID,
			"assigned computer's schedule does not admit the new window")
	}

	blocks, err := r.Blocks.AcceptedOverlapping(ctx.Window)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("load block allocations: %w", err)
	}
	for _, blk := range blocks {
		if !blk.HasComputer(comp.ID) || !blk.CoversWindow(ctx.Window) {
			continue
		}
		if blk.ImageID == img.ID && ctx.memberOf(blk.GroupID) {
			continue
		}
		return models.Assignment{}, notAvailable(CodeEditWindowRestricted, img.ID,
			"assigned computer is committed to a block allocation")
	}

	return models.Assignment{
		ImageID:          img.ID,
		RevisionID:       current.RevisionID,
		ComputerID:       comp.ID,
		ManagementNodeID: current.ManagementNodeID,
		LoadedAlready:    true,
	}, nil
}

// capReached counts non-terminal reservations of the image overlapping
// the window plus block-allocation capacity outside the caller's groups,
// excluding computers already claimed in this pass.
func (r *Resolver) capReached(ctx *AllocationContext, img models.Image) (bool, error) {
	limit := *img.MaxConcurrent
	if limit <= 0 {
		return true, nil
	}

	bookings, err := r.Requests.ActiveBookings(ctx.Window)
	if err != nil {
		return false, fmt.Errorf("load overlapping bookings: %w", err)
	}

	counted := make(map[string]bool)
	count := 0
	for _, b := range bookings {
		if b.Reservation.ImageID != img.ID {
			continue
		}
		if ctx.Options.EditRequestID != "" && b.Request.ID == ctx.Options.EditRequestID {
			continue
		}
		if ctx.Claimed[b.Reservation.ComputerID] || counted[b.Reservation.ComputerID] {
			continue
		}
		counted[b.Reservation.ComputerID] = true
		count++
	}

	blocks, err := r.Blocks.AcceptedOverlapping(ctx.Window)
	if err != nil {
		return false, fmt.Errorf("load block allocations: %w", err)
	}
	for _, blk := range blocks {
		if blk.ImageID != img.ID || ctx.memberOf(blk.GroupID) {
			continue
		}
		for _, id := range blk.ComputerIDs {
			if ctx.Claimed[id] || counted[id] {
				continue
			}
			counted[id] = true
			count++
		}
	}

	return count >= limit, nil
}

func (r *Resolver) revisionFor(ctx *AllocationContext, img models.Image, subImage bool) (string, error) {
	if !subImage && ctx.Options.RevisionID != "" {
		rev, err := r.Images.Revision(ctx.Options.RevisionID)
		if err != nil {
			return "", fmt.Errorf("load revision %s: %w", ctx.Options.RevisionID, err)
		}
		if rev == nil || rev.ImageID != img.ID {
			return "", fmt.Errorf("revision %s does not belong to image %s", ctx.Options.RevisionID, img.ID)
		}
		return rev.ID, nil
	}

	rev, err := r.Images.ProductionRevision(img.ID)
	if err != nil {
		return "", fmt.Errorf("load production revision for %s: %w", img.ID, err)
	}
	if rev == nil {
		return "", fmt.Errorf("image %s has no production revision", img.ID)
	}
	return rev.ID, nil
}

// addressConflict checks a requested fixed IP/MAC against overlapping
// reservations, pinned address records, and management node addresses.
func (r *Resolver) addressConflict(window models.TimeWindow, opts ResolveOptions) (*NegativeResult, error) {
	bookings, err := r.Requests.ActiveBookings(window)
	if err != nil {
		return nil, fmt.Errorf("load overlapping bookings: %w", err)
	}
	for _, b := range bookings {
		if opts.EditRequestID != "" && b.Request.ID == opts.EditRequestID {
			continue
		}
		comp, err := r.Computers.Get(b.Reservation.ComputerID)
		if err != nil {
			return nil, fmt.Errorf("load computer %s: %w", b.Reservation.ComputerID, err)
		}
		if comp == nil {
			continue
		}
		if addressMatches(opts, comp.IPAddress, comp.MACAddress) {
			return notAvailable(CodeIPMACConflictReservation, "",
				fmt.Sprintf("address in use by reservation on %s", comp.Hostname)), nil
		}
	}

	if r.Addresses != nil {
		assignments, err := r.Addresses.List()
		if err != nil {
			return nil, fmt.Errorf("load address assignments: %w", err)
		}
		for _, a := range assignments {
			if opts.EditRequestID != "" && a.RequestID == opts.EditRequestID {
				continue
			}
			if !addressMatches(opts, a.IPAddress, a.MACAddress) {
				continue
			}
			req, err := r.Requests.Get(a.RequestID)
			if err != nil {
				return nil, fmt.Errorf("load request %s: %w", a.RequestID, err)
			}
			if req != nil && req.Active() && req.Window().Overlaps(window) {
				return notAvailable(CodeIPMACConflictReservation, "", "address pinned by another request"), nil
			}
		}
	}

	nodes, err := r.NodeDirectory.List()
	if err != nil {
		return nil, fmt.Errorf("load management nodes: %w", err)
	}
	for _, node := range nodes {
		if opts.FixedIP != "" && node.IPAddress == opts.FixedIP {
			return notAvailable(CodeIPMACConflictManagementNode, "",
				fmt.Sprintf("address belongs to management node %s", node.Hostname)), nil
		}
	}
	return nil, nil
}

func addressMatches(opts ResolveOptions, ip, mac string) bool {
	if opts.FixedIP != "" && ip != "" && opts.FixedIP == ip {
		return true
	}
	if opts.FixedMAC != "" && mac != "" && opts.FixedMAC == mac {
		return true
	}
	return false
}

func hardwareFits(comp models.Computer, img models.Image) bool {
	return comp.RAMMB >= img.MinRAMMB &&
		comp.CPUCount >= img.MinCPUCount &&
		comp.CPUSpeedMHz >= img.MinCPUSpeedMHz &&
		comp.NetworkMbps >= img.MinNetworkMbps
}

// stateExcluded reports whether a computer's state removes it from
// candidacy. Windows starting now additionally exclude computers being
// reloaded, timed out, or in use.
func stateExcluded(state models.ComputerState, startsNow bool) bool {
	switch state {
	case models.ComputerMaintenance, models.ComputerFailed, models.ComputerVMHostInUse:
		return true
	}
	if !startsNow {
		return false
	}
	switch state {
	case models.ComputerReloading, models.ComputerTimeout, models.ComputerInUse:
		return true
	}
	return false
}
