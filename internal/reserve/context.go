package reserve

import (
	"math/rand"
	"sort"
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// ResolveOptions tune a single resolution attempt.
type ResolveOptions struct {
	// UserID is the acting user; block-allocation and privilege checks
	// run against it.
	UserID string

	// Privileges feed the access index lookup.
	Privileges []string

	// HoldForCommit acquires a semaphore lease on every chosen computer
	// so the plan can be committed without losing the race.
	HoldForCommit bool

	// IgnoreAccess skips the privilege filter entirely.
	IgnoreAccess bool

	// ForImaging marks the attempt as an image-capture reservation.
	ForImaging bool

	// SkipConcurrency bypasses the per-image concurrency cap. Used for
	// reload bookkeeping reservations.
	SkipConcurrency bool

	// FixedIP/FixedMAC request a specific address for the reservation.
	FixedIP  string
	FixedMAC string

	// RevisionID pins a specific image revision; empty selects the
	// production revision.
	RevisionID string

	// EditRequestID marks edit mode: the attempt re-resolves an existing
	// request, whose own bookings must not count against it.
	EditRequestID string
}

// AllocationContext carries the per-attempt state threaded through a
// resolution pass. It replaces process-wide request globals: every
// decision re-derives from this value plus the store.
type AllocationContext struct {
	OwnerID string
	Window  models.TimeWindow
	Options ResolveOptions
	Now     time.Time

	// Groups are the acting user's group memberships.
	Groups []string

	// Access is nil when the privilege filter is ignored.
	Access *AccessSet

	// Claimed holds computers committed earlier in this same pass, so a
	// cluster never hands two of its images the same computer.
	Claimed map[string]bool
}

func (ctx *AllocationContext) memberOf(groupID string) bool {
	for _, g := range ctx.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

func (ctx *AllocationContext) permitted(computerID string) bool {
	if ctx.Access == nil {
		return true
	}
	return ctx.Access.ComputerIDs[computerID]
}

// startsNow reports whether the window begins immediately, which tightens
// the computer-state filter and the node liveness requirement.
func (ctx *AllocationContext) startsNow() bool {
	return !ctx.Window.Start.After(ctx.Now.Add(time.Minute))
}

// OrderStrategy orders the computers within a priority tier.
type OrderStrategy interface {
	Order(tier []models.Computer)
}

// SmallestFit orders computers by ascending RAM, then ascending CPU
// speed times CPU count, then ascending network speed, so the smallest
// sufficient machine is consumed first.
type SmallestFit struct{}

func (SmallestFit) Order(tier []models.Computer) {
	sort.SliceStable(tier, func(i, j int) bool {
		a, b := tier[i], tier[j]
		if a.RAMMB != b.RAMMB {
			return a.RAMMB < b.RAMMB
		}
		pa := a.CPUSpeedMHz * a.CPUCount
		pb := b.CPUSpeedMHz * b.CPUCount
		if pa != pb {
			return pa < pb
		}
		return a.NetworkMbps < b.NetworkMbps
	})
}

// Randomized shuffles each tier instead of fitting smallest-first.
type Randomized struct {
	Rand *rand.Rand
}

func (r Randomized) Order(tier []models.Computer) {
	shuffle := rand.Shuffle
	if r.Rand != nil {
		shuffle = r.Rand.Shuffle
	}
	shuffle(len(tier), func(i, j int) {
		tier[i], tier[j] = tier[j], tier[i]
	})
}
