package reserve

import (
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// ImageRepository resolves images, revisions, and the group-to-group
// mapping from an image to the computers able to carry it.
type ImageRepository interface {
	Get(imageID string) (*models.Image, error)
	Revision(revisionID string) (*models.ImageRevision, error)
	ProductionRevision(imageID string) (*models.ImageRevision, error)

	// ComputersForImage returns the IDs of computers mapped to the image
	// through resource-group membership.
	ComputersForImage(imageID string) ([]string, error)
}

// ComputerRepository exposes the computer fleet.
type ComputerRepository interface {
	Get(computerID string) (*models.Computer, error)
	ListByIDs(ids []string) ([]models.Computer, error)

	// VirtualMachinesOnHost returns the virtual machines assigned to the
	// given host computer.
	VirtualMachinesOnHost(hostID string) ([]models.Computer, error)
}

// ScheduleRepository resolves weekly schedules.
type ScheduleRepository interface {
	Get(scheduleID string) (*models.Schedule, error)
}

// MaintenanceRepository returns maintenance windows overlapping a window.
type MaintenanceRepository interface {
	Overlapping(window models.TimeWindow) ([]models.MaintenanceWindow, error)
}

// BlockAllocationRepository returns accepted block allocations whose
// windows overlap the given window.
type BlockAllocationRepository interface {
	AcceptedOverlapping(window models.TimeWindow) ([]models.BlockAllocation, error)
}

// Booking pairs a reservation with the request that owns it.
type Booking struct {
	Request     models.Request
	Reservation models.Reservation
}

// RequestRepository persists requests and their reservations. Requests
// are written by a single owning process per lifecycle operation; only
// lease rows see concurrent writers.
type RequestRepository interface {
	Get(requestID string) (*models.Request, error)
	Create(req models.Request, reservations []models.Reservation) error
	Update(req models.Request) error

	// Delete removes the request and its reservation rows outright.
	Delete(requestID string) error

	Reservations(requestID string) ([]models.Reservation, error)
	UpdateReservation(res models.Reservation) error

	// ActiveBookings returns reservations belonging to non-terminal
	// requests whose windows overlap the given window.
	ActiveBookings(window models.TimeWindow) ([]Booking, error)

	// RecentBookings returns bookings (any state) for the user and image
	// whose window end falls after since. Feeds the failure-avoidance
	// heuristic.
	RecentBookings(userID, imageID string, since time.Time) ([]Booking, error)
}

// LeaseRepository stores semaphore lease rows. TryInsert must be
// conditional and race safe: it inserts iff no unexpired lease exists for
// the computer, atomically from the point of view of other writers.
type LeaseRepository interface {
	TryInsert(lease models.SemaphoreLease) (bool, error)
	Release(computerID, ownerID string) error
	ReleaseOwner(ownerID string) error
	ListOwned(ownerID string) ([]models.SemaphoreLease, error)
	PurgeExpired(now time.Time) (int, error)
}

// ManagementNodeRepository resolves control-plane nodes.
type ManagementNodeRepository interface {
	Get(nodeID string) (*models.ManagementNode, error)
	List() ([]models.ManagementNode, error)

	// NodesForComputer returns the nodes whose resource-group membership
	// covers the computer.
	NodesForComputer(computerID string) ([]models.ManagementNode, error)
}

// AddressRepository tracks fixed IP/MAC records attached to requests.
type AddressRepository interface {
	Assign(assignment models.AddressAssignment) error
	ForRequest(requestID string) (*models.AddressAssignment, error)
	Release(requestID string) error
	List() ([]models.AddressAssignment, error)
}

// AccessSet is the resource view a user is entitled to.
type AccessSet struct {
	ComputerIDs       map[string]bool
	ImageIDs          map[string]bool
	ManagementNodeIDs map[string]bool
}

// AccessIndex is the external privilege-tree collaborator. Only the query
// capability is consumed here; how privileges are granted is out of scope.
type AccessIndex interface {
	UserResources(userID string, privileges []string) (AccessSet, error)
}

// UserGroupRepository answers group-membership questions for block
// allocation eligibility.
type UserGroupRepository interface {
	GroupsForUser(userID string) ([]string, error)
}

// AuditTrail is a write-only sink for lifecycle changes.
type AuditTrail interface {
	Append(entry models.AuditEntry) error
}

// Stores bundles every repository the engine needs. Store packages return
// one of these from their constructor so wiring stays in one place.
type Stores struct {
	Images      ImageRepository
	Computers   ComputerRepository
	Schedules   ScheduleRepository
	Maintenance MaintenanceRepository
	Blocks      BlockAllocationRepository
	Requests    RequestRepository
	Leases      LeaseRepository
	Nodes       ManagementNodeRepository
	Addresses   AddressRepository
	Access      AccessIndex
	Groups      UserGroupRepository
	Audit       AuditTrail
}
