// Package memory provides a mutex-guarded in-memory implementation of
// every engine repository. It backs the engine tests and the CLI's demo
// mode; production deployments use the gorm store.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
)

// Store holds the whole data model in maps behind one mutex. Repository
// interfaces are exposed through small views because several of them
// declare a Get method.
type Store struct {
	mu sync.Mutex

	Clock func() time.Time

	images    map[string]models.Image
	revisions map[string]models.ImageRevision
	computers map[string]models.Computer
	schedules map[string]models.Schedule

	// imageComputers is the group-to-group mapping flattened to
	// image -> computer IDs.
	imageComputers map[string][]string

	maintenance []models.MaintenanceWindow
	blocks      []models.BlockAllocation
	nodes       map[string]models.ManagementNode

	// nodeComputers maps a management node to the computers its resource
	// groups cover.
	nodeComputers map[string][]string

	requests     map[string]models.Request
	reservations map[string][]models.Reservation
	leases       []models.SemaphoreLease
	addresses    map[string]models.AddressAssignment

	access     map[string]reserve.AccessSet
	userGroups map[string][]string

	audit []models.AuditEntry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		images:         make(map[string]models.Image),
		revisions:      make(map[string]models.ImageRevision),
		computers:      make(map[string]models.Computer),
		schedules:      make(map[string]models.Schedule),
		imageComputers: make(map[string][]string),
		nodes:          make(map[string]models.ManagementNode),
		nodeComputers:  make(map[string][]string),
		requests:       make(map[string]models.Request),
		reservations:   make(map[string][]models.Reservation),
		addresses:      make(map[string]models.AddressAssignment),
		access:         make(map[string]reserve.AccessSet),
		userGroups:     make(map[string][]string),
	}
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Stores bundles the store behind the engine's repository interfaces.
func (s *Store) Stores() reserve.Stores {
	return reserve.Stores{
		Images:      imageView{s},
		Computers:   computerView{s},
		Schedules:   scheduleView{s},
		Maintenance: s,
		Blocks:      s,
		Requests:    requestView{s},
		Leases:      s,
		Nodes:       nodeView{s},
		Addresses:   addressView{s},
		Access:      s,
		Groups:      s,
		Audit:       s,
	}
}

// --- fixture loading ---

// AddImage registers an image and its revisions.
func (s *Store) AddImage(img models.Image, revisions ...models.ImageRevision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.ID] = img
	for _, rev := range revisions {
		s.revisions[rev.ID] = rev
	}
}

// MapImage points an image at the computers able to carry it.
func (s *Store) MapImage(imageID string, computerIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageComputers[imageID] = append(s.imageComputers[imageID], computerIDs...)
}

// AddComputer registers a computer.
func (s *Store) AddComputer(comp models.Computer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.computers[comp.ID] = comp
}

// AddSchedule registers a weekly schedule.
func (s *Store) AddSchedule(schedule models.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = schedule
}

// AddMaintenance registers a maintenance window.
func (s *Store) AddMaintenance(mw models.MaintenanceWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = append(s.maintenance, mw)
}

// AddBlockAllocation registers a block allocation.
func (s *Store) AddBlockAllocation(blk models.BlockAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, blk)
}

// AddNode registers a management node and the computers it covers.
func (s *Store) AddNode(node models.ManagementNode, computerIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	s.nodeComputers[node.ID] = computerIDs
}

// GrantAccess sets the access view returned for a user.
func (s *Store) GrantAccess(userID string, set reserve.AccessSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access[userID] = set
}

// SetUserGroups sets a user's group memberships.
func (s *Store) SetUserGroups(userID string, groups ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userGroups[userID] = groups
}

// AuditEntries returns a copy of the audit log.
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// Leases returns a copy of the current lease rows.
func (s *Store) CurrentLeases() []models.SemaphoreLease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SemaphoreLease, len(s.leases))
	copy(out, s.leases)
	return out
}

// --- ImageRepository ---

type imageView struct{ s *Store }

func (v imageView) Get(imageID string) (*models.Image, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if img, ok := v.s.images[imageID]; ok {
		clone := img
		return &clone, nil
	}
	return nil, nil
}

func (v imageView) Revision(revisionID string) (*models.ImageRevision, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if rev, ok := v.s.revisions[revisionID]; ok {
		clone := rev
		return &clone, nil
	}
	return nil, nil
}

func (v imageView) ProductionRevision(imageID string) (*models.ImageRevision, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, rev := range v.s.revisions {
		if rev.ImageID == imageID && rev.Production {
			clone := rev
			return &clone, nil
		}
	}
	return nil, nil
}

func (v imageView) ComputersForImage(imageID string) ([]string, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]string, len(v.s.imageComputers[imageID]))
	copy(out, v.s.imageComputers[imageID])
	return out, nil
}

// --- ComputerRepository ---

type computerView struct{ s *Store }

func (v computerView) Get(computerID string) (*models.Computer, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if comp, ok := v.s.computers[computerID]; ok {
		clone := comp
		return &clone, nil
	}
	return nil, nil
}

func (v computerView) ListByIDs(ids []string) ([]models.Computer, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.Computer
	for _, id := range ids {
		if comp, ok := v.s.computers[id]; ok {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v computerView) VirtualMachinesOnHost(hostID string) ([]models.Computer, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.Computer
	for _, comp := range v.s.computers {
		if comp.HostID != nil && *comp.HostID == hostID {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- ScheduleRepository ---

type scheduleView struct{ s *Store }

func (v scheduleView) Get(scheduleID string) (*models.Schedule, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if sched, ok := v.s.schedules[scheduleID]; ok {
		clone := sched
		return &clone, nil
	}
	return nil, nil
}

// --- MaintenanceRepository ---

func (s *Store) Overlapping(window models.TimeWindow) ([]models.MaintenanceWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MaintenanceWindow
	for _, mw := range s.maintenance {
		if mw.Window().Overlaps(window) {
			out = append(out, mw)
		}
	}
	return out, nil
}

// --- BlockAllocationRepository ---

func (s *Store) AcceptedOverlapping(window models.TimeWindow) ([]models.BlockAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BlockAllocation
	for _, blk := range s.blocks {
		if blk.Status != models.BlockAccepted {
			continue
		}
		if blk.CoversWindow(window) {
			out = append(out, blk)
		}
	}
	return out, nil
}

// --- RequestRepository ---

type requestView struct{ s *Store }

func (v requestView) Get(requestID string) (*models.Request, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if req, ok := v.s.requests[requestID]; ok {
		clone := req
		return &clone, nil
	}
	return nil, nil
}

func (v requestView) Create(req models.Request, reservations []models.Reservation) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.requests[req.ID] = req
	v.s.reservations[req.ID] = append([]models.Reservation(nil), reservations...)
	return nil
}

func (v requestView) Update(req models.Request) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.requests[req.ID] = req
	return nil
}

func (v requestView) Delete(requestID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.requests, requestID)
	delete(v.s.reservations, requestID)
	return nil
}

func (v requestView) Reservations(requestID string) ([]models.Reservation, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]models.Reservation, len(v.s.reservations[requestID]))
	copy(out, v.s.reservations[requestID])
	return out, nil
}

func (v requestView) UpdateReservation(res models.Reservation) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	rows := v.s.reservations[res.RequestID]
	for i := range rows {
		if rows[i].ID == res.ID {
			rows[i] = res
			return nil
		}
	}
	v.s.reservations[res.RequestID] = append(rows, res)
	return nil
}

func (v requestView) ActiveBookings(window models.TimeWindow) ([]reserve.Booking, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []reserve.Booking
	for id, req := range v.s.requests {
		if !req.Active() || !req.Window().Overlaps(window) {
			continue
		}
		for _, res := range v.s.reservations[id] {
			out = append(out, reserve.Booking{Request: req, Reservation: res})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reservation.ID < out[j].Reservation.ID })
	return out, nil
}

func (v requestView) RecentBookings(userID, imageID string, since time.Time) ([]reserve.Booking, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []reserve.Booking
	for id, req := range v.s.requests {
		if req.UserID != userID || !req.End.After(since) {
			continue
		}
		for _, res := range v.s.reservations[id] {
			if res.ImageID == imageID {
				out = append(out, reserve.Booking{Request: req, Reservation: res})
			}
		}
	}
	return out, nil
}

// --- LeaseRepository ---

func (s *Store) TryInsert(lease models.SemaphoreLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	kept := s.leases[:0]
	for _, l := range s.leases {
		if l.Expired(now) {
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	for _, l := range s.leases {
		if l.ComputerID == lease.ComputerID {
			return false, nil
		}
	}
	s.leases = append(s.leases, lease)
	return true, nil
}

func (s *Store) Release(computerID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.leases[:0]
	for _, l := range s.leases {
		if l.ComputerID == computerID && l.OwnerID == ownerID {
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	return nil
}

func (s *Store) ReleaseOwner(ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.leases[:0]
	for _, l := range s.leases {
		if l.OwnerID == ownerID {
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	return nil
}

func (s *Store) ListOwned(ownerID string) ([]models.SemaphoreLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SemaphoreLease
	for _, l := range s.leases {
		if l.OwnerID == ownerID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) PurgeExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.leases[:0]
	purged := 0
	for _, l := range s.leases {
		if l.Expired(now) {
			purged++
			continue
		}
		kept = append(kept, l)
	}
	s.leases = kept
	return purged, nil
}

// --- ManagementNodeRepository ---

type nodeView struct{ s *Store }

func (v nodeView) Get(nodeID string) (*models.ManagementNode, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if node, ok := v.s.nodes[nodeID]; ok {
		clone := node
		return &clone, nil
	}
	return nil, nil
}

func (v nodeView) List() ([]models.ManagementNode, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]models.ManagementNode, 0, len(v.s.nodes))
	for _, node := range v.s.nodes {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v nodeView) NodesForComputer(computerID string) ([]models.ManagementNode, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []models.ManagementNode
	for nodeID, covered := range v.s.nodeComputers {
		for _, id := range covered {
			if id == computerID {
				out = append(out, v.s.nodes[nodeID])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- AddressRepository ---

type addressView struct{ s *Store }

func (v addressView) Assign(assignment models.AddressAssignment) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.addresses[assignment.RequestID] = assignment
	return nil
}

func (v addressView) ForRequest(requestID string) (*models.AddressAssignment, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if a, ok := v.s.addresses[requestID]; ok {
		clone := a
		return &clone, nil
	}
	return nil, nil
}

func (v addressView) Release(requestID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	delete(v.s.addresses, requestID)
	return nil
}

func (v addressView) List() ([]models.AddressAssignment, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make([]models.AddressAssignment, 0, len(v.s.addresses))
	for _, a := range v.s.addresses {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// --- AccessIndex ---

func (s *Store) UserResources(userID string, privileges []string) (reserve.AccessSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.access[userID]; ok {
		return set, nil
	}
	return reserve.AccessSet{
		ComputerIDs:       map[string]bool{},
		ImageIDs:          map[string]bool{},
		ManagementNodeIDs: map[string]bool{},
	}, nil
}

// --- UserGroupRepository ---

func (s *Store) GroupsForUser(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.userGroups[userID]))
	copy(out, s.userGroups[userID])
	return out, nil
}

// --- AuditTrail ---

func (s *Store) Append(entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}
