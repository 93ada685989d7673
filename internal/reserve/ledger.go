package reserve

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/models"
)

// Ledger persists allocation plans into request and reservation rows and
// drives the request lifecycle state machine. Request rows are written by
// one owning process per lifecycle operation; the ledger never races
// itself.
type Ledger struct {
	Logger *slog.Logger

	Requests  RequestRepository
	Addresses AddressRepository
	Nodes     *NodeSelector
	Lock      *SemaphoreLock
	Audit     AuditTrail

	Clock func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

// Commit turns a resolved plan into a request with one reservation per
// assignment. The row write is the last step and is atomic per row-set;
// leases held by the plan are released once the rows are committed.
func (l *Ledger) Commit(plan *models.AllocationPlan, opts ResolveOptions) (*models.Request, error) {
	logger := logging.Ensure(l.Logger).With("component", "ledger")
	now := l.now()

	req := models.Request{
		ID:         uuid.NewString(),
		UserID:     opts.UserID,
		Start:      plan.Window.Start,
		End:        plan.Window.End,
		State:      models.RequestNew,
		ForImaging: opts.ForImaging,
		CreatedAt:  now,
	}

	reservations := make([]models.Reservation, 0, len(plan.Assignments))
	for _, a := range plan.Assignments {
		reservations = append(reservations, models.Reservation{
			ID:               uuid.NewString(),
			RequestID:        req.ID,
			ComputerID:       a.ComputerID,
			ImageID:          a.ImageID,
			RevisionID:       a.RevisionID,
			ManagementNodeID: a.ManagementNodeID,
			WasAvailable:     a.LoadedAlready,
		})
	}

	if err := l.Requests.Create(req, reservations); err != nil {
		return nil, fmt.Errorf("commit request: %w", err)
	}

	if l.Addresses != nil && (opts.FixedIP != "" || opts.FixedMAC != "") {
		assignment := models.AddressAssignment{
			RequestID:  req.ID,
			IPAddress:  opts.FixedIP,
			MACAddress: opts.FixedMAC,
		}
		if err := l.Addresses.Assign(assignment); err != nil {
			return nil, fmt.Errorf("pin address for request %s: %w", req.ID, err)
		}
	}

	l.appendAudit(models.AuditEntry{
		RequestID: req.ID,
		Timestamp: now,
		Action:    "create",
		NewStart:  req.Start,
		NewEnd:    req.End,
	})

	if plan.LeaseOwnerID != "" && l.Lock != nil {
		if err := l.Lock.ReleaseOwner(plan.LeaseOwnerID); err != nil {
			logger.Warn("release leases after commit", "owner", plan.LeaseOwnerID, "error", err)
		}
	}

	logger.Info("request committed", "request", req.ID, "reservations", len(reservations))
	return &req, nil
}

// Transition moves the request to the next state, preserving the prior
// state in laststate and appending an audit entry.
func (l *Ledger) Transition(requestID string, next models.RequestState) error {
	req, err := l.Requests.Get(requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req == nil {
		return fmt.Errorf("request %s does not exist", requestID)
	}
	if models.TerminalState(req.State) {
		return fmt.Errorf("request %s is already %s", requestID, req.State)
	}

	prior := req.State
	req.LastState = prior
	req.State = next
	if err := l.Requests.Update(*req); err != nil {
		return fmt.Errorf("update request %s: %w", requestID, err)
	}

	l.appendAudit(models.AuditEntry{
		RequestID: requestID,
		Timestamp: l.now(),
		Action:    "transition",
		Detail:    fmt.Sprintf("%s -> %s", prior, next),
	})
	return nil
}

// DeleteRequest ends a request. A request whose window has not started is
// kept for audit: it moves to deleted with laststate derived from its
// current/last state pair. A request already in progress is removed
// outright, along with its reservations and any pinned address record.
func (l *Ledger) DeleteRequest(requestID string) error {
	logger := logging.Ensure(l.Logger).With("component", "ledger", "request", requestID)
	now := l.now()

	req, err := l.Requests.Get(requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req == nil {
		return fmt.Errorf("request %s does not exist", requestID)
	}

	if !req.Started(now) {
		prior := req.State
		req.LastState = deletedLastState(req.State, req.LastState)
		req.State = models.RequestDeleted
		if err := l.Requests.Update(*req); err != nil {
			return fmt.Errorf("mark request %s deleted: %w", requestID, err)
		}
		l.appendAudit(models.AuditEntry{
			RequestID: requestID,
			Timestamp: now,
			Action:    "delete",
			Detail:    fmt.Sprintf("was %s", prior),
		})
		logger.Info("future request marked deleted", "laststate", req.LastState)
		return nil
	}

	if err := l.Requests.Delete(requestID); err != nil {
		return fmt.Errorf("remove request %s: %w", requestID, err)
	}
	if l.Addresses != nil {
		if err := l.Addresses.Release(requestID); err != nil {
			return fmt.Errorf("release address for request %s: %w", requestID, err)
		}
	}
	l.appendAudit(models.AuditEntry{
		RequestID: requestID,
		Timestamp: now,
		Action:    "purge",
	})
	logger.Info("running request removed")
	return nil
}

// UpdateRequest changes a request's window. Future-dated requests may
// move computers: each newly assigned computer gets a freshly derived
// management node. A request already in progress only changes its end
// time; the computer assignment is frozen. Without a re-resolved plan
// the new window must not collide with another request's reservation on
// the same computers.
func (l *Ledger) UpdateRequest(requestID string, window models.TimeWindow, plan *models.AllocationPlan) error {
	now := l.now()

	req, err := l.Requests.Get(requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req == nil {
		return fmt.Errorf("request %s does not exist", requestID)
	}
	if models.TerminalState(req.State) {
		return fmt.Errorf("request %s is already %s", requestID, req.State)
	}

	entry := models.AuditEntry{
		RequestID: requestID,
		Timestamp: now,
		Action:    "update",
		OldStart:  req.Start,
		OldEnd:    req.End,
	}

	if req.Started(now) {
		if window.End.After(req.End) {
			if err := l.ensureWindowFree(requestID, models.TimeWindow{Start: req.End, End: window.End}); err != nil {
				return err
			}
		}
		req.End = window.End
		if err := l.Requests.Update(*req); err != nil {
			return fmt.Errorf("update request %s: %w", requestID, err)
		}
		entry.NewStart = req.Start
		entry.NewEnd = req.End
		l.appendAudit(entry)
		return nil
	}

	// A plan has been through the resolver, which excludes booked
	// computers and holds leases. A plan-less move has not.
	if plan == nil {
		if err := l.ensureWindowFree(requestID, window); err != nil {
			return err
		}
	}

	req.Start = window.Start
	req.End = window.End
	if err := l.Requests.Update(*req); err != nil {
		return fmt.Errorf("update request %s: %w", requestID, err)
	}
	entry.NewStart = req.Start
	entry.NewEnd = req.End

	if plan != nil {
		if err := l.reassign(req, window, plan, &entry); err != nil {
			return err
		}
		if plan.LeaseOwnerID != "" && l.Lock != nil {
			if err := l.Lock.ReleaseOwner(plan.LeaseOwnerID); err != nil {
				logging.Ensure(l.Logger).Warn("release leases after update", "owner", plan.LeaseOwnerID, "error", err)
			}
		}
	}

	l.appendAudit(entry)
	return nil
}

// reassign applies a re-resolved plan's assignments to the request's
// reservation rows, deriving a management node for computers that moved.
func (l *Ledger) reassign(req *models.Request, window models.TimeWindow, plan *models.AllocationPlan, entry *models.AuditEntry) error {
	reservations, err := l.Requests.Reservations(req.ID)
	if err != nil {
		return fmt.Errorf("load reservations for %s: %w", req.ID, err)
	}

	byImage := make(map[string]models.Reservation, len(reservations))
	for _, res := range reservations {
		byImage[res.ImageID] = res
	}

	liveness := models.LivenessFuture
	if !window.Start.After(l.now().Add(time.Minute)) {
		liveness = models.LivenessNow
	}

	for _, a := range plan.Assignments {
		res, ok := byImage[a.ImageID]
		if !ok {
			return fmt.Errorf("request %s has no reservation for image %s", req.ID, a.ImageID)
		}
		if res.ComputerID == a.ComputerID && res.RevisionID == a.RevisionID {
			continue
		}

		node, err := l.Nodes.Select(a.ComputerID, window.Start, liveness)
		if err != nil {
			return err
		}
		if node == nil {
			return fmt.Errorf("no management node covers computer %s", a.ComputerID)
		}

		entry.ComputerID = a.ComputerID
		res.ComputerID = a.ComputerID
		res.RevisionID = a.RevisionID
		res.ManagementNodeID = node.ID
		res.WasAvailable = a.LoadedAlready
		if err := l.Requests.UpdateReservation(res); err != nil {
			return fmt.Errorf("update reservation for image %s: %w", a.ImageID, err)
		}
	}
	return nil
}

// ensureWindowFree refuses a window that overlaps another request's
// reservation on any computer this request occupies.
func (l *Ledger) ensureWindowFree(requestID string, window models.TimeWindow) error {
	reservations, err := l.Requests.Reservations(requestID)
	if err != nil {
		return fmt.Errorf("load reservations for %s: %w", requestID, err)
	}
	mine := make(map[string]bool, len(reservations))
	for _, res := range reservations {
		mine[res.ComputerID] = true
	}

	bookings, err := l.Requests.ActiveBookings(window)
	if err != nil {
		return fmt.Errorf("load overlapping bookings: %w", err)
	}
	for _, b := range bookings {
		if b.Request.ID == requestID || !mine[b.Reservation.ComputerID] {
			continue
		}
		return fmt.Errorf("window for request %s collides with request %s on computer %s",
			requestID, b.Request.ID, b.Reservation.ComputerID)
	}
	return nil
}

func (l *Ledger) appendAudit(entry models.AuditEntry) {
	if l.Audit == nil {
		return
	}
	if err := l.Audit.Append(entry); err != nil {
		logging.Ensure(l.Logger).Warn("append audit entry", "request", entry.RequestID, "error", err)
	}
}

// deletedLastState derives the laststate recorded when a future request
// is soft-deleted. A pending request's effective state is the one it was
// transitioning from; new and reserved collapse to reserved, in-use stays
// in-use, and anything else falls back to the prior current state.
func deletedLastState(current, last models.RequestState) models.RequestState {
	effective := current
	if current == models.RequestPending {
		effective = last
	}
	switch effective {
	case models.RequestNew, models.RequestReserved:
		return models.RequestReserved
	case models.RequestInUse:
		return models.RequestInUse
	}
	return current
}
