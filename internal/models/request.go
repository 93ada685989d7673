package models

import (
	"time"
)

// RequestState enumerates the request lifecycle states.
type RequestState = string

const (
	RequestNew            RequestState = "new"
	RequestPending        RequestState = "pending"
	RequestReserved       RequestState = "reserved"
	RequestInUse          RequestState = "inuse"
	RequestTimeout        RequestState = "timeout"
	RequestComplete       RequestState = "complete"
	RequestDeleted        RequestState = "deleted"
	RequestServerModified RequestState = "servermodified"

	// Transient states used during image capture and maintenance handoff.
	RequestImaging     RequestState = "imaging"
	RequestMaintenance RequestState = "maintenance"
)

// TerminalState reports whether a state ends the request lifecycle.
func TerminalState(state RequestState) bool {
	switch state {
	case RequestTimeout, RequestComplete, RequestDeleted:
		return true
	}
	return false
}

// Request is an exclusive time window owned by a user, holding one
// reservation per image in the request.
type Request struct {
	ID     string
	UserID string

	Start time.Time
	End   time.Time

	State     RequestState
	LastState RequestState

	// ForImaging marks reservations created to capture a new revision.
	ForImaging bool

	CreatedAt time.Time
}

// Window returns the request interval as a TimeWindow.
func (r Request) Window() TimeWindow {
	return TimeWindow{Start: r.Start, End: r.End}
}

// Active reports whether the request still occupies its computers.
func (r Request) Active() bool {
	return !TerminalState(r.State)
}

// Started reports whether the request window has begun at the given instant.
func (r Request) Started(now time.Time) bool {
	return !now.Before(r.Start)
}

// Reservation binds one image of a request to a computer, an image
// revision, and the management node that drives the computer.
type Reservation struct {
	ID        string
	RequestID string

	ComputerID       string
	ImageID          string
	RevisionID       string
	ManagementNodeID string

	// WasAvailable records whether the computer already had the image
	// loaded when the reservation was made. Used by the recent-failure
	// heuristic.
	WasAvailable bool
}

// AuditEntry records a lifecycle change on a request.
type AuditEntry struct {
	RequestID  string
	Timestamp  time.Time
	Action     string
	OldStart   time.Time
	NewStart   time.Time
	OldEnd     time.Time
	NewEnd     time.Time
	ComputerID string
	Detail     string
}

// AddressAssignment pins a fixed IP or MAC address to a request for its
// lifetime. Released when the request is hard-deleted.
type AddressAssignment struct {
	RequestID  string
	IPAddress  string
	MACAddress string
}

// AllocationPlan is the positive outcome of a resolution: one assignment
// per image in the request.
type AllocationPlan struct {
	Window      TimeWindow
	Assignments []Assignment

	// LeaseOwnerID identifies the semaphore leases held for this plan
	// when it was resolved with hold-for-commit. The ledger releases them
	// after commit; an abandoned plan's leases expire on their own.
	LeaseOwnerID string
}

// Assignment pairs an image with the computer and management node chosen
// for it.
type Assignment struct {
	ImageID          string
	RevisionID       string
	ComputerID       string
	ManagementNodeID string

	// LoadedAlready is true when the computer already carries the exact
	// image+revision and no reload is needed.
	LoadedAlready bool

	// FromBlockAllocation is true when the computer came out of a block
	// allocation the requesting user is a member of.
	FromBlockAllocation bool
}
