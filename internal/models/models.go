package models

import (
	"time"
)

// Platform identifies the hardware/OS family an image runs on.
type Platform = string

// OSInstallType describes how an image gets onto a computer.
type OSInstallType = string

const (
	InstallPartimage OSInstallType = "partimage"
	InstallKickstart OSInstallType = "kickstart"
	InstallVMware    OSInstallType = "vmware"
	InstallNone      OSInstallType = "none"
)

// Image is a named software environment that can be loaded onto a computer.
type Image struct {
	ID       string
	Name     string
	Platform Platform

	MinRAMMB       int
	MinCPUCount    int
	MinCPUSpeedMHz int
	MinNetworkMbps int

	OSInstallType OSInstallType

	// MaxConcurrent bounds simultaneous active reservations of this image
	// across ad-hoc and block allocation. Nil means unbounded.
	MaxConcurrent *int

	// SubImageIDs lists the cluster members, in resolution order.
	SubImageIDs []string

	ProductionRevisionID string
}

// IsCluster reports whether the image carries sub-images.
func (img Image) IsCluster() bool {
	return len(img.SubImageIDs) > 0
}

// ImageRevision is a versioned snapshot of an image. Exactly one revision
// per image is marked production at a time.
type ImageRevision struct {
	ID         string
	ImageID    string
	Version    int
	Production bool
	CreatedAt  time.Time
}

// ComputerState enumerates the lifecycle states a computer can be in.
type ComputerState = string

const (
	ComputerAvailable   ComputerState = "available"
	ComputerReloading   ComputerState = "reloading"
	ComputerReserved    ComputerState = "reserved"
	ComputerInUse       ComputerState = "inuse"
	ComputerTimeout     ComputerState = "timeout"
	ComputerFailed      ComputerState = "failed"
	ComputerMaintenance ComputerState = "maintenance"
	ComputerVMHostInUse ComputerState = "vmhostinuse"
)

// ComputerType distinguishes how a computer is realized.
type ComputerType = string

const (
	TypePhysical ComputerType = "physical"
	TypeLab      ComputerType = "lab"
	TypeVirtual  ComputerType = "virtual"
)

// Computer is the physical or virtual unit that gets reserved.
type Computer struct {
	ID       string
	Hostname string
	State    ComputerState
	Type     ComputerType
	Platform Platform

	ScheduleID string

	RAMMB       int
	CPUCount    int
	CPUSpeedMHz int
	NetworkMbps int

	// CurrentImageID/CurrentRevisionID describe what is loaded right now.
	CurrentImageID    string
	CurrentRevisionID string

	// HostID points at the hosting computer for virtual machines.
	HostID *string

	IPAddress  string
	MACAddress string
}

// MinuteRange is a half-open [Start,End) range of minutes within a week.
// Minute 0 is Sunday 00:00; a full week is 10080 minutes.
type MinuteRange struct {
	Start int
	End   int
}

const MinutesPerWeek = 7 * 24 * 60

// Schedule is a set of weekly minute ranges during which attached
// computers may be used.
type Schedule struct {
	ID     string
	Name   string
	Ranges []MinuteRange
}

// AlwaysOpen reports whether a single range covers the whole week.
func (s Schedule) AlwaysOpen() bool {
	for _, r := range s.Ranges {
		if r.Start <= 0 && r.End >= MinutesPerWeek {
			return true
		}
	}
	return false
}

// TimeWindow is a half-open [Start,End) interval in absolute time.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open windows intersect.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// MaintenanceWindow blocks or restricts reservations during [Start,End).
type MaintenanceWindow struct {
	ID    string
	Start time.Time
	End   time.Time

	// AllowReservations permits in-flight reservations to run through the
	// maintenance window.
	AllowReservations bool

	Reason string
}

// Window returns the maintenance interval as a TimeWindow.
func (m MaintenanceWindow) Window() TimeWindow {
	return TimeWindow{Start: m.Start, End: m.End}
}

// BlockStatus is the lifecycle state of a block allocation.
type BlockStatus = string

const (
	BlockRequested BlockStatus = "requested"
	BlockAccepted  BlockStatus = "accepted"
	BlockCompleted BlockStatus = "completed"
)

// BlockAllocation grants a user group exclusive priority use of a set of
// computers for an image during specific time windows.
type BlockAllocation struct {
	ID          string
	Name        string
	GroupID     string
	ImageID     string
	Status      BlockStatus
	Windows     []TimeWindow
	ComputerIDs []string
}

// CoversWindow reports whether any block window overlaps the given window.
func (b BlockAllocation) CoversWindow(w TimeWindow) bool {
	for _, bw := range b.Windows {
		if bw.Overlaps(w) {
			return true
		}
	}
	return false
}

// HasComputer reports whether the block allocation includes the computer.
func (b BlockAllocation) HasComputer(computerID string) bool {
	for _, id := range b.ComputerIDs {
		if id == computerID {
			return true
		}
	}
	return false
}

// NodeLiveness states when a management node is expected to be reachable.
type NodeLiveness = string

const (
	// LivenessNow requires the node to be reachable immediately.
	LivenessNow NodeLiveness = "now"
	// LivenessFuture accepts nodes that will be reachable by the window start.
	LivenessFuture NodeLiveness = "future"
)

// ManagementNode is a control-plane node able to drive a subset of
// computers.
type ManagementNode struct {
	ID       string
	Hostname string

	// Liveness describes the node's reachability window.
	Liveness NodeLiveness

	// ResourceGroupIDs lists the computer groups this node can manage.
	ResourceGroupIDs []string

	IPAddress string
}

// SemaphoreLease is a time-bounded advisory lock on a computer. A computer
// is free to claim iff no unexpired lease row exists for it.
type SemaphoreLease struct {
	ComputerID string
	OwnerID    string
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l SemaphoreLease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}
