package gormstore

import (
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// Row types mirror the domain model with gorm annotations. Slice-valued
// fields ride in JSON-serialized columns to keep the schema flat.

type imageRow struct {
	ID                   string `gorm:"primaryKey"`
	Name                 string
	Platform             string
	MinRAMMB             int
	MinCPUCount          int
	MinCPUSpeedMHz       int
	MinNetworkMbps       int
	OSInstallType        string
	MaxConcurrent        *int
	SubImageIDs          []string `gorm:"serializer:json"`
	ProductionRevisionID string
}

func (imageRow) TableName() string { return "images" }

func (r imageRow) toModel() models.Image {
	return models.Image{
		ID:                   r.ID,
		Name:                 r.Name,
		Platform:             r.Platform,
		MinRAMMB:             r.MinRAMMB,
		MinCPUCount:          r.MinCPUCount,
		MinCPUSpeedMHz:       r.MinCPUSpeedMHz,
		MinNetworkMbps:       r.MinNetworkMbps,
		OSInstallType:        r.OSInstallType,
		MaxConcurrent:        r.MaxConcurrent,
		SubImageIDs:          r.SubImageIDs,
		ProductionRevisionID: r.ProductionRevisionID,
	}
}

func imageToRow(img models.Image) imageRow {
	return imageRow{
		ID:                   img.ID,
		Name:                 img.Name,
		Platform:             img.Platform,
		MinRAMMB:             img.MinRAMMB,
		MinCPUCount:          img.MinCPUCount,
		MinCPUSpeedMHz:       img.MinCPUSpeedMHz,
		MinNetworkMbps:       img.MinNetworkMbps,
		OSInstallType:        img.OSInstallType,
		MaxConcurrent:        img.MaxConcurrent,
		SubImageIDs:          img.SubImageIDs,
		ProductionRevisionID: img.ProductionRevisionID,
	}
}

type revisionRow struct {
	ID         string `gorm:"primaryKey"`
	ImageID    string `gorm:"index"`
	Version    int
	Production bool
	CreatedAt  time.Time
}

func (revisionRow) TableName() string { return "image_revisions" }

func (r revisionRow) toModel() models.ImageRevision {
	return models.ImageRevision{
		ID:         r.ID,
		ImageID:    r.ImageID,
		Version:    r.Version,
		Production: r.Production,
		CreatedAt:  r.CreatedAt,
	}
}

type computerRow struct {
	ID                string `gorm:"primaryKey"`
	Hostname          string
	State             string `gorm:"index"`
	Type              string
	Platform          string
	ScheduleID        string
	RAMMB             int
	CPUCount          int
	CPUSpeedMHz       int
	NetworkMbps       int
	CurrentImageID    string
	CurrentRevisionID string
	HostID            *string `gorm:"index"`
	IPAddress         string
	MACAddress        string
}

func (computerRow) TableName() string { return "computers" }

func (r computerRow) toModel() models.Computer {
	return models.Computer{
		ID:                r.ID,
		Hostname:          r.Hostname,
		State:             r.State,
		Type:              r.Type,
		Platform:          r.Platform,
		ScheduleID:        r.ScheduleID,
		RAMMB:             r.RAMMB,
		CPUCount:          r.CPUCount,
		CPUSpeedMHz:       r.CPUSpeedMHz,
		NetworkMbps:       r.NetworkMbps,
		CurrentImageID:    r.CurrentImageID,
		CurrentRevisionID: r.CurrentRevisionID,
		HostID:            r.HostID,
		IPAddress:         r.IPAddress,
		MACAddress:        r.MACAddress,
	}
}

func computerToRow(comp models.Computer) computerRow {
	return computerRow{
		ID:                comp.ID,
		Hostname:          comp.Hostname,
		State:             comp.State,
		Type:              comp.Type,
		Platform:          comp.Platform,
		ScheduleID:        comp.ScheduleID,
		RAMMB:             comp.RAMMB,
		CPUCount:          comp.CPUCount,
		CPUSpeedMHz:       comp.CPUSpeedMHz,
		NetworkMbps:       comp.NetworkMbps,
		CurrentImageID:    comp.CurrentImageID,
		CurrentRevisionID: comp.CurrentRevisionID,
		HostID:            comp.HostID,
		IPAddress:         comp.IPAddress,
		MACAddress:        comp.MACAddress,
	}
}

type scheduleRow struct {
	ID     string               `gorm:"primaryKey"`
	Name   string
	Ranges []models.MinuteRange `gorm:"serializer:json"`
}

func (scheduleRow) TableName() string { return "schedules" }

type maintenanceRow struct {
	ID                string    `gorm:"primaryKey"`
	Start             time.Time `gorm:"column:start_at;index"`
	End               time.Time `gorm:"column:end_at;index"`
	AllowReservations bool
	Reason            string
}

func (maintenanceRow) TableName() string { return "maintenance_windows" }

type blockRow struct {
	ID          string              `gorm:"primaryKey"`
	Name        string
	GroupID     string              `gorm:"index"`
	ImageID     string              `gorm:"index"`
	Status      string              `gorm:"index"`
	Windows     []models.TimeWindow `gorm:"serializer:json"`
	ComputerIDs []string            `gorm:"serializer:json"`
}

func (blockRow) TableName() string { return "block_allocations" }

func (r blockRow) toModel() models.BlockAllocation {
	return models.BlockAllocation{
		ID:          r.ID,
		Name:        r.Name,
		GroupID:     r.GroupID,
		ImageID:     r.ImageID,
		Status:      r.Status,
		Windows:     r.Windows,
		ComputerIDs: r.ComputerIDs,
	}
}

type requestRow struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"index"`
	Start      time.Time `gorm:"column:start_at;index"`
	End        time.Time `gorm:"column:end_at;index"`
	State      string    `gorm:"index"`
	LastState  string
	ForImaging bool
	CreatedAt  time.Time
}

func (requestRow) TableName() string { return "requests" }

func (r requestRow) toModel() models.Request {
	return models.Request{
		ID:         r.ID,
		UserID:     r.UserID,
		Start:      r.Start,
		End:        r.End,
		State:      r.State,
		LastState:  r.LastState,
		ForImaging: r.ForImaging,
		CreatedAt:  r.CreatedAt,
	}
}

func requestToRow(req models.Request) requestRow {
	return requestRow{
		ID:         req.ID,
		UserID:     req.UserID,
		Start:      req.Start,
		End:        req.End,
		State:      req.State,
		LastState:  req.LastState,
		ForImaging: req.ForImaging,
		CreatedAt:  req.CreatedAt,
	}
}

type reservationRow struct {
	ID               string `gorm:"primaryKey"`
	RequestID        string `gorm:"index"`
	ComputerID       string `gorm:"index"`
	ImageID          string `gorm:"index"`
	RevisionID       string
	ManagementNodeID string
	WasAvailable     bool
}

func (reservationRow) TableName() string { return "reservations" }

func (r reservationRow) toModel() models.Reservation {
	return models.Reservation{
		ID:               r.ID,
		RequestID:        r.RequestID,
		ComputerID:       r.ComputerID,
		ImageID:          r.ImageID,
		RevisionID:       r.RevisionID,
		ManagementNodeID: r.ManagementNodeID,
		WasAvailable:     r.WasAvailable,
	}
}

func reservationToRow(res models.Reservation) reservationRow {
	return reservationRow{
		ID:               res.ID,
		RequestID:        res.RequestID,
		ComputerID:       res.ComputerID,
		ImageID:          res.ImageID,
		RevisionID:       res.RevisionID,
		ManagementNodeID: res.ManagementNodeID,
		WasAvailable:     res.WasAvailable,
	}
}

type leaseRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ComputerID string `gorm:"index"`
	OwnerID    string `gorm:"index"`
	ExpiresAt  time.Time
}

func (leaseRow) TableName() string { return "semaphore_leases" }

type nodeRow struct {
	ID               string   `gorm:"primaryKey"`
	Hostname         string
	Liveness         string
	ResourceGroupIDs []string `gorm:"serializer:json"`
	IPAddress        string
}

func (nodeRow) TableName() string { return "management_nodes" }

func (r nodeRow) toModel() models.ManagementNode {
	return models.ManagementNode{
		ID:               r.ID,
		Hostname:         r.Hostname,
		Liveness:         r.Liveness,
		ResourceGroupIDs: r.ResourceGroupIDs,
		IPAddress:        r.IPAddress,
	}
}

// mappingRow flattens the image-to-computer resource mapping.
type mappingRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ImageID    string `gorm:"index"`
	ComputerID string `gorm:"index"`
}

func (mappingRow) TableName() string { return "image_computer_map" }

// coverageRow flattens node resource-group coverage to node->computer.
type coverageRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	NodeID     string `gorm:"index"`
	ComputerID string `gorm:"index"`
}

func (coverageRow) TableName() string { return "node_computer_map" }

type addressRow struct {
	RequestID  string `gorm:"primaryKey"`
	IPAddress  string
	MACAddress string
}

func (addressRow) TableName() string { return "address_assignments" }

type membershipRow struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	UserID  string `gorm:"index"`
	GroupID string
}

func (membershipRow) TableName() string { return "user_group_members" }

// grantRow is one entry of a user's resource access view.
type grantRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"index"`
	ResourceType string
	ResourceID   string
}

func (grantRow) TableName() string { return "access_grants" }

type auditRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	RequestID  string `gorm:"index"`
	Timestamp  time.Time
	Action     string
	OldStart   time.Time
	NewStart   time.Time
	OldEnd     time.Time
	NewEnd     time.Time
	ComputerID string
	Detail     string
}

func (auditRow) TableName() string { return "audit_entries" }
