// Package gormstore implements the engine repositories on a relational
// database through gorm. The store is the sole coordination point between
// allocation processes, so the lease insert is guarded by a transaction.
package gormstore

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cochaviz/carrel/internal/models"
	"github.com/cochaviz/carrel/internal/reserve"
)

var terminalStates = []string{
	models.RequestTimeout,
	models.RequestComplete,
	models.RequestDeleted,
}

// Store wraps a gorm handle. Repository interfaces are exposed through
// views because several of them declare a Get method.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&imageRow{}, &revisionRow{}, &computerRow{}, &scheduleRow{},
		&maintenanceRow{}, &blockRow{}, &requestRow{}, &reservationRow{},
		&leaseRow{}, &nodeRow{}, &mappingRow{}, &coverageRow{},
		&addressRow{}, &membershipRow{}, &grantRow{}, &auditRow{},
	)
}

// Stores bundles the store behind the engine's repository interfaces.
func (s *Store) Stores() reserve.Stores {
	return reserve.Stores{
		Images:      imageView{s.db},
		Computers:   computerView{s.db},
		Schedules:   scheduleView{s.db},
		Maintenance: maintView{s.db},
		Blocks:      blockView{s.db},
		Requests:    requestView{s.db},
		Leases:      leaseView{s.db},
		Nodes:       nodeView{s.db},
		Addresses:   addressView{s.db},
		Access:      accessView{s.db},
		Groups:      groupView{s.db},
		Audit:       auditView{s.db},
	}
}

// --- fixture/seed helpers ---

// SaveImage upserts an image and its revisions.
func (s *Store) SaveImage(img models.Image, revisions ...models.ImageRevision) error {
	row := imageToRow(img)
	if err := s.db.Save(&row).Error; err != nil {
		return err
	}
	for _, rev := range revisions {
		revRow := revisionRow{ID: rev.ID, ImageID: rev.ImageID, Version: rev.Version, Production: rev.Production, CreatedAt: rev.CreatedAt}
		if err := s.db.Save(&revRow).Error; err != nil {
			return err
		}
	}
	return nil
}

// SaveComputer upserts a computer.
func (s *Store) SaveComputer(comp models.Computer) error {
	row := computerToRow(comp)
	return s.db.Save(&row).Error
}

// SaveSchedule upserts a schedule.
func (s *Store) SaveSchedule(sched models.Schedule) error {
	row := scheduleRow{ID: sched.ID, Name: sched.Name, Ranges: sched.Ranges}
	return s.db.Save(&row).Error
}

// SaveMaintenance upserts a maintenance window.
func (s *Store) SaveMaintenance(mw models.MaintenanceWindow) error {
	row := maintenanceRow{ID: mw.ID, Start: mw.Start, End: mw.End, AllowReservations: mw.AllowReservations, Reason: mw.Reason}
	return s.db.Save(&row).Error
}

// SaveBlockAllocation upserts a block allocation.
func (s *Store) SaveBlockAllocation(blk models.BlockAllocation) error {
	row := blockRow{ID: blk.ID, Name: blk.Name, GroupID: blk.GroupID, ImageID: blk.ImageID, Status: blk.Status, Windows: blk.Windows, ComputerIDs: blk.ComputerIDs}
	return s.db.Save(&row).Error
}

// SaveNode upserts a management node and its computer coverage.
func (s *Store) SaveNode(node models.ManagementNode, computerIDs ...string) error {
	row := nodeRow{ID: node.ID, Hostname: node.Hostname, Liveness: node.Liveness, ResourceGroupIDs: node.ResourceGroupIDs, IPAddress: node.IPAddress}
	if err := s.db.Save(&row).Error; err != nil {
		return err
	}
	if err := s.db.Where("node_id = ?", node.ID).Delete(&coverageRow{}).Error; err != nil {
		return err
	}
	for _, id := range computerIDs {
		if err := s.db.Create(&coverageRow{NodeID: node.ID, ComputerID: id}).Error; err != nil {
			return err
		}
	}
	return nil
}

// MapImage replaces the computer mapping for an image.
func (s *Store) MapImage(imageID string, computerIDs ...string) error {
	if err := s.db.Where("image_id = ?", imageID).Delete(&mappingRow{}).Error; err != nil {
		return err
	}
	for _, id := range computerIDs {
		if err := s.db.Create(&mappingRow{ImageID: imageID, ComputerID: id}).Error; err != nil {
			return err
		}
	}
	return nil
}

// GrantAccess replaces a user's resource grants.
func (s *Store) GrantAccess(userID string, set reserve.AccessSet) error {
	if err := s.db.Where("user_id = ?", userID).Delete(&grantRow{}).Error; err != nil {
		return err
	}
	insert := func(resourceType string, ids map[string]bool) error {
		for id := range ids {
			if err := s.db.Create(&grantRow{UserID: userID, ResourceType: resourceType, ResourceID: id}).Error; err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert("computer", set.ComputerIDs); err != nil {
		return err
	}
	if err := insert("image", set.ImageIDs); err != nil {
		return err
	}
	return insert("managementnode", set.ManagementNodeIDs)
}

// SetUserGroups replaces a user's group memberships.
func (s *Store) SetUserGroups(userID string, groups ...string) error {
	if err := s.db.Where("user_id = ?", userID).Delete(&membershipRow{}).Error; err != nil {
		return err
	}
	for _, g := range groups {
		if err := s.db.Create(&membershipRow{UserID: userID, GroupID: g}).Error; err != nil {
			return err
		}
	}
	return nil
}

// --- ImageRepository ---

type imageView struct{ db *gorm.DB }

func (v imageView) Get(imageID string) (*models.Image, error) {
	var row imageRow
	err := v.db.First(&row, "id = ?", imageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	img := row.toModel()
	return &img, nil
}

func (v imageView) Revision(revisionID string) (*models.ImageRevision, error) {
	var row revisionRow
	err := v.db.First(&row, "id = ?", revisionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev := row.toModel()
	return &rev, nil
}

func (v imageView) ProductionRevision(imageID string) (*models.ImageRevision, error) {
	var row revisionRow
	err := v.db.First(&row, "image_id = ? AND production = ?", imageID, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev := row.toModel()
	return &rev, nil
}

func (v imageView) ComputersForImage(imageID string) ([]string, error) {
	var rows []mappingRow
	if err := v.db.Where("image_id = ?", imageID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ComputerID)
	}
	return out, nil
}

// --- ComputerRepository ---

type computerView struct{ db *gorm.DB }

func (v computerView) Get(computerID string) (*models.Computer, error) {
	var row computerRow
	err := v.db.First(&row, "id = ?", computerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	comp := row.toModel()
	return &comp, nil
}

func (v computerView) ListByIDs(ids []string) ([]models.Computer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []computerRow
	if err := v.db.Where("id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Computer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (v computerView) VirtualMachinesOnHost(hostID string) ([]models.Computer, error) {
	var rows []computerRow
	if err := v.db.Where("host_id = ?", hostID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Computer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- ScheduleRepository ---

type scheduleView struct{ db *gorm.DB }

func (v scheduleView) Get(scheduleID string) (*models.Schedule, error) {
	var row scheduleRow
	err := v.db.First(&row, "id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.Schedule{ID: row.ID, Name: row.Name, Ranges: row.Ranges}, nil
}

// --- MaintenanceRepository ---

type maintView struct{ db *gorm.DB }

func (v maintView) Overlapping(window models.TimeWindow) ([]models.MaintenanceWindow, error) {
	var rows []maintenanceRow
	err := v.db.Where("start_at < ? AND end_at > ?", window.End, window.Start).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.MaintenanceWindow, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.MaintenanceWindow{
			ID:                row.ID,
			Start:             row.Start,
			End:               row.End,
			AllowReservations: row.AllowReservations,
			Reason:            row.Reason,
		})
	}
	return out, nil
}

// --- BlockAllocationRepository ---

type blockView struct{ db *gorm.DB }

func (v blockView) AcceptedOverlapping(window models.TimeWindow) ([]models.BlockAllocation, error) {
	// Block windows live in a JSON column; filter on status in SQL and
	// on window overlap in memory.
	var rows []blockRow
	if err := v.db.Where("status = ?", models.BlockAccepted).Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []models.BlockAllocation
	for _, row := range rows {
		blk := row.toModel()
		if blk.CoversWindow(window) {
			out = append(out, blk)
		}
	}
	return out, nil
}

// --- RequestRepository ---

type requestView struct{ db *gorm.DB }

func (v requestView) Get(requestID string) (*models.Request, error) {
	var row requestRow
	err := v.db.First(&row, "id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req := row.toModel()
	return &req, nil
}

func (v requestView) Create(req models.Request, reservations []models.Reservation) error {
	return v.db.Transaction(func(tx *gorm.DB) error {
		row := requestToRow(req)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, res := range reservations {
			resRow := reservationToRow(res)
			if err := tx.Create(&resRow).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (v requestView) Update(req models.Request) error {
	row := requestToRow(req)
	return v.db.Save(&row).Error
}

func (v requestView) Delete(requestID string) error {
	return v.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("request_id = ?", requestID).Delete(&reservationRow{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", requestID).Delete(&requestRow{}).Error
	})
}

func (v requestView) Reservations(requestID string) ([]models.Reservation, error) {
	var rows []reservationRow
	if err := v.db.Where("request_id = ?", requestID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Reservation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (v requestView) UpdateReservation(res models.Reservation) error {
	row := reservationToRow(res)
	return v.db.Save(&row).Error
}

func (v requestView) ActiveBookings(window models.TimeWindow) ([]reserve.Booking, error) {
	var reqRows []requestRow
	err := v.db.
		Where("state NOT IN ?", terminalStates).
		Where("start_at < ? AND end_at > ?", window.End, window.Start).
		Find(&reqRows).Error
	if err != nil {
		return nil, err
	}
	return v.bookingsFor(reqRows, "")
}

func (v requestView) RecentBookings(userID, imageID string, since time.Time) ([]reserve.Booking, error) {
	var reqRows []requestRow
	err := v.db.
		Where("user_id = ? AND end_at > ?", userID, since).
		Find(&reqRows).Error
	if err != nil {
		return nil, err
	}
	return v.bookingsFor(reqRows, imageID)
}

func (v requestView) bookingsFor(reqRows []requestRow, imageFilter string) ([]reserve.Booking, error) {
	if len(reqRows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(reqRows))
	byID := make(map[string]models.Request, len(reqRows))
	for _, row := range reqRows {
		ids = append(ids, row.ID)
		byID[row.ID] = row.toModel()
	}

	query := v.db.Where("request_id IN ?", ids)
	if imageFilter != "" {
		query = query.Where("image_id = ?", imageFilter)
	}
	var resRows []reservationRow
	if err := query.Order("id").Find(&resRows).Error; err != nil {
		return nil, err
	}

	out := make([]reserve.Booking, 0, len(resRows))
	for _, row := range resRows {
		out = append(out, reserve.Booking{Request: byID[row.RequestID], Reservation: row.toModel()})
	}
	return out, nil
}

// --- LeaseRepository ---

type leaseView struct{ db *gorm.DB }

// TryInsert performs the conditional claim inside a transaction: expired
// rows for the computer are swept, then the insert happens only when no
// unexpired lease remains. SQLite serializes writers, which makes the
// check-then-insert atomic with respect to other processes.
func (v leaseView) TryInsert(lease models.SemaphoreLease) (bool, error) {
	inserted := false
	err := v.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		if err := tx.Where("computer_id = ? AND expires_at <= ?", lease.ComputerID, now).Delete(&leaseRow{}).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&leaseRow{}).Where("computer_id = ? AND expires_at > ?", lease.ComputerID, now).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		row := leaseRow{ComputerID: lease.ComputerID, OwnerID: lease.OwnerID, ExpiresAt: lease.ExpiresAt}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (v leaseView) Release(computerID, ownerID string) error {
	return v.db.Where("computer_id = ? AND owner_id = ?", computerID, ownerID).Delete(&leaseRow{}).Error
}

func (v leaseView) ReleaseOwner(ownerID string) error {
	return v.db.Where("owner_id = ?", ownerID).Delete(&leaseRow{}).Error
}

func (v leaseView) ListOwned(ownerID string) ([]models.SemaphoreLease, error) {
	var rows []leaseRow
	if err := v.db.Where("owner_id = ?", ownerID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.SemaphoreLease, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.SemaphoreLease{ComputerID: row.ComputerID, OwnerID: row.OwnerID, ExpiresAt: row.ExpiresAt})
	}
	return out, nil
}

func (v leaseView) PurgeExpired(now time.Time) (int, error) {
	result := v.db.Where("expires_at <= ?", now).Delete(&leaseRow{})
	return int(result.RowsAffected), result.Error
}

// --- ManagementNodeRepository ---

type nodeView struct{ db *gorm.DB }

func (v nodeView) Get(nodeID string) (*models.ManagementNode, error) {
	var row nodeRow
	err := v.db.First(&row, "id = ?", nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	node := row.toModel()
	return &node, nil
}

func (v nodeView) List() ([]models.ManagementNode, error) {
	var rows []nodeRow
	if err := v.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ManagementNode, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func (v nodeView) NodesForComputer(computerID string) ([]models.ManagementNode, error) {
	var coverage []coverageRow
	if err := v.db.Where("computer_id = ?", computerID).Find(&coverage).Error; err != nil {
		return nil, err
	}
	if len(coverage) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(coverage))
	for _, c := range coverage {
		ids = append(ids, c.NodeID)
	}
	var rows []nodeRow
	if err := v.db.Where("id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ManagementNode, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// --- AddressRepository ---

type addressView struct{ db *gorm.DB }

func (v addressView) Assign(assignment models.AddressAssignment) error {
	row := addressRow{RequestID: assignment.RequestID, IPAddress: assignment.IPAddress, MACAddress: assignment.MACAddress}
	return v.db.Save(&row).Error
}

func (v addressView) ForRequest(requestID string) (*models.AddressAssignment, error) {
	var row addressRow
	err := v.db.First(&row, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.AddressAssignment{RequestID: row.RequestID, IPAddress: row.IPAddress, MACAddress: row.MACAddress}, nil
}

func (v addressView) Release(requestID string) error {
	return v.db.Where("request_id = ?", requestID).Delete(&addressRow{}).Error
}

func (v addressView) List() ([]models.AddressAssignment, error) {
	var rows []addressRow
	if err := v.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.AddressAssignment, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.AddressAssignment{RequestID: row.RequestID, IPAddress: row.IPAddress, MACAddress: row.MACAddress})
	}
	return out, nil
}

// --- AccessIndex ---

type accessView struct{ db *gorm.DB }

func (v accessView) UserResources(userID string, privileges []string) (reserve.AccessSet, error) {
	set := reserve.AccessSet{
		ComputerIDs:       map[string]bool{},
		ImageIDs:          map[string]bool{},
		ManagementNodeIDs: map[string]bool{},
	}
	var rows []grantRow
	if err := v.db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return set, err
	}
	for _, row := range rows {
		switch row.ResourceType {
		case "computer":
			set.ComputerIDs[row.ResourceID] = true
		case "image":
			set.ImageIDs[row.ResourceID] = true
		case "managementnode":
			set.ManagementNodeIDs[row.ResourceID] = true
		}
	}
	return set, nil
}

// --- UserGroupRepository ---

type groupView struct{ db *gorm.DB }

func (v groupView) GroupsForUser(userID string) ([]string, error) {
	var rows []membershipRow
	if err := v.db.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.GroupID)
	}
	return out, nil
}

// --- AuditTrail ---

type auditView struct{ db *gorm.DB }

func (v auditView) Append(entry models.AuditEntry) error {
	row := auditRow{
		RequestID:  entry.RequestID,
		Timestamp:  entry.Timestamp,
		Action:     entry.Action,
		OldStart:   entry.OldStart,
		NewStart:   entry.NewStart,
		OldEnd:     entry.OldEnd,
		NewEnd:     entry.NewEnd,
		ComputerID: entry.ComputerID,
		Detail:     entry.Detail,
	}
	return v.db.Create(&row).Error
}
