package reserve

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/metrics"
	"github.com/cochaviz/carrel/internal/models"
)

// Defaults for lease lifetime and transient-contention retries.
const (
	DefaultLeaseTTL      = 5 * time.Minute
	defaultRetryAttempts = 3
	defaultRetrySleep    = 250 * time.Millisecond
)

// SemaphoreLock serializes concurrent claims on a computer through lease
// rows in the store. A computer is free to claim iff no unexpired lease
// row exists for it; leases expire on their own so a crashed process
// cannot strand a computer.
type SemaphoreLock struct {
	Logger   *slog.Logger
	Leases   LeaseRepository
	Requests RequestRepository
	Metrics  *metrics.Recorder

	// TTL is the lease lifetime; zero selects DefaultLeaseTTL.
	TTL time.Duration

	// RetryAttempts/RetrySleep bound retries on transient store
	// contention (lock or deadlock errors).
	RetryAttempts int
	RetrySleep    time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (s *SemaphoreLock) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *SemaphoreLock) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultLeaseTTL
}

// Acquire claims the computer for the owner, for reservations covering
// window. It first inserts a lease row conditionally, then re-reads
// committed reservations: another process may have persisted an
// overlapping reservation between this caller's candidate selection and
// the lease write. On such a conflict the lease is released and Acquire
// reports false. The re-check is required behavior, not an optimization
// target: it also guards application-level race windows, so it stays even
// on stores with transactional isolation.
func (s *SemaphoreLock) Acquire(computerID, ownerID string, window models.TimeWindow, ignoreRequestID string) (bool, error) {
	lease := models.SemaphoreLease{
		ComputerID: computerID,
		OwnerID:    ownerID,
		ExpiresAt:  s.now().Add(s.ttl()),
	}

	var inserted bool
	err := s.withRetries(func() error {
		var err error
		inserted, err = s.Leases.TryInsert(lease)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert lease for %s: %w", computerID, err)
	}
	if !inserted {
		s.Metrics.LeaseConflict()
		return false, nil
	}

	booked, err := s.overlappingBooking(computerID, window, ignoreRequestID)
	if err != nil {
		if releaseErr := s.Leases.Release(computerID, ownerID); releaseErr != nil {
			logging.Ensure(s.Logger).Warn("release lease after failed re-check", "computer", computerID, "error", releaseErr)
		}
		return false, err
	}
	if booked {
		if err := s.Leases.Release(computerID, ownerID); err != nil {
			return false, fmt.Errorf("release lease after reservation conflict on %s: %w", computerID, err)
		}
		s.Metrics.LeaseConflict()
		return false, nil
	}

	s.Metrics.LeaseAcquired()
	return true, nil
}

// AcquireWait retries Acquire with a short sleep between tries, for
// callers that need one specific computer rather than any eligible one.
func (s *SemaphoreLock) AcquireWait(computerID, ownerID string, window models.TimeWindow, ignoreRequestID string, attempts int, sleep time.Duration) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	for try := 0; try < attempts; try++ {
		ok, err := s.Acquire(computerID, ownerID, window, ignoreRequestID)
		if err != nil || ok {
			return ok, err
		}
		if try < attempts-1 {
			time.Sleep(sleep)
		}
	}
	return false, nil
}

// Release drops a single lease held by the owner.
func (s *SemaphoreLock) Release(computerID, ownerID string) error {
	return s.Leases.Release(computerID, ownerID)
}

// ReleaseOwner drops every lease the owner still holds. Called on commit
// and on abort of an allocation attempt.
func (s *SemaphoreLock) ReleaseOwner(ownerID string) error {
	if err := s.Leases.ReleaseOwner(ownerID); err != nil {
		return fmt.Errorf("release leases for owner %s: %w", ownerID, err)
	}
	return nil
}

// PurgeExpired removes lapsed lease rows and returns how many were
// dropped.
func (s *SemaphoreLock) PurgeExpired() (int, error) {
	return s.Leases.PurgeExpired(s.now())
}

func (s *SemaphoreLock) overlappingBooking(computerID string, window models.TimeWindow, ignoreRequestID string) (bool, error) {
	var bookings []Booking
	err := s.withRetries(func() error {
		var err error
		bookings, err = s.Requests.ActiveBookings(window)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("re-check reservations for %s: %w", computerID, err)
	}
	for _, b := range bookings {
		if b.Reservation.ComputerID != computerID {
			continue
		}
		if ignoreRequestID != "" && b.Request.ID == ignoreRequestID {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *SemaphoreLock) withRetries(op func() error) error {
	attempts := s.RetryAttempts
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	sleep := s.RetrySleep
	if sleep <= 0 {
		sleep = defaultRetrySleep
	}

	var err error
	for try := 0; try < attempts; try++ {
		err = op()
		if err == nil || !transientStoreError(err) {
			return err
		}
		logging.Ensure(s.Logger).Debug("transient store contention, retrying", "attempt", try+1, "error", err)
		time.Sleep(sleep)
	}
	return fmt.Errorf("store contention persisted after %d attempts: %w", attempts, err)
}

// transientStoreError matches lock and deadlock failures worth retrying.
func transientStoreError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "busy")
}
