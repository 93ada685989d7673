package reserve_test

import (
	"testing"
	"time"
)

func TestSemaphoreAcquireIsExclusive(t *testing.T) {
	f := newFixture(t)
	window := futureWindow()

	ok, err := f.lock.Acquire("comp-a", "owner-1", window, "")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = f.lock.Acquire("comp-a", "owner-2", window, "")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire on a held computer must fail")
	}

	// A different computer is unaffected.
	ok, err = f.lock.Acquire("comp-b", "owner-2", window, "")
	if err != nil {
		t.Fatalf("Acquire comp-b: %v", err)
	}
	if !ok {
		t.Fatal("acquire on a free computer should succeed")
	}
}

func TestSemaphoreExpiredLeaseIsReclaimable(t *testing.T) {
	f := newFixture(t)
	f.lock.TTL = time.Minute
	window := futureWindow()

	if ok, err := f.lock.Acquire("comp-a", "owner-1", window, ""); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}

	// Let the lease lapse.
	f.now = testBase.Add(2 * time.Minute)

	ok, err := f.lock.Acquire("comp-a", "owner-2", window, "")
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if !ok {
		t.Fatal("expired lease must not block a new claim")
	}
}

func TestSemaphoreRecheckDetectsCommittedReservation(t *testing.T) {
	f := newFixture(t)
	window := futureWindow()
	f.addBooking(t, "req-1", "someone", "comp-a", "img", window)

	ok, err := f.lock.Acquire("comp-a", "owner-1", window, "")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Fatal("acquire must fail when a committed reservation overlaps")
	}
	if leases := f.store.CurrentLeases(); len(leases) != 0 {
		t.Fatalf("failed re-check must release the lease, still holding %d", len(leases))
	}
}

func TestSemaphoreRecheckIgnoresOwnRequest(t *testing.T) {
	f := newFixture(t)
	window := futureWindow()
	f.addBooking(t, "req-1", "someone", "comp-a", "img", window)

	ok, err := f.lock.Acquire("comp-a", "owner-1", window, "req-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !ok {
		t.Fatal("the edited request's own reservation must not block the claim")
	}
}

func TestSemaphoreReleaseOwner(t *testing.T) {
	f := newFixture(t)
	window := futureWindow()

	for _, comp := range []string{"comp-a", "comp-b"} {
		if ok, err := f.lock.Acquire(comp, "owner-1", window, ""); err != nil || !ok {
			t.Fatalf("acquire %s: ok=%v err=%v", comp, ok, err)
		}
	}
	if ok, err := f.lock.Acquire("comp-c", "owner-2", window, ""); err != nil || !ok {
		t.Fatalf("acquire comp-c: ok=%v err=%v", ok, err)
	}

	if err := f.lock.ReleaseOwner("owner-1"); err != nil {
		t.Fatalf("ReleaseOwner: %v", err)
	}

	leases := f.store.CurrentLeases()
	if len(leases) != 1 {
		t.Fatalf("expected only owner-2's lease to remain, got %d", len(leases))
	}
	if leases[0].OwnerID != "owner-2" {
		t.Fatalf("wrong lease survived: %+v", leases[0])
	}
}

func TestSemaphorePurgeExpired(t *testing.T) {
	f := newFixture(t)
	f.lock.TTL = time.Minute
	window := futureWindow()

	if ok, err := f.lock.Acquire("comp-a", "owner-1", window, ""); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	f.now = testBase.Add(time.Hour)
	purged, err := f.lock.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged lease, got %d", purged)
	}
	if leases := f.store.CurrentLeases(); len(leases) != 0 {
		t.Fatalf("expected no leases left, got %d", len(leases))
	}
}

func TestSemaphoreAcquireWaitRetries(t *testing.T) {
	f := newFixture(t)
	window := futureWindow()
	f.lock.TTL = time.Minute

	if ok, err := f.lock.Acquire("comp-a", "owner-1", window, ""); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Release happens from another goroutine while AcquireWait spins.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = f.lock.Release("comp-a", "owner-1")
	}()

	ok, err := f.lock.AcquireWait("comp-a", "owner-2", window, "", 50, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireWait: %v", err)
	}
	if !ok {
		t.Fatal("AcquireWait should eventually claim the released computer")
	}
}
