// Package metrics exposes prometheus counters for the allocation engine.
// All Recorder methods are nil-safe so wiring metrics stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts resolver outcomes and lease contention.
type Recorder struct {
	resolveOutcomes *prometheus.CounterVec
	leaseAcquired   prometheus.Counter
	leaseConflicts  prometheus.Counter
}

// NewRecorder registers the engine collectors on the given registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		resolveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carrel",
			Subsystem: "resolver",
			Name:      "outcomes_total",
			Help:      "Resolution outcomes by result code (ok or negative code).",
		}, []string{"outcome"}),
		leaseAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrel",
			Subsystem: "semaphore",
			Name:      "leases_acquired_total",
			Help:      "Semaphore leases acquired successfully.",
		}),
		leaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carrel",
			Subsystem: "semaphore",
			Name:      "lease_conflicts_total",
			Help:      "Lease attempts refused by an existing lease or a committed reservation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.resolveOutcomes, r.leaseAcquired, r.leaseConflicts)
	}
	return r
}

// ResolveOutcome records one resolution result; use "ok" for plans and
// the negative code string for refusals.
func (r *Recorder) ResolveOutcome(outcome string) {
	if r == nil {
		return
	}
	r.resolveOutcomes.WithLabelValues(outcome).Inc()
}

// LeaseAcquired counts a successful lease claim.
func (r *Recorder) LeaseAcquired() {
	if r == nil {
		return
	}
	r.leaseAcquired.Inc()
}

// LeaseConflict counts a lease attempt lost to contention.
func (r *Recorder) LeaseConflict() {
	if r == nil {
		return
	}
	r.leaseConflicts.Inc()
}
