// Package engine wires repositories, configuration, and logging into the
// reservation components. It is the composition root shared by the CLI
// and tests that want a fully assembled engine.
package engine

import (
	"log/slog"

	"github.com/cochaviz/carrel/internal/catalog"
	"github.com/cochaviz/carrel/internal/logging"
	"github.com/cochaviz/carrel/internal/metrics"
	"github.com/cochaviz/carrel/internal/reserve"
	"github.com/cochaviz/carrel/internal/setup"
)

// Engine bundles the assembled reservation components.
type Engine struct {
	Resolver *reserve.Resolver
	Finder   *reserve.Finder
	Grid     *reserve.GridBuilder
	Ledger   *reserve.Ledger
	Lock     *reserve.SemaphoreLock
}

// New assembles an engine over the given stores.
func New(stores reserve.Stores, cfg setup.Config, logger *slog.Logger, recorder *metrics.Recorder) *Engine {
	logger = logging.Ensure(logger)

	images := catalog.New(stores.Images, cfg.CacheTTL())

	lock := &reserve.SemaphoreLock{
		Logger:        logger.With("component", "semaphore"),
		Leases:        stores.Leases,
		Requests:      stores.Requests,
		Metrics:       recorder,
		TTL:           cfg.LeaseTTL(),
		RetryAttempts: cfg.LeaseRetryAttempts,
		RetrySleep:    cfg.LeaseRetrySleep(),
	}

	calendar := &reserve.ScheduleCalendar{Schedules: stores.Schedules}
	registry := &reserve.MaintenanceRegistry{Maintenance: stores.Maintenance}
	selector := &reserve.NodeSelector{Nodes: stores.Nodes, Requests: stores.Requests}

	var order reserve.OrderStrategy = reserve.SmallestFit{}
	if cfg.RandomizedOrdering {
		order = reserve.Randomized{}
	}

	resolver := &reserve.Resolver{
		Logger:        logger,
		Images:        images,
		Computers:     stores.Computers,
		Calendar:      calendar,
		Maintenance:   registry,
		Blocks:        stores.Blocks,
		Requests:      stores.Requests,
		Addresses:     stores.Addresses,
		NodeDirectory: stores.Nodes,
		Nodes:         selector,
		Lock:          lock,
		Access:        stores.Access,
		Groups:        stores.Groups,
		Metrics:       recorder,
		Order:         order,
	}

	finder := &reserve.Finder{
		Logger:      logger,
		Images:      images,
		Computers:   stores.Computers,
		Calendar:    calendar,
		Maintenance: stores.Maintenance,
		Blocks:      stores.Blocks,
		Requests:    stores.Requests,
		Access:      stores.Access,
		Groups:      stores.Groups,
	}

	grid := &reserve.GridBuilder{
		Logger:      logger,
		Computers:   stores.Computers,
		Calendar:    calendar,
		Maintenance: stores.Maintenance,
		Blocks:      stores.Blocks,
		Requests:    stores.Requests,
	}

	ledger := &reserve.Ledger{
		Logger:    logger,
		Requests:  stores.Requests,
		Addresses: stores.Addresses,
		Nodes:     selector,
		Lock:      lock,
		Audit:     stores.Audit,
	}

	return &Engine{
		Resolver: resolver,
		Finder:   finder,
		Grid:     grid,
		Ledger:   ledger,
		Lock:     lock,
	}
}
