package reserve

import (
	"fmt"
	"time"

	"github.com/cochaviz/carrel/internal/models"
)

// nodeLoadSpread is the window around a reservation start within which
// other reservation starts count as load on a management node.
const nodeLoadSpread = 30 * time.Minute

// NodeSelector picks the management node that will drive a computer for a
// reservation. It is a load-spreading heuristic, not a capacity-aware
// scheduler: among the nodes that cover the computer and satisfy the
// liveness requirement, it picks the one with the fewest reservation
// starts near the window start.
type NodeSelector struct {
	Nodes    ManagementNodeRepository
	Requests RequestRepository
}

// Select returns the chosen node, or nil when no covering node satisfies
// the liveness requirement.
func (s *NodeSelector) Select(computerID string, windowStart time.Time, liveness models.NodeLiveness) (*models.ManagementNode, error) {
	nodes, err := s.Nodes.NodesForComputer(computerID)
	if err != nil {
		return nil, fmt.Errorf("nodes for computer %s: %w", computerID, err)
	}

	var candidates []models.ManagementNode
	for _, node := range nodes {
		if liveness == models.LivenessNow && node.Liveness != models.LivenessNow {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	loads, err := s.startCounts(windowStart)
	if err != nil {
		return nil, err
	}

	best := candidates[0]
	bestLoad := loads[best.ID]
	for _, node := range candidates[1:] {
		if loads[node.ID] < bestLoad {
			best = node
			bestLoad = loads[node.ID]
		}
	}
	return &best, nil
}

// startCounts counts reservation starts per node within the load spread
// around windowStart.
func (s *NodeSelector) startCounts(windowStart time.Time) (map[string]int, error) {
	probe := models.TimeWindow{
		Start: windowStart.Add(-nodeLoadSpread),
		End:   windowStart.Add(nodeLoadSpread),
	}
	bookings, err := s.Requests.ActiveBookings(probe)
	if err != nil {
		return nil, fmt.Errorf("count reservation starts: %w", err)
	}

	loads := make(map[string]int)
	for _, b := range bookings {
		diff := b.Request.Start.Sub(windowStart)
		if diff < -nodeLoadSpread || diff > nodeLoadSpread {
			continue
		}
		loads[b.Reservation.ManagementNodeID]++
	}
	return loads, nil
}
