package model

import "fmt"

// SegmentLoad is the onboard load between two consecutive nodes.
type SegmentLoad struct {
	Seats       int
	Wheelchairs int
}

// Blocked returns the seat capacity consumed by the segment given the extra
// seats each wheelchair blocks.
func (l SegmentLoad) Blocked(perWheelchair int) int {
	return l.Seats + l.Wheelchairs*perWheelchair
}

// LoadProfile computes the onboard load between consecutive nodes of a route.
// nodes must be the route's nodes in visiting order; orders are the orders
// whose hop-on/hop-off nodes belong to the route. The result has
// len(nodes)-1 segments (empty routes yield nil).
func LoadProfile(nodes []Node, orders []*Order) []SegmentLoad {
	if len(nodes) < 2 {
		return nil
	}
	idx := make(map[string]int, len(nodes))
	for i, n := range nodes {
		idx[n.ID] = i
	}
	segs := make([]SegmentLoad, len(nodes)-1)
	for _, o := range orders {
		on, okOn := idx[o.HopOnNodeID]
		off, okOff := idx[o.HopOffNodeID]
		if !okOn || !okOff || off <= on {
			continue
		}
		for s := on; s < off; s++ {
			segs[s].Seats += o.Seats
			segs[s].Wheelchairs += o.Wheelchairs
		}
	}
	return segs
}

// ValidateRoute checks the route invariants: node ordering by TMin, node
// ownership, and the capacity sweep against the bus. Returns the first
// violation found.
func ValidateRoute(r *Route, bus *Bus, nodes []Node, orders []*Order) error {
	if len(nodes) != len(r.NodeIDs) {
		return fmt.Errorf("route %s: %d nodes loaded, %d referenced", r.ID, len(nodes), len(r.NodeIDs))
	}
	for i, n := range nodes {
		if n.ID != r.NodeIDs[i] {
			return fmt.Errorf("route %s: node order mismatch at %d", r.ID, i)
		}
		if n.RouteID != r.ID {
			return fmt.Errorf("route %s: node %s owned by %q", r.ID, n.ID, n.RouteID)
		}
		if n.TMax.Before(n.TMin) {
			return fmt.Errorf("route %s: node %s has inverted window", r.ID, n.ID)
		}
		if i > 0 && n.TMin.Before(nodes[i-1].TMin) {
			return fmt.Errorf("route %s: tMin decreases at node %s", r.ID, n.ID)
		}
	}
	if bus == nil {
		return fmt.Errorf("route %s: bus %s missing", r.ID, r.BusID)
	}
	blocked := bus.BlockedPerWheelchair
	if blocked <= 0 {
		blocked = DefaultBlockedPerWheelchair
	}
	for i, seg := range LoadProfile(nodes, orders) {
		if seg.Wheelchairs > bus.WheelchairSeats {
			return fmt.Errorf("route %s: %d wheelchairs onboard after node %d, bus %s holds %d",
				r.ID, seg.Wheelchairs, i, bus.ID, bus.WheelchairSeats)
		}
		if seg.Blocked(blocked) > bus.Seats {
			return fmt.Errorf("route %s: load %d exceeds %d seats after node %d",
				r.ID, seg.Blocked(blocked), bus.Seats, i)
		}
	}
	return nil
}
