package solver

import (
	"context"
	"sort"
	"time"

	"flexbus/internal/model"
	"flexbus/internal/travel"
)

// Greedy is a deterministic insertion solver: it tries every feasible
// placement of the pending order into the current non-frozen routes (reusing
// nodes for ride-pooling where stations and windows line up), falls back to
// opening a new route on an idle bus, and picks the candidate that adds the
// least route span. It returns a feasible result whenever its enumeration
// finds one within the time budget.
type Greedy struct{}

func NewGreedy() *Greedy { return &Greedy{} }

type candidate struct {
	busID     string
	routeID   string
	nodes     []model.Node
	hopOnIdx  int
	hopOffIdx int
	cost      time.Duration
}

func (g *Greedy) Solve(ctx context.Context, in Input) (Result, error) {
	now := in.Options.Now
	if now.IsZero() {
		now = time.Now()
	}
	budget := in.Options.Budget
	if budget <= 0 {
		budget = 2 * time.Second
	}
	// the budget runs on the wall clock, not the domain clock
	deadline := time.Now().Add(budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	fleet := append([]BusState(nil), in.Fleet...)
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].Bus.ID < fleet[j].Bus.ID })

	var best *candidate
	timedOut := false
	for _, bs := range fleet {
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		if !fitsBus(bs.Bus, in.Order) {
			continue
		}
		for _, rs := range bs.Routes {
			if rs.Route.Frozen() || len(rs.Nodes) == 0 {
				continue
			}
			if !spanOverlaps(rs.Nodes, in.Order, in.Options.BusLookaround) {
				continue
			}
			if c := g.tryInsert(ctx, in, bs.Bus, rs); c != nil {
				if best == nil || c.cost < best.cost {
					best = c
				}
			}
		}
	}
	if best == nil && !timedOut {
		for _, bs := range fleet {
			if time.Now().After(deadline) {
				timedOut = true
				break
			}
			if !fitsBus(bs.Bus, in.Order) {
				continue
			}
			if !busFree(bs, in.Order, now, in.Options.StartedThreshold) {
				continue
			}
			if c := g.tryNewRoute(ctx, in, bs.Bus); c != nil {
				best = c
				break
			}
		}
	}
	if best == nil {
		reason := ReasonNoFeasibleRoute
		if timedOut {
			reason = ReasonSolverUnavailable
		}
		return Result{NoSolution: true, Reason: reason}, nil
	}
	return Result{
		BusID:     best.busID,
		RouteID:   best.routeID,
		Nodes:     best.nodes,
		HopOnIdx:  best.hopOnIdx,
		HopOffIdx: best.hopOffIdx,
	}, nil
}

// fitsBus checks the whole-order load against the bus, independent of
// schedule position.
func fitsBus(b model.Bus, o OrderSpec) bool {
	blocked := b.BlockedPerWheelchair
	if blocked <= 0 {
		blocked = model.DefaultBlockedPerWheelchair
	}
	if o.Wheelchairs > b.WheelchairSeats {
		return false
	}
	return o.Seats+o.Wheelchairs*blocked <= b.Seats
}

// spanOverlaps reports whether the route's time span is close enough to the
// order to be a candidate, using the bus-availability lookaround.
func spanOverlaps(nodes []model.Node, o OrderSpec, lookaround time.Duration) bool {
	first := nodes[0].TMin.Add(-lookaround)
	last := nodes[len(nodes)-1].TMax.Add(lookaround)
	return !o.Drop.Window.Min.After(last) && !o.Pickup.Window.Max.Before(first)
}

// busFree reports whether a new route for the order can be opened on the bus
// without clashing with its existing routes. Routes already departed reduce
// availability only for their remaining span; the started threshold widens
// the guard window around upcoming departures.
func busFree(bs BusState, o OrderSpec, now time.Time, threshold time.Duration) bool {
	start := o.Pickup.Window.Min
	end := o.Drop.Window.Max
	for _, rs := range bs.Routes {
		if len(rs.Nodes) == 0 {
			continue
		}
		from := rs.Nodes[0].TMin.Add(-threshold)
		to := rs.Nodes[len(rs.Nodes)-1].TMax.Add(threshold)
		if rs.Nodes[0].TMin.Before(now) {
			from = now
		}
		if to.Before(now) {
			continue
		}
		if start.Before(to) && from.Before(end) {
			return false
		}
	}
	return true
}

// tryInsert enumerates pickup/drop placements on one existing route and
// returns the cheapest feasible candidate, or nil.
func (g *Greedy) tryInsert(ctx context.Context, in Input, bus model.Bus, rs RouteState) *candidate {
	stations, mat, ok := g.matrixFor(ctx, in, rs.Nodes, nil)
	if !ok {
		return nil
	}
	n := len(rs.Nodes)
	baseSpan := rs.Nodes[n-1].TMax.Sub(rs.Nodes[0].TMin)

	var best *candidate
	consider := func(nodes []model.Node, onIdx, offIdx int) {
		windows, ok := schedule(nodes, stations, mat)
		if !ok {
			return
		}
		out := applyWindows(nodes, windows)
		if !capacityOK(out, rs.Orders, in.Order, bus, onIdx, offIdx) {
			return
		}
		cost := out[len(out)-1].TMax.Sub(out[0].TMin) - baseSpan
		if cost < 0 {
			cost = 0
		}
		if best == nil || cost < best.cost {
			best = &candidate{busID: bus.ID, routeID: rs.Route.ID, nodes: out, hopOnIdx: onIdx, hopOffIdx: offIdx, cost: cost}
		}
	}

	pickups := placements(rs.Nodes, in.Order.Pickup, in.Options.PassengerLookaround)
	for _, pu := range pickups {
		seq1, onIdx := pu.apply(rs.Nodes, in.Order.Pickup)
		drops := placements(seq1, in.Order.Drop, in.Options.PassengerLookaround)
		for _, do := range drops {
			if do.reuse >= 0 && do.reuse <= onIdx {
				continue
			}
			if do.reuse < 0 && do.insertAt <= onIdx {
				continue
			}
			seq2, offIdx := do.apply(seq1, in.Order.Drop)
			consider(seq2, onIdx, offIdx)
		}
	}
	return best
}

// placement is either a reusable existing node (reuse >= 0) or a new-node
// insertion position.
type placement struct {
	reuse    int
	insertAt int
}

func placements(nodes []model.Node, stop Stop, lookaround time.Duration) []placement {
	out := []placement{}
	for i, nd := range nodes {
		if nd.StationID != stop.StationID {
			continue
		}
		// shared node: windows must intersect within the passenger lookaround
		if nd.TMin.After(stop.Window.Max.Add(lookaround)) || nd.TMax.Before(stop.Window.Min.Add(-lookaround)) {
			continue
		}
		if nd.TMin.After(stop.Window.Max) || nd.TMax.Before(stop.Window.Min) {
			continue
		}
		out = append(out, placement{reuse: i, insertAt: -1})
	}
	for i := 0; i <= len(nodes); i++ {
		out = append(out, placement{reuse: -1, insertAt: i})
	}
	return out
}

// apply returns the sequence with the stop placed, plus the stop's index.
// Reused nodes get their window tightened to the intersection with the
// requested one.
func (p placement) apply(nodes []model.Node, stop Stop) ([]model.Node, int) {
	out := make([]model.Node, 0, len(nodes)+1)
	if p.reuse >= 0 {
		out = append(out, nodes...)
		nd := out[p.reuse]
		if stop.Window.Min.After(nd.TMin) {
			nd.TMin = stop.Window.Min
		}
		if stop.Window.Max.Before(nd.TMax) {
			nd.TMax = stop.Window.Max
		}
		out[p.reuse] = nd
		return out, p.reuse
	}
	out = append(out, nodes[:p.insertAt]...)
	out = append(out, model.Node{StationID: stop.StationID, TMin: stop.Window.Min, TMax: stop.Window.Max})
	out = append(out, nodes[p.insertAt:]...)
	return out, p.insertAt
}

// tryNewRoute builds a fresh two-node route (plus any mandatory stations
// appended after the drop) on an idle bus.
func (g *Greedy) tryNewRoute(ctx context.Context, in Input, bus model.Bus) *candidate {
	seq := []model.Node{
		{StationID: in.Order.Pickup.StationID, TMin: in.Order.Pickup.Window.Min, TMax: in.Order.Pickup.Window.Max},
		{StationID: in.Order.Drop.StationID, TMin: in.Order.Drop.Window.Min, TMax: in.Order.Drop.Window.Max},
	}
	for _, st := range in.Mandatory {
		if st.ID == in.Order.Pickup.StationID || st.ID == in.Order.Drop.StationID {
			continue
		}
		// demand-independent stops ride at the tail with a generous window
		seq = append(seq, model.Node{
			StationID: st.ID,
			TMin:      in.Order.Drop.Window.Min,
			TMax:      in.Order.Drop.Window.Max.Add(2 * time.Hour),
		})
	}
	stations, mat, ok := g.matrixFor(ctx, in, nil, seq)
	if !ok {
		return nil
	}
	windows, ok := schedule(seq, stations, mat)
	if !ok {
		return nil
	}
	out := applyWindows(seq, windows)
	return &candidate{busID: bus.ID, nodes: out, hopOnIdx: 0, hopOffIdx: 1, cost: out[len(out)-1].TMax.Sub(out[0].TMin)}
}

// matrixFor computes the slack-scaled travel matrix over every station the
// attempt can touch and returns the station->index map.
func (g *Greedy) matrixFor(ctx context.Context, in Input, nodes, extra []model.Node) (map[string]int, [][]time.Duration, bool) {
	idx := map[string]int{}
	points := []model.GeoPoint{}
	add := func(stationID string) bool {
		if _, ok := idx[stationID]; ok {
			return true
		}
		st, ok := in.Stations[stationID]
		if !ok {
			return false
		}
		idx[stationID] = len(points)
		points = append(points, st.Location)
		return true
	}
	for _, nd := range nodes {
		if !add(nd.StationID) {
			return nil, nil, false
		}
	}
	for _, nd := range extra {
		if !add(nd.StationID) {
			return nil, nil, false
		}
	}
	if !add(in.Order.Pickup.StationID) || !add(in.Order.Drop.StationID) {
		return nil, nil, false
	}
	for _, st := range in.Mandatory {
		if _, ok := idx[st.ID]; ok {
			continue
		}
		idx[st.ID] = len(points)
		points = append(points, st.Location)
	}
	mat, err := in.Travel.Matrix(ctx, points)
	if err != nil {
		return nil, nil, false
	}
	return idx, travel.Scale(mat, in.Slack), true
}

// schedule runs the forward earliest-arrival and backward latest-arrival
// passes over the sequence. The returned windows are the tightest feasible
// [TMin, TMax] per node; ok is false when no feasible timing exists.
func schedule(nodes []model.Node, stations map[string]int, mat [][]time.Duration) ([]model.TimeWindow, bool) {
	n := len(nodes)
	if n == 0 {
		return nil, false
	}
	drive := func(i int) time.Duration {
		a, okA := stations[nodes[i].StationID]
		b, okB := stations[nodes[i+1].StationID]
		if !okA || !okB {
			return 0
		}
		return mat[a][b]
	}
	earliest := make([]time.Time, n)
	earliest[0] = nodes[0].TMin
	if earliest[0].After(nodes[0].TMax) {
		return nil, false
	}
	for i := 1; i < n; i++ {
		earliest[i] = earliest[i-1].Add(drive(i - 1))
		if nodes[i].TMin.After(earliest[i]) {
			earliest[i] = nodes[i].TMin
		}
		if earliest[i].After(nodes[i].TMax) {
			return nil, false
		}
	}
	latest := make([]time.Time, n)
	latest[n-1] = nodes[n-1].TMax
	for i := n - 2; i >= 0; i-- {
		latest[i] = latest[i+1].Add(-drive(i))
		if nodes[i].TMax.Before(latest[i]) {
			latest[i] = nodes[i].TMax
		}
		if latest[i].Before(earliest[i]) {
			return nil, false
		}
	}
	out := make([]model.TimeWindow, n)
	for i := range out {
		out[i] = model.TimeWindow{Min: earliest[i], Max: latest[i]}
	}
	return out, true
}

func applyWindows(nodes []model.Node, windows []model.TimeWindow) []model.Node {
	out := make([]model.Node, len(nodes))
	copy(out, nodes)
	for i := range out {
		out[i].TMin = windows[i].Min
		out[i].TMax = windows[i].Max
	}
	return out
}

// capacityOK sweeps the onboard load over the candidate sequence with the
// pending order included.
func capacityOK(nodes []model.Node, orders []*model.Order, pending OrderSpec, bus model.Bus, onIdx, offIdx int) bool {
	if len(nodes) < 2 {
		return false
	}
	pos := map[string]int{}
	for i, nd := range nodes {
		if nd.ID != "" {
			pos[nd.ID] = i
		}
	}
	segSeats := make([]int, len(nodes)-1)
	segWheel := make([]int, len(nodes)-1)
	board := func(on, off, seats, wheel int) {
		for s := on; s < off && s < len(segSeats); s++ {
			segSeats[s] += seats
			segWheel[s] += wheel
		}
	}
	for _, o := range orders {
		on, okOn := pos[o.HopOnNodeID]
		off, okOff := pos[o.HopOffNodeID]
		if !okOn || !okOff {
			continue
		}
		board(on, off, o.Seats, o.Wheelchairs)
	}
	board(onIdx, offIdx, pending.Seats, pending.Wheelchairs)
	blocked := bus.BlockedPerWheelchair
	if blocked <= 0 {
		blocked = model.DefaultBlockedPerWheelchair
	}
	for i := range segSeats {
		if segWheel[i] > bus.WheelchairSeats {
			return false
		}
		if segSeats[i]+segWheel[i]*blocked > bus.Seats {
			return false
		}
	}
	return true
}
