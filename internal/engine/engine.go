package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"flexbus/internal/metrics"
	"flexbus/internal/model"
	"flexbus/internal/solver"
	"flexbus/internal/store"
	"flexbus/internal/travel"
)

// EventSink receives outbound integration events after a successful commit.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// Config is the booking policy surface the engine consumes.
type Config struct {
	MaxAdvanceDays      int
	MinLead             time.Duration
	Slack               float64
	PassengerLookaround time.Duration
	BusLookaround       time.Duration
	StartedThreshold    time.Duration
	AltSearchMaxShifts  int
	SolverBudget        time.Duration
}

// Engine orchestrates a single order's lifecycle: build solver input, invoke
// the solver, re-validate, commit, emit events. Every mutation runs under
// the per-bus lock table.
type Engine struct {
	store  store.Store
	solver solver.Solver
	travel travel.Provider
	events EventSink
	cfg    Config
	Locks  *BusLocks

	log *logrus.Entry
	now func() time.Time
}

func New(st store.Store, sv solver.Solver, tp travel.Provider, sink EventSink, cfg Config) *Engine {
	return &Engine{
		store:  st,
		solver: sv,
		travel: tp,
		events: sink,
		cfg:    cfg,
		Locks:  NewBusLocks(),
		log:    logrus.WithField("component", "engine"),
		now:    time.Now,
	}
}

// BookingRequest is an inbound transport request.
type BookingRequest struct {
	OrderID       string           `json:"orderId,omitempty"`
	Seats         int              `json:"seats"`
	Wheelchairs   int              `json:"wheelchairs"`
	PickupStation string           `json:"pickupStation"`
	DropStation   string           `json:"dropStation"`
	PickupWindow  model.TimeWindow `json:"pickupWindow"`
	DropWindow    model.TimeWindow `json:"dropWindow"`
	AltSearch     string           `json:"altSearch,omitempty"`
}

// Confirmation reports a committed assignment.
type Confirmation struct {
	OrderID string           `json:"orderId"`
	RouteID string           `json:"routeId"`
	BusID   string           `json:"busId"`
	Pickup  model.TimeWindow `json:"pickup"`
	Drop    model.TimeWindow `json:"drop"`
}

// RequestBooking validates, solves, and commits a new order. On rejection
// the order is persisted in the rejected state and a route_rejected event is
// emitted with the reason code.
func (e *Engine) RequestBooking(ctx context.Context, req BookingRequest) (Confirmation, error) {
	if err := e.validate(req); err != nil {
		metrics.Bookings.WithLabelValues("invalid").Inc()
		return Confirmation{}, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}
	// visible as pending while the solve runs
	if err := e.store.CreateOrder(ctx, model.Order{
		ID:            req.OrderID,
		Seats:         req.Seats,
		Wheelchairs:   req.Wheelchairs,
		PickupStation: req.PickupStation,
		DropStation:   req.DropStation,
		PickupWindow:  req.PickupWindow,
		DropWindow:    req.DropWindow,
		Status:        model.OrderPending,
	}); err != nil {
		return Confirmation{}, err
	}
	conf, reason, err := e.solveAndCommit(ctx, req, "", "")
	if err == nil {
		metrics.Bookings.WithLabelValues("confirmed").Inc()
		e.events.Emit(ctx, "route_confirmed", confirmPayload(conf))
		return conf, nil
	}
	if errors.Is(err, ErrNoSolution) {
		metrics.Bookings.WithLabelValues("rejected").Inc()
		rejected := model.Order{
			ID:            req.OrderID,
			Seats:         req.Seats,
			Wheelchairs:   req.Wheelchairs,
			PickupStation: req.PickupStation,
			DropStation:   req.DropStation,
			PickupWindow:  req.PickupWindow,
			DropWindow:    req.DropWindow,
			Status:        model.OrderRejected,
		}
		if serr := e.store.Commit(ctx, store.Mutation{Orders: []model.Order{rejected}}); serr != nil {
			e.log.WithError(serr).Warn("persist rejected order")
		}
		e.events.Emit(ctx, "route_rejected", map[string]any{"orderId": req.OrderID, "reason": reason})
		return Confirmation{}, fmt.Errorf("%w: %s", ErrNoSolution, reason)
	}
	metrics.Bookings.WithLabelValues("error").Inc()
	return Confirmation{}, err
}

func (e *Engine) validate(req BookingRequest) error {
	if req.Seats < 0 || req.Wheelchairs < 0 || req.Seats+req.Wheelchairs == 0 {
		return fmt.Errorf("%w: order carries no load", ErrValidation)
	}
	if req.PickupStation == "" || req.DropStation == "" || req.PickupStation == req.DropStation {
		return fmt.Errorf("%w: pickup and drop-off stations must differ", ErrValidation)
	}
	for _, w := range []model.TimeWindow{req.PickupWindow, req.DropWindow} {
		if w.Min.IsZero() || w.Max.IsZero() || w.Max.Before(w.Min) {
			return fmt.Errorf("%w: malformed time window", ErrValidation)
		}
	}
	if req.DropWindow.Max.Before(req.PickupWindow.Min) {
		return fmt.Errorf("%w: drop-off window ends before pickup begins", ErrValidation)
	}
	now := e.now()
	if req.PickupWindow.Min.After(now.AddDate(0, 0, e.cfg.MaxAdvanceDays)) {
		return fmt.Errorf("%w: pickup more than %d days ahead", ErrValidation, e.cfg.MaxAdvanceDays)
	}
	if req.PickupWindow.Max.Before(now.Add(e.cfg.MinLead)) {
		return fmt.Errorf("%w: pickup window closes less than %s from now", ErrValidation, e.cfg.MinLead)
	}
	return nil
}

// solveAndCommit runs the solve/re-validate/commit loop, including the
// alternative-search retries. excludeOrderID removes that order's
// commitments from the solver input (reassignment); excludeBusID removes a
// whole bus (bus deletion).
func (e *Engine) solveAndCommit(ctx context.Context, req BookingRequest, excludeOrderID, excludeBusID string) (Confirmation, string, error) {
	shifts := e.altShifts(req)
	reason := solver.ReasonNoFeasibleRoute
	for _, shift := range shifts {
		attempt := req
		attempt.PickupWindow = req.PickupWindow.Shift(shift)
		attempt.DropWindow = req.DropWindow.Shift(shift)
		for try := 0; try < 3; try++ {
			in, err := e.buildInput(ctx, attempt, excludeOrderID, excludeBusID)
			if err != nil {
				return Confirmation{}, solver.ReasonSolverUnavailable, err
			}
			started := time.Now()
			res, err := e.solver.Solve(ctx, in)
			if err != nil {
				metrics.SolverDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
				e.log.WithError(err).Warn("solver error")
				return Confirmation{}, solver.ReasonSolverUnavailable, fmt.Errorf("%w: %s", ErrNoSolution, solver.ReasonSolverUnavailable)
			}
			if res.NoSolution {
				metrics.SolverDuration.WithLabelValues("no_solution").Observe(time.Since(started).Seconds())
				if res.Reason == solver.ReasonSolverUnavailable {
					return Confirmation{}, res.Reason, fmt.Errorf("%w: %s", ErrNoSolution, res.Reason)
				}
				break // widen per the alternative-search policy
			}
			metrics.SolverDuration.WithLabelValues("solved").Observe(time.Since(started).Seconds())
			conf, err := e.commit(ctx, attempt, in, res, excludeOrderID)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrResourceGone) {
				e.log.WithField("orderId", req.OrderID).WithError(err).Debug("commit conflict, re-solving")
				continue
			}
			if err != nil {
				return Confirmation{}, solver.ReasonSolverUnavailable, err
			}
			return conf, "", nil
		}
	}
	return Confirmation{}, reason, fmt.Errorf("%w: %s", ErrNoSolution, reason)
}

// altShifts expands the requested window per the alternative-search mode:
// each retry moves the window by its own width, earlier or later.
func (e *Engine) altShifts(req BookingRequest) []time.Duration {
	shifts := []time.Duration{0}
	width := req.PickupWindow.Width()
	if width <= 0 {
		width = 10 * time.Minute
	}
	dir := time.Duration(0)
	switch req.AltSearch {
	case solver.AltEarlier:
		dir = -1
	case solver.AltLater:
		dir = 1
	default:
		return shifts
	}
	for i := 1; i <= e.cfg.AltSearchMaxShifts; i++ {
		shifts = append(shifts, dir*width*time.Duration(i))
	}
	return shifts
}

// buildInput snapshots committed state into the solver contract input.
func (e *Engine) buildInput(ctx context.Context, req BookingRequest, excludeOrderID, excludeBusID string) (solver.Input, error) {
	buses, err := e.store.ListBuses(ctx)
	if err != nil {
		return solver.Input{}, err
	}
	stations := map[string]model.Station{}
	all, err := e.store.ListStations(ctx)
	if err != nil {
		return solver.Input{}, err
	}
	for _, s := range all {
		stations[s.ID] = s
	}
	if _, ok := stations[req.PickupStation]; !ok {
		return solver.Input{}, fmt.Errorf("%w: pickup station %s", ErrResourceGone, req.PickupStation)
	}
	if _, ok := stations[req.DropStation]; !ok {
		return solver.Input{}, fmt.Errorf("%w: drop station %s", ErrResourceGone, req.DropStation)
	}
	mandatory, err := e.store.ListMandatoryStations(ctx)
	if err != nil {
		return solver.Input{}, err
	}
	fleet := make([]solver.BusState, 0, len(buses))
	for _, b := range buses {
		if b.ID == excludeBusID {
			continue
		}
		routes, err := e.store.ListRoutesByBus(ctx, b.ID)
		if err != nil {
			return solver.Input{}, err
		}
		bs := solver.BusState{Bus: b}
		for _, r := range routes {
			rs, err := e.routeState(ctx, r, excludeOrderID)
			if err != nil {
				return solver.Input{}, err
			}
			bs.Routes = append(bs.Routes, rs)
		}
		fleet = append(fleet, bs)
	}
	return solver.Input{
		Order: solver.OrderSpec{
			OrderID:     req.OrderID,
			Seats:       req.Seats,
			Wheelchairs: req.Wheelchairs,
			Pickup:      solver.Stop{StationID: req.PickupStation, Window: req.PickupWindow},
			Drop:        solver.Stop{StationID: req.DropStation, Window: req.DropWindow},
		},
		Fleet:     fleet,
		Stations:  stations,
		Mandatory: mandatory,
		Travel:    e.travel,
		Slack:     e.cfg.Slack,
		Options: solver.Options{
			AltSearch:           req.AltSearch,
			Budget:              e.cfg.SolverBudget,
			PassengerLookaround: e.cfg.PassengerLookaround,
			BusLookaround:       e.cfg.BusLookaround,
			StartedThreshold:    e.cfg.StartedThreshold,
			Now:                 e.now(),
		},
	}, nil
}

// routeState loads one route aggregate, optionally hiding an order and any
// node only that order references.
func (e *Engine) routeState(ctx context.Context, r model.Route, excludeOrderID string) (solver.RouteState, error) {
	nodes, err := e.store.ListRouteNodes(ctx, r.ID)
	if err != nil {
		return solver.RouteState{}, err
	}
	orders, err := e.store.ListOrdersByRoute(ctx, r.ID)
	if err != nil {
		return solver.RouteState{}, err
	}
	keep := []*model.Order{}
	excluded := map[string]bool{}
	for i := range orders {
		if orders[i].ID == excludeOrderID {
			excluded[orders[i].HopOnNodeID] = true
			excluded[orders[i].HopOffNodeID] = true
			continue
		}
		keep = append(keep, &orders[i])
	}
	if len(excluded) > 0 {
		for _, o := range keep {
			delete(excluded, o.HopOnNodeID)
			delete(excluded, o.HopOffNodeID)
		}
		filtered := nodes[:0]
		ids := r.NodeIDs[:0:0]
		for _, n := range nodes {
			if excluded[n.ID] {
				continue
			}
			filtered = append(filtered, n)
			ids = append(ids, n.ID)
		}
		nodes = filtered
		r.NodeIDs = ids
	}
	return solver.RouteState{Route: r, Nodes: nodes, Orders: keep}, nil
}

// commit re-validates the solver result against the current committed state
// under the bus lock and applies it atomically. A base that moved since the
// snapshot is an ErrConflict; the caller re-solves.
func (e *Engine) commit(ctx context.Context, req BookingRequest, in solver.Input, res solver.Result, excludeOrderID string) (Confirmation, error) {
	oldRoute, oldBus, err := e.currentAssignment(ctx, req.OrderID)
	if err != nil {
		return Confirmation{}, err
	}
	release := e.Locks.Acquire(res.BusID, oldBus)
	defer release()

	bus, err := e.store.GetBus(ctx, res.BusID)
	if errors.Is(err, store.ErrNotFound) {
		return Confirmation{}, fmt.Errorf("%w: bus %s", ErrResourceGone, res.BusID)
	} else if err != nil {
		return Confirmation{}, err
	}

	// the order may have been cancelled between snapshot and lock; a
	// rejected order may still be retried
	if cur, err := e.store.GetOrder(ctx, req.OrderID); err == nil {
		if cur.Status == model.OrderCancelled || cur.Status == model.OrderCompleted {
			return Confirmation{}, fmt.Errorf("%w: order %s is %s", ErrValidation, req.OrderID, cur.Status)
		}
	}

	routeID := res.RouteID
	var route model.Route
	var existingOrders []model.Order
	if routeID != "" {
		route, err = e.store.GetRoute(ctx, routeID)
		if errors.Is(err, store.ErrNotFound) {
			return Confirmation{}, fmt.Errorf("%w: route %s", ErrResourceGone, routeID)
		} else if err != nil {
			return Confirmation{}, err
		}
		if route.Frozen() {
			return Confirmation{}, fmt.Errorf("%w: route froze mid-flight", ErrConflict)
		}
		if route.BusID != res.BusID {
			return Confirmation{}, fmt.Errorf("%w: route moved to bus %s", ErrConflict, route.BusID)
		}
		committed, err := e.store.ListRouteNodes(ctx, routeID)
		if err != nil {
			return Confirmation{}, err
		}
		if err := e.checkBase(route, committed, snapshotRoute(in, res.BusID, routeID), res, excludeOrderID != ""); err != nil {
			return Confirmation{}, err
		}
		orders, err := e.store.ListOrdersByRoute(ctx, routeID)
		if err != nil {
			return Confirmation{}, err
		}
		for _, o := range orders {
			if o.ID != req.OrderID {
				existingOrders = append(existingOrders, o)
			}
		}
	} else {
		routeID = uuid.New().String()
		if err := e.checkBusFree(ctx, res, bus.ID, req.OrderID, oldRoute); err != nil {
			return Confirmation{}, err
		}
		route = model.Route{ID: routeID, BusID: bus.ID, Status: model.RouteDraft}
	}

	// materialize nodes: assign ids to new ones, rebind all to the route
	nodes := make([]model.Node, len(res.Nodes))
	copy(nodes, res.Nodes)
	for i := range nodes {
		if nodes[i].ID == "" {
			nodes[i].ID = uuid.New().String()
		}
		nodes[i].RouteID = routeID
	}
	route.NodeIDs = make([]string, len(nodes))
	for i, n := range nodes {
		route.NodeIDs[i] = n.ID
	}
	if res.RouteID != "" && len(existingOrders) > 0 && route.Status == model.RouteDraft {
		// carrying pooled commitments now
		route.Status = model.RouteBooked
	}

	order := model.Order{
		ID:            req.OrderID,
		Seats:         req.Seats,
		Wheelchairs:   req.Wheelchairs,
		PickupStation: req.PickupStation,
		DropStation:   req.DropStation,
		PickupWindow:  req.PickupWindow,
		DropWindow:    req.DropWindow,
		Status:        model.OrderAssigned,
		RouteID:       routeID,
		HopOnNodeID:   nodes[res.HopOnIdx].ID,
		HopOffNodeID:  nodes[res.HopOffIdx].ID,
	}

	check := make([]*model.Order, 0, len(existingOrders)+1)
	for i := range existingOrders {
		check = append(check, &existingOrders[i])
	}
	check = append(check, &order)
	if err := model.ValidateRoute(&route, &bus, nodes, check); err != nil {
		e.log.WithError(err).Warn("post-solve validation rejected assignment")
		return Confirmation{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}

	mut := store.Mutation{Orders: []model.Order{order}, Routes: []model.Route{route}, Nodes: nodes}
	if oldRoute != "" && oldRoute != routeID {
		rel, err := e.releaseFromRoute(ctx, oldRoute, req.OrderID)
		if err != nil {
			return Confirmation{}, err
		}
		mut.Routes = append(mut.Routes, rel.Routes...)
		mut.OrphanNodeIDs = append(mut.OrphanNodeIDs, rel.OrphanNodeIDs...)
	}
	if err := e.store.Commit(ctx, mut); err != nil {
		return Confirmation{}, err
	}
	return Confirmation{
		OrderID: order.ID,
		RouteID: routeID,
		BusID:   bus.ID,
		Pickup:  model.TimeWindow{Min: nodes[res.HopOnIdx].TMin, Max: nodes[res.HopOnIdx].TMax},
		Drop:    model.TimeWindow{Min: nodes[res.HopOffIdx].TMin, Max: nodes[res.HopOffIdx].TMax},
	}, nil
}

// snapshotRoute finds the route's state as the solver saw it in its input.
func snapshotRoute(in solver.Input, busID, routeID string) *solver.RouteState {
	for i := range in.Fleet {
		if in.Fleet[i].Bus.ID != busID {
			continue
		}
		for j := range in.Fleet[i].Routes {
			if in.Fleet[i].Routes[j].Route.ID == routeID {
				return &in.Fleet[i].Routes[j]
			}
		}
	}
	return nil
}

// checkBase verifies the solver's view of an existing route still matches
// the committed one: every surviving node id must still be on the route, no
// committed node may be missing from the result, and the committed node
// windows must be the windows the solve started from. A pooled booking that
// tightened a shared node's window between snapshot and lock would otherwise
// be silently widened back.
func (e *Engine) checkBase(route model.Route, committed []model.Node, base *solver.RouteState, res solver.Result, orderExcluded bool) error {
	current := map[string]model.Node{}
	for _, n := range committed {
		current[n.ID] = n
	}
	seen := 0
	for _, n := range res.Nodes {
		if n.ID == "" {
			continue
		}
		if _, ok := current[n.ID]; !ok {
			return fmt.Errorf("%w: node %s left route %s", ErrConflict, n.ID, route.ID)
		}
		seen++
	}
	if !orderExcluded && seen != len(route.NodeIDs) {
		return fmt.Errorf("%w: route %s gained nodes since snapshot", ErrConflict, route.ID)
	}
	if base != nil {
		for _, sn := range base.Nodes {
			cn, ok := current[sn.ID]
			if !ok {
				continue
			}
			if !cn.TMin.Equal(sn.TMin) || !cn.TMax.Equal(sn.TMax) {
				return fmt.Errorf("%w: node %s window moved since snapshot", ErrConflict, sn.ID)
			}
		}
	}
	return nil
}

// checkBusFree re-verifies under the lock that a new route's span does not
// clash with the bus's other routes. The order's own current route does not
// count when no other order remains on it.
func (e *Engine) checkBusFree(ctx context.Context, res solver.Result, busID, orderID, oldRouteID string) error {
	if len(res.Nodes) == 0 {
		return fmt.Errorf("%w: empty assignment", ErrConflict)
	}
	start := res.Nodes[0].TMin
	end := res.Nodes[len(res.Nodes)-1].TMax
	routes, err := e.store.ListRoutesByBus(ctx, busID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, r := range routes {
		if r.ID == oldRouteID {
			others, err := e.store.ListOrdersByRoute(ctx, r.ID)
			if err != nil {
				return err
			}
			vacated := true
			for _, o := range others {
				if o.ID != orderID {
					vacated = false
					break
				}
			}
			if vacated {
				continue
			}
		}
		nodes, err := e.store.ListRouteNodes(ctx, r.ID)
		if err != nil || len(nodes) == 0 {
			continue
		}
		last := nodes[len(nodes)-1].TMax
		if last.Before(now) {
			continue
		}
		if start.Before(last) && nodes[0].TMin.Before(end) {
			return fmt.Errorf("%w: bus %s busy on route %s", ErrConflict, busID, r.ID)
		}
	}
	return nil
}

// currentAssignment returns the order's current route and bus, if any.
func (e *Engine) currentAssignment(ctx context.Context, orderID string) (routeID, busID string, err error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", nil
	} else if err != nil {
		return "", "", err
	}
	if o.RouteID == "" {
		return "", "", nil
	}
	r, err := e.store.GetRoute(ctx, o.RouteID)
	if errors.Is(err, store.ErrNotFound) {
		return "", "", nil
	} else if err != nil {
		return "", "", err
	}
	return r.ID, r.BusID, nil
}

// releaseFromRoute computes the mutation that removes an order from a route:
// nodes no other order references leave the route and become orphans.
func (e *Engine) releaseFromRoute(ctx context.Context, routeID, orderID string) (store.Mutation, error) {
	route, err := e.store.GetRoute(ctx, routeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Mutation{}, nil
	} else if err != nil {
		return store.Mutation{}, err
	}
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return store.Mutation{}, err
	}
	released := []string{}
	for _, nid := range []string{o.HopOnNodeID, o.HopOffNodeID} {
		if nid == "" {
			continue
		}
		refs, err := e.store.ListOrdersByNode(ctx, nid)
		if err != nil {
			return store.Mutation{}, err
		}
		shared := false
		for _, ref := range refs {
			if ref.ID != orderID {
				shared = true
				break
			}
		}
		if !shared {
			released = append(released, nid)
		}
	}
	if len(released) == 0 {
		return store.Mutation{}, nil
	}
	drop := map[string]bool{}
	for _, id := range released {
		drop[id] = true
	}
	kept := route.NodeIDs[:0:0]
	for _, id := range route.NodeIDs {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	route.NodeIDs = kept
	return store.Mutation{Routes: []model.Route{route}, OrphanNodeIDs: released}, nil
}

// Cancel releases an order's nodes and removes it from its route. Only valid
// while the owning route is not frozen. A previously confirmed order
// additionally yields a route_changed event for the shorter itinerary.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: order %s", ErrResourceGone, orderID)
	} else if err != nil {
		return err
	}
	if o.Terminal() {
		return nil // idempotent
	}
	if o.RouteID == "" {
		o.Status = model.OrderCancelled
		return e.store.Commit(ctx, store.Mutation{Orders: []model.Order{o}})
	}
	route, err := e.store.GetRoute(ctx, o.RouteID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && route.Frozen() {
		return fmt.Errorf("%w: cannot cancel order %s", ErrFrozen, orderID)
	}
	release := e.Locks.Acquire(route.BusID)
	defer release()

	// re-check under the lock
	route, err = e.store.GetRoute(ctx, o.RouteID)
	if err == nil && route.Frozen() {
		return fmt.Errorf("%w: cannot cancel order %s", ErrFrozen, orderID)
	}
	mut, err := e.releaseFromRoute(ctx, o.RouteID, orderID)
	if err != nil {
		return err
	}
	wasConfirmed := o.Status == model.OrderAssigned
	oldRouteID := o.RouteID
	busID := route.BusID
	var pickup, drop model.TimeWindow
	if n, err := e.store.GetNode(ctx, o.HopOnNodeID); err == nil {
		pickup = model.TimeWindow{Min: n.TMin, Max: n.TMax}
	}
	if n, err := e.store.GetNode(ctx, o.HopOffNodeID); err == nil {
		drop = model.TimeWindow{Min: n.TMin, Max: n.TMax}
	}
	o.Status = model.OrderCancelled
	o.RouteID = ""
	o.HopOnNodeID = ""
	o.HopOffNodeID = ""
	mut.Orders = append(mut.Orders, o)
	if err := e.store.Commit(ctx, mut); err != nil {
		return err
	}
	if wasConfirmed {
		e.events.Emit(ctx, "route_changed", map[string]any{
			"orderId":      orderID,
			"oldRouteId":   oldRouteID,
			"newRouteId":   "",
			"busId":        busID,
			"startTimeMin": pickup.Min,
			"startTimeMax": pickup.Max,
			"stopTimeMin":  drop.Min,
			"stopTimeMax":  drop.Max,
		})
	}
	return nil
}

// MarkRouteStarted flags the order's route as started ahead of the lifecycle
// sweep, typically on driver check-in. The flag is set under the bus lock so
// a concurrent booking commit is never overwritten.
func (e *Engine) MarkRouteStarted(ctx context.Context, orderID string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.RouteID == "" {
		return nil
	}
	r, err := e.store.GetRoute(ctx, o.RouteID)
	if err != nil {
		return err
	}
	busID := r.BusID
	release := e.Locks.Acquire(busID)
	defer release()

	r, err = e.store.GetRoute(ctx, o.RouteID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if r.Started || r.BusID != busID {
		return nil
	}
	r.Started = true
	if err := e.store.Commit(ctx, store.Mutation{Routes: []model.Route{r}}); err != nil {
		return err
	}
	e.events.Emit(ctx, "route_started", map[string]any{"routeId": r.ID, "busId": r.BusID})
	return nil
}

// Reassign re-solves an assigned order with its own commitments excluded.
// Disallowed once the owning route is frozen.
func (e *Engine) Reassign(ctx context.Context, orderID string) (Confirmation, error) {
	return e.reassign(ctx, orderID, "")
}

func (e *Engine) reassign(ctx context.Context, orderID, excludeBusID string) (Confirmation, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return Confirmation{}, fmt.Errorf("%w: order %s", ErrResourceGone, orderID)
	} else if err != nil {
		return Confirmation{}, err
	}
	if o.Status != model.OrderAssigned {
		return Confirmation{}, fmt.Errorf("%w: order %s is %s", ErrValidation, orderID, o.Status)
	}
	oldRouteID := o.RouteID
	if oldRouteID != "" {
		route, err := e.store.GetRoute(ctx, oldRouteID)
		if err == nil && route.Frozen() {
			return Confirmation{}, fmt.Errorf("%w: cannot reassign order %s", ErrFrozen, orderID)
		}
	}
	req := BookingRequest{
		OrderID:       o.ID,
		Seats:         o.Seats,
		Wheelchairs:   o.Wheelchairs,
		PickupStation: o.PickupStation,
		DropStation:   o.DropStation,
		PickupWindow:  o.PickupWindow,
		DropWindow:    o.DropWindow,
	}
	conf, reason, err := e.solveAndCommit(ctx, req, orderID, excludeBusID)
	if err != nil {
		if errors.Is(err, ErrNoSolution) {
			e.events.Emit(ctx, "route_rejected", map[string]any{"orderId": orderID, "reason": reason})
		}
		return Confirmation{}, err
	}
	payload := confirmPayload(conf)
	payload["oldRouteId"] = oldRouteID
	payload["newRouteId"] = conf.RouteID
	delete(payload, "routeId")
	e.events.Emit(ctx, "route_changed", payload)
	return conf, nil
}

// HandleBusDeleted re-evaluates every non-frozen route of a deleted bus:
// each order is reassigned elsewhere or rejected, then the route is removed.
func (e *Engine) HandleBusDeleted(ctx context.Context, busID string) error {
	routes, err := e.store.ListRoutesByBus(ctx, busID)
	if err != nil {
		return err
	}
	for _, r := range routes {
		if r.Frozen() {
			e.log.WithFields(logrus.Fields{"routeId": r.ID, "busId": busID}).Warn("frozen route references deleted bus")
			continue
		}
		orders, err := e.store.ListOrdersByRoute(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if _, err := e.reassign(ctx, o.ID, busID); err != nil {
				e.log.WithFields(logrus.Fields{"orderId": o.ID, "busId": busID}).WithError(err).Info("order lost its bus")
				o.Status = model.OrderRejected
				o.RouteID = ""
				o.HopOnNodeID = ""
				o.HopOffNodeID = ""
				if serr := e.store.Commit(ctx, store.Mutation{Orders: []model.Order{o}}); serr != nil {
					return serr
				}
				e.events.Emit(ctx, "route_rejected", map[string]any{"orderId": o.ID, "reason": solver.ReasonNoFeasibleRoute})
			}
		}
		release := e.Locks.Acquire(busID)
		err = e.store.Commit(ctx, store.Mutation{DeleteRouteIDs: []string{r.ID}})
		release()
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleBusUpdated re-checks every non-frozen route of a bus after its
// capacity changed. Routes the new capacity can no longer carry get their
// orders re-solved.
func (e *Engine) HandleBusUpdated(ctx context.Context, busID string) error {
	bus, err := e.store.GetBus(ctx, busID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: bus %s", ErrResourceGone, busID)
	} else if err != nil {
		return err
	}
	routes, err := e.store.ListRoutesByBus(ctx, busID)
	if err != nil {
		return err
	}
	for _, r := range routes {
		nodes, err := e.store.ListRouteNodes(ctx, r.ID)
		if err != nil {
			return err
		}
		orders, err := e.store.ListOrdersByRoute(ctx, r.ID)
		if err != nil {
			return err
		}
		ptrs := make([]*model.Order, len(orders))
		for i := range orders {
			ptrs[i] = &orders[i]
		}
		if model.ValidateRoute(&r, &bus, nodes, ptrs) == nil {
			continue
		}
		if r.Frozen() {
			e.log.WithFields(logrus.Fields{"routeId": r.ID, "busId": busID}).Warn("frozen route exceeds updated bus capacity")
			continue
		}
		e.log.WithFields(logrus.Fields{"routeId": r.ID, "busId": busID}).Info("re-solving route after bus update")
		for _, o := range orders {
			_, err := e.reassign(ctx, o.ID, "")
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNoSolution) {
				return err
			}
			mut, rerr := e.releaseFromRoute(ctx, r.ID, o.ID)
			if rerr != nil {
				return rerr
			}
			o.Status = model.OrderRejected
			o.RouteID = ""
			o.HopOnNodeID = ""
			o.HopOffNodeID = ""
			mut.Orders = append(mut.Orders, o)
			release := e.Locks.Acquire(busID)
			serr := e.store.Commit(ctx, mut)
			release()
			if serr != nil {
				return serr
			}
			e.events.Emit(ctx, "route_rejected", map[string]any{"orderId": o.ID, "reason": solver.ReasonNoFeasibleRoute})
		}
	}
	return nil
}

// HandleStopDeleted invalidates unvisited nodes at a deleted stop and
// re-solves the orders using them.
func (e *Engine) HandleStopDeleted(ctx context.Context, stationID string) error {
	routes, err := e.store.ListRoutes(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	for _, r := range routes {
		nodes, err := e.store.ListRouteNodes(ctx, r.ID)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if n.StationID != stationID || n.TMin.Before(now) {
				continue
			}
			if r.Frozen() {
				e.log.WithFields(logrus.Fields{"routeId": r.ID, "nodeId": n.ID}).Warn("deleted stop on frozen route")
				continue
			}
			refs, err := e.store.ListOrdersByNode(ctx, n.ID)
			if err != nil {
				continue
			}
			for _, o := range refs {
				if _, err := e.reassign(ctx, o.ID, ""); err != nil {
					e.log.WithFields(logrus.Fields{"orderId": o.ID, "stationId": stationID}).WithError(err).Info("order lost its stop")
					if cerr := e.Cancel(ctx, o.ID); cerr != nil {
						e.log.WithError(cerr).Warn("cancel after stop deletion")
					}
					e.events.Emit(ctx, "route_rejected", map[string]any{"orderId": o.ID, "reason": solver.ReasonNoFeasibleRoute})
				}
			}
		}
	}
	return nil
}

func confirmPayload(c Confirmation) map[string]any {
	return map[string]any{
		"orderId":      c.OrderID,
		"routeId":      c.RouteID,
		"busId":        c.BusID,
		"startTimeMin": c.Pickup.Min,
		"startTimeMax": c.Pickup.Max,
		"stopTimeMin":  c.Drop.Min,
		"stopTimeMax":  c.Drop.Max,
	}
}
