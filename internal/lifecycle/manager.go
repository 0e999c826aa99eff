package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	logrus "github.com/sirupsen/logrus"

	"flexbus/internal/engine"
	"flexbus/internal/metrics"
	"flexbus/internal/model"
	"flexbus/internal/store"
)

// Config tunes the background sweeps.
type Config struct {
	FreezeHorizon    time.Duration
	FreezeInterval   time.Duration
	SplitInterval    time.Duration
	GCInterval       time.Duration
	CheckInterval    time.Duration
	MaxRouteNodes    int
	MaxRouteDuration time.Duration
}

// Manager runs the periodic route maintenance: freezing, start/finish
// detection, splitting, and garbage collection. It shares the engine's bus
// lock table so sweeps and bookings never mutate the same bus concurrently.
type Manager struct {
	store  store.Store
	events engine.EventSink
	locks  *engine.BusLocks
	cfg    Config

	log *logrus.Entry
	now func() time.Time
}

func New(st store.Store, sink engine.EventSink, locks *engine.BusLocks, cfg Config) *Manager {
	return &Manager{
		store:  st,
		events: sink,
		locks:  locks,
		cfg:    cfg,
		log:    logrus.WithField("component", "lifecycle"),
		now:    time.Now,
	}
}

// Run drives the sweeps on their own intervals until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	freeze := time.NewTicker(m.cfg.FreezeInterval)
	split := time.NewTicker(m.cfg.SplitInterval)
	gc := time.NewTicker(m.cfg.GCInterval)
	check := time.NewTicker(m.cfg.CheckInterval)
	defer freeze.Stop()
	defer split.Stop()
	defer gc.Stop()
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-freeze.C:
			m.FreezeRoutes(ctx)
			m.FinishRoutes(ctx)
		case <-split.C:
			m.SplitRoutes(ctx)
		case <-gc.C:
			m.DeleteEmptyRoutes(ctx)
			m.DeleteUnusedNodes(ctx)
		case <-check.C:
			if issues, err := m.CheckRoutingData(ctx); err == nil && len(issues) > 0 {
				m.log.WithField("count", len(issues)).Warn("routing data audit found inconsistencies")
			}
		}
	}
}

// Tick executes one full maintenance pass. Failures on one route never stop
// the sweep for the others.
func (m *Manager) Tick(ctx context.Context) {
	m.FreezeRoutes(ctx)
	m.SplitRoutes(ctx)
	m.FinishRoutes(ctx)
	m.DeleteEmptyRoutes(ctx)
	m.DeleteUnusedNodes(ctx)
}

// FreezeRoutes promotes routes whose departure falls inside the freeze
// horizon, and flags routes as started once their first stop is due.
func (m *Manager) FreezeRoutes(ctx context.Context) {
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		m.log.WithError(err).Warn("freeze sweep: list routes")
		return
	}
	now := m.now()
	horizon := now.Add(m.cfg.FreezeHorizon)
	for _, r := range routes {
		if r.Frozen() && r.Started {
			continue
		}
		if err := m.freezeRoute(ctx, r.ID, r.BusID, now, horizon); err != nil {
			m.log.WithField("routeId", r.ID).WithError(err).Warn("freeze sweep")
		}
	}
}

// freezeRoute re-reads the route under the bus lock so a booking committed
// after the sweep's listing is never overwritten with a stale copy.
func (m *Manager) freezeRoute(ctx context.Context, routeID, busID string, now, horizon time.Time) error {
	release := m.locks.Acquire(busID)
	defer release()

	r, err := m.store.GetRoute(ctx, routeID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if r.BusID != busID {
		return nil
	}
	nodes, err := m.store.ListRouteNodes(ctx, r.ID)
	if err != nil || len(nodes) == 0 {
		return err
	}
	frozen := false
	if !r.Frozen() && !nodes[0].TMin.After(horizon) {
		if !model.CanTransition(r.Status, model.RouteFrozen) {
			return nil
		}
		r.Status = model.RouteFrozen
		frozen = true
	}
	started := false
	if !r.Started && !nodes[0].TMin.After(now) {
		r.Started = true
		started = true
	}
	if !frozen && !started {
		return nil
	}
	if err := m.store.Commit(ctx, store.Mutation{Routes: []model.Route{r}}); err != nil {
		return err
	}
	if frozen {
		metrics.LifecycleOps.WithLabelValues("freeze").Inc()
		m.events.Emit(ctx, "route_frozen", map[string]any{
			"routeId":      r.ID,
			"busId":        r.BusID,
			"startTimeMin": nodes[0].TMin,
		})
	}
	if started {
		metrics.LifecycleOps.WithLabelValues("start").Inc()
		m.events.Emit(ctx, "route_started", map[string]any{"routeId": r.ID, "busId": r.BusID})
	}
	return nil
}

// SplitRoutes cuts a non-frozen route at points where the bus runs empty,
// leaving two independent routes the solver can rework separately.
func (m *Manager) SplitRoutes(ctx context.Context) {
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		m.log.WithError(err).Warn("split sweep: list routes")
		return
	}
	for _, r := range routes {
		if r.Frozen() || r.Started {
			continue
		}
		if err := m.splitRoute(ctx, r); err != nil {
			m.log.WithField("routeId", r.ID).WithError(err).Warn("split sweep")
		}
	}
}

func (m *Manager) splitRoute(ctx context.Context, r model.Route) error {
	busID := r.BusID
	release := m.locks.Acquire(busID)
	defer release()

	r, err := m.store.GetRoute(ctx, r.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if r.Frozen() || r.Started || r.BusID != busID {
		return nil
	}
	nodes, err := m.store.ListRouteNodes(ctx, r.ID)
	if err != nil {
		return err
	}
	orders, err := m.store.ListOrdersByRoute(ctx, r.ID)
	if err != nil {
		return err
	}
	if len(nodes) < 4 || len(orders) < 2 {
		return nil
	}
	oversized := false
	if m.cfg.MaxRouteNodes > 0 && len(nodes) > m.cfg.MaxRouteNodes {
		oversized = true
	}
	if m.cfg.MaxRouteDuration > 0 && nodes[len(nodes)-1].TMax.Sub(nodes[0].TMin) > m.cfg.MaxRouteDuration {
		oversized = true
	}
	ptrs := make([]*model.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	loads := model.LoadProfile(nodes, ptrs)
	cut := -1
	for i := 0; i < len(loads)-1; i++ {
		// an empty segment with stops on both sides is a natural seam; a
		// route within limits only splits when the seam also has slack
		if loads[i].Seats == 0 && loads[i].Wheelchairs == 0 && i > 0 {
			if oversized || nodes[i+1].TMin.Sub(nodes[i].TMax) > 10*time.Minute {
				cut = i + 1
				break
			}
		}
	}
	if cut <= 0 || cut >= len(nodes) {
		return nil
	}
	head, tail := nodes[:cut], nodes[cut:]
	tailIDs := map[string]bool{}
	newRoute := model.Route{ID: uuid.New().String(), BusID: r.BusID, Status: r.Status}
	mut := store.Mutation{}
	for _, n := range tail {
		n.RouteID = newRoute.ID
		newRoute.NodeIDs = append(newRoute.NodeIDs, n.ID)
		tailIDs[n.ID] = true
		mut.Nodes = append(mut.Nodes, n)
	}
	r.NodeIDs = r.NodeIDs[:0]
	for _, n := range head {
		r.NodeIDs = append(r.NodeIDs, n.ID)
	}
	for _, o := range orders {
		if tailIDs[o.HopOnNodeID] {
			o.RouteID = newRoute.ID
			mut.Orders = append(mut.Orders, o)
		}
	}
	mut.Routes = []model.Route{r, newRoute}
	if err := m.store.Commit(ctx, mut); err != nil {
		return err
	}
	metrics.LifecycleOps.WithLabelValues("split").Inc()
	m.log.WithFields(logrus.Fields{"routeId": r.ID, "newRouteId": newRoute.ID}).Info("route split")
	return nil
}

// FinishRoutes completes routes whose last stop is past: orders complete,
// the route and its nodes are removed, and a route_finished event goes out.
func (m *Manager) FinishRoutes(ctx context.Context) {
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		m.log.WithError(err).Warn("finish sweep: list routes")
		return
	}
	now := m.now()
	for _, r := range routes {
		if err := m.finishRoute(ctx, r.ID, r.BusID, now); err != nil {
			m.log.WithField("routeId", r.ID).WithError(err).Warn("finish sweep")
		}
	}
}

func (m *Manager) finishRoute(ctx context.Context, routeID, busID string, now time.Time) error {
	release := m.locks.Acquire(busID)
	defer release()

	r, err := m.store.GetRoute(ctx, routeID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if r.BusID != busID {
		return nil
	}
	nodes, err := m.store.ListRouteNodes(ctx, r.ID)
	if err != nil || len(nodes) == 0 {
		return err
	}
	if nodes[len(nodes)-1].TMax.After(now) {
		return nil
	}
	orders, err := m.store.ListOrdersByRoute(ctx, r.ID)
	if err != nil {
		return err
	}
	mut := store.Mutation{DeleteRouteIDs: []string{r.ID}}
	for _, o := range orders {
		o.Status = model.OrderCompleted
		o.RouteID = ""
		o.HopOnNodeID = ""
		o.HopOffNodeID = ""
		mut.Orders = append(mut.Orders, o)
	}
	if err := m.store.Commit(ctx, mut); err != nil {
		return err
	}
	metrics.LifecycleOps.WithLabelValues("finish").Inc()
	m.events.Emit(ctx, "route_finished", map[string]any{"routeId": r.ID, "busId": r.BusID})
	return nil
}

// DeleteEmptyRoutes garbage-collects routes no order references. A route
// still holding nodes is only drained: the nodes become orphans and the
// route itself goes on a later pass, once nothing remains on it.
func (m *Manager) DeleteEmptyRoutes(ctx context.Context) {
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		m.log.WithError(err).Warn("gc sweep: list routes")
		return
	}
	for _, r := range routes {
		if err := m.gcRoute(ctx, r.ID, r.BusID); err != nil {
			m.log.WithField("routeId", r.ID).WithError(err).Warn("gc sweep: route")
		}
	}
}

func (m *Manager) gcRoute(ctx context.Context, routeID, busID string) error {
	release := m.locks.Acquire(busID)
	defer release()

	r, err := m.store.GetRoute(ctx, routeID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if r.BusID != busID {
		return nil
	}
	orders, err := m.store.ListOrdersByRoute(ctx, r.ID)
	if err != nil || len(orders) > 0 {
		return err
	}
	if len(r.NodeIDs) > 0 {
		orphans := append([]string(nil), r.NodeIDs...)
		r.NodeIDs = nil
		return m.store.Commit(ctx, store.Mutation{Routes: []model.Route{r}, OrphanNodeIDs: orphans})
	}
	if err := m.store.Commit(ctx, store.Mutation{DeleteRouteIDs: []string{r.ID}}); err != nil {
		return err
	}
	metrics.LifecycleOps.WithLabelValues("gc_route").Inc()
	return nil
}

// DeleteUnusedNodes garbage-collects orphan nodes no order references.
func (m *Manager) DeleteUnusedNodes(ctx context.Context) {
	nodes, err := m.store.ListOrphanNodes(ctx)
	if err != nil {
		m.log.WithError(err).Warn("gc sweep: list orphans")
		return
	}
	var ids []string
	for _, n := range nodes {
		refs, err := m.store.ListOrdersByNode(ctx, n.ID)
		if err != nil || len(refs) > 0 {
			continue
		}
		ids = append(ids, n.ID)
	}
	if len(ids) == 0 {
		return
	}
	if err := m.store.Commit(ctx, store.Mutation{DeleteNodeIDs: ids}); err != nil {
		m.log.WithError(err).Warn("gc sweep: delete nodes")
		return
	}
	metrics.LifecycleOps.WithLabelValues("gc_node").Add(float64(len(ids)))
}

// Inconsistency is one finding from the routing data audit.
type Inconsistency struct {
	Kind    string `json:"kind"`
	EntityA string `json:"entityA"`
	EntityB string `json:"entityB,omitempty"`
	Detail  string `json:"detail"`
}

// CheckRoutingData audits referential integrity across orders, routes and
// nodes, and re-checks each intact route against the capacity and time
// ordering invariants, without mutating anything.
func (m *Manager) CheckRoutingData(ctx context.Context) ([]Inconsistency, error) {
	var out []Inconsistency
	routes, err := m.store.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	routeIDs := map[string]bool{}
	for _, r := range routes {
		routeIDs[r.ID] = true
		nodes := make([]model.Node, 0, len(r.NodeIDs))
		broken := false
		for _, nid := range r.NodeIDs {
			n, err := m.store.GetNode(ctx, nid)
			if err == store.ErrNotFound {
				out = append(out, Inconsistency{Kind: "missing_node", EntityA: r.ID, EntityB: nid, Detail: "route lists a node that does not exist"})
				broken = true
				continue
			} else if err != nil {
				return nil, err
			}
			if n.RouteID != r.ID {
				out = append(out, Inconsistency{Kind: "node_route_mismatch", EntityA: r.ID, EntityB: nid, Detail: "node claims a different route"})
			}
			nodes = append(nodes, n)
		}
		bus, err := m.store.GetBus(ctx, r.BusID)
		if err == store.ErrNotFound {
			out = append(out, Inconsistency{Kind: "missing_bus", EntityA: r.ID, EntityB: r.BusID, Detail: "route references a missing bus"})
			continue
		} else if err != nil {
			return nil, err
		}
		if broken {
			continue
		}
		orders, err := m.store.ListOrdersByRoute(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		ptrs := make([]*model.Order, len(orders))
		for i := range orders {
			ptrs[i] = &orders[i]
		}
		if verr := model.ValidateRoute(&r, &bus, nodes, ptrs); verr != nil {
			out = append(out, Inconsistency{Kind: "invalid_route", EntityA: r.ID, Detail: verr.Error()})
		}
	}
	orders, err := m.store.ListOrders(ctx, model.OrderAssigned)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.RouteID == "" || !routeIDs[o.RouteID] {
			out = append(out, Inconsistency{Kind: "missing_route", EntityA: o.ID, EntityB: o.RouteID, Detail: "assigned order references a missing route"})
			continue
		}
		for _, nid := range []string{o.HopOnNodeID, o.HopOffNodeID} {
			if _, err := m.store.GetNode(ctx, nid); err == store.ErrNotFound {
				out = append(out, Inconsistency{Kind: "missing_node", EntityA: o.ID, EntityB: nid, Detail: "order references a missing node"})
			} else if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
