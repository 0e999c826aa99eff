package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"flexbus/internal/engine"
	"flexbus/internal/model"
	"flexbus/internal/store"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type recordSink struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (r *recordSink) Emit(_ context.Context, eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.data = append(r.data, data)
}

func (r *recordSink) has(eventType string) bool {
	return r.payload(eventType) != nil
}

func (r *recordSink) payload(eventType string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == eventType {
			return r.data[i]
		}
	}
	return nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Memory, *recordSink) {
	t.Helper()
	st := store.NewMemory()
	if err := st.UpsertBus(context.Background(), model.Bus{ID: "b1", Seats: 4}); err != nil {
		t.Fatalf("seed bus: %v", err)
	}
	sink := &recordSink{}
	m := New(st, sink, engine.NewBusLocks(), cfg)
	m.now = func() time.Time { return base }
	return m, st, sink
}

// hookStore runs a callback once after the first route listing, standing in
// for a booking another goroutine commits mid-sweep.
type hookStore struct {
	store.Store
	once sync.Once
	hook func()
}

func (h *hookStore) ListRoutes(ctx context.Context) ([]model.Route, error) {
	out, err := h.Store.ListRoutes(ctx)
	h.once.Do(h.hook)
	return out, err
}

// seedRoute commits a route on b1 with one node per offset pair and one order
// spanning the whole itinerary.
func seedRoute(t *testing.T, st *store.Memory, routeID, status string, offsets ...time.Duration) []model.Node {
	t.Helper()
	r := model.Route{ID: routeID, BusID: "b1", Status: status}
	mut := store.Mutation{}
	var nodes []model.Node
	for i, off := range offsets {
		n := model.Node{
			ID:        routeID + "-n" + string(rune('1'+i)),
			StationID: "s1",
			RouteID:   routeID,
			TMin:      base.Add(off),
			TMax:      base.Add(off + 5*time.Minute),
		}
		r.NodeIDs = append(r.NodeIDs, n.ID)
		nodes = append(nodes, n)
		mut.Nodes = append(mut.Nodes, n)
	}
	mut.Orders = []model.Order{{
		ID: routeID + "-o1", Seats: 1, Status: model.OrderAssigned,
		RouteID: routeID, HopOnNodeID: nodes[0].ID, HopOffNodeID: nodes[len(nodes)-1].ID,
	}}
	mut.Routes = []model.Route{r}
	if err := st.Commit(context.Background(), mut); err != nil {
		t.Fatalf("seed route %s: %v", routeID, err)
	}
	return nodes
}

func TestFreezeRoutesWithinHorizon(t *testing.T) {
	m, st, sink := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()
	seedRoute(t, st, "near", model.RouteBooked, 30*time.Minute, 50*time.Minute)
	seedRoute(t, st, "far", model.RouteBooked, 3*time.Hour, 4*time.Hour)

	m.FreezeRoutes(ctx)

	near, _ := st.GetRoute(ctx, "near")
	if !near.Frozen() {
		t.Fatalf("route inside horizon not frozen, status=%s", near.Status)
	}
	far, _ := st.GetRoute(ctx, "far")
	if far.Frozen() {
		t.Fatal("route outside horizon was frozen")
	}
	p := sink.payload("route_frozen")
	if p == nil {
		t.Fatal("route_frozen not emitted")
	}
	if start, ok := p["startTimeMin"].(time.Time); !ok || !start.Equal(base.Add(30*time.Minute)) {
		t.Fatalf("route_frozen missing departure time: %v", p)
	}
	if sink.has("route_started") {
		t.Fatal("route_started emitted for a future departure")
	}
}

// A booking that lands between the sweep's route listing and its lock must
// survive the freeze commit.
func TestFreezeSweepKeepsConcurrentCommit(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.UpsertBus(ctx, model.Bus{ID: "b1", Seats: 4}); err != nil {
		t.Fatalf("seed bus: %v", err)
	}
	seedRoute(t, st, "r1", model.RouteBooked, 30*time.Minute, 50*time.Minute)

	hs := &hookStore{Store: st}
	hs.hook = func() {
		r, err := st.GetRoute(ctx, "r1")
		if err != nil {
			t.Errorf("hook get route: %v", err)
			return
		}
		n3 := model.Node{ID: "r1-n3", StationID: "s1", RouteID: "r1", TMin: base.Add(55 * time.Minute), TMax: base.Add(60 * time.Minute)}
		r.NodeIDs = append(r.NodeIDs, n3.ID)
		o2 := model.Order{ID: "r1-o2", Seats: 1, Status: model.OrderAssigned, RouteID: "r1", HopOnNodeID: "r1-n1", HopOffNodeID: "r1-n3"}
		if err := st.Commit(ctx, store.Mutation{Routes: []model.Route{r}, Nodes: []model.Node{n3}, Orders: []model.Order{o2}}); err != nil {
			t.Errorf("hook commit: %v", err)
		}
	}
	m := New(hs, &recordSink{}, engine.NewBusLocks(), Config{FreezeHorizon: time.Hour})
	m.now = func() time.Time { return base }

	m.FreezeRoutes(ctx)

	r, err := st.GetRoute(ctx, "r1")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if !r.Frozen() {
		t.Fatalf("route not frozen, status=%s", r.Status)
	}
	if len(r.NodeIDs) != 3 || r.NodeIDs[2] != "r1-n3" {
		t.Fatalf("sweep dropped the concurrently committed node: %v", r.NodeIDs)
	}
}

func TestFreezeRoutesMarksStarted(t *testing.T) {
	m, st, sink := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()
	seedRoute(t, st, "due", model.RouteBooked, -5*time.Minute, 20*time.Minute)

	m.FreezeRoutes(ctx)

	r, _ := st.GetRoute(ctx, "due")
	if !r.Started {
		t.Fatal("route past its first stop not marked started")
	}
	if !r.Frozen() {
		t.Fatal("started route should also be frozen")
	}
	if !sink.has("route_started") {
		t.Fatal("route_started not emitted")
	}

	// a second sweep must not re-announce the start
	before := len(sink.events)
	m.FreezeRoutes(ctx)
	if len(sink.events) != before {
		t.Fatal("repeated sweep re-emitted lifecycle events")
	}
}

func TestFinishRoutesCompletesOrders(t *testing.T) {
	m, st, sink := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()
	seedRoute(t, st, "done", model.RouteFrozen, -2*time.Hour, -90*time.Minute)
	seedRoute(t, st, "live", model.RouteFrozen, -10*time.Minute, 30*time.Minute)

	m.FinishRoutes(ctx)

	if _, err := st.GetRoute(ctx, "done"); err != store.ErrNotFound {
		t.Fatalf("finished route still present: %v", err)
	}
	o, err := st.GetOrder(ctx, "done-o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != model.OrderCompleted || o.RouteID != "" || o.HopOnNodeID != "" {
		t.Fatalf("order not completed cleanly: %+v", o)
	}
	if _, err := st.GetRoute(ctx, "live"); err != nil {
		t.Fatalf("in-progress route removed: %v", err)
	}
	if !sink.has("route_finished") {
		t.Fatal("route_finished not emitted")
	}
}

func TestSplitRouteAtEmptySeam(t *testing.T) {
	m, st, _ := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()

	// o1 rides n1->n2, o2 rides n3->n4; the bus runs empty across a 30 minute
	// gap between n2 and n3
	nodes := []model.Node{
		{ID: "n1", StationID: "s1", RouteID: "r1", TMin: base.Add(60 * time.Minute), TMax: base.Add(65 * time.Minute)},
		{ID: "n2", StationID: "s2", RouteID: "r1", TMin: base.Add(70 * time.Minute), TMax: base.Add(75 * time.Minute)},
		{ID: "n3", StationID: "s1", RouteID: "r1", TMin: base.Add(105 * time.Minute), TMax: base.Add(110 * time.Minute)},
		{ID: "n4", StationID: "s2", RouteID: "r1", TMin: base.Add(115 * time.Minute), TMax: base.Add(120 * time.Minute)},
	}
	mut := store.Mutation{
		Routes: []model.Route{{ID: "r1", BusID: "b1", Status: model.RouteBooked, NodeIDs: []string{"n1", "n2", "n3", "n4"}}},
		Nodes:  nodes,
		Orders: []model.Order{
			{ID: "o1", Seats: 1, Status: model.OrderAssigned, RouteID: "r1", HopOnNodeID: "n1", HopOffNodeID: "n2"},
			{ID: "o2", Seats: 1, Status: model.OrderAssigned, RouteID: "r1", HopOnNodeID: "n3", HopOffNodeID: "n4"},
		},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m.SplitRoutes(ctx)

	routes, err := st.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes after split, got %d", len(routes))
	}
	head, _ := st.GetRoute(ctx, "r1")
	if len(head.NodeIDs) != 2 || head.NodeIDs[0] != "n1" || head.NodeIDs[1] != "n2" {
		t.Fatalf("head route kept wrong nodes: %v", head.NodeIDs)
	}
	o2, _ := st.GetOrder(ctx, "o2")
	if o2.RouteID == "r1" || o2.RouteID == "" {
		t.Fatalf("second order not repointed, routeId=%q", o2.RouteID)
	}
	tailNodes, _ := st.ListRouteNodes(ctx, o2.RouteID)
	if len(tailNodes) != 2 || tailNodes[0].ID != "n3" {
		t.Fatalf("tail route got wrong nodes: %+v", tailNodes)
	}
	o1, _ := st.GetOrder(ctx, "o1")
	if o1.RouteID != "r1" {
		t.Fatalf("first order moved off the head route: %q", o1.RouteID)
	}
}

func TestSplitSkipsFrozenAndTightRoutes(t *testing.T) {
	m, st, _ := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()

	// frozen route with an obvious seam stays whole
	mut := store.Mutation{
		Routes: []model.Route{{ID: "fr", BusID: "b1", Status: model.RouteFrozen, NodeIDs: []string{"f1", "f2", "f3", "f4"}}},
		Nodes: []model.Node{
			{ID: "f1", StationID: "s1", RouteID: "fr", TMin: base.Add(10 * time.Minute), TMax: base.Add(12 * time.Minute)},
			{ID: "f2", StationID: "s2", RouteID: "fr", TMin: base.Add(20 * time.Minute), TMax: base.Add(22 * time.Minute)},
			{ID: "f3", StationID: "s1", RouteID: "fr", TMin: base.Add(80 * time.Minute), TMax: base.Add(82 * time.Minute)},
			{ID: "f4", StationID: "s2", RouteID: "fr", TMin: base.Add(90 * time.Minute), TMax: base.Add(92 * time.Minute)},
		},
		Orders: []model.Order{
			{ID: "fo1", Seats: 1, Status: model.OrderAssigned, RouteID: "fr", HopOnNodeID: "f1", HopOffNodeID: "f2"},
			{ID: "fo2", Seats: 1, Status: model.OrderAssigned, RouteID: "fr", HopOnNodeID: "f3", HopOffNodeID: "f4"},
		},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m.SplitRoutes(ctx)

	routes, _ := st.ListRoutes(ctx)
	if len(routes) != 1 {
		t.Fatalf("frozen route was split, %d routes", len(routes))
	}
}

func TestGarbageCollection(t *testing.T) {
	m, st, _ := newTestManager(t, Config{FreezeHorizon: time.Hour})
	ctx := context.Background()

	mut := store.Mutation{
		Routes: []model.Route{{ID: "empty", BusID: "b1", Status: model.RouteDraft}},
		Nodes: []model.Node{
			{ID: "stray", StationID: "s1", TMin: base, TMax: base.Add(5 * time.Minute)},
			{ID: "held", StationID: "s1", TMin: base, TMax: base.Add(5 * time.Minute)},
		},
		Orders: []model.Order{
			{ID: "oc", Seats: 1, Status: model.OrderCancelled, HopOnNodeID: "held"},
		},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m.DeleteEmptyRoutes(ctx)
	m.DeleteUnusedNodes(ctx)

	if _, err := st.GetRoute(ctx, "empty"); err != store.ErrNotFound {
		t.Fatalf("empty route survived gc: %v", err)
	}
	if _, err := st.GetNode(ctx, "stray"); err != store.ErrNotFound {
		t.Fatalf("unreferenced orphan node survived gc: %v", err)
	}
	if _, err := st.GetNode(ctx, "held"); err != nil {
		t.Fatalf("referenced orphan node was removed: %v", err)
	}
}

func TestGarbageCollectionDrainsRoutesWithNodes(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()

	// an order-less route still holding a mandatory-station node
	mut := store.Mutation{
		Routes: []model.Route{{ID: "r-mand", BusID: "b1", Status: model.RouteDraft, NodeIDs: []string{"m1"}}},
		Nodes:  []model.Node{{ID: "m1", StationID: "s1", RouteID: "r-mand", TMin: base, TMax: base.Add(5 * time.Minute)}},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m.DeleteEmptyRoutes(ctx)

	r, err := st.GetRoute(ctx, "r-mand")
	if err != nil {
		t.Fatalf("route with a node was deleted: %v", err)
	}
	if len(r.NodeIDs) != 0 {
		t.Fatalf("route not drained: %v", r.NodeIDs)
	}
	n, err := st.GetNode(ctx, "m1")
	if err != nil {
		t.Fatalf("node lost during drain: %v", err)
	}
	if n.RouteID != "" {
		t.Fatalf("node not orphaned: %+v", n)
	}

	// the orphan and then the now-empty route go on later passes
	m.DeleteUnusedNodes(ctx)
	m.DeleteEmptyRoutes(ctx)
	if _, err := st.GetNode(ctx, "m1"); err != store.ErrNotFound {
		t.Fatalf("unreferenced node survived gc: %v", err)
	}
	if _, err := st.GetRoute(ctx, "r-mand"); err != store.ErrNotFound {
		t.Fatalf("drained route survived gc: %v", err)
	}
}

func TestCheckRoutingDataFindings(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()

	mut := store.Mutation{
		Routes: []model.Route{{ID: "r1", BusID: "b1", Status: model.RouteBooked, NodeIDs: []string{"gone"}}},
		Orders: []model.Order{
			{ID: "lost", Seats: 1, Status: model.OrderAssigned, RouteID: "nowhere"},
		},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	issues, err := m.CheckRoutingData(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	kinds := map[string]bool{}
	for _, i := range issues {
		kinds[i.Kind] = true
	}
	if !kinds["missing_node"] {
		t.Fatalf("missing_node not reported: %+v", issues)
	}
	if !kinds["missing_route"] {
		t.Fatalf("missing_route not reported: %+v", issues)
	}
}

func TestCheckRoutingDataReportsCapacityViolation(t *testing.T) {
	m, st, _ := newTestManager(t, Config{})
	ctx := context.Background()

	// b1 carries 4 seats; the seeded order needs 6
	mut := store.Mutation{
		Routes: []model.Route{{ID: "r1", BusID: "b1", Status: model.RouteBooked, NodeIDs: []string{"n1", "n2"}}},
		Nodes: []model.Node{
			{ID: "n1", StationID: "s1", RouteID: "r1", TMin: base.Add(time.Hour), TMax: base.Add(65 * time.Minute)},
			{ID: "n2", StationID: "s2", RouteID: "r1", TMin: base.Add(90 * time.Minute), TMax: base.Add(95 * time.Minute)},
		},
		Orders: []model.Order{{ID: "o1", Seats: 6, Status: model.OrderAssigned, RouteID: "r1", HopOnNodeID: "n1", HopOffNodeID: "n2"}},
	}
	if err := st.Commit(ctx, mut); err != nil {
		t.Fatalf("seed: %v", err)
	}

	issues, err := m.CheckRoutingData(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	found := false
	for _, i := range issues {
		if i.Kind == "invalid_route" && i.EntityA == "r1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("over-capacity route not reported: %+v", issues)
	}
}
