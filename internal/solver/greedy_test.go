package solver

import (
	"context"
	"testing"
	"time"

	"flexbus/internal/model"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fixedTravel returns the same drive time between any two distinct points.
type fixedTravel struct{ d time.Duration }

func (f fixedTravel) Matrix(_ context.Context, points []model.GeoPoint) ([][]time.Duration, error) {
	m := make([][]time.Duration, len(points))
	for i := range points {
		m[i] = make([]time.Duration, len(points))
		for j := range points {
			if i != j {
				m[i][j] = f.d
			}
		}
	}
	return m, nil
}

func testStations(ids ...string) map[string]model.Station {
	out := map[string]model.Station{}
	for i, id := range ids {
		out[id] = model.Station{ID: id, MapID: id, Location: model.GeoPoint{Lat: 25.0 + float64(i)*0.01, Lng: 121.5}}
	}
	return out
}

func window(startMin, endMin int) model.TimeWindow {
	return model.TimeWindow{Min: base.Add(time.Duration(startMin) * time.Minute), Max: base.Add(time.Duration(endMin) * time.Minute)}
}

func orderSpec(seats int, pickup, drop string, pw, dw model.TimeWindow) OrderSpec {
	return OrderSpec{
		OrderID: "o-test", Seats: seats,
		Pickup: Stop{StationID: pickup, Window: pw},
		Drop:   Stop{StationID: drop, Window: dw},
	}
}

func baseOptions() Options {
	return Options{
		Budget:              time.Second,
		PassengerLookaround: time.Hour,
		BusLookaround:       10 * time.Hour,
		StartedThreshold:    30 * time.Minute,
		Now:                 base,
	}
}

func TestGreedyOpensNewRouteOnIdleBus(t *testing.T) {
	in := Input{
		Order:    orderSpec(1, "s1", "s2", window(60, 70), window(75, 90)),
		Fleet:    []BusState{{Bus: model.Bus{ID: "b1", Seats: 4}}},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.NoSolution {
		t.Fatalf("expected a solution, got reason %s", res.Reason)
	}
	if res.BusID != "b1" || res.RouteID != "" {
		t.Fatalf("expected new route on b1, got bus=%s route=%s", res.BusID, res.RouteID)
	}
	if len(res.Nodes) != 2 || res.HopOnIdx != 0 || res.HopOffIdx != 1 {
		t.Fatalf("unexpected node sequence: %+v", res)
	}
	if res.Nodes[1].TMin.Sub(res.Nodes[0].TMin) < 10*time.Minute {
		t.Fatalf("drive time not respected: %v -> %v", res.Nodes[0].TMin, res.Nodes[1].TMin)
	}
}

func TestGreedyPoolsOntoExistingRoute(t *testing.T) {
	// an existing route already visits s1 then s2 in matching windows: the
	// second rider should share both nodes
	nodes := []model.Node{
		{ID: "n1", StationID: "s1", RouteID: "r1", TMin: base.Add(60 * time.Minute), TMax: base.Add(65 * time.Minute)},
		{ID: "n2", StationID: "s2", RouteID: "r1", TMin: base.Add(75 * time.Minute), TMax: base.Add(85 * time.Minute)},
	}
	first := &model.Order{ID: "o1", Seats: 1, HopOnNodeID: "n1", HopOffNodeID: "n2"}
	in := Input{
		Order: orderSpec(1, "s1", "s2", window(55, 70), window(70, 90)),
		Fleet: []BusState{{
			Bus: model.Bus{ID: "b1", Seats: 4},
			Routes: []RouteState{{
				Route:  model.Route{ID: "r1", BusID: "b1", Status: model.RouteDraft, NodeIDs: []string{"n1", "n2"}},
				Nodes:  nodes,
				Orders: []*model.Order{first},
			}},
		}},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.NoSolution {
		t.Fatalf("expected pooling, got reason %s", res.Reason)
	}
	if res.RouteID != "r1" {
		t.Fatalf("expected reuse of r1, got route=%q", res.RouteID)
	}
	if res.Nodes[res.HopOnIdx].ID != "n1" || res.Nodes[res.HopOffIdx].ID != "n2" {
		t.Fatalf("expected shared nodes n1/n2, got on=%s off=%s",
			res.Nodes[res.HopOnIdx].ID, res.Nodes[res.HopOffIdx].ID)
	}
}

func TestGreedyRespectsCapacity(t *testing.T) {
	nodes := []model.Node{
		{ID: "n1", StationID: "s1", RouteID: "r1", TMin: base.Add(60 * time.Minute), TMax: base.Add(65 * time.Minute)},
		{ID: "n2", StationID: "s2", RouteID: "r1", TMin: base.Add(75 * time.Minute), TMax: base.Add(85 * time.Minute)},
	}
	full := &model.Order{ID: "o1", Seats: 4, HopOnNodeID: "n1", HopOffNodeID: "n2"}
	in := Input{
		Order: orderSpec(1, "s1", "s2", window(55, 70), window(70, 90)),
		Fleet: []BusState{{
			Bus: model.Bus{ID: "b1", Seats: 4},
			Routes: []RouteState{{
				Route:  model.Route{ID: "r1", BusID: "b1", Status: model.RouteDraft, NodeIDs: []string{"n1", "n2"}},
				Nodes:  nodes,
				Orders: []*model.Order{full},
			}},
		}},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	// the bus is busy on r1 through the requested span, so no new route
	// either: the order must be rejected
	if !res.NoSolution || res.Reason != ReasonNoFeasibleRoute {
		t.Fatalf("expected no_feasible_route, got %+v", res)
	}
}

func TestGreedySkipsFrozenRoutes(t *testing.T) {
	nodes := []model.Node{
		{ID: "n1", StationID: "s1", RouteID: "r1", TMin: base.Add(60 * time.Minute), TMax: base.Add(65 * time.Minute)},
		{ID: "n2", StationID: "s2", RouteID: "r1", TMin: base.Add(75 * time.Minute), TMax: base.Add(85 * time.Minute)},
	}
	in := Input{
		Order: orderSpec(1, "s1", "s2", window(55, 70), window(70, 90)),
		Fleet: []BusState{{
			Bus: model.Bus{ID: "b1", Seats: 4},
			Routes: []RouteState{{
				Route: model.Route{ID: "r1", BusID: "b1", Status: model.RouteFrozen, NodeIDs: []string{"n1", "n2"}},
				Nodes: nodes,
			}},
		}},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	// frozen route is untouchable and blocks the bus in that span
	if !res.NoSolution {
		t.Fatalf("expected rejection, got %+v", res)
	}
}

func TestGreedyNewRouteAvoidsBusyBus(t *testing.T) {
	// b1 is busy, b2 idle: the new route must land on b2
	nodes := []model.Node{
		{ID: "n1", StationID: "s3", RouteID: "r1", TMin: base.Add(55 * time.Minute), TMax: base.Add(60 * time.Minute)},
		{ID: "n2", StationID: "s4", RouteID: "r1", TMin: base.Add(90 * time.Minute), TMax: base.Add(95 * time.Minute)},
	}
	in := Input{
		Order: orderSpec(1, "s1", "s2", window(60, 70), window(75, 90)),
		Fleet: []BusState{
			{
				Bus: model.Bus{ID: "b1", Seats: 4},
				Routes: []RouteState{{
					Route: model.Route{ID: "r1", BusID: "b1", Status: model.RouteBooked, NodeIDs: []string{"n1", "n2"}},
					Nodes: nodes,
				}},
			},
			{Bus: model.Bus{ID: "b2", Seats: 4}},
		},
		Stations: testStations("s1", "s2", "s3", "s4"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.NoSolution {
		t.Fatalf("expected solution on b2, got reason %s", res.Reason)
	}
	if res.BusID == "b1" && res.RouteID == "" {
		t.Fatal("new route placed on a busy bus")
	}
}

func TestGreedyWheelchairNeedsAccessibleBus(t *testing.T) {
	in := Input{
		Order: OrderSpec{
			OrderID: "o-wc", Wheelchairs: 1,
			Pickup: Stop{StationID: "s1", Window: window(60, 70)},
			Drop:   Stop{StationID: "s2", Window: window(75, 90)},
		},
		Fleet: []BusState{
			{Bus: model.Bus{ID: "b1", Seats: 8}}, // no wheelchair slots
			{Bus: model.Bus{ID: "b2", Seats: 8, WheelchairSeats: 1}},
		},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{10 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.NoSolution || res.BusID != "b2" {
		t.Fatalf("expected accessible bus b2, got %+v", res)
	}
}

func TestGreedyImpossibleWindows(t *testing.T) {
	// drop closes before the ride can arrive
	in := Input{
		Order:    orderSpec(1, "s1", "s2", window(60, 70), window(60, 65)),
		Fleet:    []BusState{{Bus: model.Bus{ID: "b1", Seats: 4}}},
		Stations: testStations("s1", "s2"),
		Travel:   fixedTravel{30 * time.Minute},
		Slack:    1.0,
		Options:  baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !res.NoSolution || res.Reason != ReasonNoFeasibleRoute {
		t.Fatalf("expected no_feasible_route, got %+v", res)
	}
}

func TestGreedyAppendsMandatoryStations(t *testing.T) {
	stations := testStations("s1", "s2", "depot")
	depot := stations["depot"]
	depot.Mandatory = true
	stations["depot"] = depot
	in := Input{
		Order:     orderSpec(1, "s1", "s2", window(60, 70), window(75, 90)),
		Fleet:     []BusState{{Bus: model.Bus{ID: "b1", Seats: 4}}},
		Stations:  stations,
		Mandatory: []model.Station{depot},
		Travel:    fixedTravel{5 * time.Minute},
		Slack:     1.0,
		Options:   baseOptions(),
	}
	res, err := NewGreedy().Solve(context.Background(), in)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.NoSolution {
		t.Fatalf("expected solution, got reason %s", res.Reason)
	}
	found := false
	for _, n := range res.Nodes {
		if n.StationID == "depot" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mandatory station missing from new route: %+v", res.Nodes)
	}
}
