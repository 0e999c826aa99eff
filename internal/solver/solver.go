package solver

import (
	"context"
	"time"

	"flexbus/internal/model"
	"flexbus/internal/travel"
)

// Alternative-search modes.
const (
	AltNone    = "none"
	AltEarlier = "earlier"
	AltLater   = "later"
)

// Rejection reason codes.
const (
	ReasonNoFeasibleRoute   = "no_feasible_route"
	ReasonSolverUnavailable = "solver_unavailable"
)

// Stop is a requested pickup or drop-off: a station plus the feasible window.
type Stop struct {
	StationID string
	Window    model.TimeWindow
}

// OrderSpec is the pending order handed to the solver.
type OrderSpec struct {
	OrderID     string
	Seats       int
	Wheelchairs int
	Pickup      Stop
	Drop        Stop
}

// RouteState is one existing route with its nodes in visiting order and the
// orders committed onto it. Frozen routes are hard commitments and must not
// be mutated; they only constrain bus availability.
type RouteState struct {
	Route  model.Route
	Nodes  []model.Node
	Orders []*model.Order
}

// BusState is one fleet vehicle and its current routes.
type BusState struct {
	Bus    model.Bus
	Routes []RouteState
}

// Options controls a single solver invocation.
type Options struct {
	AltSearch           string
	Budget              time.Duration
	PassengerLookaround time.Duration
	BusLookaround       time.Duration
	StartedThreshold    time.Duration
	Now                 time.Time
}

// Input is the full solver contract input: the pending order, the committed
// state of the fleet, mandatory stations, and the travel-time source.
type Input struct {
	Order     OrderSpec
	Fleet     []BusState
	Stations  map[string]model.Station
	Mandatory []model.Station
	Travel    travel.Provider
	Slack     float64
	Options   Options
}

// Result is either NoSolution or a concrete placement: the chosen bus, the
// complete resulting node sequence for the chosen route (existing node ids
// preserved, new nodes with empty ID), and the hop-on/hop-off indexes into
// that sequence. RouteID is empty when a new route must be created.
type Result struct {
	NoSolution bool
	Reason     string
	BusID      string
	RouteID    string
	Nodes      []model.Node
	HopOnIdx   int
	HopOffIdx  int
}

// Solver is the pluggable constrained-search boundary. Implementations must
// never return an assignment violating a time-window or capacity constraint;
// they need not be globally optimal.
type Solver interface {
	Solve(ctx context.Context, in Input) (Result, error)
}

// Noop always reports NoSolution. It is the reference implementation used in
// tests and as a stand-in when no real solver is configured.
type Noop struct{}

func (Noop) Solve(_ context.Context, _ Input) (Result, error) {
	return Result{NoSolution: true, Reason: ReasonNoFeasibleRoute}, nil
}
