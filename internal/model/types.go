package model

import "time"

// Route lifecycle states. Transitions are monotone: draft -> booked -> frozen.
const (
	RouteDraft  = "draft"
	RouteBooked = "booked"
	RouteFrozen = "frozen"
)

// Order lifecycle states.
const (
	OrderUnassigned = "unassigned"
	OrderPending    = "pending"
	OrderAssigned   = "assigned"
	OrderRejected   = "rejected"
	OrderCancelled  = "cancelled"
	OrderCompleted  = "completed"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Station is a named geographic point keyed by an external map id.
type Station struct {
	ID        string   `json:"id"`
	MapID     string   `json:"mapId"`
	AreaID    string   `json:"areaId,omitempty"`
	Name      string   `json:"name,omitempty"`
	Location  GeoPoint `json:"location"`
	Mandatory bool     `json:"mandatory,omitempty"`
}

// Node is a scheduled stop occurrence: a station plus the feasible arrival
// interval [TMin, TMax]. RouteID is empty while the node is orphaned and
// pending deletion.
type Node struct {
	ID        string    `json:"id"`
	StationID string    `json:"stationId"`
	RouteID   string    `json:"routeId,omitempty"`
	TMin      time.Time `json:"tMin"`
	TMax      time.Time `json:"tMax"`
}

// TimeWindow is a requested interval in which a stop must happen.
type TimeWindow struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

func (w TimeWindow) Width() time.Duration { return w.Max.Sub(w.Min) }

// Shift returns the window moved by d (negative d moves it earlier).
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Min: w.Min.Add(d), Max: w.Max.Add(d)}
}

// Order is a rider's transport request. Hop-on/hop-off node references are
// empty until the order is assigned; they are non-owning (the route owns its
// nodes).
type Order struct {
	ID            string     `json:"id"`
	Seats         int        `json:"seats"`
	Wheelchairs   int        `json:"wheelchairs"`
	PickupStation string     `json:"pickupStation"`
	DropStation   string     `json:"dropStation"`
	PickupWindow  TimeWindow `json:"pickupWindow"`
	DropWindow    TimeWindow `json:"dropWindow"`
	Status        string     `json:"status"`
	RouteID       string     `json:"routeId,omitempty"`
	HopOnNodeID   string     `json:"hopOnNodeId,omitempty"`
	HopOffNodeID  string     `json:"hopOffNodeId,omitempty"`
}

// Terminal reports whether the order is in a terminal state.
func (o *Order) Terminal() bool {
	return o.Status == OrderRejected || o.Status == OrderCancelled || o.Status == OrderCompleted
}

// DefaultBlockedPerWheelchair is used when a bus sync event omits the field.
const DefaultBlockedPerWheelchair = 2

// Bus is a vehicle. BlockedPerWheelchair is the number of seats each boarded
// wheelchair consumes in addition to its own wheelchair slot.
type Bus struct {
	ID                   string    `json:"id"`
	Seats                int       `json:"seats"`
	WheelchairSeats      int       `json:"wheelchairSeats"`
	BlockedPerWheelchair int       `json:"blockedPerWheelchair"`
	Position             *GeoPoint `json:"position,omitempty"`
	PositionAt           time.Time `json:"positionAt,omitempty"`
}

// Route is an ordered itinerary for one bus. NodeIDs lists the owned nodes in
// visiting order (non-decreasing TMin).
type Route struct {
	ID      string   `json:"id"`
	BusID   string   `json:"busId"`
	Status  string   `json:"status"`
	NodeIDs []string `json:"nodeIds"`
	Started bool     `json:"started,omitempty"`
}

func (r *Route) Frozen() bool { return r.Status == RouteFrozen }

// CanTransition reports whether the status change keeps the lifecycle
// monotone.
func CanTransition(from, to string) bool {
	rank := map[string]int{RouteDraft: 0, RouteBooked: 1, RouteFrozen: 2}
	a, okA := rank[from]
	b, okB := rank[to]
	return okA && okB && b >= a
}
