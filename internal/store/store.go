package store

import (
	"context"
	"errors"
	"time"

	"flexbus/internal/model"
)

var ErrNotFound = errors.New("not found")

// Mutation is one atomically-committed change to the route/node/order graph.
// Orders and routes are upserted, nodes are rewritten to the given state,
// orphaned nodes get their route reference cleared, and deletions cascade
// (a deleted route takes its nodes with it).
type Mutation struct {
	Orders         []model.Order
	Routes         []model.Route
	Nodes          []model.Node
	OrphanNodeIDs  []string
	DeleteRouteIDs []string
	DeleteNodeIDs  []string
}

// Subscription is a webhook sink for outbound integration events.
type Subscription struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// WebhookDelivery is one queued outbound delivery attempt.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

// Store is the persistence boundary for the dispatch engine.
type Store interface {
	// Areas & stations
	UpsertArea(ctx context.Context, a model.Area) error
	UpsertStation(ctx context.Context, s model.Station) error
	GetStation(ctx context.Context, id string) (model.Station, error)
	GetStationByMapID(ctx context.Context, mapID string) (model.Station, error)
	ListStations(ctx context.Context) ([]model.Station, error)
	ListMandatoryStations(ctx context.Context) ([]model.Station, error)
	DeleteStation(ctx context.Context, id string) error

	// Buses
	UpsertBus(ctx context.Context, b model.Bus) error
	// UpdateBusPosition writes only the telemetry fields, so a concurrent
	// capacity upsert is never clobbered by a position report.
	UpdateBusPosition(ctx context.Context, id string, pos model.GeoPoint, at time.Time) error
	GetBus(ctx context.Context, id string) (model.Bus, error)
	ListBuses(ctx context.Context) ([]model.Bus, error)
	DeleteBus(ctx context.Context, id string) error

	// Orders
	CreateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrders(ctx context.Context, status string) ([]model.Order, error)
	ListOrdersByRoute(ctx context.Context, routeID string) ([]model.Order, error)
	ListOrdersByNode(ctx context.Context, nodeID string) ([]model.Order, error)

	// Routes & nodes
	GetRoute(ctx context.Context, id string) (model.Route, error)
	ListRoutes(ctx context.Context) ([]model.Route, error)
	ListRoutesByBus(ctx context.Context, busID string) ([]model.Route, error)
	ListRouteNodes(ctx context.Context, routeID string) ([]model.Node, error)
	GetNode(ctx context.Context, id string) (model.Node, error)
	ListOrphanNodes(ctx context.Context) ([]model.Node, error)

	// Commit applies a mutation atomically. Partial writes are never visible.
	Commit(ctx context.Context, m Mutation) error

	// MarkEventSeen records an inbound event id and reports whether it was
	// new. Replayed ids return false.
	MarkEventSeen(ctx context.Context, eventID string) (bool, error)

	// Webhook subscriptions & delivery queue
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error)
	RetryWebhookDelivery(ctx context.Context, id string) error
	ListWebhookDLQ(ctx context.Context) ([]map[string]any, error)
}
