package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flexbus/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set. A single
// mutex guards the whole graph; Commit is therefore trivially atomic.
type Memory struct {
	mu       sync.Mutex
	areas    map[string]model.Area
	stations map[string]model.Station
	buses    map[string]model.Bus
	orders   map[string]model.Order
	routes   map[string]model.Route
	nodes    map[string]model.Node
	seen     map[string]struct{}

	subs       map[string]Subscription
	deliveries map[string]*memDelivery
	dlq        []map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		areas:      map[string]model.Area{},
		stations:   map[string]model.Station{},
		buses:      map[string]model.Bus{},
		orders:     map[string]model.Order{},
		routes:     map[string]model.Route{},
		nodes:      map[string]model.Node{},
		seen:       map[string]struct{}{},
		subs:       map[string]Subscription{},
		deliveries: map[string]*memDelivery{},
	}
}

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) UpsertArea(_ context.Context, a model.Area) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[a.ID] = a
	return nil
}

func (m *Memory) UpsertStation(_ context.Context, s model.Station) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stations[s.ID] = s
	return nil
}

func (m *Memory) GetStation(_ context.Context, id string) (model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stations[id]
	if !ok {
		return model.Station{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) GetStationByMapID(_ context.Context, mapID string) (model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stations {
		if s.MapID == mapID {
			return s, nil
		}
	}
	return model.Station{}, ErrNotFound
}

func (m *Memory) ListStations(_ context.Context) ([]model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListMandatoryStations(_ context.Context) ([]model.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Station{}
	for _, s := range m.stations {
		if s.Mandatory {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteStation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stations[id]; !ok {
		return ErrNotFound
	}
	delete(m.stations, id)
	return nil
}

func (m *Memory) UpsertBus(_ context.Context, b model.Bus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[b.ID] = b
	return nil
}

func (m *Memory) UpdateBusPosition(_ context.Context, id string, pos model.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[id]
	if !ok {
		return ErrNotFound
	}
	b.Position = &pos
	b.PositionAt = at
	m.buses[id] = b
	return nil
}

func (m *Memory) GetBus(_ context.Context, id string) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[id]
	if !ok {
		return model.Bus{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) ListBuses(_ context.Context) ([]model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Bus, 0, len(m.buses))
	for _, b := range m.buses {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteBus(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[id]; !ok {
		return ErrNotFound
	}
	delete(m.buses, id)
	return nil
}

func (m *Memory) CreateOrder(_ context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) ListOrders(_ context.Context, status string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOrdersByRoute(_ context.Context, routeID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if o.RouteID == routeID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOrdersByNode(_ context.Context, nodeID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if o.HopOnNodeID == nodeID || o.HopOffNodeID == nodeID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetRoute(_ context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(_ context.Context) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRoutesByBus(_ context.Context, busID string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes {
		if r.BusID == busID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListRouteNodes(_ context.Context, routeID string) ([]model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Node, 0, len(r.NodeIDs))
	for _, id := range r.NodeIDs {
		if n, ok := m.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Memory) GetNode(_ context.Context, id string) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	return n, nil
}

func (m *Memory) ListOrphanNodes(_ context.Context) ([]model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Node{}
	for _, n := range m.nodes {
		if n.RouteID == "" {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Commit(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range mut.Orders {
		m.orders[o.ID] = o
	}
	for _, r := range mut.Routes {
		m.routes[r.ID] = r
	}
	for _, n := range mut.Nodes {
		m.nodes[n.ID] = n
	}
	for _, id := range mut.OrphanNodeIDs {
		if n, ok := m.nodes[id]; ok {
			n.RouteID = ""
			m.nodes[id] = n
		}
	}
	for _, id := range mut.DeleteRouteIDs {
		if r, ok := m.routes[id]; ok {
			for _, nid := range r.NodeIDs {
				delete(m.nodes, nid)
			}
			delete(m.routes, id)
		}
	}
	for _, id := range mut.DeleteNodeIDs {
		delete(m.nodes, id)
	}
	return nil
}

func (m *Memory) MarkEventSeen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = struct{}{}
	return true, nil
}

func (m *Memory) CreateSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(_ context.Context, eventType string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Subscription{}
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func (m *Memory) EnqueueWebhook(_ context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(_ context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	ids := make([]string, 0, len(m.deliveries))
	for id := range m.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []WebhookDelivery{}
	for _, id := range ids {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(_ context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(_ context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.deliveries[id]; d != nil {
		d.Status = "dead"
	}
	m.dlq = append(m.dlq, map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
	return nil
}

func (m *Memory) ListWebhookDeliveries(_ context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deliveries))
	for id := range m.deliveries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := []map[string]any{}
	for _, id := range ids {
		d := m.deliveries[id]
		if status == "" {
			if d.Status == "dead" {
				continue
			}
		} else if d.Status != status {
			continue
		}
		item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RetryWebhookDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}

func (m *Memory) ListWebhookDLQ(_ context.Context) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]map[string]any(nil), m.dlq...)
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}
