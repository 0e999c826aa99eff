package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"flexbus/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in name order, tracking applied
// files in schema_migrations.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE name=$1)`, name).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpsertArea(ctx context.Context, a model.Area) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO areas (id, name) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name`, a.ID, a.Name)
	return err
}

func (p *Postgres) UpsertStation(ctx context.Context, s model.Station) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO stations (id, map_id, area_id, name, lat, lng, mandatory)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET map_id=EXCLUDED.map_id, area_id=EXCLUDED.area_id,
			name=EXCLUDED.name, lat=EXCLUDED.lat, lng=EXCLUDED.lng, mandatory=EXCLUDED.mandatory`,
		s.ID, s.MapID, nullIfEmpty(s.AreaID), s.Name, s.Location.Lat, s.Location.Lng, s.Mandatory)
	return err
}

const stationCols = `id, map_id, COALESCE(area_id,''), COALESCE(name,''), lat, lng, mandatory`

func scanStation(row interface{ Scan(...any) error }) (model.Station, error) {
	var s model.Station
	err := row.Scan(&s.ID, &s.MapID, &s.AreaID, &s.Name, &s.Location.Lat, &s.Location.Lng, &s.Mandatory)
	return s, err
}

func (p *Postgres) GetStation(ctx context.Context, id string) (model.Station, error) {
	s, err := scanStation(p.db.QueryRowContext(ctx, `SELECT `+stationCols+` FROM stations WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Station{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) GetStationByMapID(ctx context.Context, mapID string) (model.Station, error) {
	s, err := scanStation(p.db.QueryRowContext(ctx, `SELECT `+stationCols+` FROM stations WHERE map_id=$1`, mapID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Station{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) listStations(ctx context.Context, where string, args ...any) ([]model.Station, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+stationCols+` FROM stations `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Station
	for rows.Next() {
		s, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListStations(ctx context.Context) ([]model.Station, error) {
	return p.listStations(ctx, "")
}

func (p *Postgres) ListMandatoryStations(ctx context.Context) ([]model.Station, error) {
	return p.listStations(ctx, "WHERE mandatory")
}

func (p *Postgres) DeleteStation(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM stations WHERE id=$1`, id)
	return err
}

func (p *Postgres) UpsertBus(ctx context.Context, b model.Bus) error {
	var lat, lng any
	if b.Position != nil {
		lat, lng = b.Position.Lat, b.Position.Lng
	}
	var at any
	if !b.PositionAt.IsZero() {
		at = b.PositionAt
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO buses (id, seats, wheelchair_seats, blocked_per_wheelchair, lat, lng, position_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET seats=EXCLUDED.seats, wheelchair_seats=EXCLUDED.wheelchair_seats,
			blocked_per_wheelchair=EXCLUDED.blocked_per_wheelchair, lat=EXCLUDED.lat, lng=EXCLUDED.lng, position_at=EXCLUDED.position_at`,
		b.ID, b.Seats, b.WheelchairSeats, b.BlockedPerWheelchair, lat, lng, at)
	return err
}

func (p *Postgres) UpdateBusPosition(ctx context.Context, id string, pos model.GeoPoint, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE buses SET lat=$2, lng=$3, position_at=$4 WHERE id=$1`,
		id, pos.Lat, pos.Lng, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBus(row interface{ Scan(...any) error }) (model.Bus, error) {
	var b model.Bus
	var lat, lng sql.NullFloat64
	var at sql.NullTime
	err := row.Scan(&b.ID, &b.Seats, &b.WheelchairSeats, &b.BlockedPerWheelchair, &lat, &lng, &at)
	if err != nil {
		return b, err
	}
	if lat.Valid && lng.Valid {
		b.Position = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	if at.Valid {
		b.PositionAt = at.Time
	}
	return b, nil
}

const busCols = `id, seats, wheelchair_seats, blocked_per_wheelchair, lat, lng, position_at`

func (p *Postgres) GetBus(ctx context.Context, id string) (model.Bus, error) {
	b, err := scanBus(p.db.QueryRowContext(ctx, `SELECT `+busCols+` FROM buses WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bus{}, ErrNotFound
	}
	return b, err
}

func (p *Postgres) ListBuses(ctx context.Context) ([]model.Bus, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+busCols+` FROM buses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Bus
	for rows.Next() {
		b, err := scanBus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteBus(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM buses WHERE id=$1`, id)
	return err
}

const orderCols = `id, seats, wheelchairs, pickup_station, drop_station,
	pickup_min, pickup_max, drop_min, drop_max, status,
	COALESCE(route_id,''), COALESCE(hop_on_node_id,''), COALESCE(hop_off_node_id,'')`

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.Seats, &o.Wheelchairs, &o.PickupStation, &o.DropStation,
		&o.PickupWindow.Min, &o.PickupWindow.Max, &o.DropWindow.Min, &o.DropWindow.Max,
		&o.Status, &o.RouteID, &o.HopOnNodeID, &o.HopOffNodeID)
	return o, err
}

func upsertOrderTx(ctx context.Context, tx *sql.Tx, o model.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders (id, seats, wheelchairs, pickup_station, drop_station,
			pickup_min, pickup_max, drop_min, drop_max, status, route_id, hop_on_node_id, hop_off_node_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET seats=EXCLUDED.seats, wheelchairs=EXCLUDED.wheelchairs,
			pickup_station=EXCLUDED.pickup_station, drop_station=EXCLUDED.drop_station,
			pickup_min=EXCLUDED.pickup_min, pickup_max=EXCLUDED.pickup_max,
			drop_min=EXCLUDED.drop_min, drop_max=EXCLUDED.drop_max,
			status=EXCLUDED.status, route_id=EXCLUDED.route_id,
			hop_on_node_id=EXCLUDED.hop_on_node_id, hop_off_node_id=EXCLUDED.hop_off_node_id`,
		o.ID, o.Seats, o.Wheelchairs, o.PickupStation, o.DropStation,
		o.PickupWindow.Min, o.PickupWindow.Max, o.DropWindow.Min, o.DropWindow.Max,
		o.Status, nullIfEmpty(o.RouteID), nullIfEmpty(o.HopOnNodeID), nullIfEmpty(o.HopOffNodeID))
	return err
}

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertOrderTx(ctx, tx, o); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

func (p *Postgres) listOrders(ctx context.Context, where string, args ...any) ([]model.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderCols+` FROM orders `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) ListOrders(ctx context.Context, status string) ([]model.Order, error) {
	if status == "" {
		return p.listOrders(ctx, "")
	}
	return p.listOrders(ctx, "WHERE status=$1", status)
}

func (p *Postgres) ListOrdersByRoute(ctx context.Context, routeID string) ([]model.Order, error) {
	return p.listOrders(ctx, "WHERE route_id=$1", routeID)
}

func (p *Postgres) ListOrdersByNode(ctx context.Context, nodeID string) ([]model.Order, error) {
	return p.listOrders(ctx, "WHERE hop_on_node_id=$1 OR hop_off_node_id=$1", nodeID)
}

func (p *Postgres) GetRoute(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	err := p.db.QueryRowContext(ctx, `SELECT id, bus_id, status, started FROM routes WHERE id=$1`, id).
		Scan(&r.ID, &r.BusID, &r.Status, &r.Started)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	} else if err != nil {
		return model.Route{}, err
	}
	r.NodeIDs, err = p.routeNodeIDs(ctx, id)
	return r, err
}

func (p *Postgres) routeNodeIDs(ctx context.Context, routeID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM nodes WHERE route_id=$1 ORDER BY seq`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) listRoutes(ctx context.Context, where string, args ...any) ([]model.Route, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, bus_id, status, started FROM routes `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Route
	for rows.Next() {
		var r model.Route
		if err := rows.Scan(&r.ID, &r.BusID, &r.Status, &r.Started); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		ids, err := p.routeNodeIDs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].NodeIDs = ids
	}
	return out, nil
}

func (p *Postgres) ListRoutes(ctx context.Context) ([]model.Route, error) {
	return p.listRoutes(ctx, "")
}

func (p *Postgres) ListRoutesByBus(ctx context.Context, busID string) ([]model.Route, error) {
	return p.listRoutes(ctx, "WHERE bus_id=$1", busID)
}

const nodeCols = `id, station_id, COALESCE(route_id,''), t_min, t_max`

func scanNode(row interface{ Scan(...any) error }) (model.Node, error) {
	var n model.Node
	err := row.Scan(&n.ID, &n.StationID, &n.RouteID, &n.TMin, &n.TMax)
	return n, err
}

func (p *Postgres) ListRouteNodes(ctx context.Context, routeID string) ([]model.Node, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE route_id=$1 ORDER BY seq`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) GetNode(ctx context.Context, id string) (model.Node, error) {
	n, err := scanNode(p.db.QueryRowContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, ErrNotFound
	}
	return n, err
}

func (p *Postgres) ListOrphanNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+nodeCols+` FROM nodes WHERE route_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Commit applies the mutation in one transaction. Node sequence numbers are
// rewritten from each touched route's NodeIDs ordering.
func (p *Postgres) Commit(ctx context.Context, m Mutation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range m.Routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (id, bus_id, status, started) VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE SET bus_id=EXCLUDED.bus_id, status=EXCLUDED.status, started=EXCLUDED.started`,
			r.ID, r.BusID, r.Status, r.Started); err != nil {
			return err
		}
	}
	for _, n := range m.Nodes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes (id, station_id, route_id, t_min, t_max, seq)
			VALUES ($1,$2,$3,$4,$5,NULL)
			ON CONFLICT (id) DO UPDATE SET station_id=EXCLUDED.station_id, route_id=EXCLUDED.route_id,
				t_min=EXCLUDED.t_min, t_max=EXCLUDED.t_max`,
			n.ID, n.StationID, nullIfEmpty(n.RouteID), n.TMin, n.TMax); err != nil {
			return err
		}
	}
	for _, r := range m.Routes {
		for seq, nid := range r.NodeIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET route_id=$1, seq=$2 WHERE id=$3`, r.ID, seq, nid); err != nil {
				return err
			}
		}
	}
	for _, o := range m.Orders {
		if err := upsertOrderTx(ctx, tx, o); err != nil {
			return err
		}
	}
	for _, nid := range m.OrphanNodeIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET route_id=NULL, seq=NULL WHERE id=$1`, nid); err != nil {
			return err
		}
	}
	for _, rid := range m.DeleteRouteIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE route_id=$1`, rid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE id=$1`, rid); err != nil {
			return err
		}
	}
	for _, nid := range m.DeleteNodeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, nid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) MarkEventSeen(ctx context.Context, eventID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO seen_events (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.URL, toJSON(sub.Events), sub.Secret)
	return sub, err
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, url, events, COALESCE(secret,'') FROM subscriptions WHERE events @> to_jsonb(ARRAY[$1::text])`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, url, events, COALESCE(secret,'') FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		var s Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
		(id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, subscriptionID, eventType, url, secret, payload)
	return id, err
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, subscription_id, event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status='pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	status := "pending"
	if success {
		status = "delivered"
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status=$2, attempts=attempts+1,
		next_attempt_at=$3, last_error=$4, response_code=$5, latency_ms=$6, updated_at=now() WHERE id=$1`,
		id, status, nextAttemptAt, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='dead', attempts=attempts+1,
		last_error=$2, response_code=$3, latency_ms=$4, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	where := `WHERE status <> 'dead'`
	args := []any{limit}
	if status != "" {
		where = `WHERE status=$2`
		args = append(args, status)
	}
	return p.listDeliveries(ctx, where, args...)
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context) ([]map[string]any, error) {
	return p.listDeliveries(ctx, `WHERE status='dead'`, 1000)
}

func (p *Postgres) listDeliveries(ctx context.Context, where string, args ...any) ([]map[string]any, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, subscription_id, event_type, url, status, attempts,
		COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), created_at
		FROM webhook_deliveries `+where+` ORDER BY created_at DESC LIMIT $1`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var id, subID, eventType, url, status, lastError string
		var attempts, code, latency int
		var created time.Time
		if err := rows.Scan(&id, &subID, &eventType, &url, &status, &attempts, &lastError, &code, &latency, &created); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"id": id, "subscriptionId": subID, "eventType": eventType, "url": url,
			"status": status, "attempts": attempts, "lastError": lastError,
			"responseCode": code, "latencyMs": latency, "createdAt": created,
		})
	}
	return out, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
