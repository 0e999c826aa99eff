package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	logrus "github.com/sirupsen/logrus"

	"flexbus/internal/metrics"
	"flexbus/internal/model"
	"flexbus/internal/store"
)

// Dispatcher is the slice of the engine the consumer drives.
type Dispatcher interface {
	Cancel(ctx context.Context, orderID string) error
	MarkRouteStarted(ctx context.Context, orderID string) error
	HandleBusUpdated(ctx context.Context, busID string) error
	HandleBusDeleted(ctx context.Context, busID string) error
	HandleStopDeleted(ctx context.Context, stationID string) error
}

// InboundEvent is the envelope external producers publish on the inbound
// channel. The id makes redelivery idempotent.
type InboundEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Consumer subscribes to the inbound Redis channel and applies fleet and
// order events to the store and the engine. Every event id is recorded;
// replays are dropped.
type Consumer struct {
	rdb     *redis.Client
	store   store.Store
	engine  Dispatcher
	channel string

	log *logrus.Entry
}

func NewConsumer(url, channel string, st store.Store, eng Dispatcher) (*Consumer, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		rdb:     redis.NewClient(opt),
		store:   st,
		engine:  eng,
		channel: channel,
		log:     logrus.WithField("component", "consumer"),
	}, nil
}

// NewLocalConsumer builds a consumer for the HTTP ingest path only; it has
// no Redis connection and must not be Run.
func NewLocalConsumer(st store.Store, eng Dispatcher) *Consumer {
	return &Consumer{
		store:  st,
		engine: eng,
		log:    logrus.WithField("component", "consumer"),
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	ps := c.rdb.Subscribe(ctx, c.channel)
	defer ps.Close()
	_, _ = ps.Receive(ctx)
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.handle(ctx, []byte(msg.Payload))
		}
	}
}

// Handle applies one raw inbound event. Exposed for the HTTP ingest path,
// which shares the same envelope and idempotency rules.
func (c *Consumer) Handle(ctx context.Context, raw []byte) error {
	return c.handle(ctx, raw)
}

func (c *Consumer) handle(ctx context.Context, raw []byte) error {
	var evt InboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		metrics.InboundEvents.WithLabelValues("unknown", "malformed").Inc()
		c.log.WithError(err).Warn("malformed inbound event")
		return err
	}
	if evt.ID != "" {
		fresh, err := c.store.MarkEventSeen(ctx, evt.ID)
		if err != nil {
			return err
		}
		if !fresh {
			metrics.InboundEvents.WithLabelValues(evt.Type, "duplicate").Inc()
			return nil
		}
	}
	err := c.apply(ctx, evt)
	result := "ok"
	if err != nil {
		result = "error"
		c.log.WithFields(logrus.Fields{"eventId": evt.ID, "type": evt.Type}).WithError(err).Warn("inbound event failed")
	}
	metrics.InboundEvents.WithLabelValues(evt.Type, result).Inc()
	return err
}

func (c *Consumer) apply(ctx context.Context, evt InboundEvent) error {
	switch evt.Type {
	case "order-cancelled":
		var d struct {
			OrderID string `json:"orderId"`
		}
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return err
		}
		return c.engine.Cancel(ctx, d.OrderID)

	case "order-started":
		var d struct {
			OrderID string `json:"orderId"`
		}
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return err
		}
		return c.engine.MarkRouteStarted(ctx, d.OrderID)

	case "bus-position-update":
		var d struct {
			BusID string  `json:"busId"`
			Lat   float64 `json:"lat"`
			Lng   float64 `json:"lng"`
		}
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return err
		}
		return c.store.UpdateBusPosition(ctx, d.BusID, model.GeoPoint{Lat: d.Lat, Lng: d.Lng}, time.Now().UTC())

	case "bus-updated":
		var bus model.Bus
		if err := json.Unmarshal(evt.Data, &bus); err != nil {
			return err
		}
		if err := c.store.UpsertBus(ctx, bus); err != nil {
			return err
		}
		return c.engine.HandleBusUpdated(ctx, bus.ID)

	case "bus-deleted":
		var d struct {
			BusID string `json:"busId"`
		}
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return err
		}
		if err := c.engine.HandleBusDeleted(ctx, d.BusID); err != nil {
			return err
		}
		return c.store.DeleteBus(ctx, d.BusID)

	case "stop-added", "stop-updated":
		var s model.Station
		if err := json.Unmarshal(evt.Data, &s); err != nil {
			return err
		}
		// map producers key stops by their own id; keep ours stable
		if s.ID == "" && s.MapID != "" {
			if existing, err := c.store.GetStationByMapID(ctx, s.MapID); err == nil {
				s.ID = existing.ID
			}
		}
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		return c.store.UpsertStation(ctx, s)

	case "area-updated":
		var a model.Area
		if err := json.Unmarshal(evt.Data, &a); err != nil {
			return err
		}
		return c.store.UpsertArea(ctx, a)

	case "stop-deleted":
		var d struct {
			StationID string `json:"stationId"`
		}
		if err := json.Unmarshal(evt.Data, &d); err != nil {
			return err
		}
		if err := c.store.DeleteStation(ctx, d.StationID); err != nil {
			return err
		}
		return c.engine.HandleStopDeleted(ctx, d.StationID)

	default:
		c.log.WithField("type", evt.Type).Debug("ignoring unknown inbound event type")
		return nil
	}
}
