package api

import (
	"net/http"
	"strings"
	"time"

	"flexbus/internal/config"
	"flexbus/internal/engine"
	"flexbus/internal/gateway"
	"flexbus/internal/lifecycle"
	"flexbus/internal/solver"
	"flexbus/internal/store"
	"flexbus/internal/travel"
)

type Server struct {
	Store     store.Store
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Pub       *gateway.Publisher
	Broker    gateway.EventBroker
	Consumer  *gateway.Consumer
	Cfg       config.Config
}

// NewServer wires the full dispatcher. If the database URL is unset, an
// in-memory store is used; without a Redis URL the live broker stays
// process-local and inbound events arrive over HTTP ingest only.
func NewServer(cfg config.Config) (*Server, error) {
	var st store.Store
	if strings.TrimSpace(cfg.DB.URL) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DB.URL)
		if err != nil {
			return nil, err
		}
		if cfg.DB.Migrate {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				return nil, err
			}
		}
		st = sp
	}

	var broker gateway.EventBroker
	if cfg.Redis.URL != "" {
		if rb, err := gateway.NewRedisBroker(cfg.Redis.URL); err == nil {
			broker = rb
		} else {
			broker = gateway.NewBroker()
		}
	} else {
		broker = gateway.NewBroker()
	}
	pub := gateway.NewPublisher(st, broker)

	var tp travel.Provider
	if cfg.Maps.APIKey != "" {
		gm, err := travel.NewGoogleMatrix(cfg.Maps.APIKey, cfg.Maps.SpeedKph)
		if err != nil {
			return nil, err
		}
		tp = gm
	} else {
		tp = travel.NewHaversine(cfg.Maps.SpeedKph)
	}

	eng := engine.New(st, solver.NewGreedy(), tp, pub, engine.Config{
		MaxAdvanceDays:      cfg.Booking.MaxAdvanceDays,
		MinLead:             time.Duration(cfg.Booking.MinLeadMinutes) * time.Minute,
		Slack:               cfg.Booking.DriveSlackFactor,
		PassengerLookaround: cfg.Booking.PassengerLookaround,
		BusLookaround:       cfg.Booking.BusLookaround,
		StartedThreshold:    cfg.Booking.StartedThreshold,
		AltSearchMaxShifts:  cfg.Booking.AltSearchMaxShifts,
		SolverBudget:        cfg.Booking.SolverBudget,
	})

	mgr := lifecycle.New(st, pub, eng.Locks, lifecycle.Config{
		FreezeHorizon:    time.Duration(cfg.Lifecycle.FreezeHorizonMinutes) * time.Minute,
		FreezeInterval:   cfg.Lifecycle.FreezeInterval,
		SplitInterval:    cfg.Lifecycle.SplitInterval,
		GCInterval:       cfg.Lifecycle.GCInterval,
		CheckInterval:    cfg.Lifecycle.CheckInterval,
		MaxRouteNodes:    cfg.Lifecycle.MaxRouteNodes,
		MaxRouteDuration: cfg.Lifecycle.MaxRouteDuration,
	})

	s := &Server{Store: st, Engine: eng, Lifecycle: mgr, Pub: pub, Broker: broker, Cfg: cfg}
	if cfg.Redis.URL != "" {
		if c, err := gateway.NewConsumer(cfg.Redis.URL, cfg.Redis.Channel, st, eng); err == nil {
			s.Consumer = c
		}
	}
	if s.Consumer == nil {
		s.Consumer = gateway.NewLocalConsumer(st, eng)
	}
	return s, nil
}

// Routes registers every HTTP endpoint on a fresh mux. The /metrics
// endpoint is wired separately by the binary.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Bookings & orders
	mux.HandleFunc("/v1/bookings", s.BookingsHandler)
	mux.HandleFunc("/v1/orders", s.OrdersHandler)
	mux.HandleFunc("/v1/orders/", s.OrderByIDHandler) // includes /reassign, /events/stream

	// Routes & fleet
	mux.HandleFunc("/v1/routes", s.RoutesIndexHandler)
	mux.HandleFunc("/v1/routes/", s.RouteByIDHandler)
	mux.HandleFunc("/v1/buses", s.BusesHandler)
	mux.HandleFunc("/v1/stations", s.StationsHandler)

	// Events
	mux.HandleFunc("/v1/events/stream", s.EventsStreamHandler)
	mux.HandleFunc("/v1/events/ws", s.EventsWSHandler)
	mux.HandleFunc("/v1/events/ingest", s.EventsIngestHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", s.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/consistency", s.ConsistencyHandler)
	mux.HandleFunc("/v1/admin/lifecycle/run", s.LifecycleRunHandler)

	// Health & introspection
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debugz", s.DebugJSON)

	return mux
}

// NewWebhookWorker creates the background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *gateway.Worker {
	return gateway.NewWorker(s.Store, s.Cfg.Webhooks.MaxAttempts)
}
