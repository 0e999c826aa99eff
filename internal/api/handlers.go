package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"flexbus/internal/engine"
	"flexbus/internal/gateway"
	"flexbus/internal/store"
)

// BookingsHandler handles POST /v1/bookings
func (s *Server) BookingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req engine.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	conf, err := s.Engine.RequestBooking(r.Context(), req)
	if err != nil {
		writeEngineProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

// OrdersHandler handles GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	items, err := s.Store.ListOrders(r.Context(), status)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// OrderByIDHandler handles /v1/orders/{id}, /v1/orders/{id}/reassign, and
// /v1/orders/{id}/events/stream
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if len(parts) >= 3 && parts[1] == "events" && parts[2] == "stream" {
		s.streamSSE(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "reassign" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		conf, err := s.Engine.Reassign(r.Context(), id)
		if err != nil {
			writeEngineProblem(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conf)
		return
	}
	switch r.Method {
	case http.MethodGet:
		o, err := s.Store.GetOrder(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Not Found", "order "+id, r.URL.Path)
			return
		} else if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case http.MethodDelete:
		if err := s.Engine.Cancel(r.Context(), id); err != nil {
			writeEngineProblem(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RoutesIndexHandler handles GET /v1/routes
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	routes, err := s.Store.ListRoutes(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

// RouteByIDHandler handles GET /v1/routes/{id}: the route with its nodes and
// orders.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	route, err := s.Store.GetRoute(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "route "+id, r.URL.Path)
		return
	} else if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get route failed", err.Error(), r.URL.Path)
		return
	}
	nodes, err := s.Store.ListRouteNodes(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load route nodes failed", err.Error(), r.URL.Path)
		return
	}
	orders, err := s.Store.ListOrdersByRoute(r.Context(), id)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load route orders failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": route, "nodes": nodes, "orders": orders})
}

// BusesHandler handles GET /v1/buses
func (s *Server) BusesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ListBuses(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List buses failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// StationsHandler handles GET /v1/stations
func (s *Server) StationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.Store.ListStations(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List stations failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sub store.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if sub.URL == "" || len(sub.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
			return
		}
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		created, err := s.Store.CreateSubscription(r.Context(), sub)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EventsIngestHandler handles POST /v1/events/ingest: the HTTP alternative
// to the Redis inbound channel. The body is the same event envelope; when
// an ingest secret is configured the X-Signature header must carry its
// HMAC over the raw body.
func (s *Server) EventsIngestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Consumer == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Ingest unavailable", "no inbound consumer configured", r.URL.Path)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Read body failed", err.Error(), r.URL.Path)
		return
	}
	if secret := s.Cfg.Webhooks.IngestSecret; secret != "" {
		if !gateway.VerifyHMAC(secret, body, r.Header.Get("X-Signature")) {
			writeProblem(w, http.StatusUnauthorized, "Invalid signature", "", r.URL.Path)
			return
		}
	}
	if err := s.Consumer.Handle(r.Context(), body); err != nil {
		writeProblem(w, http.StatusUnprocessableEntity, "Event rejected", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz: the store must answer.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Store.ListBuses(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeEngineProblem(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeProblem(w, http.StatusBadRequest, "Invalid booking", err.Error(), r.URL.Path)
	case errors.Is(err, engine.ErrNoSolution):
		writeProblem(w, http.StatusUnprocessableEntity, "No feasible assignment", err.Error(), r.URL.Path)
	case errors.Is(err, engine.ErrFrozen):
		writeProblem(w, http.StatusConflict, "Route frozen", err.Error(), r.URL.Path)
	case errors.Is(err, engine.ErrConflict):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error(), r.URL.Path)
	case errors.Is(err, engine.ErrResourceGone):
		writeProblem(w, http.StatusNotFound, "Resource gone", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), r.URL.Path)
	}
}
