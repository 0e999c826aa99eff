// Concurrency tests for the booking path (run with -race).
package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"flexbus/internal/model"
)

func TestConcurrentBookingsNeverOverbook(t *testing.T) {
	// one seat, two riders racing for it: exactly one may win
	eng, st, _ := newTestEngine(t, model.Bus{ID: "b1", Seats: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"o1", "o2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := eng.RequestBooking(ctx, booking(id, 1))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrNoSolution) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 confirmed booking, got %d", success)
	}

	// the committed state must honor the capacity either way
	routes, err := st.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	for _, r := range routes {
		nodes, _ := st.ListRouteNodes(ctx, r.ID)
		orders, _ := st.ListOrdersByRoute(ctx, r.ID)
		ptrs := make([]*model.Order, len(orders))
		for i := range orders {
			ptrs[i] = &orders[i]
		}
		bus, _ := st.GetBus(ctx, r.BusID)
		if err := model.ValidateRoute(&r, &bus, nodes, ptrs); err != nil {
			t.Fatalf("committed route violates constraints: %v", err)
		}
	}
}

func TestConcurrentPooledBookingsBothLand(t *testing.T) {
	// four seats: both riders fit, racing or not
	eng, st, _ := newTestEngine(t, model.Bus{ID: "b1", Seats: 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"o1", "o2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := eng.RequestBooking(ctx, booking(id, 1))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("booking failed under race: %v", err)
		}
	}
	assigned, err := st.ListOrders(ctx, model.OrderAssigned)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected both orders assigned, got %d", len(assigned))
	}
}

func TestConcurrentCancelAndReassign(t *testing.T) {
	eng, st, _ := newTestEngine(t, model.Bus{ID: "b1", Seats: 4})
	ctx := context.Background()

	if _, err := eng.RequestBooking(ctx, booking("o1", 1)); err != nil {
		t.Fatalf("booking: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- eng.Cancel(ctx, "o1")
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := eng.Reassign(ctx, "o1")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNoSolution) && !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	o, err := st.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != model.OrderCancelled && o.Status != model.OrderAssigned {
		t.Fatalf("unexpected final status: %s", o.Status)
	}
}
