package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"sushiyaki/internal/domain"
)

func newOrder(customer string, status domain.OrderStatus) domain.Order {
	return domain.Order{
		Code:         "SY-TEST",
		CustomerID:   customer,
		CustomerName: "John",
		Status:       status,
		Breakdown:    domain.NewBreakdown(decimal.NewFromInt(100), decimal.NewFromInt(5), decimal.Zero, decimal.Zero),
		Items:        []domain.OrderItem{{Name: "Salmon nigiri", UnitPrice: decimal.NewFromInt(50), Quantity: 2}},
	}
}

func nextEvent(t *testing.T, sub Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("feed closed: %v", sub.Err())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	return nil
}

func TestMemoryStore_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	o := newOrder("", domain.OrderStatusPending)
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID == "" || o.Items[0].ID == "" {
		t.Fatalf("no id")
	}

	got, err := store.GetOrder(ctx, o.ID)
	if err != nil || got.ID != o.ID {
		t.Fatalf("get: %v", err)
	}

	if err := store.UpdateOrderStatus(ctx, o.ID, domain.OrderStatusConfirmed); err != nil {
		t.Fatalf("update: %v", err)
	}
	// same status again is a no-op success
	if err := store.UpdateOrderStatus(ctx, o.ID, domain.OrderStatusConfirmed); err != nil {
		t.Fatalf("idempotent update: %v", err)
	}

	err = store.UpdateOrderStatus(ctx, "missing", domain.OrderStatusConfirmed)
	var mErr *MutationError
	if !errors.As(err, &mErr) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected mutation error wrapping not found, got %v", err)
	}
}

func TestMemoryStore_ListNewestFirstAndScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, customer := range []string{"alice", "bob", "alice"} {
		o := newOrder(customer, domain.OrderStatusPending)
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateOrder(ctx, &o); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListOrders(ctx, domain.AllOrders)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Fatalf("not newest first")
		}
	}

	mine, _ := store.ListOrders(ctx, domain.Scope{CustomerID: "alice"})
	if len(mine) != 2 {
		t.Fatalf("expected 2 for alice, got %d", len(mine))
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.ListOrders(cancelled, domain.AllOrders)
	var qErr *QueryError
	if !errors.As(err, &qErr) {
		t.Fatalf("expected query error, got %v", err)
	}
}

func TestMemoryStore_SubscriptionFeed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub, err := store.Subscribe(ctx, domain.Scope{CustomerID: "alice"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case <-sub.Ready():
	default:
		t.Fatalf("memory subscription should be ready immediately")
	}

	other := newOrder("bob", domain.OrderStatusPending)
	_ = store.CreateOrder(ctx, &other)
	mine := newOrder("alice", domain.OrderStatusPending)
	_ = store.CreateOrder(ctx, &mine)

	ev := nextEvent(t, sub)
	if ins, ok := ev.(domain.Inserted); !ok || ins.Order.ID != mine.ID {
		t.Fatalf("expected insert of alice order, got %#v", ev)
	}

	_ = store.UpdateOrderStatus(ctx, mine.ID, domain.OrderStatusConfirmed)
	ev = nextEvent(t, sub)
	if up, ok := ev.(domain.Updated); !ok || up.Order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected update, got %#v", ev)
	}

	_ = store.DeleteOrder(ctx, mine.ID)
	ev = nextEvent(t, sub)
	if _, ok := ev.(domain.Deleted); !ok {
		t.Fatalf("expected delete, got %#v", ev)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// second close is harmless
	_ = sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events should be closed")
	}
	if sub.Err() != nil {
		t.Fatalf("clean close should not report an error: %v", sub.Err())
	}
}

func TestMemoryStore_FeedFollowsCommitOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub, err := store.Subscribe(ctx, domain.AllOrders)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	statuses := []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
		domain.OrderStatusReady,
		domain.OrderStatusCompleted,
	}
	for round := 0; round < 500; round++ {
		o := newOrder("", domain.OrderStatusPending)
		if err := store.CreateOrder(ctx, &o); err != nil {
			t.Fatalf("create: %v", err)
		}

		var wg sync.WaitGroup
		for _, st := range statuses {
			wg.Add(1)
			go func(st domain.OrderStatus) {
				defer wg.Done()
				_ = store.UpdateOrderStatus(ctx, o.ID, st)
			}(st)
		}
		wg.Wait()

		// every event of the round is buffered once the writers have returned
		var last domain.ChangeEvent
	drain:
		for {
			select {
			case ev := <-sub.Events():
				last = ev
			default:
				break drain
			}
		}
		up, ok := last.(domain.Updated)
		if !ok {
			t.Fatalf("round %d: expected update as last event, got %#v", round, last)
		}
		row, _ := store.GetOrder(ctx, o.ID)
		if up.Order.Status != row.Status {
			t.Fatalf("round %d: last delivered %s, row holds %s", round, up.Order.Status, row.Status)
		}
	}
}

func TestMemoryStore_CloseTerminatesSubscriptions(t *testing.T) {
	store := NewMemoryStore()
	sub, _ := store.Subscribe(context.Background(), domain.AllOrders)
	_ = store.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed feed")
	}
	var sErr *SubscriptionError
	if !errors.As(sub.Err(), &sErr) {
		t.Fatalf("expected subscription error, got %v", sub.Err())
	}
	if _, err := store.Subscribe(context.Background(), domain.AllOrders); err == nil {
		t.Fatalf("subscribe after close should fail")
	}
}

func TestMemoryTx_ReservationStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tx := NewMemoryTx(store)

	r := domain.Reservation{Name: "Jane", Phone: "555", PartySize: 2, Status: domain.ReservationPending,
		ReservedFor: time.Now().Add(time.Hour)}
	if err := store.CreateReservation(ctx, &r); err != nil {
		t.Fatal(err)
	}

	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		got, err := store.GetReservation(ctx, r.ID)
		if err != nil {
			return err
		}
		if got.Status != domain.ReservationPending {
			t.Fatalf("status precondition")
		}
		_, err = store.UpdateReservationStatus(ctx, r.ID, domain.ReservationConfirmed)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, _ := store.GetReservation(ctx, r.ID)
	if got.Status != domain.ReservationConfirmed {
		t.Fatalf("expected confirmed, got %v", got.Status)
	}

	list, _ := store.ListReservations(ctx, ReservationFilter{Status: domain.ReservationPending})
	if len(list) != 0 {
		t.Fatalf("status filter fail")
	}
}
