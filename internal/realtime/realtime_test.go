package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	bound      []string
	published  []amqp.Publishing
	publishErr error
	deliveries chan amqp.Delivery
	cancelled  []string
	closed     int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{exchanges: map[string]string{}, deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = append(c.bound, name+"->"+exchange)
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv(t *testing.T, sub repository.Subscription) domain.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("feed closed unexpectedly: %v", sub.Err())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
	return nil
}

func TestRelay_PublishesStoreChanges(t *testing.T) {
	store := repository.NewMemoryStore()
	ch := newFakeChannel()
	relay := NewRelay(store, ch, "", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// the relay subscribes asynchronously; keep writing until it has seen one
	created := map[string]bool{}
	waitFor(t, "publish", func() bool {
		if ch.publishedCount() > 0 {
			return true
		}
		o := domain.Order{CustomerName: "Aiko", Status: domain.OrderStatusPending}
		if err := store.CreateOrder(context.Background(), &o); err != nil {
			t.Fatal(err)
		}
		created[o.ID] = true
		return false
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay: %v", err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.exchanges[DefaultExchange] != amqp.ExchangeFanout {
		t.Fatalf("exchange not declared as fanout: %v", ch.exchanges)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	ev, err := domain.UnmarshalChange(msg.Body)
	if err != nil || !created[ev.OrderID()] || ev.Type() != domain.ChangeInsert {
		t.Fatalf("body does not decode to the change: %v %v", ev, err)
	}
}

func TestRelay_PublishErrorDoesNotStop(t *testing.T) {
	store := repository.NewMemoryStore()
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel blocked")
	relay := NewRelay(store, ch, "test.changes", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	for i := 0; i < 3; i++ {
		o := domain.Order{Status: domain.OrderStatusPending}
		_ = store.CreateOrder(context.Background(), &o)
	}
	select {
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestRelay_StoreClosed(t *testing.T) {
	store := repository.NewMemoryStore()
	relay := NewRelay(store, newFakeChannel(), "", zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- relay.Run(context.Background()) }()

	// Close races with Subscribe; both outcomes end the relay with a subscription error
	waitFor(t, "relay exit", func() bool {
		_ = store.Close()
		select {
		case err := <-done:
			var sErr *repository.SubscriptionError
			if !errors.As(err, &sErr) {
				t.Fatalf("expected subscription error, got %v", err)
			}
			return true
		default:
			return false
		}
	})
}

func delivery(t *testing.T, ev domain.ChangeEvent) amqp.Delivery {
	t.Helper()
	body, err := domain.MarshalChange(ev)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Body: body}
}

func TestBrokerFeed_DeliversScopedEvents(t *testing.T) {
	ch := newFakeChannel()
	feed := NewBrokerFeed(repository.NewMemoryStore(), func() (Channel, error) { return ch, nil }, "", zerolog.Nop())

	sub, err := feed.Subscribe(context.Background(), domain.Scope{CustomerID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	select {
	case <-sub.Ready():
	default:
		t.Fatalf("feed should be ready once the consumer is registered")
	}

	ch.deliveries <- amqp.Delivery{Body: []byte(`{"type":"update"}`)}
	ch.deliveries <- delivery(t, domain.Updated{Order: domain.Order{ID: "b1", CustomerID: "bob", Status: domain.OrderStatusReady}})
	ch.deliveries <- delivery(t, domain.Updated{Order: domain.Order{ID: "a1", CustomerID: "alice", Status: domain.OrderStatusReady}})
	ch.deliveries <- delivery(t, domain.Deleted{ID: "a1"})

	if ev := recv(t, sub); ev.OrderID() != "a1" || ev.Type() != domain.ChangeUpdate {
		t.Fatalf("expected alice's update first, got %v", ev)
	}
	if ev := recv(t, sub); ev.Type() != domain.ChangeDelete {
		t.Fatalf("expected delete, got %v", ev)
	}
	if len(ch.bound) != 1 || ch.bound[0] != "amq.gen-test->"+DefaultExchange {
		t.Fatalf("queue not bound to the exchange: %v", ch.bound)
	}
}

func TestBrokerFeed_CloseIsIdempotent(t *testing.T) {
	ch := newFakeChannel()
	feed := NewBrokerFeed(repository.NewMemoryStore(), func() (Channel, error) { return ch, nil }, "", zerolog.Nop())
	sub, err := feed.Subscribe(context.Background(), domain.AllOrders)
	if err != nil {
		t.Fatal(err)
	}
	_ = sub.Close()
	_ = sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events should be closed")
	}
	if sub.Err() != nil {
		t.Fatalf("clean close should not report an error: %v", sub.Err())
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed != 1 || len(ch.cancelled) != 1 {
		t.Fatalf("expected one cancel and one close, got %d/%d", len(ch.cancelled), ch.closed)
	}
}

func TestBrokerFeed_BrokerDrop(t *testing.T) {
	ch := newFakeChannel()
	feed := NewBrokerFeed(repository.NewMemoryStore(), func() (Channel, error) { return ch, nil }, "", zerolog.Nop())
	sub, err := feed.Subscribe(context.Background(), domain.AllOrders)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	close(ch.deliveries)
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("events should close when the broker drops the consumer")
	}
	var sErr *repository.SubscriptionError
	if !errors.As(sub.Err(), &sErr) {
		t.Fatalf("expected subscription error, got %v", sub.Err())
	}
}

func TestBrokerFeed_OpenFailure(t *testing.T) {
	feed := NewBrokerFeed(repository.NewMemoryStore(), func() (Channel, error) { return nil, amqp.ErrClosed }, "", zerolog.Nop())
	_, err := feed.Subscribe(context.Background(), domain.AllOrders)
	var sErr *repository.SubscriptionError
	if !errors.As(err, &sErr) || !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("expected wrapped open failure, got %v", err)
	}
}

func TestBrokerFeed_PassesReadsThrough(t *testing.T) {
	store := repository.NewMemoryStore()
	feed := NewBrokerFeed(store, func() (Channel, error) { return newFakeChannel(), nil }, "", zerolog.Nop())
	o := domain.Order{Status: domain.OrderStatusPending}
	if err := feed.CreateOrder(context.Background(), &o); err != nil {
		t.Fatal(err)
	}
	got, err := feed.ListOrders(context.Background(), domain.AllOrders)
	if err != nil || len(got) != 1 || got[0].ID != o.ID {
		t.Fatalf("expected the stored order, got %v %v", got, err)
	}
}
