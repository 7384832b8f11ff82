package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sushiyaki/internal/domain"
)

const memoryFeedBuffer = 128

// MemoryStore in-memory хранилище заказов и бронирований с лентой изменений
type MemoryStore struct {
	mu               sync.RWMutex
	ordersByID       map[string]domain.Order
	reservationsByID map[string]domain.Reservation
	now              func() time.Time

	// pubMu is taken before the write lock is released, so feeds see events in commit order
	pubMu  sync.Mutex
	subMu  sync.Mutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ordersByID:       make(map[string]domain.Order),
		reservationsByID: make(map[string]domain.Reservation),
		now:              func() time.Time { return time.Now().UTC() },
		subs:             make(map[*memorySubscription]struct{}),
	}
}

// transaction-aware locking helpers
type txKey struct{}

func isTx(ctx context.Context) bool {
	v := ctx.Value(txKey{})
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (m *MemoryStore) rlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RLock()
	}
}
func (m *MemoryStore) runlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RUnlock()
	}
}
func (m *MemoryStore) wlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Lock()
	}
}
func (m *MemoryStore) wunlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Unlock()
	}
}

// Ensure interfaces
var (
	_ OrderStore       = (*MemoryStore)(nil)
	_ ReservationStore = (*MemoryStore)(nil)
)

// OrderStore implementation

func (m *MemoryStore) ListOrders(ctx context.Context, scope domain.Scope) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, &QueryError{Op: "list orders", Err: err}
	}
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Order, 0, len(m.ordersByID))
	for _, o := range m.ordersByID {
		if !scope.Matches(o) {
			continue
		}
		out = append(out, o.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	o, ok := m.ordersByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	cp := o.Clone()
	return &cp, nil
}

// CreateOrder сохраняет заказ вместе с позициями одной операцией
func (m *MemoryStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	m.wlock(ctx)
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	for i := range o.Items {
		if o.Items[i].ID == "" {
			o.Items[i].ID = uuid.NewString()
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.now()
	}
	o.UpdatedAt = o.CreatedAt
	m.ordersByID[o.ID] = o.Clone()
	m.commit(ctx, domain.Inserted{Order: o.Clone()})
	return nil
}

// UpdateOrderStatus idempotent: повторная установка того же статуса даёт успешный no-op
func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	if err := ctx.Err(); err != nil {
		return &MutationError{OrderID: id, Err: err}
	}
	m.wlock(ctx)
	o, ok := m.ordersByID[id]
	if !ok {
		m.wunlock(ctx)
		return &MutationError{OrderID: id, Err: ErrNotFound}
	}
	if o.Status == status {
		m.wunlock(ctx)
		return nil
	}
	o.Status = status
	o.UpdatedAt = m.now()
	m.ordersByID[id] = o
	m.commit(ctx, domain.Updated{Order: o.Clone()})
	return nil
}

// DeleteOrder administrative removal, emits a delete event.
func (m *MemoryStore) DeleteOrder(ctx context.Context, id string) error {
	m.wlock(ctx)
	if _, ok := m.ordersByID[id]; !ok {
		m.wunlock(ctx)
		return ErrNotFound
	}
	delete(m.ordersByID, id)
	m.commit(ctx, domain.Deleted{ID: id})
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, scope domain.Scope) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SubscriptionError{Err: err}
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil, &SubscriptionError{Err: ErrClosed}
	}
	s := &memorySubscription{
		store:  m,
		scope:  scope,
		ready:  make(chan struct{}),
		events: make(chan domain.ChangeEvent, memoryFeedBuffer),
		done:   make(chan struct{}),
	}
	// in-memory feed is live as soon as it is registered
	close(s.ready)
	m.subs[s] = struct{}{}
	return s, nil
}

// Close terminates every live subscription.
func (m *MemoryStore) Close() error {
	m.subMu.Lock()
	m.closed = true
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()
	for _, s := range subs {
		s.terminate(ErrClosed)
	}
	return nil
}

// commit releases the write lock taken by the caller and delivers ev.
// Readers are not held up by delivery, writers are.
func (m *MemoryStore) commit(ctx context.Context, ev domain.ChangeEvent) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()
	m.wunlock(ctx)
	m.publish(ev)
}

func (m *MemoryStore) publish(ev domain.ChangeEvent) {
	m.subMu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		if domain.MatchesScope(ev, s.scope) {
			subs = append(subs, s)
		}
	}
	m.subMu.Unlock()
	for _, s := range subs {
		s.deliver(ev)
	}
}

type memorySubscription struct {
	store  *MemoryStore
	scope  domain.Scope
	ready  chan struct{}
	events chan domain.ChangeEvent
	done   chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *memorySubscription) Ready() <-chan struct{}            { return s.ready }
func (s *memorySubscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.terminate(nil)
	return nil
}

func (s *memorySubscription) deliver(ev domain.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// terminate closes the feed; events is closed under mu so deliver never sends on a closed channel.
func (s *memorySubscription) terminate(cause error) {
	s.once.Do(func() {
		s.store.subMu.Lock()
		delete(s.store.subs, s)
		s.store.subMu.Unlock()

		close(s.done)
		s.mu.Lock()
		if cause != nil {
			s.err = &SubscriptionError{Err: cause}
		}
		close(s.events)
		s.mu.Unlock()
	})
}

// Tx manager using write lock to emulate transaction boundary
type MemoryTx struct{ store *MemoryStore }

func NewMemoryTx(store *MemoryStore) *MemoryTx { return &MemoryTx{store: store} }

func (tx *MemoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// Для in-memory используем блокировку записи и помечаем контекст, чтобы репозитории пропускали внутренние локи
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	ctx = context.WithValue(ctx, txKey{}, true)
	return fn(ctx)
}

// ReservationStore implementation

func (m *MemoryStore) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = m.now()
	r.UpdatedAt = r.CreatedAt
	m.reservationsByID[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	r, ok := m.reservationsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryStore) ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Reservation, 0)
	for _, r := range m.reservationsByID {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedFor.Before(out[j].ReservedFor) })
	return out, nil
}

func (m *MemoryStore) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus) (*domain.Reservation, error) {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	r, ok := m.reservationsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = m.now()
	m.reservationsByID[id] = r
	cp := r
	return &cp, nil
}

func sortNewestFirst(orders []domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
