// Package ordersync keeps a reconciled, scope-filtered list of orders in memory and
// applies status changes optimistically on top of it.
package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

// DefaultConfirmTimeout bounds the wait for the store to confirm a subscription.
const DefaultConfirmTimeout = 10 * time.Second

// ConnectionStatus состояние канала уведомлений
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

var (
	// ErrDuplicateUpdate: по заказу уже идёт изменение статуса; повторный запрос отброшен.
	// Вызывающей стороне достаточно его проигнорировать.
	ErrDuplicateUpdate = errors.New("status update already in flight")
	ErrUnknownOrder    = errors.New("order is not tracked by this view")
	ErrClosed          = errors.New("order view torn down")
	ErrConfirmTimeout  = errors.New("subscription was not confirmed in time")
	errFeedClosed      = errors.New("change feed closed")
)

// UpdatePhase состояние изменения статуса по одному заказу
type UpdatePhase string

const (
	PhaseIdle    UpdatePhase = "idle"
	PhasePending UpdatePhase = "pending"
	PhaseFailed  UpdatePhase = "failed"
)

type UpdateState struct {
	Phase UpdatePhase
	Err   error
}

// Snapshot is a consistent copy of the controller state for rendering.
type Snapshot struct {
	Orders           []domain.Order
	ConnectionStatus ConnectionStatus
	LastError        error
}

type Option func(*Controller)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.confirmTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller сводит состояние хранилища, уведомления и действия пользователя в один список заказов.
//
// Инварианты: ровно одна запись на ID; не более одного изменения статуса в полёте на заказ;
// после Teardown ни события, ни поздние ответы хранилища состояние не меняют.
type Controller struct {
	store          repository.OrderStore
	scope          domain.Scope
	log            zerolog.Logger
	confirmTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	orders   []domain.Order
	conn     ConnectionStatus
	lastErr  error
	updates  map[string]UpdateState
	sub      repository.Subscription
	stopLoop context.CancelFunc
	loopDone chan struct{}
	// gen changes on every Initialize and Teardown; feed events from an older gen are dropped
	gen uint64
	// epoch changes only on Teardown; status results from an older epoch are swallowed
	epoch  uint64
	closed bool

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func New(store repository.OrderStore, scope domain.Scope, opts ...Option) *Controller {
	c := &Controller{
		store:          store,
		scope:          scope,
		log:            zerolog.Nop(),
		confirmTimeout: DefaultConfirmTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		conn:           StatusDisconnected,
		updates:        make(map[string]UpdateState),
		watchers:       make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "ordersync").Str("scope", scope.Key()).Logger()
	return c
}

func (c *Controller) Scope() domain.Scope { return c.scope }

// Initialize загружает заказы, затем подписывается на изменения и ждёт подтверждения подписки.
// Повторный вызов служит ручным восстановлением: старая подписка освобождается.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	old := c.detachLocked()
	c.closed = false
	c.orders = nil
	c.conn = StatusConnecting
	c.lastErr = nil
	// in-flight marks outlive a reload, their requests still settle against this view
	for id, st := range c.updates {
		if st.Phase != PhasePending {
			delete(c.updates, id)
		}
	}
	c.mu.Unlock()
	old.release()
	c.notify()

	orders, err := c.store.ListOrders(ctx, c.scope)
	if err != nil {
		var qErr *repository.QueryError
		if !errors.As(err, &qErr) {
			err = &repository.QueryError{Op: "list orders", Err: err}
		}
		c.log.Error().Err(err).Msg("initial order load failed")
		c.disconnect(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrClosed
	}
	c.orders = make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		c.upsertLocked(o, false)
	}
	c.mu.Unlock()
	c.notify()

	sub, err := c.store.Subscribe(ctx, c.scope)
	if err != nil {
		var sErr *repository.SubscriptionError
		if !errors.As(err, &sErr) {
			err = &repository.SubscriptionError{Err: err}
		}
		c.log.Error().Err(err).Msg("subscribe failed")
		c.disconnect(gen, err)
		return err
	}

	if err := c.awaitReady(ctx, sub); err != nil {
		_ = sub.Close()
		c.log.Warn().Err(err).Dur("timeout", c.confirmTimeout).Msg("subscription not confirmed")
		c.disconnect(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.sub = sub
	c.stopLoop = cancel
	c.loopDone = done
	c.conn = StatusConnected
	count := len(c.orders)
	c.mu.Unlock()

	go c.consume(loopCtx, gen, sub, done)
	c.notify()
	c.log.Info().Int("orders", count).Msg("order view connected")
	return nil
}

func (c *Controller) awaitReady(ctx context.Context, sub repository.Subscription) error {
	timer := time.NewTimer(c.confirmTimeout)
	defer timer.Stop()
	select {
	case <-sub.Ready():
		return nil
	case <-timer.C:
		return &repository.SubscriptionError{Err: ErrConfirmTimeout}
	case <-ctx.Done():
		return &repository.SubscriptionError{Err: ctx.Err()}
	}
}

func (c *Controller) disconnect(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = StatusDisconnected
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) consume(ctx context.Context, gen uint64, sub repository.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				err := sub.Err()
				var sErr *repository.SubscriptionError
				if err == nil {
					err = &repository.SubscriptionError{Err: errFeedClosed}
				} else if !errors.As(err, &sErr) {
					err = &repository.SubscriptionError{Err: err}
				}
				c.log.Warn().Err(err).Msg("change feed lost")
				c.disconnect(gen, err)
				return
			}
			c.apply(gen, ev)
		}
	}
}

func (c *Controller) apply(gen uint64, ev domain.ChangeEvent) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	changed := c.mergeLocked(ev)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// OnChangeEvent вливает уведомление в список: insert в начало, update заменяет на месте
// (или вставляет, если заказа ещё нет), delete удаляет. Последняя запись побеждает.
func (c *Controller) OnChangeEvent(ev domain.ChangeEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.mergeLocked(ev)
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

func (c *Controller) mergeLocked(ev domain.ChangeEvent) bool {
	if !domain.MatchesScope(ev, c.scope) {
		return false
	}
	switch e := ev.(type) {
	case domain.Inserted:
		c.upsertLocked(e.Order, true)
	case domain.Updated:
		c.upsertLocked(e.Order, true)
	case domain.Deleted:
		return c.removeLocked(e.ID)
	default:
		c.log.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown change event")
		return false
	}
	return true
}

// upsertLocked replaces in place when the id is known; unknown ids are prepended or appended.
func (c *Controller) upsertLocked(o domain.Order, prepend bool) {
	if idx := c.indexLocked(o.ID); idx >= 0 {
		c.orders[idx] = o.Clone()
		return
	}
	if prepend {
		c.orders = append([]domain.Order{o.Clone()}, c.orders...)
		return
	}
	c.orders = append(c.orders, o.Clone())
}

func (c *Controller) removeLocked(id string) bool {
	idx := c.indexLocked(id)
	if idx < 0 {
		return false
	}
	c.orders = append(c.orders[:idx], c.orders[idx+1:]...)
	return true
}

func (c *Controller) indexLocked(id string) int {
	for i := range c.orders {
		if c.orders[i].ID == id {
			return i
		}
	}
	return -1
}

// RequestStatusChange меняет статус заказа оптимистично.
//
// Если по заказу уже идёт изменение, сразу возвращается ErrDuplicateUpdate и в хранилище ничего
// не отправляется. При ошибке хранилища локальный статус откатывается, ошибка возвращается
// вызывающему. Ответ, пришедший после Teardown, поглощается.
func (c *Controller) RequestStatusChange(ctx context.Context, id string, status domain.OrderStatus) (err error) {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.updates[id].Phase == PhasePending {
		c.mu.Unlock()
		c.log.Debug().Str("order_id", id).Str("status", string(status)).Msg("duplicate status update dropped")
		return ErrDuplicateUpdate
	}
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return ErrUnknownOrder
	}
	prev := c.orders[idx]
	if !domain.CanTransition(prev.Status, status) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev.Status, status)
	}
	c.updates[id] = UpdateState{Phase: PhasePending}
	optimistic := prev
	if prev.Status != status {
		optimistic.Status = status
		optimistic.UpdatedAt = c.now()
		c.orders[idx] = optimistic
	}
	epoch := c.epoch
	c.mu.Unlock()
	c.notify()

	defer func() {
		err = c.settle(epoch, id, prev, optimistic, err)
	}()
	return c.store.UpdateOrderStatus(ctx, id, status)
}

// settle always clears the pending mark of the request it belongs to.
func (c *Controller) settle(epoch uint64, id string, prev, optimistic domain.Order, err error) error {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug().Str("order_id", id).AnErr("result", err).Msg("status update settled after teardown")
		return nil
	}
	if err == nil {
		delete(c.updates, id)
		c.mu.Unlock()
		c.notify()
		return nil
	}

	var mErr *repository.MutationError
	if !errors.As(err, &mErr) {
		err = &repository.MutationError{OrderID: id, Err: err}
	}
	c.updates[id] = UpdateState{Phase: PhaseFailed, Err: err}
	// roll back only while the entry still holds our optimistic write; a newer remote event wins
	if idx := c.indexLocked(id); idx >= 0 {
		cur := c.orders[idx]
		if cur.Status == optimistic.Status && cur.UpdatedAt.Equal(optimistic.UpdatedAt) {
			cur.Status = prev.Status
			cur.UpdatedAt = prev.UpdatedAt
			c.orders[idx] = cur
		}
	}
	c.mu.Unlock()
	c.notify()
	c.log.Warn().Err(err).Str("order_id", id).Str("status", string(optimistic.Status)).Msg("status update failed, reverted")
	return err
}

// Teardown освобождает подписку ровно один раз и очищает состояние.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.epoch++
	old := c.detachLocked()
	c.orders = nil
	c.updates = make(map[string]UpdateState)
	c.conn = StatusDisconnected
	c.lastErr = nil
	c.mu.Unlock()

	old.release()

	c.watchMu.Lock()
	for ch := range c.watchers {
		close(ch)
		delete(c.watchers, ch)
	}
	c.watchMu.Unlock()
	c.log.Info().Msg("order view torn down")
}

type detached struct {
	sub  repository.Subscription
	stop context.CancelFunc
	done chan struct{}
}

func (c *Controller) detachLocked() detached {
	d := detached{sub: c.sub, stop: c.stopLoop, done: c.loopDone}
	c.sub, c.stopLoop, c.loopDone = nil, nil, nil
	return d
}

func (d detached) release() {
	if d.stop != nil {
		d.stop()
	}
	if d.sub != nil {
		_ = d.sub.Close()
	}
	if d.done != nil {
		<-d.done
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Orders:           cloneOrders(c.orders),
		ConnectionStatus: c.conn,
		LastError:        c.lastErr,
	}
}

func (c *Controller) Orders() []domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneOrders(c.orders)
}

func (c *Controller) Order(id string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexLocked(id); idx >= 0 {
		return c.orders[idx].Clone(), true
	}
	return domain.Order{}, false
}

func (c *Controller) UpdateState(id string) UpdateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.updates[id]; ok {
		return st
	}
	return UpdateState{Phase: PhaseIdle}
}

// PendingUpdates ids of orders with a status change in flight, sorted.
func (c *Controller) PendingUpdates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.updates))
	for id, st := range c.updates {
		if st.Phase == PhasePending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Watch returns a channel signalled after every state change and a cancel func.
// The channel is closed by cancel or by Teardown.
func (c *Controller) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.watchMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()
	return ch, func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
	}
}

func (c *Controller) notify() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func cloneOrders(in []domain.Order) []domain.Order {
	out := make([]domain.Order, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
