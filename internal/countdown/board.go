// Package countdown считает оставшееся до SLA время по активным заказам.
// Значения справочные: источник истины это список заказов.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sushiyaki/internal/domain"
)

// SLAWindow время, за которое заказ должен уйти из активных статусов
const SLAWindow = 20 * time.Minute

const tickInterval = time.Second

// Source отдаёт текущий список заказов и сигналы о его изменении.
// *ordersync.Controller удовлетворяет этому интерфейсу.
type Source interface {
	Orders() []domain.Order
	Watch() (<-chan struct{}, func())
}

type Option func(*Board)

func WithLogger(log zerolog.Logger) Option {
	return func(b *Board) { b.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

func WithInterval(d time.Duration) Option {
	return func(b *Board) {
		if d > 0 {
			b.interval = d
		}
	}
}

type Board struct {
	src      Source
	log      zerolog.Logger
	now      func() time.Time
	interval time.Duration

	mu     sync.RWMutex
	timers map[string]time.Duration
	at     time.Time

	watchMu  sync.Mutex
	watchers map[chan struct{}]struct{}
}

func NewBoard(src Source, opts ...Option) *Board {
	b := &Board{
		src:      src,
		log:      zerolog.Nop(),
		now:      time.Now,
		interval: tickInterval,
		timers:   make(map[string]time.Duration),
		watchers: make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("component", "countdown").Logger()
	return b
}

// Tick пересобирает карту таймеров на момент now. Просроченные заказы остаются с отрицательным
// значением, заказы вне активных статусов из карты пропадают.
func (b *Board) Tick(now time.Time) {
	orders := b.src.Orders()
	next := make(map[string]time.Duration, len(orders))
	for _, o := range orders {
		if !o.Status.Active() {
			continue
		}
		next[o.ID] = o.CreatedAt.Add(SLAWindow).Sub(now)
	}

	b.mu.Lock()
	b.timers = next
	b.at = now
	b.mu.Unlock()
	b.notify()
}

// Run тикает раз в интервал до отмены ctx, плюс сразу после каждого изменения источника.
// Пустая карта тикер не останавливает.
func (b *Board) Run(ctx context.Context) error {
	changes, cancel := b.src.Watch()
	defer cancel()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.Tick(b.now())
	for {
		select {
		case <-ctx.Done():
			b.log.Debug().Msg("countdown stopped")
			return ctx.Err()
		case <-ticker.C:
			b.Tick(b.now())
		case _, ok := <-changes:
			if !ok {
				// source torn down; keep the clock going until the owner stops us
				changes = nil
				continue
			}
			b.Tick(b.now())
		}
	}
}

func (b *Board) Remaining(id string) (time.Duration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.timers[id]
	return d, ok
}

// Snapshot returns a copy of the timer map.
func (b *Board) Snapshot() map[string]time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]time.Duration, len(b.timers))
	for id, d := range b.timers {
		out[id] = d
	}
	return out
}

// Millis returns the timer map in milliseconds, the unit clients render.
func (b *Board) Millis() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.timers))
	for id, d := range b.timers {
		out[id] = d.Milliseconds()
	}
	return out
}

// LastTick время последнего пересчёта
func (b *Board) LastTick() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.at
}

// Watch signals after every tick.
func (b *Board) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.watchMu.Lock()
	b.watchers[ch] = struct{}{}
	b.watchMu.Unlock()
	return ch, func() {
		b.watchMu.Lock()
		defer b.watchMu.Unlock()
		if _, ok := b.watchers[ch]; ok {
			delete(b.watchers, ch)
			close(ch)
		}
	}
}

func (b *Board) notify() {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()
	for ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
