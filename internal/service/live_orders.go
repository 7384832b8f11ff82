package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sushiyaki/internal/countdown"
	"sushiyaki/internal/domain"
	"sushiyaki/internal/ordersync"
	"sushiyaki/internal/repository"
)

var ErrShuttingDown = errors.New("live order views are shutting down")

// View живое представление заказов одной области: контроллер и доска таймеров
type View struct {
	Orders *ordersync.Controller
	Timers *countdown.Board

	refs   int
	pinned bool
	stop   context.CancelFunc
	done   chan struct{}
}

func (v *View) close() {
	v.stop()
	<-v.done
	v.Orders.Teardown()
}

// LiveOrders держит по одному View на область. Общий вид всех заказов живёт всё время процесса,
// виды покупателей считаются ссылками и разбираются, когда их отпустил последний держатель.
type LiveOrders struct {
	store          repository.OrderStore
	log            zerolog.Logger
	confirmTimeout time.Duration

	mu     sync.Mutex
	views  map[string]*View
	closed bool
}

func NewLiveOrders(store repository.OrderStore, confirmTimeout time.Duration, log zerolog.Logger) *LiveOrders {
	return &LiveOrders{
		store:          store,
		log:            log,
		confirmTimeout: confirmTimeout,
		views:          make(map[string]*View),
	}
}

// Start поднимает закреплённый вид всех заказов. Ошибка инициализации не фатальна:
// вид остаётся в disconnected и восстанавливается через Refresh.
func (l *LiveOrders) Start(ctx context.Context) (*View, error) {
	v, _, _, err := l.acquire(ctx, domain.AllOrders, true)
	return v, err
}

// Dashboard returns the pinned all-orders view; Start must have been called.
func (l *LiveOrders) Dashboard() (*View, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.views[domain.AllOrders.Key()]
	return v, ok
}

// Acquire возвращает вид для области, создавая его при первом обращении.
// Вызывающий обязан вызвать release.
func (l *LiveOrders) Acquire(ctx context.Context, scope domain.Scope) (*View, func(), error) {
	v, release, _, err := l.acquire(ctx, scope, false)
	if errors.Is(err, ErrShuttingDown) {
		return nil, nil, err
	}
	return v, release, nil
}

// acquire reports created=true when the view was built and initialized by this call.
func (l *LiveOrders) acquire(ctx context.Context, scope domain.Scope, pin bool) (v *View, release func(), created bool, err error) {
	key := scope.Key()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, false, ErrShuttingDown
	}
	if v, ok := l.views[key]; ok {
		v.refs++
		v.pinned = v.pinned || pin
		l.mu.Unlock()
		return v, l.releaser(key, v), false, nil
	}

	ctrl := ordersync.New(l.store, scope,
		ordersync.WithLogger(l.log),
		ordersync.WithConfirmTimeout(l.confirmTimeout),
	)
	board := countdown.NewBoard(ctrl, countdown.WithLogger(l.log))
	runCtx, stop := context.WithCancel(context.Background())
	v = &View{Orders: ctrl, Timers: board, refs: 1, pinned: pin, stop: stop, done: make(chan struct{})}
	l.views[key] = v
	l.mu.Unlock()

	go func() {
		defer close(v.done)
		_ = board.Run(runCtx)
	}()

	if err = ctrl.Initialize(ctx); err != nil {
		l.log.Warn().Err(err).Str("scope", key).Msg("order view started disconnected")
	}
	return v, l.releaser(key, v), true, err
}

func (l *LiveOrders) releaser(key string, v *View) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			v.refs--
			drop := v.refs <= 0 && !v.pinned && l.views[key] == v
			if drop {
				delete(l.views, key)
			}
			l.mu.Unlock()
			if drop {
				v.close()
				l.log.Debug().Str("scope", key).Msg("order view released")
			}
		})
	}
}

// Refresh повторяет Initialize для области: ручной retry после ошибки или обрыва.
func (l *LiveOrders) Refresh(ctx context.Context, scope domain.Scope) (*View, func(), error) {
	v, release, created, err := l.acquire(ctx, scope, false)
	if errors.Is(err, ErrShuttingDown) {
		return nil, nil, err
	}
	// a fresh view has just loaded and subscribed
	if created {
		return v, release, err
	}
	if err := v.Orders.Initialize(ctx); err != nil {
		return v, release, err
	}
	return v, release, nil
}

// Close разбирает все виды, включая закреплённый.
func (l *LiveOrders) Close() {
	l.mu.Lock()
	l.closed = true
	views := make([]*View, 0, len(l.views))
	for key, v := range l.views {
		views = append(views, v)
		delete(l.views, key)
	}
	l.mu.Unlock()
	for _, v := range views {
		v.close()
	}
}

// Count number of live views, for health output
func (l *LiveOrders) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.views)
}
