package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

const feedBuffer = 128

// BrokerFeed это OrderStore, у которого Subscribe читает из брокера, а не из самого хранилища.
// Чтение и запись проходят в обёрнутое хранилище без изменений.
type BrokerFeed struct {
	repository.OrderStore
	open     ChannelOpener
	exchange string
	log      zerolog.Logger
}

var _ repository.OrderStore = (*BrokerFeed)(nil)

func NewBrokerFeed(store repository.OrderStore, open ChannelOpener, exchange string, log zerolog.Logger) *BrokerFeed {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &BrokerFeed{
		OrderStore: store,
		open:       open,
		exchange:   exchange,
		log:        log.With().Str("component", "broker_feed").Str("exchange", exchange).Logger(),
	}
}

// Subscribe открывает отдельный канал с эксклюзивной auto-delete очередью, привязанной к exchange.
// Ready закрывается, когда consumer зарегистрирован.
func (f *BrokerFeed) Subscribe(ctx context.Context, scope domain.Scope) (repository.Subscription, error) {
	ch, err := f.open()
	if err != nil {
		return nil, &repository.SubscriptionError{Err: err}
	}
	fail := func(err error) (repository.Subscription, error) {
		_ = ch.Close()
		return nil, &repository.SubscriptionError{Err: err}
	}

	if err := declareExchange(ch, f.exchange); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(q.Name, "", f.exchange, false, nil); err != nil {
		return fail(err)
	}

	tag := "sushiyaki-" + uuid.NewString()
	consumeCtx, cancel := context.WithCancel(context.Background())
	deliveries, err := ch.ConsumeWithContext(consumeCtx, q.Name, tag, true, true, false, false, nil)
	if err != nil {
		cancel()
		return fail(err)
	}

	s := &brokerSubscription{
		ch:     ch,
		tag:    tag,
		cancel: cancel,
		scope:  scope,
		log:    f.log.With().Str("queue", q.Name).Str("scope", scope.Key()).Logger(),
		ready:  make(chan struct{}),
		events: make(chan domain.ChangeEvent, feedBuffer),
		done:   make(chan struct{}),
	}
	close(s.ready)
	go s.run(deliveries)
	return s, nil
}

type brokerSubscription struct {
	ch     Channel
	tag    string
	cancel context.CancelFunc
	scope  domain.Scope
	log    zerolog.Logger

	ready  chan struct{}
	events chan domain.ChangeEvent
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *brokerSubscription) Ready() <-chan struct{}            { return s.ready }
func (s *brokerSubscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *brokerSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *brokerSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.ch.Cancel(s.tag, false)
		err = s.ch.Close()
	})
	return err
}

func (s *brokerSubscription) run(deliveries <-chan amqp.Delivery) {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				select {
				case <-s.done:
				default:
					s.mu.Lock()
					s.err = &repository.SubscriptionError{Err: amqp.ErrClosed}
					s.mu.Unlock()
					s.log.Warn().Msg("broker closed the delivery channel")
				}
				return
			}
			ev, err := domain.UnmarshalChange(d.Body)
			if err != nil {
				s.log.Warn().Err(err).Str("message_id", d.MessageId).Msg("dropping malformed change")
				continue
			}
			if !domain.MatchesScope(ev, s.scope) {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
