// Package realtime разносит уведомления об изменениях заказов между инстансами сервиса через RabbitMQ.
package realtime

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"sushiyaki/internal/domain"
	"sushiyaki/internal/repository"
)

// DefaultExchange fanout exchange for order change envelopes
const DefaultExchange = "orders.changes"

const publishTimeout = 5 * time.Second

var errFeedClosed = errors.New("store change feed closed")

// Channel is the part of *amqp.Channel used by the relay and the feed.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// ChannelOpener opens a fresh channel, usually on a shared *amqp.Connection.
type ChannelOpener func() (Channel, error)

// ConnectionOpener adapts an amqp connection.
func ConnectionOpener(conn *amqp.Connection) ChannelOpener {
	return func() (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

func declareExchange(ch Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

// Relay читает ленту изменений хранилища и публикует каждое событие в fanout exchange.
type Relay struct {
	store    repository.OrderStore
	ch       Channel
	exchange string
	log      zerolog.Logger
}

func NewRelay(store repository.OrderStore, ch Channel, exchange string, log zerolog.Logger) *Relay {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Relay{
		store:    store,
		ch:       ch,
		exchange: exchange,
		log:      log.With().Str("component", "relay").Str("exchange", exchange).Logger(),
	}
}

// Run публикует изменения до отмены ctx. Ошибки публикации логируются и не прерывают цикл:
// получатели сходятся на следующем событии или по ручному refresh.
func (r *Relay) Run(ctx context.Context) error {
	if err := declareExchange(r.ch, r.exchange); err != nil {
		return err
	}
	sub, err := r.store.Subscribe(ctx, domain.AllOrders)
	if err != nil {
		return err
	}
	defer sub.Close()

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		return nil
	}
	r.log.Info().Msg("relay started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("relay stopped")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return &repository.SubscriptionError{Err: errFeedClosed}
			}
			if err := r.publish(ctx, ev); err != nil {
				r.log.Error().Err(err).Str("order_id", ev.OrderID()).Str("type", string(ev.Type())).Msg("publish change failed")
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev domain.ChangeEvent) error {
	body, err := domain.MarshalChange(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.ch.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Type:         string(ev.Type()),
		Body:         body,
		Timestamp:    time.Now(),
	})
}
