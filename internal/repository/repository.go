package repository

import (
	"context"
	"errors"
	"fmt"

	"sushiyaki/internal/domain"
)

// ErrNotFound возвращается, когда сущность не найдена
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store or subscription.
var ErrClosed = errors.New("store closed")

// QueryError: не удалось прочитать заказы (сеть, авторизация, недоступность бэкенда).
// Повторять вручную.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("store query %s: %v", e.Op, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }

// MutationError бэкенд отклонил изменение статуса (права, строка исчезла, ограничение)
type MutationError struct {
	OrderID string
	Err     error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("store mutation on order %s: %v", e.OrderID, e.Err)
}
func (e *MutationError) Unwrap() error { return e.Err }

// SubscriptionError канал уведомлений не поднялся или оборвался
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string { return fmt.Sprintf("order subscription: %v", e.Err) }
func (e *SubscriptionError) Unwrap() error { return e.Err }

// Subscription живой канал уведомлений об изменениях заказов.
//
// Ready закрывается, когда бэкенд подтвердил подписку. Events закрывается, когда подписка
// завершилась; причина (если была) доступна через Err. Close освобождает ресурсы,
// повторный вызов безопасен.
type Subscription interface {
	Ready() <-chan struct{}
	Events() <-chan domain.ChangeEvent
	Err() error
	Close() error
}

// OrderStore единственная точка доступа к данным заказов
type OrderStore interface {
	ListOrders(ctx context.Context, scope domain.Scope) ([]domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	CreateOrder(ctx context.Context, o *domain.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error
	Subscribe(ctx context.Context, scope domain.Scope) (Subscription, error)
}

// ReservationFilter параметры фильтрации бронирований
type ReservationFilter struct {
	Status domain.ReservationStatus
}

// ReservationStore интерфейс репозитория бронирований
type ReservationStore interface {
	CreateReservation(ctx context.Context, r *domain.Reservation) error
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error)
	UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus) (*domain.Reservation, error)
}

// TxManager абстракция транзакции. Для in-memory — глобальная блокировка записи.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
