package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sushiyaki/internal/domain"
)

//go:embed schema.sql
var schema string

// order_changes is the NOTIFY channel fed by the orders trigger in schema.sql
const orderChangesChannel = "order_changes"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type pgTxKey struct{}

// PostgresStore хранилище заказов и бронирований поверх pgxpool
type PostgresStore struct {
	log  zerolog.Logger
	pool *pgxpool.Pool
}

var (
	_ OrderStore       = (*PostgresStore)(nil)
	_ ReservationStore = (*PostgresStore)(nil)
	_ TxManager        = (*PostgresStore)(nil)
)

func NewPostgresStore(log zerolog.Logger, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{log: log.With().Str("component", "postgres-store").Logger(), pool: pool}
}

// ConnectPostgres opens a pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema; safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// WithTransaction runs fn in a transaction, reusing one already carried by ctx.
func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const selectOrders = `
SELECT o.id::text, o.code, o.customer_id, o.customer_name, o.phone, o.address, o.payment_method,
       o.subtotal::text, o.vat::text, o.delivery_charge::text, o.discount::text, o.total_price::text,
       o.message, o.status, o.created_at, o.updated_at,
       COALESCE(json_agg(json_build_object(
           'id', i.id::text, 'name', i.name, 'unit_price', i.unit_price::text, 'quantity', i.quantity,
           'image_url', i.image_url, 'description', i.description) ORDER BY i.position)
           FILTER (WHERE i.id IS NOT NULL), '[]') AS items
FROM orders o
LEFT JOIN order_items i ON i.order_id = o.id
`

func (s *PostgresStore) ListOrders(ctx context.Context, scope domain.Scope) ([]domain.Order, error) {
	rows, err := s.q(ctx).Query(ctx, selectOrders+`
WHERE ($1 = '' OR o.customer_id = $1)
GROUP BY o.id
ORDER BY o.created_at DESC`, scope.CustomerID)
	if err != nil {
		return nil, &QueryError{Op: "list orders", Err: err}
	}
	defer rows.Close()

	out := make([]domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, &QueryError{Op: "list orders", Err: err}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "list orders", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.q(ctx).QueryRow(ctx, selectOrders+`
WHERE o.id = $1
GROUP BY o.id`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &QueryError{Op: "get order", Err: err}
	}
	return &o, nil
}

// CreateOrder вставляет заказ и позиции в одной транзакции
func (s *PostgresStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		_, err := q.Exec(ctx, `
INSERT INTO orders (id, code, customer_id, customer_name, phone, address, payment_method,
                    subtotal, vat, delivery_charge, discount, total_price, message, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			o.ID, o.Code, o.CustomerID, o.CustomerName, o.Phone, o.Address, string(o.PaymentMethod),
			o.Subtotal.String(), o.VAT.String(), o.DeliveryCharge.String(), o.Discount.String(), o.Total.String(),
			o.Message, string(o.Status), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		batch := &pgx.Batch{}
		for i := range o.Items {
			it := &o.Items[i]
			if it.ID == "" {
				it.ID = uuid.NewString()
			}
			batch.Queue(`INSERT INTO order_items (id, order_id, position, name, unit_price, quantity, image_url, description)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				it.ID, o.ID, i, it.Name, it.UnitPrice.String(), it.Quantity, it.ImageURL, it.Description)
		}
		if err := q.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		return nil
	})
}

// UpdateOrderStatus пишет только при смене статуса, поэтому повтор остаётся no-op без лишнего NOTIFY
func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	if _, err := uuid.Parse(id); err != nil {
		return &MutationError{OrderID: id, Err: ErrNotFound}
	}
	q := s.q(ctx)
	ct, err := q.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE id=$1 AND status <> $2`, id, string(status))
	if err != nil {
		return &MutationError{OrderID: id, Err: err}
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return &MutationError{OrderID: id, Err: err}
	}
	if !exists {
		return &MutationError{OrderID: id, Err: ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, scope domain.Scope) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &SubscriptionError{Err: err}
	}
	if _, err := conn.Exec(ctx, "LISTEN "+orderChangesChannel); err != nil {
		conn.Release()
		return nil, &SubscriptionError{Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{
		store:   s,
		conn:    conn,
		scope:   scope,
		ready:   make(chan struct{}),
		events:  make(chan domain.ChangeEvent, memoryFeedBuffer),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	close(sub.ready)
	go sub.run(loopCtx)
	return sub, nil
}

// orderNotification is the payload built by notify_order_change().
type orderNotification struct {
	Op         string `json:"op"`
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
}

func parseNotification(payload string) (orderNotification, error) {
	var n orderNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	n.Op = strings.ToUpper(n.Op)
	switch n.Op {
	case "INSERT", "UPDATE", "DELETE":
	default:
		return n, fmt.Errorf("%w: op %q", domain.ErrMalformedEvent, n.Op)
	}
	if n.ID == "" {
		return n, fmt.Errorf("%w: empty id", domain.ErrMalformedEvent)
	}
	return n, nil
}

type pgSubscription struct {
	store   *PostgresStore
	conn    *pgxpool.Conn
	scope   domain.Scope
	ready   chan struct{}
	events  chan domain.ChangeEvent
	cancel  context.CancelFunc
	stopped chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *pgSubscription) Ready() <-chan struct{}            { return s.ready }
func (s *pgSubscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *pgSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pgSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped
	})
	return nil
}

func (s *pgSubscription) fail(err error) {
	s.mu.Lock()
	s.err = &SubscriptionError{Err: err}
	s.mu.Unlock()
}

func (s *pgSubscription) run(ctx context.Context) {
	defer close(s.stopped)
	defer close(s.events)
	defer s.release()

	for {
		n, err := s.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.store.log.Error().Err(err).Msg("order notification channel lost")
				s.fail(err)
			}
			return
		}
		ev, ok := s.resolve(ctx, n.Payload)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// resolve turns a notification into a typed event, fetching the row for inserts and updates.
func (s *pgSubscription) resolve(ctx context.Context, payload string) (domain.ChangeEvent, bool) {
	n, err := parseNotification(payload)
	if err != nil {
		s.store.log.Warn().Err(err).Str("payload", payload).Msg("skipping order notification")
		return nil, false
	}
	if n.Op == "DELETE" {
		return domain.Deleted{ID: n.ID}, true
	}
	if s.scope.CustomerID != "" && s.scope.CustomerID != n.CustomerID {
		return nil, false
	}
	o, err := s.store.GetOrder(ctx, n.ID)
	if err != nil {
		// row deleted between commit and fetch, the delete notification follows
		if !errors.Is(err, ErrNotFound) {
			s.store.log.Error().Err(err).Str("order_id", n.ID).Msg("fetch changed order")
		}
		return nil, false
	}
	if n.Op == "INSERT" {
		return domain.Inserted{Order: *o}, true
	}
	return domain.Updated{Order: *o}, true
}

func (s *pgSubscription) release() {
	if !s.conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = s.conn.Exec(ctx, "UNLISTEN "+orderChangesChannel)
		cancel()
	}
	s.conn.Release()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var method, status string
	var subtotal, vat, delivery, discount, total string
	var items []byte
	err := row.Scan(&o.ID, &o.Code, &o.CustomerID, &o.CustomerName, &o.Phone, &o.Address, &method,
		&subtotal, &vat, &delivery, &discount, &total,
		&o.Message, &status, &o.CreatedAt, &o.UpdatedAt, &items)
	if err != nil {
		return o, err
	}
	o.PaymentMethod = domain.PaymentMethod(method)
	o.Status = domain.OrderStatus(status)
	if !o.Status.Valid() {
		return o, fmt.Errorf("order %s: unknown status %q", o.ID, status)
	}
	amounts := []*decimal.Decimal{&o.Subtotal, &o.VAT, &o.DeliveryCharge, &o.Discount, &o.Total}
	for i, raw := range []string{subtotal, vat, delivery, discount, total} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return o, fmt.Errorf("order %s: amount %q: %w", o.ID, raw, err)
		}
		*amounts[i] = d
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("order %s: items: %w", o.ID, err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

// ReservationStore implementation

const selectReservations = `SELECT id::text, name, phone, email, party_size, reserved_for, note, status, created_at, updated_at FROM reservations`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var r domain.Reservation
	var status string
	err := row.Scan(&r.ID, &r.Name, &r.Phone, &r.Email, &r.PartySize, &r.ReservedFor, &r.Note, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Status = domain.ReservationStatus(status)
	return r, err
}

func (s *PostgresStore) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO reservations (id, name, phone, email, party_size, reserved_for, note, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.Name, r.Phone, r.Email, r.PartySize, r.ReservedFor, r.Note, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	// FOR UPDATE only takes effect inside WithTransaction
	query := selectReservations + ` WHERE id=$1`
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		query += ` FOR UPDATE`
	}
	r, err := scanReservation(s.q(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, f ReservationFilter) ([]domain.Reservation, error) {
	rows, err := s.q(ctx).Query(ctx, selectReservations+` WHERE ($1 = '' OR status = $1) ORDER BY reserved_for`, string(f.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Reservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateReservationStatus(ctx context.Context, id string, status domain.ReservationStatus) (*domain.Reservation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanReservation(s.q(ctx).QueryRow(ctx,
		`UPDATE reservations SET status=$2, updated_at=now() WHERE id=$1
RETURNING id::text, name, phone, email, party_size, reserved_for, note, status, created_at, updated_at`,
		id, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
