// Package order persists payment orders and their audit trail. It is the
// exactly-once-intent boundary for webhook-driven state changes: MarkPaid is
// safe to call for every delivery of the same notification and reports
// whether this call performed the transition.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Order statuses. PAID and FAILED are terminal.
const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusFailed  = "FAILED"
)

// ErrNotFound is returned when no order matches the gateway order id.
var ErrNotFound = errors.New("order: not found")

// Order is a payment order keyed by its gateway order id.
type Order struct {
	ID                string
	AmountCents       int64
	Currency          string
	BuyerEmail        string
	Description       string
	Status            string
	ResponseCode      *int
	AuthorisationCode string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is one entry in the per-order audit trail. Every classified gateway
// outcome is appended, including replays and failures, with the raw response
// code preserved.
type Event struct {
	ID      uuid.UUID
	OrderID string
	Status  string
	Code    int
	Message string
}

// PGStore implements order persistence on PostgreSQL.
type PGStore struct {
	Pool *pgxpool.Pool
}

// NewPGStore wires a store over the shared connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

// CreatePending records a freshly minted order awaiting the gateway result.
func (s *PGStore) CreatePending(ctx context.Context, o Order) error {
	if s == nil || s.Pool == nil {
		return errors.New("order: store not configured")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (id, amount_cents, currency, buyer_email, description, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.AmountCents, o.Currency, o.BuyerEmail, o.Description, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("order: create pending: %w", err)
	}
	return nil
}

// MarkPaid transitions the order to PAID and returns whether this call made
// the transition. Repeated notifications for an already-paid order are
// no-ops, never duplicate side effects.
func (s *PGStore) MarkPaid(ctx context.Context, orderID string, code int, authCode string) (bool, error) {
	if s == nil || s.Pool == nil {
		return false, errors.New("order: store not configured")
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, response_code = $3, authorisation_code = $4, updated_at = now()
		WHERE id = $1 AND status <> $2`,
		orderID, StatusPaid, code, authCode,
	)
	if err != nil {
		return false, fmt.Errorf("order: mark paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records a denied outcome. Paid orders are never demoted.
func (s *PGStore) MarkFailed(ctx context.Context, orderID string, code int) error {
	if s == nil || s.Pool == nil {
		return errors.New("order: store not configured")
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, response_code = $3, updated_at = now()
		WHERE id = $1 AND status <> $4`,
		orderID, StatusFailed, code, StatusPaid,
	)
	if err != nil {
		return fmt.Errorf("order: mark failed: %w", err)
	}
	return nil
}

// AppendEvent writes one audit-trail entry.
func (s *PGStore) AppendEvent(ctx context.Context, e Event) error {
	if s == nil || s.Pool == nil {
		return errors.New("order: store not configured")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_events (id, order_id, status, response_code, message)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.OrderID, e.Status, e.Code, e.Message,
	)
	if err != nil {
		return fmt.Errorf("order: append event: %w", err)
	}
	return nil
}

// Get fetches an order by its gateway order id.
func (s *PGStore) Get(ctx context.Context, orderID string) (Order, error) {
	var zero Order
	if s == nil || s.Pool == nil {
		return zero, errors.New("order: store not configured")
	}
	row := s.Pool.QueryRow(ctx, `
		SELECT id, amount_cents, currency, buyer_email, description, status,
		       response_code, COALESCE(authorisation_code, ''), created_at, updated_at
		FROM orders WHERE id = $1`,
		orderID,
	)
	var o Order
	err := row.Scan(&o.ID, &o.AmountCents, &o.Currency, &o.BuyerEmail, &o.Description,
		&o.Status, &o.ResponseCode, &o.AuthorisationCode, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}
