// Package notify fans out post-payment side effects: confirmation emails via
// the task queue and an optional fulfillment webhook. Everything here is
// best-effort and must never influence the HTTP response to the gateway.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names routed through the email queue.
const (
	TypeOrderConfirmation = "email:order_confirmation"
	TypePaymentFailed     = "email:payment_failed"
)

// QueueEmail is the asynq queue carrying email tasks.
const QueueEmail = "email"

// OrderEmail is the payload for both email task types.
type OrderEmail struct {
	OrderID     string `json:"orderId"`
	Email       string `json:"email"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Message     string `json:"message,omitempty"`
}

// Enqueuer schedules email tasks on the shared asynq client.
type Enqueuer struct {
	Client *asynq.Client
}

// OrderConfirmation enqueues the buyer confirmation for a paid order.
func (e Enqueuer) OrderConfirmation(ctx context.Context, p OrderEmail) error {
	return e.enqueue(ctx, TypeOrderConfirmation, p)
}

// PaymentFailed enqueues the failure notice for a denied payment.
func (e Enqueuer) PaymentFailed(ctx context.Context, p OrderEmail) error {
	return e.enqueue(ctx, TypePaymentFailed, p)
}

func (e Enqueuer) enqueue(ctx context.Context, kind string, p OrderEmail) error {
	if e.Client == nil {
		return errors.New("notify: task client not configured")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: encode %s payload: %w", kind, err)
	}
	task := asynq.NewTask(kind, payload)
	_, err = e.Client.EnqueueContext(ctx, task,
		asynq.Queue(QueueEmail),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", kind, err)
	}
	return nil
}
