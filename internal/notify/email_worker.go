package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-tienda/internal/common"
)

// EmailWorker renders and sends the order emails scheduled by Enqueuer.
type EmailWorker struct {
	Mail   common.EmailSender
	From   string
	Logger zerolog.Logger
}

// Register attaches the worker's handlers to the asynq mux.
func (w EmailWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOrderConfirmation, w.handleConfirmation)
	mux.HandleFunc(TypePaymentFailed, w.handleFailed)
}

func (w EmailWorker) handleConfirmation(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Order %s confirmed", p.OrderID)
	body := fmt.Sprintf(
		"<p>Thank you! Your payment for order <b>%s</b> (%d %s minor units) was authorized.</p>",
		p.OrderID, p.AmountCents, p.Currency,
	)
	if err := w.Mail.Send(w.From, p.Email, subject, body); err != nil {
		return fmt.Errorf("notify: send confirmation for %s: %w", p.OrderID, err)
	}
	w.Logger.Info().Str("order_id", p.OrderID).Msg("confirmation email sent")
	return nil
}

func (w EmailWorker) handleFailed(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("Payment for order %s failed", p.OrderID)
	body := fmt.Sprintf("<p>Your payment for order <b>%s</b> was not authorized: %s.</p>", p.OrderID, p.Message)
	if err := w.Mail.Send(w.From, p.Email, subject, body); err != nil {
		return fmt.Errorf("notify: send failure notice for %s: %w", p.OrderID, err)
	}
	w.Logger.Info().Str("order_id", p.OrderID).Msg("failure email sent")
	return nil
}

func decodePayload(task *asynq.Task) (OrderEmail, error) {
	var p OrderEmail
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		// malformed payload will never improve; skip retries
		return p, fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	return p, nil
}
