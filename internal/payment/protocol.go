// Package payment orchestrates the three Redsys flows: building signed
// payment requests, verifying browser returns, and processing webhook
// notifications.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/backend-tienda/internal/common"
	"github.com/noah-isme/backend-tienda/internal/config"
	"github.com/noah-isme/backend-tienda/internal/obs"
	"github.com/noah-isme/backend-tienda/internal/redsys"
)

var tracer = otel.Tracer("github.com/noah-isme/backend-tienda/internal/payment")

// Protocol drives the signing protocol against a single merchant
// configuration. The gateway credentials are fixed at construction and never
// mutated; rotation is a restart.
type Protocol struct {
	gateway       config.Gateway
	publicBaseURL string
	validate      *validator.Validate
}

// NewProtocol builds a Protocol for the given gateway credentials. The
// notification URL handed to the gateway is derived from publicBaseURL.
func NewProtocol(gw config.Gateway, publicBaseURL string) *Protocol {
	return &Protocol{
		gateway:       gw,
		publicBaseURL: publicBaseURL,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateInput carries everything needed to build a payment request. Amounts
// are minor currency units end to end.
type CreateInput struct {
	AmountCents int64  `validate:"required,gt=0"`
	BuyerEmail  string `validate:"required,email"`
	Description string `validate:"max=125"`
	SuccessURL  string `validate:"required,url"`
	ErrorURL    string `validate:"required,url"`
}

// CreateResult is the redirect bundle the storefront posts to the gateway.
type CreateResult struct {
	OrderID            string `json:"orderId"`
	AmountCents        int64  `json:"amountCents"`
	Endpoint           string `json:"redsysUrl"`
	MerchantParameters string `json:"merchantParameters"`
	Signature          string `json:"signature"`
	SignatureVersion   string `json:"signatureVersion"`
}

// CreatePayment assigns a fresh order id, encodes the merchant parameters and
// signs the envelope with the per-order derived key.
func (p *Protocol) CreatePayment(ctx context.Context, in CreateInput) (CreateResult, error) {
	ctx, span := tracer.Start(ctx, "payment.create", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := p.validate.StructCtx(ctx, in); err != nil {
		obs.PaymentCreateTotal.WithLabelValues("invalid").Inc()
		return CreateResult{}, common.ValidationError("invalid payment request", err)
	}

	orderID := redsys.NewOrderID()
	span.SetAttributes(attribute.String("order.id", orderID))

	description := in.Description
	if description == "" {
		description = "Pedido " + orderID
	}

	params := redsys.MerchantParams{
		Amount:             strconv.FormatInt(in.AmountCents, 10),
		Order:              orderID,
		MerchantCode:       p.gateway.MerchantCode,
		Currency:           p.gateway.Currency,
		TransactionType:    "0",
		Terminal:           p.gateway.Terminal,
		MerchantURL:        p.publicBaseURL + "/api/redsys/notification",
		URLOK:              in.SuccessURL,
		URLKO:              in.ErrorURL,
		ConsumerLanguage:   p.gateway.ConsumerLanguage,
		ProductDescription: description,
		Titular:            in.BuyerEmail,
	}

	envelope, err := redsys.Encode(params)
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues("error").Inc()
		return CreateResult{}, fmt.Errorf("payment: encode merchant parameters: %w", err)
	}
	key, err := redsys.DeriveKey(p.gateway.SecretKey, orderID)
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues("error").Inc()
		return CreateResult{}, fmt.Errorf("payment: derive order key: %w", err)
	}

	obs.PaymentCreateTotal.WithLabelValues("ok").Inc()
	return CreateResult{
		OrderID:            orderID,
		AmountCents:        in.AmountCents,
		Endpoint:           redsys.Endpoint(p.gateway.Environment),
		MerchantParameters: envelope,
		Signature:          redsys.Sign(key, envelope),
		SignatureVersion:   redsys.SignatureVersion,
	}, nil
}

// ReturnResult is the informational result of a browser-return verification.
// Verified is false when the signature does not match; the remaining fields
// are only populated for verified returns.
type ReturnResult struct {
	Verified          bool
	Outcome           redsys.Outcome
	OrderID           string
	AmountCents       int64
	Currency          string
	MaskedCard        string
	AuthorisationCode string
	Date              string
	Hour              string
}

// VerifyBrowserReturn checks the signature on a browser-return envelope and
// classifies the response code. A signature mismatch is a handled result,
// not an error; malformed envelopes are reported as a DecodeError so the
// caller can reject the request outright.
func (p *Protocol) VerifyBrowserReturn(ctx context.Context, envelope, signature string) (ReturnResult, error) {
	_, span := tracer.Start(ctx, "payment.verify_return", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	note, err := redsys.DecodeAuthenticated(p.gateway.SecretKey, envelope, signature)
	if err != nil {
		var verr *redsys.VerifyError
		if errors.As(err, &verr) {
			obs.PaymentVerifyTotal.WithLabelValues("rejected").Inc()
			return ReturnResult{}, nil
		}
		obs.PaymentVerifyTotal.WithLabelValues("malformed").Inc()
		return ReturnResult{}, err
	}

	outcome := p.classify(note.Response)
	span.SetAttributes(
		attribute.String("order.id", note.Order),
		attribute.String("payment.status", outcome.Status),
	)

	amount, err := note.AmountCents()
	if err != nil {
		amount = 0
	}

	obs.PaymentVerifyTotal.WithLabelValues(outcome.Status).Inc()
	return ReturnResult{
		Verified:          true,
		Outcome:           outcome,
		OrderID:           note.Order,
		AmountCents:       amount,
		Currency:          note.Currency,
		MaskedCard:        note.MaskedCard(),
		AuthorisationCode: note.AuthorisationCode,
		Date:              note.Date,
		Hour:              note.Hour,
	}, nil
}

// NotificationResult is the authoritative outcome of a verified webhook
// notification.
type NotificationResult struct {
	Outcome           redsys.Outcome
	OrderID           string
	AmountCents       int64
	Currency          string
	AuthorisationCode string
}

// Errors distinguishing the webhook rejection reasons. The HTTP layer still
// answers 200 for all of them; the gateway retries on non-200 and a broken
// notification never becomes valid.
var (
	ErrNotificationRejected  = common.NewAppError("NOTIFICATION_REJECTED", "notification signature mismatch", http.StatusOK, nil)
	ErrNotificationMalformed = common.NewAppError("NOTIFICATION_MALFORMED", "notification envelope malformed", http.StatusOK, nil)
)

// HandleNotification authenticates a webhook envelope and classifies its
// response code. Only data that survived signature verification is returned.
func (p *Protocol) HandleNotification(ctx context.Context, envelope, signature string) (NotificationResult, error) {
	_, span := tracer.Start(ctx, "payment.notification", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	note, err := redsys.DecodeAuthenticated(p.gateway.SecretKey, envelope, signature)
	if err != nil {
		var verr *redsys.VerifyError
		if errors.As(err, &verr) {
			obs.PaymentNotificationTotal.WithLabelValues("rejected").Inc()
			return NotificationResult{}, fmt.Errorf("%w: %s", ErrNotificationRejected, verr.Reason)
		}
		obs.PaymentNotificationTotal.WithLabelValues("malformed").Inc()
		return NotificationResult{}, fmt.Errorf("%w: %v", ErrNotificationMalformed, err)
	}

	outcome := p.classify(note.Response)
	span.SetAttributes(
		attribute.String("order.id", note.Order),
		attribute.String("payment.status", outcome.Status),
		attribute.Int("payment.code", outcome.Code),
	)

	amount, err := note.AmountCents()
	if err != nil {
		amount = 0
	}

	obs.PaymentNotificationTotal.WithLabelValues(outcome.Status).Inc()
	return NotificationResult{
		Outcome:           outcome,
		OrderID:           note.Order,
		AmountCents:       amount,
		Currency:          note.Currency,
		AuthorisationCode: note.AuthorisationCode,
	}, nil
}

func (p *Protocol) classify(code string) redsys.Outcome {
	outcome := redsys.Classify(code)
	if outcome.Status == redsys.StatusError && outcome.Message == "unknown error" {
		obs.GatewayCodeUnknownTotal.Inc()
	}
	return outcome
}
