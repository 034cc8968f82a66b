package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-tienda/internal/common"
	"github.com/noah-isme/backend-tienda/internal/notify"
	"github.com/noah-isme/backend-tienda/internal/order"
	"github.com/noah-isme/backend-tienda/internal/redsys"
)

// OrderStore is the persistence surface the handlers need. Satisfied by
// order.PGStore; tests plug in a stub.
type OrderStore interface {
	CreatePending(ctx context.Context, o order.Order) error
	MarkPaid(ctx context.Context, orderID string, code int, authCode string) (bool, error)
	MarkFailed(ctx context.Context, orderID string, code int) error
	AppendEvent(ctx context.Context, e order.Event) error
	Get(ctx context.Context, orderID string) (order.Order, error)
}

// TaskQueue schedules buyer emails after a notification settles. Satisfied by
// notify.Enqueuer.
type TaskQueue interface {
	OrderConfirmation(ctx context.Context, p notify.OrderEmail) error
	PaymentFailed(ctx context.Context, p notify.OrderEmail) error
}

// Handler exposes the three gateway endpoints plus order status polling.
type Handler struct {
	Proto       *Protocol
	Orders      OrderStore
	Replay      *redis.Client
	ReplayTTL   time.Duration
	Tasks       TaskQueue
	Fulfillment notify.Fulfillment
	Logger      zerolog.Logger
}

type cartReq struct {
	SubtotalCents int64 `json:"subtotalCents"`
	ShippingCents int64 `json:"shippingCents"`
	TaxCents      int64 `json:"taxCents"`
	Items         int   `json:"items"`
}

type customerReq struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type createReq struct {
	Cart       cartReq     `json:"cart"`
	Customer   customerReq `json:"customer"`
	SuccessURL string      `json:"successUrl"`
	ErrorURL   string      `json:"errorUrl"`
}

// CreatePayment builds the signed redirect bundle for a checkout and records
// the pending order before handing anything to the browser.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Proto == nil || h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}

	total := req.Cart.SubtotalCents + req.Cart.ShippingCents + req.Cart.TaxCents
	in := CreateInput{
		AmountCents: total,
		BuyerEmail:  strings.TrimSpace(req.Customer.Email),
		SuccessURL:  strings.TrimSpace(req.SuccessURL),
		ErrorURL:    strings.TrimSpace(req.ErrorURL),
	}
	if req.Cart.Items > 0 {
		in.Description = "Pedido tienda"
	}

	result, err := h.Proto.CreatePayment(r.Context(), in)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, nil)
			return
		}
		h.Logger.Error().Err(err).Msg("create payment failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not create payment", nil)
		return
	}

	err = h.Orders.CreatePending(r.Context(), order.Order{
		ID:          result.OrderID,
		AmountCents: total,
		Currency:    h.Proto.gateway.Currency,
		BuyerEmail:  in.BuyerEmail,
		Description: "Pedido " + result.OrderID,
	})
	if err != nil {
		h.Logger.Error().Err(err).Str("order_id", result.OrderID).Msg("persist pending order failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not record order", nil)
		return
	}

	h.Logger.Info().
		Str("order_id", result.OrderID).
		Int64("amount_cents", total).
		Msg("payment created")
	common.JSON(w, http.StatusOK, result)
}

type returnReq struct {
	MerchantParameters string `json:"Ds_MerchantParameters"`
	Signature          string `json:"Ds_Signature"`
}

// VerifyPayment checks the parameters posted back by the buyer's browser.
// The result is informational only; nothing here mutates order state.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Proto == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req returnReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if req.MerchantParameters == "" || req.Signature == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "Ds_MerchantParameters and Ds_Signature are required", nil)
		return
	}

	result, err := h.Proto.VerifyBrowserReturn(r.Context(), req.MerchantParameters, req.Signature)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_PARAMETERS", "could not decode merchant parameters", nil)
		return
	}
	if !result.Verified {
		common.JSON(w, http.StatusOK, map[string]any{
			"success":  false,
			"verified": false,
			"error":    "invalid signature",
		})
		return
	}

	common.JSON(w, http.StatusOK, map[string]any{
		"success":  result.Outcome.Authorized(),
		"verified": true,
		"payment": map[string]any{
			"orderId":           result.OrderID,
			"status":            result.Outcome.Status,
			"responseCode":      result.Outcome.Code,
			"message":           result.Outcome.Message,
			"amountCents":       result.AmountCents,
			"currency":          result.Currency,
			"cardNumber":        result.MaskedCard,
			"authorisationCode": result.AuthorisationCode,
			"date":              result.Date,
			"hour":              result.Hour,
		},
	})
}

// Notification processes the server-to-server webhook. This endpoint is the
// authoritative source of truth for order state. It always answers 200 so
// the gateway does not retry forever; failures are logged and counted
// instead of surfaced.
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Proto == nil || h.Orders == nil {
		common.JSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	envelope, signature := notificationParams(r)
	if envelope == "" || signature == "" {
		h.Logger.Warn().Msg("notification missing parameters")
		common.JSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	result, err := h.Proto.HandleNotification(r.Context(), envelope, signature)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("notification not authenticated")
		common.JSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	fresh := h.claimNotification(r.Context(), envelope, signature)
	if fresh {
		h.settle(r.Context(), result)
	} else {
		h.Logger.Info().Str("order_id", result.OrderID).Msg("notification replayed")
	}

	common.JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orderId": result.OrderID,
		"status":  result.Outcome.Status,
	})
}

// claimNotification marks the exact envelope+signature pair as seen. First
// delivery wins; replays skip side effects but still get the same response.
// A replay-store outage fails open, the order store transition guard still
// keeps settlement at most once.
func (h *Handler) claimNotification(ctx context.Context, envelope, signature string) bool {
	if h.Replay == nil {
		return true
	}
	ttl := h.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := "wh:redsys:" + common.Sha256Hex(envelope+"."+signature)
	ok, err := h.Replay.SetNX(ctx, key, "seen", ttl).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Msg("replay guard unavailable")
		return true
	}
	return ok
}

func (h *Handler) settle(ctx context.Context, result NotificationResult) {
	logger := h.Logger.With().
		Str("order_id", result.OrderID).
		Int("response_code", result.Outcome.Code).
		Logger()

	if result.Outcome.Authorized() {
		transitioned, err := h.Orders.MarkPaid(ctx, result.OrderID, result.Outcome.Code, result.AuthorisationCode)
		if err != nil {
			logger.Error().Err(err).Msg("mark paid failed")
			return
		}
		h.appendEvent(ctx, result)
		if !transitioned {
			logger.Info().Msg("order already settled")
			return
		}
		logger.Info().Msg("order paid")
		h.afterPaid(ctx, result, logger)
		return
	}

	if err := h.Orders.MarkFailed(ctx, result.OrderID, result.Outcome.Code); err != nil {
		logger.Error().Err(err).Msg("mark failed failed")
		return
	}
	h.appendEvent(ctx, result)
	logger.Info().Str("message", result.Outcome.Message).Msg("payment denied")
	if h.Tasks != nil {
		err := h.Tasks.PaymentFailed(ctx, notify.OrderEmail{
			OrderID:     result.OrderID,
			AmountCents: result.AmountCents,
			Currency:    result.Currency,
			Message:     result.Outcome.Message,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("enqueue failure notice failed")
		}
	}
}

func (h *Handler) afterPaid(ctx context.Context, result NotificationResult, logger zerolog.Logger) {
	if h.Tasks != nil {
		o, err := h.Orders.Get(ctx, result.OrderID)
		email := ""
		if err == nil {
			email = o.BuyerEmail
		}
		err = h.Tasks.OrderConfirmation(ctx, notify.OrderEmail{
			OrderID:     result.OrderID,
			Email:       email,
			AmountCents: result.AmountCents,
			Currency:    result.Currency,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("enqueue confirmation failed")
		}
	}
	if h.Fulfillment.Enabled() {
		err := h.Fulfillment.Deliver(ctx, notify.FulfillmentEvent{
			OrderID:           result.OrderID,
			AmountCents:       result.AmountCents,
			Currency:          result.Currency,
			AuthorisationCode: result.AuthorisationCode,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("fulfillment delivery failed")
		}
	}
}

func (h *Handler) appendEvent(ctx context.Context, result NotificationResult) {
	err := h.Orders.AppendEvent(ctx, order.Event{
		OrderID: result.OrderID,
		Status:  result.Outcome.Status,
		Code:    result.Outcome.Code,
		Message: result.Outcome.Message,
	})
	if err != nil {
		h.Logger.Warn().Err(err).Str("order_id", result.OrderID).Msg("append payment event failed")
	}
}

// Status reports the persisted state of an order for storefront polling.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if !redsys.ValidOrderID(orderID) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid orderId", nil)
		return
	}
	o, err := h.Orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error().Err(err).Str("order_id", orderID).Msg("order lookup failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order lookup failed", nil)
		return
	}
	resp := map[string]any{
		"orderId":     o.ID,
		"status":      o.Status,
		"amountCents": o.AmountCents,
		"currency":    o.Currency,
		"createdAt":   o.CreatedAt,
		"updatedAt":   o.UpdatedAt,
	}
	if o.ResponseCode != nil {
		resp["responseCode"] = *o.ResponseCode
	}
	common.JSON(w, http.StatusOK, resp)
}

// notificationParams extracts the envelope and signature from either a form
// post (Redsys default) or a JSON body.
func notificationParams(r *http.Request) (envelope, signature string) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return "", ""
		}
		return r.PostForm.Get("Ds_MerchantParameters"), r.PostForm.Get("Ds_Signature")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", ""
	}
	var payload struct {
		MerchantParameters string `json:"Ds_MerchantParameters"`
		Signature          string `json:"Ds_Signature"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	return payload.MerchantParameters, payload.Signature
}
