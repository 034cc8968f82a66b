package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FulfillmentEvent is the payload delivered to the fulfillment endpoint when
// an order transitions to paid.
type FulfillmentEvent struct {
	OrderID           string `json:"orderId"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	AuthorisationCode string `json:"authorisationCode,omitempty"`
}

// Fulfillment posts order-paid events to an external fulfillment system.
// A zero URL disables delivery.
type Fulfillment struct {
	URL    string
	Client *http.Client
}

// NewFulfillment builds a delivery client with an instrumented transport.
func NewFulfillment(url string, timeout time.Duration) Fulfillment {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return Fulfillment{
		URL: url,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Enabled reports whether a fulfillment endpoint is configured.
func (f Fulfillment) Enabled() bool { return f.URL != "" }

// Deliver posts the event. Errors are returned for logging only; fulfillment
// delivery never gates the webhook response to the gateway.
func (f Fulfillment) Deliver(ctx context.Context, event FulfillmentEvent) error {
	if !f.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode fulfillment event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build fulfillment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver fulfillment event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: fulfillment endpoint answered %d", resp.StatusCode)
	}
	return nil
}
