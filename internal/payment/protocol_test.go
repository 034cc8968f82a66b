package payment_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tienda/internal/common"
	"github.com/noah-isme/backend-tienda/internal/config"
	"github.com/noah-isme/backend-tienda/internal/obs"
	"github.com/noah-isme/backend-tienda/internal/payment"
	"github.com/noah-isme/backend-tienda/internal/redsys"
)

const testSecret = "sq7HjrUOBfKmC576ILgskD5srU870gJ7"

func TestMain(m *testing.M) {
	obs.MustRegisterDomainMetrics("tienda_test", prometheus.NewRegistry())
	os.Exit(m.Run())
}

func testGateway() config.Gateway {
	return config.Gateway{
		MerchantCode:     "999008881",
		Terminal:         "001",
		SecretKey:        testSecret,
		Environment:      "sandbox",
		Currency:         "978",
		ConsumerLanguage: "001",
	}
}

func validCreateInput() payment.CreateInput {
	return payment.CreateInput{
		AmountCents: 12550,
		BuyerEmail:  "buyer@example.test",
		SuccessURL:  "https://shop.example.test/checkout/success",
		ErrorURL:    "https://shop.example.test/checkout/error",
	}
}

// signedNotification builds a gateway-style notification envelope signed with
// the per-order derived key.
func signedNotification(t *testing.T, orderID, responseCode string) (string, string) {
	t.Helper()
	payload := map[string]string{
		"Ds_Order":             orderID,
		"Ds_Response":          responseCode,
		"Ds_Amount":            "12550",
		"Ds_Currency":          "978",
		"Ds_AuthorisationCode": "123456",
		"Ds_Card_Number":       "454881******0004",
		"Ds_Date":              "06/11/2025",
		"Ds_Hour":              "18:03",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	envelope := base64.StdEncoding.EncodeToString(raw)
	key, err := redsys.DeriveKey(testSecret, orderID)
	require.NoError(t, err)
	return envelope, redsys.Sign(key, envelope)
}

func TestGatewaySecretDerivesKeys(t *testing.T) {
	// the fixture secret must be usable key material: base64 of 24 raw bytes
	key, err := redsys.DeriveKey(testGateway().SecretKey, "251106ABCDEF")
	require.NoError(t, err)
	assert.Len(t, key, 16)
}

func TestCreatePaymentBuildsSignedBundle(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")

	result, err := proto.CreatePayment(context.Background(), validCreateInput())
	require.NoError(t, err)

	assert.True(t, redsys.ValidOrderID(result.OrderID))
	assert.Len(t, result.OrderID, 12)
	assert.Equal(t, "https://sis-t.redsys.es:25443/sis/realizarPago", result.Endpoint)
	assert.Equal(t, int64(12550), result.AmountCents)
	assert.Equal(t, redsys.SignatureVersion, result.SignatureVersion)

	params, err := redsys.DecodeMerchant(result.MerchantParameters)
	require.NoError(t, err)
	assert.Equal(t, "12550", params.Amount)
	assert.Equal(t, result.OrderID, params.Order)
	assert.Equal(t, "999008881", params.MerchantCode)
	assert.Equal(t, "978", params.Currency)
	assert.Equal(t, "0", params.TransactionType)
	assert.Equal(t, "https://api.example.test/api/redsys/notification", params.MerchantURL)
	assert.Equal(t, "https://shop.example.test/checkout/success", params.URLOK)
	assert.Equal(t, "buyer@example.test", params.Titular)
	assert.Equal(t, "Pedido "+result.OrderID, params.ProductDescription)

	require.NoError(t, redsys.Verify(testSecret, result.MerchantParameters, result.Signature))
}

func TestCreatePaymentProductionEndpoint(t *testing.T) {
	gw := testGateway()
	gw.Environment = "production"
	proto := payment.NewProtocol(gw, "https://api.example.test")

	result, err := proto.CreatePayment(context.Background(), validCreateInput())
	require.NoError(t, err)
	assert.Equal(t, "https://sis.redsys.es/sis/realizarPago", result.Endpoint)
}

func TestCreatePaymentValidation(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")

	cases := []struct {
		name   string
		mutate func(*payment.CreateInput)
	}{
		{"zero amount", func(in *payment.CreateInput) { in.AmountCents = 0 }},
		{"negative amount", func(in *payment.CreateInput) { in.AmountCents = -500 }},
		{"missing email", func(in *payment.CreateInput) { in.BuyerEmail = "" }},
		{"bad email", func(in *payment.CreateInput) { in.BuyerEmail = "not-an-email" }},
		{"missing success url", func(in *payment.CreateInput) { in.SuccessURL = "" }},
		{"bad error url", func(in *payment.CreateInput) { in.ErrorURL = "::nope" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validCreateInput()
			tc.mutate(&in)
			_, err := proto.CreatePayment(context.Background(), in)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
		})
	}
}

func TestCreatePaymentDistinctOrderIDs(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")

	a, err := proto.CreatePayment(context.Background(), validCreateInput())
	require.NoError(t, err)
	b, err := proto.CreatePayment(context.Background(), validCreateInput())
	require.NoError(t, err)
	assert.NotEqual(t, a.OrderID, b.OrderID)
	assert.NotEqual(t, a.Signature, b.Signature)
}

func TestVerifyBrowserReturnAuthorized(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")
	envelope, sig := signedNotification(t, "251106ABCDEF", "0000")

	result, err := proto.VerifyBrowserReturn(context.Background(), envelope, sig)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.True(t, result.Outcome.Authorized())
	assert.Equal(t, "251106ABCDEF", result.OrderID)
	assert.Equal(t, int64(12550), result.AmountCents)
	assert.Equal(t, "978", result.Currency)
	assert.Equal(t, "123456", result.AuthorisationCode)
	assert.Equal(t, "****0004", result.MaskedCard)
}

func TestVerifyBrowserReturnBadSignature(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")
	envelope, _ := signedNotification(t, "251106ABCDEF", "0000")

	result, err := proto.VerifyBrowserReturn(context.Background(), envelope, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Empty(t, result.OrderID)
}

func TestVerifyBrowserReturnMalformedEnvelope(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")

	_, err := proto.VerifyBrowserReturn(context.Background(), "%%%not-base64%%%", "sig")
	require.Error(t, err)
	var decErr *redsys.DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestHandleNotificationDenied(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")
	envelope, sig := signedNotification(t, "251106ABCDEF", "0180")

	result, err := proto.HandleNotification(context.Background(), envelope, sig)
	require.NoError(t, err)
	assert.False(t, result.Outcome.Authorized())
	assert.Equal(t, 180, result.Outcome.Code)
	assert.Equal(t, "invalid card", result.Outcome.Message)
}

func TestHandleNotificationUnknownCode(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")
	envelope, sig := signedNotification(t, "251106ABCDEF", "9312")

	result, err := proto.HandleNotification(context.Background(), envelope, sig)
	require.NoError(t, err)
	assert.Equal(t, "unknown error", result.Outcome.Message)
	assert.Equal(t, 9312, result.Outcome.Code)
}

func TestHandleNotificationRejectsTampering(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")
	envelope, sig := signedNotification(t, "251106ABCDEF", "0000")

	// re-encode with a different amount but keep the original signature
	raw, err := base64.StdEncoding.DecodeString(envelope)
	require.NoError(t, err)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(raw, &fields))
	fields["Ds_Amount"] = "1"
	tampered, err := json.Marshal(fields)
	require.NoError(t, err)

	_, err = proto.HandleNotification(context.Background(), base64.StdEncoding.EncodeToString(tampered), sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, payment.ErrNotificationRejected))
}

func TestHandleNotificationMalformed(t *testing.T) {
	proto := payment.NewProtocol(testGateway(), "https://api.example.test")

	_, err := proto.HandleNotification(context.Background(), "!", "!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, payment.ErrNotificationMalformed))
}
