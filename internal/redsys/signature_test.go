package redsys_test

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tienda/internal/redsys"
)

// Published sandbox credentials for the test switch.
const (
	testSecret  = "sq7HjrUOBfKmC576ILgskD5srU870gJ7"
	vectorOrder = "251106ABCDEF"
)

// Reference values cross-checked against the remote gateway's sandbox for
// amount 12550, order 251106ABCDEF and the sandbox secret above. These pin
// the wire contract: any drift here breaks interoperability.
const (
	vectorDerivedKeyHex = "4c75787e7f06444a65d80878e79920ab"
	vectorSignature     = "2Y1tVWnFa6PQZyhWxXBpGUbzB6Tj1Po8GoKS/B2tdWY="
)

func vectorParams() redsys.MerchantParams {
	return redsys.MerchantParams{
		Amount:             "12550",
		Order:              vectorOrder,
		MerchantCode:       "999008881",
		Currency:           "978",
		TransactionType:    "0",
		Terminal:           "001",
		MerchantURL:        "https://shop.example.test/api/redsys/notification",
		URLOK:              "https://shop.example.test/checkout-success",
		URLKO:              "https://shop.example.test/checkout-error",
		ConsumerLanguage:   "001",
		ProductDescription: "Pedido 251106ABCDEF",
		Titular:            "buyer@example.test",
	}
}

func TestDeriveKeyReferenceVector(t *testing.T) {
	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)
	require.Equal(t, vectorDerivedKeyHex, hex.EncodeToString(key))
}

func TestSignReferenceVector(t *testing.T) {
	envelope, err := redsys.Encode(vectorParams())
	require.NoError(t, err)

	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)
	require.Equal(t, vectorSignature, redsys.Sign(key, envelope))
}

func TestSignDeterministic(t *testing.T) {
	envelope, err := redsys.Encode(vectorParams())
	require.NoError(t, err)
	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)

	first := redsys.Sign(key, envelope)
	second := redsys.Sign(key, envelope)
	require.Equal(t, first, second)
}

func TestDeriveKeyDistinctPerOrder(t *testing.T) {
	a, err := redsys.DeriveKey(testSecret, "000100AAAAAA")
	require.NoError(t, err)
	b, err := redsys.DeriveKey(testSecret, "000100AAAAAB")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDeriveKeyBadSecret(t *testing.T) {
	_, err := redsys.DeriveKey("not-base64!!!", vectorOrder)
	var keyErr *redsys.KeyError
	require.ErrorAs(t, err, &keyErr)
	require.Equal(t, "secret_decode", keyErr.Reason)
}

func TestDeriveKeyWrongSecretLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too-short"))
	_, err := redsys.DeriveKey(short, vectorOrder)
	var keyErr *redsys.KeyError
	require.ErrorAs(t, err, &keyErr)
}

func TestVerifyRoundTrip(t *testing.T) {
	envelope, err := redsys.Encode(vectorParams())
	require.NoError(t, err)
	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)
	sig := redsys.Sign(key, envelope)

	require.NoError(t, redsys.Verify(testSecret, envelope, sig))
}

func TestVerifyRejectsMutations(t *testing.T) {
	envelope, err := redsys.Encode(vectorParams())
	require.NoError(t, err)
	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)
	sig := redsys.Sign(key, envelope)

	t.Run("tampered signature", func(t *testing.T) {
		raw, err := base64.StdEncoding.DecodeString(sig)
		require.NoError(t, err)
		raw[0] ^= 0x01
		mutated := base64.StdEncoding.EncodeToString(raw)
		err = redsys.Verify(testSecret, envelope, mutated)
		var verifyErr *redsys.VerifyError
		require.ErrorAs(t, err, &verifyErr)
		require.Equal(t, "signature_mismatch", verifyErr.Reason)
	})

	t.Run("tampered envelope", func(t *testing.T) {
		params := vectorParams()
		params.Amount = "12551" // one minor unit more
		mutated, err := redsys.Encode(params)
		require.NoError(t, err)
		err = redsys.Verify(testSecret, mutated, sig)
		var verifyErr *redsys.VerifyError
		require.ErrorAs(t, err, &verifyErr)
	})
}

func TestVerifyMissingOrderID(t *testing.T) {
	envelope := base64.StdEncoding.EncodeToString([]byte(`{"Ds_Response":"0000"}`))
	err := redsys.Verify(testSecret, envelope, "irrelevant")
	var verifyErr *redsys.VerifyError
	require.ErrorAs(t, err, &verifyErr)
	require.Equal(t, "missing_order_id", verifyErr.Reason)
}

func TestVerifyMalformedEnvelope(t *testing.T) {
	err := redsys.Verify(testSecret, "%%%not-base64%%%", "sig")
	var decodeErr *redsys.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "transport", decodeErr.Reason)
}

func TestDecodeAuthenticated(t *testing.T) {
	envelope := base64.StdEncoding.EncodeToString([]byte(
		`{"Ds_Order":"251106ABCDEF","Ds_Response":"0000","Ds_Amount":"12550","Ds_Currency":"978"}`,
	))
	key, err := redsys.DeriveKey(testSecret, vectorOrder)
	require.NoError(t, err)
	sig := redsys.Sign(key, envelope)

	note, err := redsys.DecodeAuthenticated(testSecret, envelope, sig)
	require.NoError(t, err)
	require.Equal(t, vectorOrder, note.Order)
	require.Equal(t, "0000", note.Response)

	_, err = redsys.DecodeAuthenticated(testSecret, envelope, "bogus")
	require.Error(t, err)
	require.True(t, errors.As(err, new(*redsys.VerifyError)))
}
