package redsys

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MerchantParams is the outbound parameter set for a payment authorization.
// Field order matches the envelope layout the gateway documents; every value
// travels as a string, with Amount holding a decimal count of minor currency
// units.
type MerchantParams struct {
	Amount             string `json:"DS_MERCHANT_AMOUNT"`
	Order              string `json:"DS_MERCHANT_ORDER"`
	MerchantCode       string `json:"DS_MERCHANT_MERCHANTCODE"`
	Currency           string `json:"DS_MERCHANT_CURRENCY"`
	TransactionType    string `json:"DS_MERCHANT_TRANSACTIONTYPE"`
	Terminal           string `json:"DS_MERCHANT_TERMINAL"`
	MerchantURL        string `json:"DS_MERCHANT_MERCHANTURL"`
	URLOK              string `json:"DS_MERCHANT_URLOK"`
	URLKO              string `json:"DS_MERCHANT_URLKO"`
	ConsumerLanguage   string `json:"DS_MERCHANT_CONSUMERLANGUAGE"`
	ProductDescription string `json:"DS_MERCHANT_PRODUCTDESCRIPTION"`
	Titular            string `json:"DS_MERCHANT_TITULAR"`
}

// Notification is the inbound parameter set carried by browser returns and
// webhook notifications. Nothing in here is trustworthy until the signature
// over the raw envelope has been verified.
type Notification struct {
	Order             string
	Response          string
	AuthorisationCode string
	Amount            string
	Currency          string
	CardNumber        string
	Date              string
	Hour              string
}

// AmountCents parses the notification amount as minor currency units.
func (n Notification) AmountCents() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(n.Amount), 10, 64)
}

// MaskedCard returns a display-safe rendering of the card number, keeping
// only the last four digits.
func (n Notification) MaskedCard() string {
	card := strings.TrimSpace(n.CardNumber)
	if len(card) < 4 {
		return ""
	}
	return "****" + card[len(card)-4:]
}

// Encode serialises the merchant parameters to the transport envelope:
// canonical JSON wrapped in standard base64, safe to embed in a form field.
func Encode(p MerchantParams) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", &DecodeError{Reason: "structure", Err: err}
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeMerchant parses an envelope produced by Encode back into the
// outbound parameter set. Request envelopes round-trip losslessly.
func DecodeMerchant(envelope string) (MerchantParams, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return MerchantParams{}, &DecodeError{Reason: "transport", Err: err}
	}
	var p MerchantParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return MerchantParams{}, &DecodeError{Reason: "structure", Err: err}
	}
	return p, nil
}

// Decode parses a received envelope into a Notification. The gateway emits
// parameter names with inconsistent casing across response channels
// (Ds_Order vs DS_ORDER), so field lookup is case-insensitive on the
// canonical names. Request-side DS_MERCHANT_* names are accepted as aliases
// so that verification also covers envelopes echoed back unchanged.
func Decode(envelope string) (Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return Notification{}, &DecodeError{Reason: "transport", Err: err}
	}
	fields, err := foldFields(raw)
	if err != nil {
		return Notification{}, &DecodeError{Reason: "structure", Err: err}
	}
	return Notification{
		Order:             lookupField(fields, "Ds_Order", "Ds_Merchant_Order"),
		Response:          lookupField(fields, "Ds_Response"),
		AuthorisationCode: lookupField(fields, "Ds_AuthorisationCode"),
		Amount:            lookupField(fields, "Ds_Amount", "Ds_Merchant_Amount"),
		Currency:          lookupField(fields, "Ds_Currency", "Ds_Merchant_Currency"),
		CardNumber:        lookupField(fields, "Ds_Card_Number"),
		Date:              lookupField(fields, "Ds_Date"),
		Hour:              lookupField(fields, "Ds_Hour"),
	}, nil
}

// foldFields flattens the envelope object into a case-folded key map by
// walking the JSON tokens in document order. When an envelope carries
// several case variants of the same name, the first occurrence wins, so
// decoding the same bytes always yields the same result.
func foldFields(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	fields := make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		folded := strings.ToLower(key)
		if _, seen := fields[folded]; seen {
			continue
		}
		switch v := value.(type) {
		case string:
			fields[folded] = v
		case float64:
			fields[folded] = strconv.FormatInt(int64(v), 10)
		}
	}
	return fields, nil
}

func lookupField(fields map[string]string, names ...string) string {
	for _, name := range names {
		if v, ok := fields[strings.ToLower(name)]; ok {
			return v
		}
	}
	return ""
}
