package redsys

import (
	"strconv"
	"strings"
)

// Outcome classifies a gateway response code.
type Outcome struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	// StatusSuccess marks an authorized transaction.
	StatusSuccess = "success"
	// StatusError marks any denied or unclassifiable response.
	StatusError = "error"
)

// denialMessages is the gateway's closed table of known denial codes. It is
// versioned contract data, not logic: codes absent here fall back to the
// generic unknown-error outcome with the raw code preserved for audit.
var denialMessages = map[int]string{
	101: "expired card",
	102: "card in transitory exception or under suspicion of fraud",
	104: "operation not allowed for this card or terminal",
	106: "PIN attempts exceeded",
	107: "card control module contacted the issuer",
	109: "invalid merchant or terminal",
	110: "invalid amount",
	116: "insufficient funds",
	118: "card not registered",
	125: "card not effective",
	129: "incorrect security code (CVV2/CVC2)",
	167: "suspected fraud",
	180: "invalid card",
	184: "cardholder authentication error",
	190: "refusal with no specific reason",
	191: "wrong expiry date",
	202: "card in transitory exception or under suspicion of fraud",
	904: "merchant not registered at FUC",
	909: "system error",
	913: "duplicate order",
	944: "session error",
	950: "refund operation not allowed",
}

// Classify maps a raw gateway response code to a payment outcome. Codes 0-99
// authorize; every other parsable code resolves through the denial table or
// the unknown fallback. The function is total: non-numeric input yields an
// error outcome with code -1.
func Classify(code string) Outcome {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return Outcome{Status: StatusError, Code: -1, Message: "unknown error"}
	}
	if n >= 0 && n <= 99 {
		return Outcome{Status: StatusSuccess, Code: n, Message: "transaction authorized"}
	}
	if msg, ok := denialMessages[n]; ok {
		return Outcome{Status: StatusError, Code: n, Message: msg}
	}
	return Outcome{Status: StatusError, Code: n, Message: "unknown error"}
}

// Authorized reports whether the outcome represents an approved transaction.
func (o Outcome) Authorized() bool { return o.Status == StatusSuccess }
