// Package redsys implements the signing and verification protocol spoken by
// the Redsys card-processing switch: merchant parameter encoding, per-order
// key derivation, HMAC signatures and response-code classification. All
// operations are pure functions of their inputs and safe for concurrent use.
package redsys

import "fmt"

// SignatureVersion identifies the signature scheme expected by the gateway.
const SignatureVersion = "HMAC_SHA256_V1"

const (
	productionURL = "https://sis.redsys.es/sis/realizarPago"
	sandboxURL    = "https://sis-t.redsys.es:25443/sis/realizarPago"
)

// Endpoint returns the gateway form-submission URL for the given environment.
// Anything other than "production" resolves to the test switch.
func Endpoint(environment string) string {
	if environment == "production" {
		return productionURL
	}
	return sandboxURL
}

// DecodeError reports a malformed transport envelope. Reason is "transport"
// when the base64 layer is broken and "structure" when the underlying JSON is.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("redsys: decode envelope (%s): %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// KeyError reports malformed shared-secret material. This is a configuration
// fault: it should abort startup, not surface per request.
type KeyError struct {
	Reason string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("redsys: key material (%s): %v", e.Reason, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// VerifyError reports a failed signature verification on untrusted input.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "redsys: verify: " + e.Reason
}
