package redsys

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// DeriveKey produces the per-order signing key mandated by the gateway: the
// order id encrypted under the raw shared secret with 3DES in CBC mode, an
// all-zero IV and zero-byte padding to the block size. The construction is a
// fixed wire-contract requirement and must stay bit-exact.
func DeriveKey(secretB64, orderID string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, &KeyError{Reason: "secret_decode", Err: err}
	}
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, &KeyError{Reason: "secret_decode", Err: err}
	}

	plaintext := []byte(orderID)
	padding := block.BlockSize() - len(plaintext)%block.BlockSize()
	plaintext = append(plaintext, bytes.Repeat([]byte{0}, padding)...)

	iv := make([]byte, block.BlockSize())
	derived := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(derived, plaintext)
	return derived, nil
}

// Sign computes the base64-encoded HMAC-SHA256 tag over the raw envelope
// text using the derived per-order key.
func Sign(derivedKey []byte, envelope string) string {
	mac := hmac.New(sha256.New, derivedKey)
	mac.Write([]byte(envelope))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the envelope exactly as received and
// compares it to the claimed one in constant time. The envelope is decoded
// only to recover the order id required for key derivation; its contents
// remain untrusted until this returns nil.
func Verify(secretB64, envelope, claimedSig string) error {
	note, err := Decode(envelope)
	if err != nil {
		return err
	}
	if strings.TrimSpace(note.Order) == "" {
		return &VerifyError{Reason: "missing_order_id"}
	}
	key, err := DeriveKey(secretB64, note.Order)
	if err != nil {
		return err
	}
	expected := Sign(key, envelope)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(claimedSig))) {
		return &VerifyError{Reason: "signature_mismatch"}
	}
	return nil
}

// DecodeAuthenticated verifies the envelope signature and, only on success,
// returns the decoded parameters as trusted input.
func DecodeAuthenticated(secretB64, envelope, claimedSig string) (Notification, error) {
	if err := Verify(secretB64, envelope, claimedSig); err != nil {
		return Notification{}, err
	}
	return Decode(envelope)
}
