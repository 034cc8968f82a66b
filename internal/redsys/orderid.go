package redsys

import (
	"crypto/rand"
	"time"
)

const (
	orderIDLength  = 12
	orderStampSize = 6
	suffixAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewOrderID mints a gateway-compliant order identifier: a 6-character UTC
// date stamp followed by 6 random characters from a 36-symbol alphabet,
// exactly 12 characters total. Uniqueness is probabilistic; callers needing a
// hard guarantee must check against their order store.
func NewOrderID() string {
	return newOrderIDAt(time.Now())
}

func newOrderIDAt(now time.Time) string {
	stamp := now.UTC().Format("060102150405")[:orderStampSize]

	suffix := make([]byte, orderIDLength-orderStampSize)
	random := make([]byte, len(suffix))
	if _, err := rand.Read(random); err != nil {
		// crypto/rand never fails on supported platforms; a broken entropy
		// source is not something we can recover from here.
		panic(err)
	}
	for i, b := range random {
		suffix[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return stamp + string(suffix)
}

// ValidOrderID reports whether id satisfies the gateway's identifier grammar:
// 4 to 12 characters, alphanumeric, with the first four numeric.
func ValidOrderID(id string) bool {
	if len(id) < 4 || len(id) > orderIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		digit := c >= '0' && c <= '9'
		if i < 4 && !digit {
			return false
		}
		if !digit && !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
