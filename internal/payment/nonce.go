package payment

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// Epsilon absorbs float rounding in client-reported amounts.
var Epsilon = decimal.New(1, -9)

// NewNonce returns 32 hex characters from crypto/rand.
func NewNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("payment: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Covers reports whether paid settles due within Epsilon.
func Covers(paid, due decimal.Decimal) bool {
	return !paid.Add(Epsilon).LessThan(due)
}
