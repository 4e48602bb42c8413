// Package verifier checks payment proofs against a settlement network.
package verifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome codes.
const (
	CodeOK                = "ok"
	CodeTrusted           = "trusted"
	CodeMissingTxID       = "missing_tx_id"
	CodeMissingRecipient  = "missing_recipient"
	CodeTxNotFound        = "tx_not_found"
	CodeTxNotAccepted     = "tx_not_accepted"
	CodeNoTransferFound   = "no_transfer_found"
	CodeAmountTooLow      = "amount_too_low"
	CodeVerificationError = "verification_error"
)

// Request describes the transfer an invoice expects.
type Request struct {
	Tx        string
	Amount    decimal.Decimal
	Recipient string
	Network   string
	Wallet    string
}

// Outcome is the verdict for one proof.
type Outcome struct {
	OK      bool
	Code    string
	Message string
	Payer   string
	// Paid is the on-chain amount in display units, when known.
	Paid decimal.Decimal
	Raw  json.RawMessage
}

// Verifier confirms that a transaction pays a recipient at least an amount.
// A returned error means the check could not complete (timeout, transport);
// a completed check with a negative verdict is an Outcome with OK false.
type Verifier interface {
	Verify(ctx context.Context, req Request) (Outcome, error)
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, req Request) (Outcome, error)

// Verify calls f.
func (f Func) Verify(ctx context.Context, req Request) (Outcome, error) { return f(ctx, req) }

// ExplorerURL joins an explorer base and a transaction id.
func ExplorerURL(base, tx string) string {
	if base == "" || tx == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/" + tx
}

// ToBaseUnits scales a display amount to integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Shift(decimals).Floor()
}
