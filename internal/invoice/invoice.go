// Package invoice issues 402 invoices and settles payment proofs against them.
package invoice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokligence/paygate/internal/ledger"
)

// Policy selects how on-chain verification gates settlement.
type Policy string

const (
	// PolicyFailOpen accepts the client's tx id and verifies in the background.
	PolicyFailOpen Policy = "fail_open"
	// PolicyFailClosed verifies before binding the proof.
	PolicyFailClosed Policy = "fail_closed"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyFailOpen:
		return PolicyFailOpen, nil
	case PolicyFailClosed:
		return PolicyFailClosed, nil
	}
	return "", fmt.Errorf("invoice: unknown verify policy %q", s)
}

// Config holds invoice and settlement settings.
type Config struct {
	TTL             time.Duration
	Network         string
	Recipient       string
	Currency        string
	ExplorerBaseURL string
	Policy          Policy
	VerifyTimeout   time.Duration
	ExecTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
	if c.Currency == "" {
		c.Currency = "ALEO"
	}
	if c.Policy == "" {
		c.Policy = PolicyFailOpen
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 2 * time.Minute
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 60 * time.Second
	}
	return c
}

// CreateRequest describes a unit to invoice.
type CreateRequest struct {
	Type        ledger.Type
	UserID      string
	Unit        string
	Amount      decimal.Decimal
	UnitCount   int64
	Description string
	Meta        ledger.Meta
}

// Invoice is the wire projection of a pending entry.
type Invoice struct {
	RequestID     string          `json:"request_id"`
	Type          ledger.Type     `json:"type"`
	Amount        decimal.Decimal `json:"amount_usdc"`
	Nonce         string          `json:"nonce"`
	ModelOrNode   string          `json:"model_or_node"`
	TokensOrCalls int64           `json:"tokens_or_calls"`
	Description   string          `json:"description"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Network       string          `json:"network,omitempty"`
	Recipient     string          `json:"recipient,omitempty"`
	Currency      string          `json:"currency,omitempty"`

	Meta ledger.Meta `json:"-"`
}

// Body renders the 402 response body. Extras are merged last.
func (inv Invoice) Body(extras map[string]any) map[string]any {
	body := map[string]any{
		"status":          "payment_required",
		"request_id":      inv.RequestID,
		"type":            inv.Type,
		"amount_usdc":     inv.Amount,
		"nonce":           inv.Nonce,
		"model_or_node":   inv.ModelOrNode,
		"tokens_or_calls": inv.TokensOrCalls,
		"description":     inv.Description,
		"expires_at":      inv.ExpiresAt,
		"network":         inv.Network,
		"recipient":       inv.Recipient,
		"currency":        inv.Currency,
	}
	for k, v := range extras {
		body[k] = v
	}
	return body
}

// ExpiredError reports that the settled invoice lapsed and a replacement was issued.
type ExpiredError struct {
	PreviousRequestID string
	Invoice           Invoice
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("invoice %s expired; reissued as %s", e.PreviousRequestID, e.Invoice.RequestID)
}

// Unwrap exposes the timeout code to ledger.CodeOf.
func (e *ExpiredError) Unwrap() error {
	return ledger.Fail(ledger.CodeTimeout, "invoice expired; issuing a new 402").
		With("previous_request_id", e.PreviousRequestID)
}

// Settlement is a successful settle outcome.
type Settlement struct {
	Entry    ledger.Entry
	Replayed bool
	Explorer string
	// Charged is zero for prepaid-credit settlements.
	Charged decimal.Decimal
}

// Result returns the cached execution result, if any.
func (s Settlement) Result() *ledger.Result {
	return s.Entry.Meta.Result
}
