package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies what a billing entry pays for.
type Type string

const (
	TypeInfer          Type = "infer"
	TypeWorkflow       Type = "workflow"
	TypeWorkflowPrepay Type = "workflow_prepay"
	TypeShare          Type = "share"
	TypeToken          Type = "token"
	TypeCheckin        Type = "checkin"
	TypeOrphanPayment  Type = "orphan_payment"
)

// Valid reports whether t is a known entry type.
func (t Type) Valid() bool {
	switch t {
	case TypeInfer, TypeWorkflow, TypeWorkflowPrepay, TypeShare, TypeToken, TypeCheckin, TypeOrphanPayment:
		return true
	}
	return false
}

// Status is the lifecycle state of a billing entry.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusCompleted      Status = "completed"
	StatusExpired        Status = "expired"
	StatusFlaggedOrphan  Status = "flagged_orphan"
)

// Terminal reports whether an entry in this status may be pruned.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusFlaggedOrphan:
		return true
	}
	return false
}

// PrepaidTx is bound as tx_signature when a unit is paid from prepaid credits.
const PrepaidTx = "PREPAID_CREDITS"

// Entry is one logical billable request.
type Entry struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	Type          Type            `json:"type"`
	UserID        string          `json:"user_id"`
	ModelOrNode   string          `json:"model_or_node"`
	AmountDue     decimal.Decimal `json:"amount_usdc"`
	TokensOrCalls int64           `json:"tokens_or_calls"`
	Status        Status          `json:"status"`
	Nonce         string          `json:"nonce,omitempty"`
	TxSignature   string          `json:"tx_signature,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ExpiredAt     *time.Time      `json:"expired_at,omitempty"`
	Version       int64           `json:"version"`
	Meta          Meta            `json:"meta"`
}

// Expired reports whether a pending entry is past its deadline.
func (e Entry) Expired(now time.Time) bool {
	return e.Status == StatusPendingPayment && e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// SessionID returns the workflow session anchored in the entry, if any.
func (e Entry) SessionID() string {
	if e.Meta.Workflow == nil {
		return ""
	}
	return e.Meta.Workflow.SessionID
}

// Patch describes a guarded status transition.
type Patch struct {
	Status      Status
	TxSignature string
	PaidAt      *time.Time
	CompletedAt *time.Time
	ExpiredAt   *time.Time
	Meta        *Meta
}

// Apply mutates e according to the patch.
func (p Patch) Apply(e *Entry, now time.Time) {
	if p.Status != "" {
		e.Status = p.Status
	}
	if p.TxSignature != "" {
		e.TxSignature = p.TxSignature
	}
	if p.PaidAt != nil {
		e.PaidAt = p.PaidAt
	}
	if p.CompletedAt != nil {
		e.CompletedAt = p.CompletedAt
	}
	if p.ExpiredAt != nil {
		e.ExpiredAt = p.ExpiredAt
	}
	if p.Meta != nil {
		e.Meta = p.Meta.Clone()
	}
	e.UpdatedAt = now
	e.Version++
}

// Deposit records one top-up of an anonymous token.
type Deposit struct {
	TxID      string          `json:"tx_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Usage records one debit against an anonymous token.
type Usage struct {
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Model     string          `json:"model,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Token is an anonymous prepaid balance keyed by the hash of a caller-held secret.
type Token struct {
	Key       string          `json:"token_key"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deposits  []Deposit       `json:"deposits"`
	Usage     []Usage         `json:"usage"`
	Version   int64           `json:"version"`
}

// HasDeposit reports whether txID was already credited to the token.
func (t Token) HasDeposit(txID string) bool {
	for _, d := range t.Deposits {
		if d.TxID == txID {
			return true
		}
	}
	return false
}

// EntryStore persists billing entries.
type EntryStore interface {
	CreateEntry(ctx context.Context, entry Entry) (Entry, error)
	GetEntry(ctx context.Context, requestID string) (Entry, error)
	// MarkStatus applies patch only when the stored status equals from.
	MarkStatus(ctx context.Context, requestID string, from Status, patch Patch) (Entry, error)
	UpdateMeta(ctx context.Context, requestID string, fn func(*Meta)) (Entry, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
	// FindBySession returns the newest entry anchoring the workflow session.
	FindBySession(ctx context.Context, sessionID string) (Entry, error)
	// ExpireStale marks pending entries whose deadline is before cutoff as expired.
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)
}

// TokenStore persists anonymous tokens.
type TokenStore interface {
	GetToken(ctx context.Context, key string) (Token, error)
	CreateToken(ctx context.Context, token Token) (Token, error)
	// SaveToken writes token when the stored version equals token.Version.
	SaveToken(ctx context.Context, token Token) (Token, error)
	DeleteToken(ctx context.Context, key string) error
}

// Store defines persistence behaviour for the billing ledger.
type Store interface {
	EntryStore
	TokenStore
	Close() error
}

// Options tune retention and privacy for every backend.
type Options struct {
	// Retention bounds how long terminal entries and token history are kept. Zero keeps everything.
	Retention      time.Duration
	// StoreSensitive disables sanitization of persisted copies.
	StoreSensitive bool
	Now            func() time.Time
}

// Clock returns the configured clock or time.Now in UTC.
func (o Options) Clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// Prepare sanitizes a copy of e for persistence.
func (o Options) Prepare(e Entry) Entry {
	if o.StoreSensitive {
		e.Meta = e.Meta.Clone()
		return e
	}
	return Sanitize(e)
}

// Cutoff returns the pruning horizon, or the zero time when retention is disabled.
func (o Options) Cutoff(now time.Time) time.Time {
	if o.Retention <= 0 {
		return time.Time{}
	}
	return now.Add(-o.Retention)
}

// Prunable reports whether e is terminal and older than cutoff.
func Prunable(e Entry, cutoff time.Time) bool {
	if cutoff.IsZero() || !e.Status.Terminal() {
		return false
	}
	return e.UpdatedAt.Before(cutoff)
}

// PruneHistory drops token history older than cutoff without touching the balance.
func PruneHistory(t *Token, cutoff time.Time) {
	if cutoff.IsZero() {
		return
	}
	deposits := make([]Deposit, 0, len(t.Deposits))
	for _, d := range t.Deposits {
		if !d.Timestamp.Before(cutoff) {
			deposits = append(deposits, d)
		}
	}
	t.Deposits = deposits
	usage := make([]Usage, 0, len(t.Usage))
	for _, u := range t.Usage {
		if !u.Timestamp.Before(cutoff) {
			usage = append(usage, u)
		}
	}
	t.Usage = usage
}

// CreateOrphan records a second, conflicting payment proof for original as a new flagged entry.
func CreateOrphan(ctx context.Context, store EntryStore, original Entry, tx string, amount decimal.Decimal, requestID string, now time.Time) (Entry, error) {
	userID := original.UserID
	if userID == "" {
		userID = "unknown"
	}
	orphan := Entry{
		ID:            NewEntryID(),
		RequestID:     requestID,
		Type:          TypeOrphanPayment,
		UserID:        userID,
		ModelOrNode:   original.ModelOrNode,
		AmountDue:     amount,
		TokensOrCalls: original.TokensOrCalls,
		Status:        StatusFlaggedOrphan,
		TxSignature:   tx,
		CreatedAt:     now,
		UpdatedAt:     now,
		Meta: Meta{
			Orphan: &OrphanMeta{LinkedRequestID: original.RequestID, Reason: "duplicate_payment"},
		},
	}
	return store.CreateEntry(ctx, orphan)
}
