// Package rewards grants the once-per-day check-in reward.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/syncutil"
)

// DefaultReward is granted per claim unless configured otherwise.
var DefaultReward = decimal.RequireFromString("0.01")

// Checkin grants daily rewards.
type Checkin struct {
	store  ledger.EntryStore
	reward decimal.Decimal
	logger *zap.Logger
	now    func() time.Time
	locks  syncutil.KeyedMutex
}

// NewCheckin builds a Checkin. A non-positive reward falls back to DefaultReward.
func NewCheckin(store ledger.EntryStore, reward decimal.Decimal, logger *zap.Logger, now func() time.Time) *Checkin {
	if !reward.IsPositive() {
		reward = DefaultReward
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Checkin{store: store, reward: reward.Round(6), logger: logger.Named("checkin"), now: now}
}

// DayKey is the UTC calendar day of t.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// ClaimID is the request id of userID's claim on day. The ledger's unique
// request id makes a second claim for the same day fail to insert.
func ClaimID(userID, day string) string { return "checkin:" + day + ":" + userID }

// Claim records today's reward for userID, or fails with checkin_limit when
// it was already claimed.
func (c *Checkin) Claim(ctx context.Context, userID, walletAddress string) (ledger.Entry, error) {
	if strings.TrimSpace(walletAddress) == "" {
		return ledger.Entry{}, ledger.Fail(ledger.CodeMissingWallet, "wallet_address is required")
	}
	unlock := c.locks.Lock(userID)
	defer unlock()

	now := c.now()
	today := DayKey(now)
	id := ClaimID(userID, today)
	if prev, err := c.store.GetEntry(ctx, id); err == nil {
		return ledger.Entry{}, claimed(prev, today)
	} else if !ledger.IsNotFound(err) {
		return ledger.Entry{}, fmt.Errorf("load check-in: %w", err)
	}

	entry, err := c.store.CreateEntry(ctx, ledger.Entry{
		ID:            ledger.NewEntryID(),
		RequestID:     id,
		Type:          ledger.TypeCheckin,
		UserID:        userID,
		ModelOrNode:   "daily_checkin",
		AmountDue:     c.reward,
		TokensOrCalls: 1,
		Status:        ledger.StatusCompleted,
		TxSignature:   "simulated_tx_" + uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		CompletedAt:   &now,
		Meta: ledger.Meta{
			Description:   "Daily check-in reward",
			WalletAddress: walletAddress,
			Checkin:       &ledger.CheckinMeta{DayKey: today},
		},
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		// Claimed concurrently by another process sharing the ledger.
		prev, gerr := c.store.GetEntry(ctx, id)
		if gerr != nil {
			return ledger.Entry{}, fmt.Errorf("load check-in: %w", gerr)
		}
		return ledger.Entry{}, claimed(prev, today)
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("record check-in: %w", err)
	}
	c.logger.Info("check-in claimed", zap.String("user_id", userID), zap.String("day", today))
	return entry, nil
}

func claimed(prev ledger.Entry, day string) *ledger.Error {
	return ledger.Fail(ledger.CodeCheckinLimit, "daily check-in already claimed").
		With("tx_signature", prev.TxSignature).
		With("last_claimed", day)
}
