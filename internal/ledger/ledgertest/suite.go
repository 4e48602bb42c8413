// Package ledgertest holds behaviour tests shared by every ledger.Store backend.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/paygate/internal/ledger"
)

// Clock is a settable time source for retention tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed UTC instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens a fresh store using opts.
type Factory func(t *testing.T, opts ledger.Options) ledger.Store

// PendingEntry builds a pending infer entry for tests.
func PendingEntry(userID string, amount string, now time.Time) ledger.Entry {
	expires := now.Add(5 * time.Minute)
	return ledger.Entry{
		RequestID:     uuid.NewString(),
		Type:          ledger.TypeInfer,
		UserID:        userID,
		ModelOrNode:   "demo-model",
		AmountDue:     decimal.RequireFromString(amount),
		TokensOrCalls: 1,
		Status:        ledger.StatusPendingPayment,
		Nonce:         "nonce-" + uuid.NewString()[:8],
		ExpiresAt:     &expires,
		Meta: ledger.Meta{
			Description:   "Invoke demo-model",
			Prompt:        "secret prompt",
			WalletAddress: "aleo1wallet",
			Inference:     &ledger.InferenceMeta{Model: "demo-model"},
		},
	}
}

// Run exercises the full ledger.Store contract.
func Run(t *testing.T, open Factory) {
	t.Run("CreateAndGet", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()

		created, err := store.CreateEntry(ctx, PendingEntry("u1", "0.0025", clock.Now()))
		require.NoError(t, err)
		assert.True(t, ledger.ValidEntryID(created.ID))

		got, err := store.GetEntry(ctx, created.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingPayment, got.Status)
		assert.True(t, decimal.RequireFromString("0.0025").Equal(got.AmountDue))
		assert.Equal(t, "", got.Meta.Prompt, "prompt must be stripped")
		assert.Equal(t, "", got.Meta.WalletAddress, "wallet must be stripped")
		assert.Equal(t, "demo-model", got.Meta.Inference.Model)

		_, err = store.CreateEntry(ctx, got)
		assert.ErrorIs(t, err, ledger.ErrDuplicate)

		_, err = store.GetEntry(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("StoreSensitiveKeepsPrompt", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now, StoreSensitive: true})
		created, err := store.CreateEntry(context.Background(), PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)
		got, err := store.GetEntry(context.Background(), created.RequestID)
		require.NoError(t, err)
		assert.Equal(t, "secret prompt", got.Meta.Prompt)
	})

	t.Run("RejectsMismatchedMeta", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		e := PendingEntry("u1", "1", clock.Now())
		e.Meta.Share = &ledger.ShareMeta{ShareID: "s"}
		_, err := store.CreateEntry(context.Background(), e)
		assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
	})

	t.Run("MarkStatusGuardsTransition", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		created, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		paidAt := clock.Now()
		paid, err := store.MarkStatus(ctx, created.RequestID, ledger.StatusPendingPayment, ledger.Patch{
			Status:      ledger.StatusPaid,
			TxSignature: "at1tx",
			PaidAt:      &paidAt,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPaid, paid.Status)
		assert.Equal(t, "at1tx", paid.TxSignature)
		require.NotNil(t, paid.PaidAt)

		_, err = store.MarkStatus(ctx, created.RequestID, ledger.StatusPendingPayment, ledger.Patch{Status: ledger.StatusPaid})
		assert.ErrorIs(t, err, ledger.ErrConflict)

		got, err := store.GetEntry(ctx, created.RequestID)
		require.NoError(t, err)
		assert.Equal(t, "at1tx", got.TxSignature)
		assert.Equal(t, paid.Version, got.Version)
	})

	t.Run("ConcurrentTransitionsHaveOneWinner", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		created, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.MarkStatus(ctx, created.RequestID, ledger.StatusPendingPayment, ledger.Patch{Status: ledger.StatusPaid})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("UpdateMeta", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		created, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		updated, err := store.UpdateMeta(ctx, created.RequestID, func(m *ledger.Meta) {
			m.Verification = &ledger.Verification{OK: true, Code: "ok", Raw: []byte(`{"tx":"x"}`)}
		})
		require.NoError(t, err)
		require.NotNil(t, updated.Meta.Verification)
		assert.True(t, updated.Meta.Verification.OK)
		assert.Nil(t, updated.Meta.Verification.Raw, "raw verification payload must be stripped")
		assert.Equal(t, created.Version+1, updated.Version)
	})

	t.Run("ListByUserNewestFirst", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			e, err := store.CreateEntry(ctx, PendingEntry("u7", "1", clock.Now()))
			require.NoError(t, err)
			ids = append(ids, e.RequestID)
			clock.Advance(time.Second)
		}
		_, err := store.CreateEntry(ctx, PendingEntry("other", "1", clock.Now()))
		require.NoError(t, err)

		list, err := store.ListByUser(ctx, "u7", 2)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, ids[2], list[0].RequestID)
		assert.Equal(t, ids[1], list[1].RequestID)
	})

	t.Run("FindBySession", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		e := PendingEntry("u1", "3", clock.Now())
		e.Type = ledger.TypeWorkflowPrepay
		e.Meta.Inference = nil
		e.Meta.Workflow = &ledger.WorkflowMeta{
			SessionID: "sess-1",
			Nodes:     []ledger.Node{{Name: "a", Calls: 1}, {Name: "b", Calls: 2}},
		}
		_, err := store.CreateEntry(ctx, e)
		require.NoError(t, err)

		found, err := store.FindBySession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, e.RequestID, found.RequestID)
		assert.Len(t, found.Meta.Workflow.Nodes, 2)

		_, err = store.FindBySession(ctx, "nope")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("ExpireStale", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		stale, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)
		clock.Advance(time.Hour)
		fresh, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		n, err := store.ExpireStale(ctx, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.GetEntry(ctx, stale.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusExpired, got.Status)
		got, err = store.GetEntry(ctx, fresh.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingPayment, got.Status)
	})

	t.Run("RetentionSkipsNonTerminal", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now, Retention: time.Hour})
		ctx := context.Background()

		pending, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)
		done, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)
		_, err = store.MarkStatus(ctx, done.RequestID, ledger.StatusPendingPayment, ledger.Patch{Status: ledger.StatusCompleted})
		require.NoError(t, err)

		clock.Advance(3 * time.Hour)
		_, err = store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		_, err = store.GetEntry(ctx, pending.RequestID)
		assert.NoError(t, err, "pending entries are never pruned")
		_, err = store.GetEntry(ctx, done.RequestID)
		assert.ErrorIs(t, err, ledger.ErrNotFound, "completed entry past retention is pruned")
	})

	t.Run("OrphanLinksOriginal", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()
		original, err := store.CreateEntry(ctx, PendingEntry("u1", "1", clock.Now()))
		require.NoError(t, err)

		orphan, err := ledger.CreateOrphan(ctx, store, original, "at1other", decimal.RequireFromString("1"), uuid.NewString(), clock.Now())
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFlaggedOrphan, orphan.Status)
		assert.Equal(t, original.RequestID, orphan.Meta.Orphan.LinkedRequestID)

		got, err := store.GetEntry(ctx, original.RequestID)
		require.NoError(t, err)
		assert.Equal(t, original.Version, got.Version, "original entry is untouched")
	})

	t.Run("TokenLifecycle", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now})
		ctx := context.Background()

		created, err := store.CreateToken(ctx, ledger.Token{
			Key:      "k1",
			Balance:  decimal.RequireFromString("5"),
			Deposits: []ledger.Deposit{{TxID: "tx1", Amount: decimal.RequireFromString("5"), Timestamp: clock.Now()}},
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, created.Version)

		_, err = store.CreateToken(ctx, ledger.Token{Key: "k1"})
		assert.ErrorIs(t, err, ledger.ErrDuplicate)

		tok, err := store.GetToken(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, tok.HasDeposit("tx1"))

		tok.Balance = tok.Balance.Sub(decimal.RequireFromString("0.0011"))
		tok.Usage = append(tok.Usage, ledger.Usage{Amount: decimal.RequireFromString("0.0011"), Timestamp: clock.Now(), Model: "m"})
		saved, err := store.SaveToken(ctx, tok)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("4.9989").Equal(saved.Balance))

		_, err = store.SaveToken(ctx, tok)
		assert.ErrorIs(t, err, ledger.ErrConflict, "stale version must be rejected")

		require.NoError(t, store.DeleteToken(ctx, "k1"))
		_, err = store.GetToken(ctx, "k1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("TokenHistoryPruneKeepsBalance", func(t *testing.T) {
		clock := NewClock()
		store := open(t, ledger.Options{Now: clock.Now, Retention: time.Hour})
		ctx := context.Background()
		tok, err := store.CreateToken(ctx, ledger.Token{
			Key:      "k2",
			Balance:  decimal.RequireFromString("2"),
			Deposits: []ledger.Deposit{{TxID: "old", Amount: decimal.RequireFromString("2"), Timestamp: clock.Now()}},
		})
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		saved, err := store.SaveToken(ctx, tok)
		require.NoError(t, err)
		assert.Empty(t, saved.Deposits)
		assert.True(t, decimal.RequireFromString("2").Equal(saved.Balance))
	})
}
