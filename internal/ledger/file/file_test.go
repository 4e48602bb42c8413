package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/ledgertest"
)

func TestStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, opts ledger.Options) ledger.Store {
		dir := t.TempDir()
		store, err := New(filepath.Join(dir, "billing-entries.json"), filepath.Join(dir, "anonymous-tokens.json"), opts)
		require.NoError(t, err)
		return store
	})
}

func TestMemoryStoreContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, opts ledger.Options) ledger.Store {
		return NewMemory(opts)
	})
}

func TestReopenRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	entries := filepath.Join(dir, "billing-entries.json")
	tokens := filepath.Join(dir, "anonymous-tokens.json")
	clock := ledgertest.NewClock()

	store, err := New(entries, tokens, ledger.Options{Now: clock.Now})
	require.NoError(t, err)
	created, err := store.CreateEntry(context.Background(), ledgertest.PendingEntry("u1", "0.5", clock.Now()))
	require.NoError(t, err)
	_, err = store.CreateToken(context.Background(), ledger.Token{Key: "abc"})
	require.NoError(t, err)

	reopened, err := New(entries, tokens, ledger.Options{Now: clock.Now})
	require.NoError(t, err)
	got, err := reopened.GetEntry(context.Background(), created.RequestID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	_, err = reopened.GetToken(context.Background(), "abc")
	assert.NoError(t, err)
}

func TestFailedWriteLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ledger")
	clock := ledgertest.NewClock()
	store, err := New(filepath.Join(dir, "billing-entries.json"), filepath.Join(dir, "anonymous-tokens.json"), ledger.Options{Now: clock.Now})
	require.NoError(t, err)

	kept, err := store.CreateEntry(ctx, ledgertest.PendingEntry("u1", "0.5", clock.Now()))
	require.NoError(t, err)
	tok, err := store.CreateToken(ctx, ledger.Token{Key: "abc", Balance: decimal.NewFromInt(5)})
	require.NoError(t, err)

	// A regular file where the directory was makes every write fail.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o600))

	lost := ledgertest.PendingEntry("u1", "0.5", clock.Now())
	_, err = store.CreateEntry(ctx, lost)
	require.Error(t, err)
	_, err = store.GetEntry(ctx, lost.RequestID)
	assert.True(t, ledger.IsNotFound(err))
	listed, err := store.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	now := clock.Now()
	_, err = store.MarkStatus(ctx, kept.RequestID, ledger.StatusPendingPayment, ledger.Patch{
		Status: ledger.StatusPaid, TxSignature: "at1tx", PaidAt: &now,
	})
	require.Error(t, err)
	got, err := store.GetEntry(ctx, kept.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, got.Status)
	assert.Empty(t, got.TxSignature)

	_, err = store.UpdateMeta(ctx, kept.RequestID, func(m *ledger.Meta) { m.Description = "changed" })
	require.Error(t, err)
	got, err = store.GetEntry(ctx, kept.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "Invoke demo-model", got.Meta.Description)

	clock.Advance(time.Hour)
	_, err = store.ExpireStale(ctx, clock.Now())
	require.Error(t, err)
	got, err = store.GetEntry(ctx, kept.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, got.Status)

	_, err = store.CreateToken(ctx, ledger.Token{Key: "def"})
	require.Error(t, err)
	_, err = store.GetToken(ctx, "def")
	assert.True(t, ledger.IsNotFound(err))

	tok.Balance = decimal.Zero
	_, err = store.SaveToken(ctx, tok)
	require.Error(t, err)
	cur, err := store.GetToken(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, cur.Balance.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, tok.Version, cur.Version)

	require.Error(t, store.DeleteToken(ctx, "abc"))
	_, err = store.GetToken(ctx, "abc")
	assert.NoError(t, err)
}
