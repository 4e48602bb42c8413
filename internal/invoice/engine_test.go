package invoice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/file"
	"github.com/tokligence/paygate/internal/ledger/ledgertest"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/verifier"
)

type fixture struct {
	clock   *ledgertest.Clock
	store   *file.Store
	engine  *Engine
	metrics *metrics.Collector
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	clock := ledgertest.NewClock()
	store := file.NewMemory(ledger.Options{Now: clock.Now})
	m := metrics.NewCollector()
	if cfg.ExplorerBaseURL == "" {
		cfg.ExplorerBaseURL = "https://testnet.explorer.provable.com/transaction/"
	}
	if cfg.Network == "" {
		cfg.Network = "aleo-testnet"
	}
	opts = append([]Option{WithClock(clock.Now), WithMetrics(m)}, opts...)
	engine := New(store, cfg, opts...)
	t.Cleanup(engine.Close)
	return &fixture{clock: clock, store: store, engine: engine, metrics: m}
}

func (f *fixture) invoice(t *testing.T, amount string) Invoice {
	t.Helper()
	inv, err := f.engine.Create(context.Background(), CreateRequest{
		Type:        ledger.TypeInfer,
		UserID:      "user-1",
		Unit:        "demo-model",
		Amount:      decimal.RequireFromString(amount),
		UnitCount:   1,
		Description: "Invoke demo-model",
		Meta:        ledger.Meta{Inference: &ledger.InferenceMeta{Model: "demo-model"}},
	})
	require.NoError(t, err)
	return inv
}

func proofFor(inv Invoice, tx, amount string) payment.Proof {
	return payment.Proof{Scheme: "aleo", Tx: tx, Amount: decimal.RequireFromString(amount), Nonce: inv.Nonce}
}

func countingRun(calls *atomic.Int32) RunFunc {
	return func(ctx context.Context, entry ledger.Entry) (ledger.Result, error) {
		calls.Add(1)
		return ledger.Result{Output: "hello from " + entry.ModelOrNode, Model: entry.ModelOrNode}, nil
	}
}

func TestCreateIssuesPendingInvoice(t *testing.T) {
	f := newFixture(t, Config{Recipient: "aleo1recipient"})
	inv := f.invoice(t, "0.0025")

	assert.NotEmpty(t, inv.RequestID)
	assert.Len(t, inv.Nonce, 32)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), inv.ExpiresAt)
	assert.Equal(t, "aleo1recipient", inv.Recipient)

	body := inv.Body(map[string]any{"reason": "timeout"})
	assert.Equal(t, "payment_required", body["status"])
	assert.Equal(t, "timeout", body["reason"])
	assert.Equal(t, "Invoke demo-model", body["description"])

	entry, err := f.engine.Lookup(context.Background(), inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, entry.Status)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().InvoicesIssued["infer"])
}

func TestCreateRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Create(context.Background(), CreateRequest{Type: ledger.TypeInfer, Amount: decimal.NewFromInt(-1)})
	assert.True(t, ledger.IsCode(err, ledger.CodeInvalidAmount))
}

func TestSettleCompletesAndReplays(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	var calls atomic.Int32
	ctx := context.Background()

	s, err := f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025"), Run: countingRun(&calls)})
	require.NoError(t, err)
	assert.False(t, s.Replayed)
	assert.Equal(t, ledger.StatusCompleted, s.Entry.Status)
	assert.Equal(t, "at1tx", s.Entry.TxSignature)
	assert.Equal(t, "https://testnet.explorer.provable.com/transaction/at1tx", s.Explorer)
	require.NotNil(t, s.Result())
	assert.Equal(t, "hello from demo-model", s.Result().Output)
	require.NotNil(t, s.Entry.Meta.Verification)
	assert.Equal(t, verifier.CodeTrusted, s.Entry.Meta.Verification.Code)

	again, err := f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025"), Run: countingRun(&calls)})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, s.Result().Output, again.Result().Output)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentSettleExecutesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	var calls atomic.Int32
	run := func(ctx context.Context, entry ledger.Entry) (ledger.Result, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return ledger.Result{Output: "done"}, nil
	}

	var wg sync.WaitGroup
	var replays atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025"), Run: run})
			if assert.NoError(t, err) && s.Replayed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(7), replays.Load())
}

func TestSettleRejectsWrongNonce(t *testing.T) {
	f := newFixture(t, Config{})
	a := f.invoice(t, "0.0025")
	b := f.invoice(t, "0.0025")

	_, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: a.RequestID, Proof: proofFor(b, "at1tx", "0.0025")})
	assert.True(t, ledger.IsCode(err, ledger.CodeNonceMismatch))
	assert.Equal(t, 409, ledger.CodeOf(err).HTTPStatus())

	entry, err := f.engine.Lookup(context.Background(), a.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, entry.Status)
	assert.Empty(t, entry.TxSignature)
}

func TestSettleUnderpaymentBoundary(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")

	_, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0024999")})
	require.Error(t, err)
	var de *ledger.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ledger.CodeUnderpaid, de.Code)
	assert.True(t, de.Details["required_amount"].(decimal.Decimal).Equal(decimal.RequireFromString("0.0025")))
	assert.True(t, de.Details["paid_amount"].(decimal.Decimal).Equal(decimal.RequireFromString("0.0024999")))

	_, err = f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	assert.NoError(t, err)
}

func TestSettleDuplicateTxCreatesOrphan(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	ctx := context.Background()

	// leave the entry paid so the second proof meets a bound tx
	now := f.clock.Now()
	_, err := f.store.MarkStatus(ctx, inv.RequestID, ledger.StatusPendingPayment, ledger.Patch{Status: ledger.StatusPaid, TxSignature: "T1", PaidAt: &now})
	require.NoError(t, err)

	_, err = f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "T2", "0.0025")})
	var de *ledger.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ledger.CodeDuplicatePayment, de.Code)
	assert.Equal(t, inv.RequestID, de.Details["original_request_id"])
	orphanID := de.Details["orphan_request_id"].(string)

	orphan, err := f.store.GetEntry(ctx, orphanID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeOrphanPayment, orphan.Type)
	assert.Equal(t, ledger.StatusFlaggedOrphan, orphan.Status)
	assert.Equal(t, "T2", orphan.TxSignature)
	assert.Equal(t, inv.RequestID, orphan.Meta.Orphan.LinkedRequestID)

	original, err := f.store.GetEntry(ctx, inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "T1", original.TxSignature)

	_, err = f.engine.Settle(ctx, SettleRequest{RequestID: orphanID, Proof: proofFor(inv, "T2", "0.0025")})
	assert.True(t, ledger.IsCode(err, ledger.CodeUnknownRequest))
}

func TestSettleUnknownRequest(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: "missing", Proof: payment.Proof{Tx: "x", Nonce: "n"}})
	assert.True(t, ledger.IsCode(err, ledger.CodeUnknownRequest))

	_, err = f.engine.Settle(context.Background(), SettleRequest{Proof: payment.Proof{Tx: "x", Nonce: "n"}})
	assert.True(t, ledger.IsCode(err, ledger.CodeMissingRequestID))
}

func TestSettleExpiredReissues(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	inv := f.invoice(t, "0.0025")
	f.clock.Advance(2 * time.Minute)
	ctx := context.Background()

	_, err := f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	var expired *ExpiredError
	require.True(t, errors.As(err, &expired))
	assert.True(t, ledger.IsCode(err, ledger.CodeTimeout))
	assert.NotEqual(t, inv.RequestID, expired.Invoice.RequestID)
	assert.NotEqual(t, inv.Nonce, expired.Invoice.Nonce)
	assert.True(t, expired.Invoice.Amount.Equal(inv.Amount))
	assert.Equal(t, inv.Description, expired.Invoice.Description)
	assert.Equal(t, inv.Type, expired.Invoice.Type)

	old, err := f.store.GetEntry(ctx, inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, old.Status)
	assert.NotNil(t, old.ExpiredAt)

	// a second attempt on the old id also reissues
	_, err = f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	assert.True(t, ledger.IsCode(err, ledger.CodeTimeout))

	s, err := f.engine.Settle(ctx, SettleRequest{RequestID: expired.Invoice.RequestID, Proof: proofFor(expired.Invoice, "at1tx", "0.0025")})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, s.Entry.Status)
}

func TestSettlePrepaidCredits(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	var calls atomic.Int32

	s, err := f.engine.Settle(context.Background(), SettleRequest{
		RequestID: inv.RequestID,
		Proof:     payment.Proof{Scheme: payment.PrepaidScheme, Prepaid: true, Model: "demo-model", Remaining: 41, Nonce: inv.Nonce},
		Run:       countingRun(&calls),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.PrepaidTx, s.Entry.TxSignature)
	assert.True(t, s.Charged.IsZero())
	assert.Empty(t, s.Explorer)
	assert.Equal(t, "prepaid_credits", s.Entry.Meta.PaymentMethod)
	require.NotNil(t, s.Entry.Meta.PrepaidRemaining)
	assert.Equal(t, int64(41), *s.Entry.Meta.PrepaidRemaining)
	assert.Equal(t, int32(1), calls.Load())
}

func metaFor(typ ledger.Type) ledger.Meta {
	if typ == ledger.TypeWorkflowPrepay {
		return ledger.Meta{Workflow: &ledger.WorkflowMeta{SessionID: "sess-1", Nodes: []ledger.Node{{Name: "a", Calls: 1}}}}
	}
	return ledger.Meta{Share: &ledger.ShareMeta{ShareID: "fund-7", TokenPurchase: typ == ledger.TypeToken}}
}

func TestSettlePrepaidCreditsRejectedForPurchases(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for _, typ := range []ledger.Type{ledger.TypeShare, ledger.TypeToken, ledger.TypeWorkflowPrepay} {
		inv, err := f.engine.Create(ctx, CreateRequest{
			Type:        typ,
			UserID:      "user-1",
			Unit:        "fund-7",
			Amount:      decimal.NewFromInt(20),
			UnitCount:   1,
			Description: "Purchase",
			Meta:        metaFor(typ),
		})
		require.NoError(t, err, typ)
		_, err = f.engine.Settle(ctx, SettleRequest{
			RequestID: inv.RequestID,
			Proof:     payment.Proof{Scheme: payment.PrepaidScheme, Prepaid: true, Model: "x", Remaining: 999, Nonce: inv.Nonce},
		})
		assert.True(t, ledger.IsCode(err, ledger.CodeInvalidPayment), "%s: %v", typ, err)

		entry, err := f.store.GetEntry(ctx, inv.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingPayment, entry.Status)
		assert.Empty(t, entry.TxSignature)
	}
}

func TestSettleRestrictsEntryTypes(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	var calls atomic.Int32

	_, err := f.engine.Settle(context.Background(), SettleRequest{
		RequestID: inv.RequestID,
		Proof:     proofFor(inv, "at1tx", "0.0025"),
		Types:     []ledger.Type{ledger.TypeShare, ledger.TypeToken},
		Run:       countingRun(&calls),
	})
	assert.True(t, ledger.IsCode(err, ledger.CodeUnknownRequest), "%v", err)
	assert.Zero(t, calls.Load())

	s, err := f.engine.Settle(context.Background(), SettleRequest{
		RequestID: inv.RequestID,
		Proof:     proofFor(inv, "at1tx", "0.0025"),
		Types:     []ledger.Type{ledger.TypeInfer},
		Run:       countingRun(&calls),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, s.Entry.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSettleCapturesExecutionError(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	run := func(ctx context.Context, entry ledger.Entry) (ledger.Result, error) {
		return ledger.Result{}, errors.New("upstream 503")
	}

	s, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025"), Run: run})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, s.Entry.Status)
	assert.Equal(t, "upstream 503", s.Result().Error)
	assert.Contains(t, s.Result().Output, "Model invocation failed")
}

func TestSettleResumesInterruptedExecution(t *testing.T) {
	f := newFixture(t, Config{})
	inv := f.invoice(t, "0.0025")
	ctx := context.Background()
	now := f.clock.Now()
	_, err := f.store.MarkStatus(ctx, inv.RequestID, ledger.StatusPendingPayment, ledger.Patch{Status: ledger.StatusPaid, TxSignature: "at1tx", PaidAt: &now})
	require.NoError(t, err)

	var calls atomic.Int32
	s, err := f.engine.Settle(ctx, SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025"), Run: countingRun(&calls)})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, s.Entry.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFailClosedRejectsBadProof(t *testing.T) {
	v := verifier.Func(func(ctx context.Context, req verifier.Request) (verifier.Outcome, error) {
		return verifier.Outcome{Code: verifier.CodeAmountTooLow, Message: "on-chain amount too low"}, nil
	})
	f := newFixture(t, Config{Policy: PolicyFailClosed}, WithVerifier(v))
	inv := f.invoice(t, "0.0025")

	_, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	var de *ledger.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ledger.CodeVerificationFailed, de.Code)
	assert.Equal(t, verifier.CodeAmountTooLow, de.Details["verification_code"])

	entry, err := f.engine.Lookup(context.Background(), inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, entry.Status)
}

func TestFailClosedTimeout(t *testing.T) {
	v := verifier.Func(func(ctx context.Context, req verifier.Request) (verifier.Outcome, error) {
		<-ctx.Done()
		return verifier.Outcome{}, ctx.Err()
	})
	f := newFixture(t, Config{Policy: PolicyFailClosed, VerifyTimeout: 10 * time.Millisecond}, WithVerifier(v))
	inv := f.invoice(t, "0.0025")

	_, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	assert.True(t, ledger.IsCode(err, ledger.CodeVerificationTimeout))
	assert.Equal(t, 504, ledger.CodeOf(err).HTTPStatus())
}

func TestFailOpenRecordsBackgroundVerification(t *testing.T) {
	v := verifier.Func(func(ctx context.Context, req verifier.Request) (verifier.Outcome, error) {
		return verifier.Outcome{OK: true, Code: verifier.CodeOK, Payer: "private"}, nil
	})
	f := newFixture(t, Config{}, WithVerifier(v))
	inv := f.invoice(t, "0.0025")

	s, err := f.engine.Settle(context.Background(), SettleRequest{RequestID: inv.RequestID, Proof: proofFor(inv, "at1tx", "0.0025")})
	require.NoError(t, err)
	assert.Equal(t, "pending", s.Entry.Meta.Verification.Code)

	f.engine.Wait()
	entry, err := f.engine.Lookup(context.Background(), inv.RequestID)
	require.NoError(t, err)
	require.NotNil(t, entry.Meta.Verification)
	assert.True(t, entry.Meta.Verification.OK)
	assert.Equal(t, verifier.CodeOK, entry.Meta.Verification.Code)
	assert.Equal(t, ledger.StatusCompleted, entry.Status)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().Verifications[verifier.CodeOK])
}

func TestReaperExpiresAbandonedInvoices(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	inv := f.invoice(t, "0.0025")
	r := Reaper{Engine: f.engine, Grace: time.Hour}

	f.clock.Advance(30 * time.Minute)
	r.Sweep(context.Background(), nil)
	entry, err := f.engine.Lookup(context.Background(), inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, entry.Status)

	f.clock.Advance(time.Hour)
	r.Sweep(context.Background(), nil)
	entry, err = f.engine.Lookup(context.Background(), inv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, entry.Status)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailOpen, p)
	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}
