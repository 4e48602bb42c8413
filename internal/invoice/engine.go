package invoice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/syncutil"
	"github.com/tokligence/paygate/internal/verifier"
)

// RunFunc performs the paid unit of work for entry.
type RunFunc func(ctx context.Context, entry ledger.Entry) (ledger.Result, error)

// SettleRequest carries a payment proof for one invoice.
type SettleRequest struct {
	RequestID     string
	Proof         payment.Proof
	WalletAddress string
	// Types limits which entry types this settle may complete. Empty accepts any.
	Types []ledger.Type
	// Run is invoked once the entry is paid. Nil completes without execution.
	Run RunFunc
}

// Engine creates invoices and settles proofs against them.
type Engine struct {
	store    ledger.EntryStore
	verifier verifier.Verifier
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	locks  syncutil.KeyedMutex
	wg     sync.WaitGroup
	bg     context.Context
	cancel context.CancelFunc
}

// Option customizes an Engine.
type Option func(*Engine)

// WithVerifier sets the on-chain verifier. Without one every proof is trusted.
func WithVerifier(v verifier.Verifier) Option { return func(e *Engine) { e.verifier = v } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an Engine over store.
func New(store ledger.EntryStore, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("invoice")
	e.bg, e.cancel = context.WithCancel(context.Background())
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.now() }

// Close cancels background verifications and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until in-flight background verifications finish.
func (e *Engine) Wait() { e.wg.Wait() }

// Create issues a pending entry and returns its invoice.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (Invoice, error) {
	if !req.Type.Valid() || req.Type == ledger.TypeOrphanPayment || req.Type == ledger.TypeCheckin {
		return Invoice{}, fmt.Errorf("%w: cannot invoice type %q", ledger.ErrInvalidEntry, req.Type)
	}
	if req.Amount.IsNegative() {
		return Invoice{}, ledger.Fail(ledger.CodeInvalidAmount, "amount must not be negative")
	}
	userID := req.UserID
	if userID == "" {
		userID = "anonymous"
	}
	meta := req.Meta.Clone()
	if meta.Description == "" {
		meta.Description = req.Description
	}
	if meta.Description == "" {
		meta.Description = "Payment required"
	}
	now := e.now()
	expires := now.Add(e.cfg.TTL)
	entry := ledger.Entry{
		ID:            ledger.NewEntryID(),
		RequestID:     uuid.NewString(),
		Type:          req.Type,
		UserID:        userID,
		ModelOrNode:   req.Unit,
		AmountDue:     req.Amount,
		TokensOrCalls: req.UnitCount,
		Status:        ledger.StatusPendingPayment,
		Nonce:         payment.NewNonce(),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     &expires,
		Meta:          meta,
	}
	created, err := e.store.CreateEntry(ctx, entry)
	if err != nil {
		return Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	e.metrics.RecordInvoice(string(created.Type))
	e.logger.Debug("invoice issued",
		zap.String("request_id", created.RequestID),
		zap.String("type", string(created.Type)),
		zap.String("amount", created.AmountDue.String()),
		zap.String("unit", created.ModelOrNode))
	return e.invoiceFor(created), nil
}

// Lookup returns the entry for requestID.
func (e *Engine) Lookup(ctx context.Context, requestID string) (ledger.Entry, error) {
	entry, err := e.store.GetEntry(ctx, requestID)
	if ledger.IsNotFound(err) {
		return ledger.Entry{}, ledger.Fail(ledger.CodeUnknownRequest, "request not recognized; initiate a new invocation")
	}
	return entry, err
}

// InvoiceFor projects a pending entry onto its invoice.
func (e *Engine) InvoiceFor(entry ledger.Entry) Invoice { return e.invoiceFor(entry) }

func (e *Engine) invoiceFor(entry ledger.Entry) Invoice {
	inv := Invoice{
		RequestID:     entry.RequestID,
		Type:          entry.Type,
		Amount:        entry.AmountDue,
		Nonce:         entry.Nonce,
		ModelOrNode:   entry.ModelOrNode,
		TokensOrCalls: entry.TokensOrCalls,
		Description:   entry.Meta.Description,
		Network:       e.cfg.Network,
		Recipient:     e.cfg.Recipient,
		Currency:      e.cfg.Currency,
		Meta:          entry.Meta,
	}
	if entry.ExpiresAt != nil {
		inv.ExpiresAt = *entry.ExpiresAt
	}
	return inv
}

// Explorer returns the explorer link for tx, or "" for prepaid settlements.
func (e *Engine) Explorer(tx string) string {
	if tx == "" || tx == ledger.PrepaidTx {
		return ""
	}
	return verifier.ExplorerURL(e.cfg.ExplorerBaseURL, tx)
}

// Settle validates proof against the invoice and completes it. Checks run in
// order: unknown request, entry type, completed replay, duplicate tx, nonce,
// expiry, amount, verification. Settles of one request id are serialized, including
// execution, so a concurrent replay observes the cached result.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (Settlement, error) {
	if req.RequestID == "" {
		return Settlement{}, ledger.Fail(ledger.CodeMissingRequestID, "include X-Request-Id when submitting payment proof")
	}
	unlock := e.locks.Lock(req.RequestID)
	defer unlock()

	entry, err := e.store.GetEntry(ctx, req.RequestID)
	if ledger.IsNotFound(err) || (err == nil && entry.Type == ledger.TypeOrphanPayment) {
		return Settlement{}, ledger.Fail(ledger.CodeUnknownRequest, "request not recognized; initiate a new invocation")
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("load entry: %w", err)
	}
	if len(req.Types) > 0 && !slices.Contains(req.Types, entry.Type) {
		return Settlement{}, ledger.Fail(ledger.CodeUnknownRequest, "request not recognized for this endpoint; initiate a new invocation")
	}
	// Prepaid credits are model-call credits; nothing else may be settled with them.
	if req.Proof.Prepaid && entry.Type != ledger.TypeInfer {
		e.metrics.RecordSettlement(string(entry.Type), string(ledger.CodeInvalidPayment), decimal.Zero)
		return Settlement{}, ledger.Fail(ledger.CodeInvalidPayment, "prepaid credits only settle model invocations; pay this invoice on-chain").
			With("type", string(entry.Type))
	}

	if entry.Status == ledger.StatusCompleted {
		e.metrics.RecordSettlement(string(entry.Type), "replayed", entry.AmountDue)
		return e.settlement(entry, true), nil
	}

	proof := req.Proof
	tx := proof.Tx
	if proof.Prepaid {
		tx = ledger.PrepaidTx
	}
	if entry.TxSignature != "" && entry.TxSignature != tx {
		return Settlement{}, e.orphan(ctx, entry, tx, proof.Amount)
	}
	if proof.Nonce != entry.Nonce {
		e.metrics.RecordSettlement(string(entry.Type), string(ledger.CodeNonceMismatch), decimal.Zero)
		return Settlement{}, ledger.Fail(ledger.CodeNonceMismatch, "nonce mismatch; request a fresh 402")
	}
	now := e.now()
	if entry.Status == ledger.StatusExpired || entry.Expired(now) {
		return Settlement{}, e.reissue(ctx, entry)
	}

	if entry.Status == ledger.StatusPendingPayment {
		if !proof.Prepaid && !payment.Covers(proof.Amount, entry.AmountDue) {
			e.metrics.RecordSettlement(string(entry.Type), string(ledger.CodeUnderpaid), decimal.Zero)
			return Settlement{}, ledger.Fail(ledger.CodeUnderpaid, "amount paid is below invoice requirement").
				With("required_amount", entry.AmountDue).
				With("paid_amount", proof.Amount)
		}
		entry, err = e.bind(ctx, entry, req, tx)
		if err != nil {
			return Settlement{}, err
		}
	}
	// entry is paid here, either freshly bound or left paid by an interrupted settle.
	completed, err := e.complete(ctx, entry, req.Run)
	if err != nil {
		return Settlement{}, err
	}
	e.metrics.RecordSettlement(string(completed.Type), "completed", completed.AmountDue)
	e.logger.Info("invoice settled",
		zap.String("request_id", completed.RequestID),
		zap.String("type", string(completed.Type)),
		zap.String("tx", payment.RedactTx(completed.TxSignature)),
		zap.String("amount", completed.AmountDue.String()))
	if !proof.Prepaid && e.cfg.Policy == PolicyFailOpen && e.verifier != nil {
		e.verifyAsync(completed, proof, req.WalletAddress)
	}
	return e.settlement(completed, false), nil
}

func (e *Engine) settlement(entry ledger.Entry, replayed bool) Settlement {
	s := Settlement{Entry: entry, Replayed: replayed, Explorer: e.Explorer(entry.TxSignature), Charged: entry.AmountDue}
	if entry.TxSignature == ledger.PrepaidTx {
		s.Charged = decimal.Zero
	}
	return s
}

func (e *Engine) orphan(ctx context.Context, entry ledger.Entry, tx string, amount decimal.Decimal) error {
	orphan, err := ledger.CreateOrphan(ctx, e.store, entry, tx, amount, uuid.NewString(), e.now())
	if err != nil {
		return fmt.Errorf("record orphan payment: %w", err)
	}
	e.metrics.RecordSettlement(string(entry.Type), string(ledger.CodeDuplicatePayment), decimal.Zero)
	e.logger.Warn("duplicate payment captured as orphan",
		zap.String("request_id", entry.RequestID),
		zap.String("orphan_request_id", orphan.RequestID),
		zap.String("tx", payment.RedactTx(tx)))
	return ledger.Fail(ledger.CodeDuplicatePayment, "payment already recorded for this request; duplicate captured as orphan_payment").
		With("original_request_id", entry.RequestID).
		With("orphan_request_id", orphan.RequestID)
}

func (e *Engine) reissue(ctx context.Context, entry ledger.Entry) error {
	if entry.Status == ledger.StatusPendingPayment {
		now := e.now()
		_, err := e.store.MarkStatus(ctx, entry.RequestID, ledger.StatusPendingPayment, ledger.Patch{
			Status:    ledger.StatusExpired,
			ExpiredAt: &now,
		})
		if err != nil && !ledger.IsConflict(err) {
			return fmt.Errorf("expire entry: %w", err)
		}
	}
	meta := entry.Meta.Clone()
	meta.Result = nil
	meta.Verification = nil
	inv, err := e.Create(ctx, CreateRequest{
		Type:        entry.Type,
		UserID:      entry.UserID,
		Unit:        entry.ModelOrNode,
		Amount:      entry.AmountDue,
		UnitCount:   entry.TokensOrCalls,
		Description: entry.Meta.Description,
		Meta:        meta,
	})
	if err != nil {
		return err
	}
	e.metrics.RecordSettlement(string(entry.Type), string(ledger.CodeTimeout), decimal.Zero)
	e.logger.Info("expired invoice reissued",
		zap.String("request_id", entry.RequestID),
		zap.String("new_request_id", inv.RequestID))
	return &ExpiredError{PreviousRequestID: entry.RequestID, Invoice: inv}
}

func (e *Engine) bind(ctx context.Context, entry ledger.Entry, req SettleRequest, tx string) (ledger.Entry, error) {
	proof := req.Proof
	meta := entry.Meta.Clone()
	if proof.Memo != "" {
		meta.Memo = proof.Memo
	}
	if req.WalletAddress != "" {
		meta.WalletAddress = req.WalletAddress
	}
	if proof.Prepaid {
		remaining := proof.Remaining
		meta.PaymentMethod = "prepaid_credits"
		meta.PrepaidRemaining = &remaining
	} else {
		v, err := e.checkPayment(ctx, entry, proof, req.WalletAddress)
		if err != nil {
			return ledger.Entry{}, err
		}
		meta.Verification = v
	}
	now := e.now()
	paid, err := e.store.MarkStatus(ctx, entry.RequestID, ledger.StatusPendingPayment, ledger.Patch{
		Status:      ledger.StatusPaid,
		TxSignature: tx,
		PaidAt:      &now,
		Meta:        &meta,
	})
	if err != nil {
		if ledger.IsConflict(err) {
			return ledger.Entry{}, ledger.Fail(ledger.CodeInternal, "entry changed during settlement; retry").Wrap(err)
		}
		return ledger.Entry{}, fmt.Errorf("bind payment: %w", err)
	}
	// keep caller-held fields the store may have sanitized away
	paid.Meta.WalletAddress = meta.WalletAddress
	return paid, nil
}

// checkPayment returns the verification record to store on the paid entry.
// Under fail_closed it blocks on the verifier and rejects bad proofs.
func (e *Engine) checkPayment(ctx context.Context, entry ledger.Entry, proof payment.Proof, wallet string) (*ledger.Verification, error) {
	explorer := e.Explorer(proof.Tx)
	if e.verifier == nil {
		return &ledger.Verification{OK: true, Code: verifier.CodeTrusted, Policy: string(e.cfg.Policy), ExplorerURL: explorer}, nil
	}
	if e.cfg.Policy == PolicyFailOpen {
		return &ledger.Verification{Code: "pending", Policy: string(PolicyFailOpen), ExplorerURL: explorer}, nil
	}
	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()
	out, err := e.verifier.Verify(vctx, e.verifyRequest(entry, proof, wallet))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.metrics.RecordVerification("timeout")
			return nil, ledger.Fail(ledger.CodeVerificationTimeout, "payment verification timed out; retry with the same proof").Wrap(err)
		}
		e.metrics.RecordVerification(verifier.CodeVerificationError)
		return nil, ledger.Fail(ledger.CodeVerificationFailed, "payment could not be verified").Wrap(err)
	}
	e.metrics.RecordVerification(out.Code)
	if !out.OK {
		return nil, ledger.Fail(ledger.CodeVerificationFailed, out.Message).
			With("verification_code", out.Code).
			With("explorer", explorer)
	}
	return e.verification(out, explorer), nil
}

func (e *Engine) verifyRequest(entry ledger.Entry, proof payment.Proof, wallet string) verifier.Request {
	return verifier.Request{
		Tx:        proof.Tx,
		Amount:    entry.AmountDue,
		Recipient: e.cfg.Recipient,
		Network:   e.cfg.Network,
		Wallet:    wallet,
	}
}

func (e *Engine) verification(out verifier.Outcome, explorer string) *ledger.Verification {
	checked := e.now()
	return &ledger.Verification{
		OK:          out.OK,
		Code:        out.Code,
		Message:     out.Message,
		Policy:      string(e.cfg.Policy),
		Payer:       out.Payer,
		ExplorerURL: explorer,
		CheckedAt:   &checked,
		Raw:         out.Raw,
	}
}

func (e *Engine) verifyAsync(entry ledger.Entry, proof payment.Proof, wallet string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.bg, e.cfg.VerifyTimeout)
		defer cancel()
		explorer := e.Explorer(proof.Tx)
		out, err := e.verifier.Verify(ctx, e.verifyRequest(entry, proof, wallet))
		if err != nil {
			out = verifier.Outcome{Code: verifier.CodeVerificationError, Message: err.Error()}
		}
		e.metrics.RecordVerification(out.Code)
		v := e.verification(out, explorer)
		if _, err := e.store.UpdateMeta(context.Background(), entry.RequestID, func(m *ledger.Meta) {
			m.Verification = v
		}); err != nil {
			e.logger.Error("record verification failed", zap.String("request_id", entry.RequestID), zap.Error(err))
			return
		}
		if !out.OK {
			e.logger.Warn("payment failed background verification",
				zap.String("request_id", entry.RequestID),
				zap.String("tx", payment.RedactTx(proof.Tx)),
				zap.String("code", out.Code),
				zap.String("message", out.Message))
		}
	}()
}

func (e *Engine) complete(ctx context.Context, entry ledger.Entry, run RunFunc) (ledger.Entry, error) {
	meta := entry.Meta.Clone()
	if run != nil {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
		result, err := run(runCtx, entry)
		cancel()
		if err != nil {
			result.Error = err.Error()
			if result.Output == "" {
				result.Output = "Model invocation failed: " + err.Error()
			}
			e.logger.Warn("execution failed", zap.String("request_id", entry.RequestID), zap.Error(err))
		}
		meta.Result = &result
	}
	now := e.now()
	if meta.Workflow != nil && entry.Type == ledger.TypeWorkflow {
		meta.Workflow.NodeResult = &ledger.NodeResult{
			Index:       meta.Workflow.NodeIndex,
			Name:        entry.ModelOrNode,
			Calls:       entry.TokensOrCalls,
			Cost:        entry.AmountDue,
			TxSignature: entry.TxSignature,
			Explorer:    e.Explorer(entry.TxSignature),
			Result:      meta.Result,
			Timestamp:   now,
		}
	}
	completed, err := e.store.MarkStatus(ctx, entry.RequestID, ledger.StatusPaid, ledger.Patch{
		Status:      ledger.StatusCompleted,
		CompletedAt: &now,
		Meta:        &meta,
	})
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("complete entry: %w", err)
	}
	// the caller gets the unsanitized result even when the stored copy is stripped
	completed.Meta.Result = meta.Result
	if completed.Meta.Workflow != nil && meta.Workflow != nil {
		completed.Meta.Workflow.NodeResult = meta.Workflow.NodeResult
	}
	return completed, nil
}

// ExpireStale marks pending entries whose deadline passed more than grace ago as expired.
func (e *Engine) ExpireStale(ctx context.Context, grace time.Duration) (int, error) {
	return e.store.ExpireStale(ctx, e.now().Add(-grace))
}
