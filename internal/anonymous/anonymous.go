// Package anonymous keeps identity-free prepaid balances addressed by a
// caller-held secret. Only the SHA-256 of the secret is ever stored.
package anonymous

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/syncutil"
)

// SecretPrefix marks secrets minted by this package.
const SecretPrefix = "anon_"

const maxRetries = 5

// depositClaimPrefix keys the token-store record that claims a deposit tx for
// exactly one token. Secret hashes are hex and never carry the prefix.
const depositClaimPrefix = "deposit_tx:"

// HashSecret returns the storage key for secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// NewSecret mints a fresh secret.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("anonymous: generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// DepositResult is returned by Deposit. Secret is only meaningful to the caller
// that minted it and is never persisted.
type DepositResult struct {
	Secret    string
	Balance   decimal.Decimal
	Deposited decimal.Decimal
	Created   bool
	Duplicate bool
}

// UsageInfo annotates a debit.
type UsageInfo struct {
	Model     string
	RequestID string
}

// Ledger manages anonymous balances.
type Ledger struct {
	store   ledger.TokenStore
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
	locks   syncutil.KeyedMutex
}

// New builds a Ledger over store.
func New(store ledger.TokenStore, logger *zap.Logger, m *metrics.Collector) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   store,
		logger:  logger.Named("anonymous"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Deposit credits amount to the token addressed by existingSecret, or mints
// a new token when existingSecret is empty. A tx already credited to the
// token is not credited again; a tx credited to any other token is rejected
// with duplicate_payment.
func (l *Ledger) Deposit(ctx context.Context, txID string, amount decimal.Decimal, existingSecret string) (DepositResult, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return DepositResult{}, ledger.Fail(ledger.CodeMissingTxID, "Transaction ID is required")
	}
	if !amount.IsPositive() {
		return DepositResult{}, ledger.Fail(ledger.CodeInvalidAmount, "Valid amount is required")
	}

	if existingSecret == "" {
		if err := l.claim(ctx, txID, amount); err != nil {
			return DepositResult{}, err
		}
		res, err := l.mint(ctx, txID, amount)
		if err != nil {
			l.release(ctx, txID)
		}
		return res, err
	}

	tok, err := l.resolve(ctx, existingSecret)
	if err != nil {
		return DepositResult{}, err
	}
	unlock := l.locks.Lock(tok.Key)
	defer unlock()
	if tok.HasDeposit(txID) {
		return DepositResult{Secret: existingSecret, Balance: tok.Balance, Duplicate: true}, nil
	}
	if err := l.claim(ctx, txID, amount); err != nil {
		return DepositResult{}, err
	}

	for attempt := 0; ; attempt++ {
		if tok.HasDeposit(txID) {
			return DepositResult{Secret: existingSecret, Balance: tok.Balance, Duplicate: true}, nil
		}
		tok.Balance = tok.Balance.Add(amount)
		tok.Deposits = append(tok.Deposits, ledger.Deposit{TxID: txID, Amount: amount, Timestamp: l.now()})
		saved, err := l.store.SaveToken(ctx, tok)
		if err == nil {
			l.metrics.RecordDeposit(amount)
			l.logger.Info("deposit added",
				zap.String("tx", payment.RedactTx(txID)),
				zap.String("amount", amount.String()),
				zap.String("balance", saved.Balance.String()))
			return DepositResult{Secret: existingSecret, Balance: saved.Balance, Deposited: amount}, nil
		}
		if !ledger.IsConflict(err) || attempt >= maxRetries {
			l.release(ctx, txID)
			return DepositResult{}, fmt.Errorf("anonymous: save deposit: %w", err)
		}
		if tok, err = l.store.GetToken(ctx, tok.Key); err != nil {
			l.release(ctx, txID)
			return DepositResult{}, fmt.Errorf("anonymous: reload token: %w", err)
		}
	}
}

// claim records txID as spent before any balance is credited with it.
func (l *Ledger) claim(ctx context.Context, txID string, amount decimal.Decimal) error {
	_, err := l.store.CreateToken(ctx, ledger.Token{
		Key:      depositClaimPrefix + txID,
		Deposits: []ledger.Deposit{{TxID: txID, Amount: amount, Timestamp: l.now()}},
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		return ledger.Fail(ledger.CodeDuplicatePayment, "Transaction already credited to an anonymous token")
	}
	if err != nil {
		return fmt.Errorf("anonymous: claim deposit: %w", err)
	}
	return nil
}

func (l *Ledger) release(ctx context.Context, txID string) {
	if err := l.store.DeleteToken(ctx, depositClaimPrefix+txID); err != nil && !ledger.IsNotFound(err) {
		l.logger.Warn("release deposit claim", zap.String("tx", payment.RedactTx(txID)), zap.Error(err))
	}
}

func (l *Ledger) mint(ctx context.Context, txID string, amount decimal.Decimal) (DepositResult, error) {
	secret, err := NewSecret()
	if err != nil {
		return DepositResult{}, err
	}
	now := l.now()
	tok, err := l.store.CreateToken(ctx, ledger.Token{
		Key:       HashSecret(secret),
		Balance:   amount,
		CreatedAt: now,
		Deposits:  []ledger.Deposit{{TxID: txID, Amount: amount, Timestamp: now}},
	})
	if err != nil {
		return DepositResult{}, fmt.Errorf("anonymous: create token: %w", err)
	}
	l.metrics.RecordDeposit(amount)
	l.logger.Info("anonymous token created",
		zap.String("token", payment.RedactToken(secret)),
		zap.String("tx", payment.RedactTx(txID)),
		zap.String("balance", tok.Balance.String()))
	return DepositResult{Secret: secret, Balance: tok.Balance, Deposited: amount, Created: true}, nil
}

// Validate resolves secret and checks it holds at least required.
func (l *Ledger) Validate(ctx context.Context, secret string, required decimal.Decimal) (ledger.Token, error) {
	tok, err := l.resolve(ctx, secret)
	if err != nil {
		return ledger.Token{}, err
	}
	if tok.Balance.LessThan(required) {
		return tok, insufficient(tok.Balance, required)
	}
	return tok, nil
}

// Balance returns the token addressed by secret.
func (l *Ledger) Balance(ctx context.Context, secret string) (ledger.Token, error) {
	return l.resolve(ctx, secret)
}

// Debit atomically subtracts amount and records usage. It returns the
// remaining balance.
func (l *Ledger) Debit(ctx context.Context, secret string, amount decimal.Decimal, usage UsageInfo) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, ledger.Fail(ledger.CodeInvalidAmount, "debit amount must not be negative")
	}
	tok, err := l.resolve(ctx, secret)
	if err != nil {
		return decimal.Zero, err
	}
	unlock := l.locks.Lock(tok.Key)
	defer unlock()
	if usage.RequestID == "" {
		usage.RequestID = uuid.NewString()
	}

	// Reload under the lock; tok may predate a concurrent debit.
	for attempt := 0; ; attempt++ {
		if tok, err = l.store.GetToken(ctx, tok.Key); err != nil {
			if ledger.IsNotFound(err) {
				return decimal.Zero, ledger.Fail(ledger.CodeInvalidToken, "Invalid or expired token")
			}
			return decimal.Zero, fmt.Errorf("anonymous: load token: %w", err)
		}
		if tok.Balance.LessThan(amount) {
			return tok.Balance, insufficient(tok.Balance, amount)
		}
		tok.Balance = tok.Balance.Sub(amount)
		tok.Usage = append(tok.Usage, ledger.Usage{
			Amount:    amount,
			Timestamp: l.now(),
			Model:     usage.Model,
			RequestID: usage.RequestID,
		})
		saved, err := l.store.SaveToken(ctx, tok)
		if err == nil {
			l.metrics.RecordDebit(amount)
			l.logger.Debug("balance debited",
				zap.String("model", usage.Model),
				zap.String("amount", amount.String()),
				zap.String("remaining", saved.Balance.String()))
			return saved.Balance, nil
		}
		if !ledger.IsConflict(err) || attempt >= maxRetries {
			return decimal.Zero, ledger.Fail(ledger.CodeDeductionFailed, "Failed to deduct balance").With("current_balance", tok.Balance.Add(amount)).Wrap(err)
		}
	}
}

// resolve finds the token for secret, migrating a record still stored under
// the raw secret to its hashed key.
func (l *Ledger) resolve(ctx context.Context, secret string) (ledger.Token, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ledger.Token{}, ledger.Fail(ledger.CodeNoToken, "Anonymous token required")
	}
	key := HashSecret(secret)
	tok, err := l.store.GetToken(ctx, key)
	if err == nil {
		return tok, nil
	}
	if !ledger.IsNotFound(err) {
		return ledger.Token{}, fmt.Errorf("anonymous: load token: %w", err)
	}

	unlock := l.locks.Lock(key)
	defer unlock()
	legacy, err := l.store.GetToken(ctx, secret)
	if err != nil {
		if ledger.IsNotFound(err) {
			if tok, err := l.store.GetToken(ctx, key); err == nil {
				return tok, nil
			}
			return ledger.Token{}, ledger.Fail(ledger.CodeInvalidToken, "Invalid or expired token")
		}
		return ledger.Token{}, fmt.Errorf("anonymous: load legacy token: %w", err)
	}
	legacy.Key = key
	migrated, err := l.store.CreateToken(ctx, legacy)
	if err != nil {
		if !errors.Is(err, ledger.ErrDuplicate) {
			return ledger.Token{}, fmt.Errorf("anonymous: migrate token: %w", err)
		}
		if migrated, err = l.store.GetToken(ctx, key); err != nil {
			return ledger.Token{}, fmt.Errorf("anonymous: load migrated token: %w", err)
		}
	}
	if err := l.store.DeleteToken(ctx, secret); err != nil && !ledger.IsNotFound(err) {
		l.logger.Warn("legacy token not removed", zap.String("token", payment.RedactToken(secret)), zap.Error(err))
	}
	l.logger.Info("legacy token migrated", zap.String("token", payment.RedactToken(secret)))
	return migrated, nil
}

func insufficient(balance, required decimal.Decimal) *ledger.Error {
	return ledger.Fail(ledger.CodeInsufficientBalance, "Insufficient balance").
		With("current_balance", balance).
		With("required_amount", required)
}
