// Package sqlstore implements ledger.Store over database/sql. Backends supply
// a Dialect for placeholder syntax and pruning; the queries are otherwise shared.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokligence/paygate/internal/ledger"
)

const (
	pruneInterval   = time.Minute
	metaUpdateTries = 5
)

// TerminalStatuses lists the statuses eligible for retention pruning.
var TerminalStatuses = []string{
	string(ledger.StatusCompleted),
	string(ledger.StatusExpired),
	string(ledger.StatusFlaggedOrphan),
}

// Dialect adapts the shared queries to a SQL backend.
type Dialect struct {
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// PruneQuery deletes terminal entries last updated before cutoff.
	PruneQuery func(cutoff time.Time) (string, []any)
}

// Store implements ledger.Store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	opts    ledger.Options
	clock   func() time.Time

	pruneMu   sync.Mutex
	lastPrune time.Time
}

var _ ledger.Store = (*Store)(nil)

// New wraps db. The schema must already exist.
func New(db *sql.DB, dialect Dialect, opts ledger.Options) *Store {
	return &Store{db: db, dialect: dialect, opts: opts, clock: opts.Clock()}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const entryColumns = `id, request_id, type, user_id, model_or_node, amount, tokens_or_calls, status, nonce, tx_signature,
	session_id, created_at, updated_at, expires_at, paid_at, completed_at, expired_at, version, meta`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                                         ledger.Entry
		typ, status, sessionID                    string
		amount                                    decimal.Decimal
		expiresAt, paidAt, completedAt, expiredAt sql.NullTime
		meta                                      []byte
	)
	if err := row.Scan(&e.ID, &e.RequestID, &typ, &e.UserID, &e.ModelOrNode, &amount, &e.TokensOrCalls, &status,
		&e.Nonce, &e.TxSignature, &sessionID, &e.CreatedAt, &e.UpdatedAt, &expiresAt, &paidAt, &completedAt, &expiredAt,
		&e.Version, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Entry{}, ledger.ErrNotFound
		}
		return ledger.Entry{}, err
	}
	e.Type = ledger.Type(typ)
	e.Status = ledger.Status(status)
	e.AmountDue = amount
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.ExpiresAt = nullTime(expiresAt)
	e.PaidAt = nullTime(paidAt)
	e.CompletedAt = nullTime(completedAt)
	e.ExpiredAt = nullTime(expiredAt)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return ledger.Entry{}, fmt.Errorf("decode meta for %s: %w", e.RequestID, err)
		}
	}
	return e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateEntry inserts a new entry.
func (s *Store) CreateEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.RequestID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: request id required", ledger.ErrInvalidEntry)
	}
	if err := entry.Meta.Validate(entry.Type); err != nil {
		return ledger.Entry{}, err
	}
	now := s.clock()
	if entry.ID == "" {
		entry.ID = ledger.NewEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	if entry.Status == "" {
		entry.Status = ledger.StatusPendingPayment
	}
	stored := s.opts.Prepare(entry)
	meta, err := json.Marshal(stored.Meta)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("encode meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO billing_entries(`+entryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		stored.ID, stored.RequestID, string(stored.Type), stored.UserID, stored.ModelOrNode, stored.AmountDue.String(),
		stored.TokensOrCalls, string(stored.Status), stored.Nonce, stored.TxSignature, stored.SessionID(),
		stored.CreatedAt.UTC(), stored.UpdatedAt.UTC(), timeArg(stored.ExpiresAt), timeArg(stored.PaidAt),
		timeArg(stored.CompletedAt), timeArg(stored.ExpiredAt), stored.Version, string(meta),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicate
		}
		return ledger.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	s.maybePrune(ctx)
	return stored, nil
}

// GetEntry returns the entry for requestID.
func (s *Store) GetEntry(ctx context.Context, requestID string) (ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM billing_entries WHERE request_id = ?`), requestID)
	return scanEntry(row)
}

// write persists e if the stored version still equals prevVersion.
func (s *Store) write(ctx context.Context, e ledger.Entry, prevVersion int64, guard ledger.Status) (ledger.Entry, error) {
	stored := s.opts.Prepare(e)
	meta, err := json.Marshal(stored.Meta)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("encode meta: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE billing_entries
SET status = ?, tx_signature = ?, session_id = ?, updated_at = ?, paid_at = ?, completed_at = ?, expired_at = ?,
	version = ?, meta = ?
WHERE request_id = ? AND version = ? AND status = ?`),
		string(stored.Status), stored.TxSignature, stored.SessionID(), stored.UpdatedAt.UTC(), timeArg(stored.PaidAt),
		timeArg(stored.CompletedAt), timeArg(stored.ExpiredAt), stored.Version, string(meta),
		stored.RequestID, prevVersion, string(guard),
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Entry{}, err
	}
	if n == 0 {
		return ledger.Entry{}, fmt.Errorf("%w: %s changed concurrently", ledger.ErrConflict, e.RequestID)
	}
	s.maybePrune(ctx)
	return stored, nil
}

// MarkStatus applies patch when the current status equals from.
func (s *Store) MarkStatus(ctx context.Context, requestID string, from ledger.Status, patch ledger.Patch) (ledger.Entry, error) {
	e, err := s.GetEntry(ctx, requestID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if e.Status != from {
		return ledger.Entry{}, fmt.Errorf("%w: %s is %s, want %s", ledger.ErrConflict, requestID, e.Status, from)
	}
	prev := e.Version
	patch.Apply(&e, s.clock())
	return s.write(ctx, e, prev, from)
}

// UpdateMeta applies fn to the stored meta, retrying on concurrent writers.
func (s *Store) UpdateMeta(ctx context.Context, requestID string, fn func(*ledger.Meta)) (ledger.Entry, error) {
	var lastErr error
	for i := 0; i < metaUpdateTries; i++ {
		e, err := s.GetEntry(ctx, requestID)
		if err != nil {
			return ledger.Entry{}, err
		}
		prev, status := e.Version, e.Status
		fn(&e.Meta)
		if err := e.Meta.Validate(e.Type); err != nil {
			return ledger.Entry{}, err
		}
		e.UpdatedAt = s.clock()
		e.Version++
		out, err := s.write(ctx, e, prev, status)
		if err == nil {
			return out, nil
		}
		if !ledger.IsConflict(err) {
			return ledger.Entry{}, err
		}
		lastErr = err
	}
	return ledger.Entry{}, lastErr
}

// ListByUser returns the newest entries for userID.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+entryColumns+`
FROM billing_entries
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindBySession returns the newest entry anchoring sessionID.
func (s *Store) FindBySession(ctx context.Context, sessionID string) (ledger.Entry, error) {
	if sessionID == "" {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT `+entryColumns+`
FROM billing_entries
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT 1`), sessionID)
	return scanEntry(row)
}

// ExpireStale marks overdue pending entries as expired.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.clock()
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE billing_entries
SET status = ?, expired_at = ?, updated_at = ?, version = version + 1
WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?`),
		string(ledger.StatusExpired), now, now, string(ledger.StatusPendingPayment), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// maybePrune deletes terminal entries beyond the retention window at most once per interval.
func (s *Store) maybePrune(ctx context.Context) {
	now := s.clock()
	cutoff := s.opts.Cutoff(now)
	if cutoff.IsZero() {
		return
	}
	s.pruneMu.Lock()
	if now.Sub(s.lastPrune) < pruneInterval {
		s.pruneMu.Unlock()
		return
	}
	s.lastPrune = now
	s.pruneMu.Unlock()
	_, _ = s.Prune(ctx, cutoff)
}

// Prune deletes terminal entries last updated before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var (
		query string
		args  []any
	)
	if s.dialect.PruneQuery != nil {
		query, args = s.dialect.PruneQuery(cutoff.UTC())
	} else {
		query = `DELETE FROM billing_entries WHERE status IN (?, ?, ?) AND updated_at < ?`
		args = []any{TerminalStatuses[0], TerminalStatuses[1], TerminalStatuses[2], cutoff.UTC()}
		query = s.q(query)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	return res.RowsAffected()
}

// GetToken returns the token stored under key.
func (s *Store) GetToken(ctx context.Context, key string) (ledger.Token, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT token_key, balance, created_at, updated_at, deposits, usage, version
FROM anonymous_tokens WHERE token_key = ?`), key)
	var (
		t               ledger.Token
		balance         decimal.Decimal
		deposits, usage []byte
	)
	if err := row.Scan(&t.Key, &balance, &t.CreatedAt, &t.UpdatedAt, &deposits, &usage, &t.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Token{}, ledger.ErrNotFound
		}
		return ledger.Token{}, err
	}
	t.Balance = balance
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(deposits) > 0 {
		if err := json.Unmarshal(deposits, &t.Deposits); err != nil {
			return ledger.Token{}, fmt.Errorf("decode deposits: %w", err)
		}
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &t.Usage); err != nil {
			return ledger.Token{}, fmt.Errorf("decode usage: %w", err)
		}
	}
	return t, nil
}

func encodeHistory(t ledger.Token) (string, string, error) {
	deposits, err := json.Marshal(nonNil(t.Deposits))
	if err != nil {
		return "", "", err
	}
	usage, err := json.Marshal(nonNil(t.Usage))
	if err != nil {
		return "", "", err
	}
	return string(deposits), string(usage), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateToken inserts a new token.
func (s *Store) CreateToken(ctx context.Context, token ledger.Token) (ledger.Token, error) {
	if token.Key == "" {
		return ledger.Token{}, errors.New("token key required")
	}
	now := s.clock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	token.Version = 1
	deposits, usage, err := encodeHistory(token)
	if err != nil {
		return ledger.Token{}, fmt.Errorf("encode token history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO anonymous_tokens(token_key, balance, created_at, updated_at, deposits, usage, version)
VALUES(?, ?, ?, ?, ?, ?, ?)`),
		token.Key, token.Balance.String(), token.CreatedAt.UTC(), token.UpdatedAt.UTC(), deposits, usage, token.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Token{}, ledger.ErrDuplicate
		}
		return ledger.Token{}, fmt.Errorf("insert token: %w", err)
	}
	return token, nil
}

// SaveToken writes token when the stored version equals token.Version.
func (s *Store) SaveToken(ctx context.Context, token ledger.Token) (ledger.Token, error) {
	now := s.clock()
	prev := token.Version
	token.UpdatedAt = now
	token.Version++
	ledger.PruneHistory(&token, s.opts.Cutoff(now))
	deposits, usage, err := encodeHistory(token)
	if err != nil {
		return ledger.Token{}, fmt.Errorf("encode token history: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE anonymous_tokens
SET balance = ?, updated_at = ?, deposits = ?, usage = ?, version = ?
WHERE token_key = ? AND version = ?`),
		token.Balance.String(), token.UpdatedAt.UTC(), deposits, usage, token.Version, token.Key, prev,
	)
	if err != nil {
		return ledger.Token{}, fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Token{}, err
	}
	if n == 0 {
		if _, gerr := s.GetToken(ctx, token.Key); ledger.IsNotFound(gerr) {
			return ledger.Token{}, ledger.ErrNotFound
		}
		return ledger.Token{}, fmt.Errorf("%w: token version %d is stale", ledger.ErrConflict, prev)
	}
	return token, nil
}

// DeleteToken removes the token stored under key.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM anonymous_tokens WHERE token_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
