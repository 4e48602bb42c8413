// Package file implements ledger.Store on top of two JSON documents, one for
// billing entries and one for anonymous tokens. An empty path keeps the data
// in memory only.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tokligence/paygate/internal/ledger"
)

type entriesDoc struct {
	Entries []ledger.Entry `json:"entries"`
}

type tokensDoc struct {
	Tokens map[string]ledger.Token `json:"tokens"`
}

// Store implements ledger.Store backed by JSON files.
type Store struct {
	entriesPath string
	tokensPath  string
	opts        ledger.Options
	clock       func() time.Time

	mu        sync.RWMutex
	entries   []ledger.Entry
	byRequest map[string]int
	tokens    map[string]ledger.Token
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the entry and token documents.
func New(entriesPath, tokensPath string, opts ledger.Options) (*Store, error) {
	s := &Store{
		entriesPath: entriesPath,
		tokensPath:  tokensPath,
		opts:        opts,
		clock:       opts.Clock(),
		byRequest:   make(map[string]int),
		tokens:      make(map[string]ledger.Token),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns a store that never touches disk.
func NewMemory(opts ledger.Options) *Store {
	s, _ := New("", "", opts)
	return s
}

func (s *Store) load() error {
	if s.entriesPath != "" {
		var doc entriesDoc
		if err := readJSON(s.entriesPath, &doc); err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		s.entries = doc.Entries
	}
	if s.tokensPath != "" {
		var doc tokensDoc
		if err := readJSON(s.tokensPath, &doc); err != nil {
			return fmt.Errorf("load tokens: %w", err)
		}
		if doc.Tokens != nil {
			s.tokens = doc.Tokens
		}
	}
	s.reindex()
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) reindex() {
	s.byRequest = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		if e.RequestID != "" {
			s.byRequest[e.RequestID] = i
		}
	}
}

// commitEntries prunes expired terminal entries from next and flushes it. The
// in-memory view switches to next only after the write succeeds. Caller holds mu.
func (s *Store) commitEntries(next []ledger.Entry) error {
	cutoff := s.opts.Cutoff(s.clock())
	if !cutoff.IsZero() {
		kept := make([]ledger.Entry, 0, len(next))
		for _, e := range next {
			if !ledger.Prunable(e, cutoff) {
				kept = append(kept, e)
			}
		}
		next = kept
	}
	if err := writeJSON(s.entriesPath, entriesDoc{Entries: next}); err != nil {
		return err
	}
	s.entries = next
	s.reindex()
	return nil
}

func (s *Store) persistTokens() error {
	return writeJSON(s.tokensPath, tokensDoc{Tokens: s.tokens})
}

// Close is a no-op; every write is flushed synchronously.
func (s *Store) Close() error { return nil }

// CreateEntry appends a new entry.
func (s *Store) CreateEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.RequestID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: request id required", ledger.ErrInvalidEntry)
	}
	if err := entry.Meta.Validate(entry.Type); err != nil {
		return ledger.Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRequest[entry.RequestID]; exists {
		return ledger.Entry{}, ledger.ErrDuplicate
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
	next := append(slices.Clip(s.entries), stored)
	if err := s.commitEntries(next); err != nil {
		return ledger.Entry{}, err
	}
	return cloneEntry(stored), nil
}

// GetEntry returns the entry for requestID.
func (s *Store) GetEntry(ctx context.Context, requestID string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byRequest[requestID]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return cloneEntry(s.entries[idx]), nil
}

// MarkStatus applies patch when the current status equals from.
func (s *Store) MarkStatus(ctx context.Context, requestID string, from ledger.Status, patch ledger.Patch) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byRequest[requestID]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	e := cloneEntry(s.entries[idx])
	if e.Status != from {
		return ledger.Entry{}, fmt.Errorf("%w: %s is %s, want %s", ledger.ErrConflict, requestID, e.Status, from)
	}
	patch.Apply(&e, s.clock())
	stored := s.opts.Prepare(e)
	next := slices.Clone(s.entries)
	next[idx] = stored
	if err := s.commitEntries(next); err != nil {
		return ledger.Entry{}, err
	}
	return cloneEntry(stored), nil
}

// UpdateMeta applies fn to the stored meta.
func (s *Store) UpdateMeta(ctx context.Context, requestID string, fn func(*ledger.Meta)) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byRequest[requestID]
	if !ok {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	e := cloneEntry(s.entries[idx])
	fn(&e.Meta)
	if err := e.Meta.Validate(e.Type); err != nil {
		return ledger.Entry{}, err
	}
	e.UpdatedAt = s.clock()
	e.Version++
	stored := s.opts.Prepare(e)
	next := slices.Clone(s.entries)
	next[idx] = stored
	if err := s.commitEntries(next); err != nil {
		return ledger.Entry{}, err
	}
	return cloneEntry(stored), nil
}

// ListByUser returns the newest entries for userID.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, cloneEntry(s.entries[i]))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindBySession returns the newest entry whose workflow meta carries sessionID.
func (s *Store) FindBySession(ctx context.Context, sessionID string) (ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		if sessionID != "" && s.entries[i].SessionID() == sessionID {
			return cloneEntry(s.entries[i]), nil
		}
	}
	return ledger.Entry{}, ledger.ErrNotFound
}

// ExpireStale marks overdue pending entries as expired.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	next := slices.Clone(s.entries)
	n := 0
	for i, e := range next {
		if e.Status != ledger.StatusPendingPayment || e.ExpiresAt == nil || !e.ExpiresAt.Before(cutoff) {
			continue
		}
		expiredAt := now
		ledger.Patch{Status: ledger.StatusExpired, ExpiredAt: &expiredAt}.Apply(&e, now)
		next[i] = e
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.commitEntries(next); err != nil {
		return 0, err
	}
	return n, nil
}

// GetToken returns the token stored under key.
func (s *Store) GetToken(ctx context.Context, key string) (ledger.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[key]
	if !ok {
		return ledger.Token{}, ledger.ErrNotFound
	}
	return cloneToken(t), nil
}

// CreateToken inserts a new token.
func (s *Store) CreateToken(ctx context.Context, token ledger.Token) (ledger.Token, error) {
	if token.Key == "" {
		return ledger.Token{}, errors.New("token key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.Key]; exists {
		return ledger.Token{}, ledger.ErrDuplicate
	}
	now := s.clock()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	token.Version = 1
	s.tokens[token.Key] = cloneToken(token)
	if err := s.persistTokens(); err != nil {
		delete(s.tokens, token.Key)
		return ledger.Token{}, err
	}
	return cloneToken(token), nil
}

// SaveToken replaces the token when its version matches.
func (s *Store) SaveToken(ctx context.Context, token ledger.Token) (ledger.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[token.Key]
	if !ok {
		return ledger.Token{}, ledger.ErrNotFound
	}
	if current.Version != token.Version {
		return ledger.Token{}, fmt.Errorf("%w: token version %d, want %d", ledger.ErrConflict, token.Version, current.Version)
	}
	now := s.clock()
	token.UpdatedAt = now
	token.Version++
	ledger.PruneHistory(&token, s.opts.Cutoff(now))
	s.tokens[token.Key] = cloneToken(token)
	if err := s.persistTokens(); err != nil {
		s.tokens[token.Key] = current
		return ledger.Token{}, err
	}
	return cloneToken(token), nil
}

// DeleteToken removes the token stored under key.
func (s *Store) DeleteToken(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tokens[key]
	if !ok {
		return ledger.ErrNotFound
	}
	delete(s.tokens, key)
	if err := s.persistTokens(); err != nil {
		s.tokens[key] = current
		return err
	}
	return nil
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	e.Meta = e.Meta.Clone()
	return e
}

func cloneToken(t ledger.Token) ledger.Token {
	t.Deposits = append([]ledger.Deposit(nil), t.Deposits...)
	t.Usage = append([]ledger.Usage(nil), t.Usage...)
	return t
}
