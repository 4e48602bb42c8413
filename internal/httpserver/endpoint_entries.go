package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/payment"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

type entriesEndpoint struct {
	server *Server
}

func newEntriesEndpoint(server *Server) protocol.Endpoint {
	return &entriesEndpoint{server: server}
}

func (e *entriesEndpoint) Name() string { return "entries" }

func (e *entriesEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.entries == nil {
		return nil
	}
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/mcp/entries", Handler: http.HandlerFunc(e.server.handleListEntries)},
	}
}

// handleListEntries returns a user's newest entries, sanitized.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(firstNonEmpty(q.Get("user_id"), r.Header.Get(payment.UserIDHeader)))
	if userID == "" {
		if wallet := strings.TrimSpace(firstNonEmpty(q.Get("wallet_address"), r.Header.Get(payment.WalletAddressHeader))); wallet != "" {
			userID = "wallet:" + strings.ToLower(wallet)
		}
	}
	if userID == "" {
		s.writeError(w, r, ledger.Fail(ledger.CodeInvalidRequest, "user_id or X-User-Id is required"), nil)
		return
	}
	limit := defaultEntriesLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, ledger.Fail(ledger.CodeInvalidRequest, "limit must be a positive integer"), nil)
			return
		}
		limit = min(n, maxEntriesLimit)
	}
	entries, err := s.entries.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	out := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledger.Sanitize(e))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"user_id": userID,
		"count":   len(out),
		"entries": out,
	})
}
