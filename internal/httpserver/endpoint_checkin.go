package httpserver

import (
	"net/http"

	"github.com/tokligence/paygate/internal/httpserver/protocol"
)

type checkinEndpoint struct {
	server *Server
}

func newCheckinEndpoint(server *Server) protocol.Endpoint {
	return &checkinEndpoint{server: server}
}

func (e *checkinEndpoint) Name() string { return "checkin" }

func (e *checkinEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.checkin == nil {
		return nil
	}
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/mcp/checkin/claim", Handler: http.HandlerFunc(e.server.handleCheckinClaim)},
	}
}

// handleCheckinClaim books the daily reward. Only the body wallet_address
// counts as proof of a wallet for the reward.
func (s *Server) handleCheckinClaim(w http.ResponseWriter, r *http.Request) {
	var req identity
	if _, err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	entry, err := s.checkin.Claim(r.Context(), req.user(r), req.WalletAddress)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	body := map[string]any{
		"status":       "ok",
		"request_id":   entry.RequestID,
		"tx_signature": entry.TxSignature,
		"amount_usdc":  entry.AmountDue,
	}
	if s.engine != nil {
		body["explorer"] = s.engine.Explorer(entry.TxSignature)
	}
	s.respondJSON(w, http.StatusOK, body)
}
