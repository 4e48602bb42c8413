package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
)

const tokenShareSuffix = "_tokens"

var (
	tokenMinAmount = decimal.New(1, -6)
	tokenMaxAmount = decimal.NewFromInt(100)
	shareMinAmount = decimal.NewFromInt(1)
	shareMaxAmount = decimal.NewFromInt(20)
	// pricePerTokenCall estimates how many API calls a token purchase buys.
	pricePerTokenCall = decimal.New(6, -5)
)

type shareEndpoint struct {
	server *Server
}

func newShareEndpoint(server *Server) protocol.Endpoint {
	return &shareEndpoint{server: server}
}

func (e *shareEndpoint) Name() string { return "share" }

func (e *shareEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.engine == nil {
		return nil
	}
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/mcp/share/buy", Handler: http.HandlerFunc(e.server.handleShareBuy)},
	}
}

type shareRequest struct {
	identity
	ShareID string           `json:"share_id"`
	Amount  *decimal.Decimal `json:"amount_usdc"`
}

// shareOrder is a validated purchase.
type shareOrder struct {
	ShareID     string
	Unit        string
	Type        ledger.Type
	Amount      decimal.Decimal
	UnitCount   int64
	Description string
}

// parseShareOrder validates a purchase. Share ids ending in _tokens buy API
// calls for the named model; anything else is a marketplace share.
func parseShareOrder(shareID string, amount *decimal.Decimal) (shareOrder, error) {
	shareID = strings.TrimSpace(shareID)
	if shareID == "" {
		return shareOrder{}, ledger.Fail(ledger.CodeMissingShareID, "share_id is required.")
	}
	tokens := strings.HasSuffix(shareID, tokenShareSuffix)
	lo, hi, kind := shareMinAmount, shareMaxAmount, "Share"
	if tokens {
		lo, hi, kind = tokenMinAmount, tokenMaxAmount, "Token"
	}
	if amount == nil || amount.LessThan(lo) || amount.GreaterThan(hi) {
		return shareOrder{}, ledger.Fail(ledger.CodeInvalidAmount,
			fmt.Sprintf("%s purchase must be between %s and %s ALEO.", kind, lo.String(), hi.String()))
	}
	if tokens {
		unit := strings.TrimSuffix(shareID, tokenShareSuffix)
		return shareOrder{
			ShareID:     shareID,
			Unit:        unit,
			Type:        ledger.TypeToken,
			Amount:      *amount,
			UnitCount:   amount.Div(pricePerTokenCall).Round(0).IntPart(),
			Description: "Purchase API calls for " + unit,
		}, nil
	}
	return shareOrder{
		ShareID:     shareID,
		Unit:        shareID,
		Type:        ledger.TypeShare,
		Amount:      *amount,
		UnitCount:   1,
		Description: "Purchase share " + shareID,
	}, nil
}

func (s *Server) handleShareBuy(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	order, err := parseShareOrder(req.ShareID, req.Amount)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	proof, paid, err := proofFrom(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	if !paid {
		inv, err := s.engine.Create(r.Context(), invoice.CreateRequest{
			Type:        order.Type,
			UserID:      req.user(r),
			Unit:        order.Unit,
			Amount:      order.Amount,
			UnitCount:   order.UnitCount,
			Description: order.Description,
			Meta: ledger.Meta{
				WalletAddress: req.wallet(r),
				Share:         &ledger.ShareMeta{ShareID: order.ShareID, TokenPurchase: order.Type == ledger.TypeToken},
			},
		})
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		s.respondInvoice(w, inv, map[string]any{
			"share_id":         order.ShareID,
			"amount_requested": order.Amount,
		})
		return
	}

	settled, err := s.engine.Settle(r.Context(), invoice.SettleRequest{
		RequestID:     req.requestID(r),
		Proof:         proof,
		WalletAddress: req.wallet(r),
		Types:         []ledger.Type{ledger.TypeShare, ledger.TypeToken},
	})
	if err != nil {
		s.writeError(w, r, err, map[string]any{"share_id": order.ShareID})
		return
	}
	entry := settled.Entry
	body := map[string]any{
		"status":          "ok",
		"request_id":      entry.RequestID,
		"share_id":        order.ShareID,
		"type":            entry.Type,
		"amount_usdc":     settled.Charged,
		"tokens_or_calls": entry.TokensOrCalls,
		"tx_signature":    entry.TxSignature,
		"settled_at":      entry.CompletedAt,
	}
	if share := entry.Meta.Share; share != nil {
		body["share_id"] = share.ShareID
	}
	if settled.Explorer != "" {
		body["explorer"] = settled.Explorer
	}
	if settled.Replayed {
		body["replayed"] = true
	}
	s.respondJSON(w, http.StatusOK, body)
}
