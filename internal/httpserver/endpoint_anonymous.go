package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/anonymous"
	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/pricing"
)

type anonymousEndpoint struct {
	server *Server
}

func newAnonymousEndpoint(server *Server) protocol.Endpoint {
	return &anonymousEndpoint{server: server}
}

func (e *anonymousEndpoint) Name() string { return "anonymous" }

func (e *anonymousEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.anonymous == nil {
		return nil
	}
	routes := []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/mcp/deposit", Handler: http.HandlerFunc(e.server.handleDeposit)},
		{Method: http.MethodGet, Path: "/mcp/token/balance", Handler: http.HandlerFunc(e.server.handleTokenBalance)},
	}
	if e.server.pricing != nil {
		routes = append(routes, protocol.EndpointRoute{
			Method: http.MethodPost, Path: "/mcp/anonymous/invoke", Handler: http.HandlerFunc(e.server.handleAnonymousInvoke),
		})
	}
	return routes
}

type depositRequest struct {
	TxID          string          `json:"tx_id"`
	Amount        decimal.Decimal `json:"amount"`
	ExistingToken string          `json:"existing_token"`
}

type anonymousRequest struct {
	Model          string          `json:"model"`
	Prompt         json.RawMessage `json:"prompt"`
	AnonymousToken string          `json:"anonymous_token"`
	AccessToken    string          `json:"access_token"`
}

// secretFrom reads the caller's secret from the headers, then the body.
func secretFrom(r *http.Request, body anonymousRequest) string {
	return strings.TrimSpace(firstNonEmpty(
		r.Header.Get(payment.AnonymousTokenHeader),
		r.Header.Get(payment.AccessTokenHeader),
		body.AnonymousToken,
		body.AccessToken,
	))
}

// handleDeposit credits a deposit and returns the secret on first use. The
// secret is shown exactly once and never logged.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	existing := strings.TrimSpace(req.ExistingToken)
	res, err := s.anonymous.Deposit(r.Context(), req.TxID, req.Amount, existing)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	body := map[string]any{
		"status":    "ok",
		"balance":   res.Balance,
		"deposited": res.Deposited,
	}
	switch {
	case res.Created:
		body["access_token"] = res.Secret
		body["message"] = "Anonymous deposit successful. Save your access_token securely - it cannot be recovered!"
	case res.Duplicate:
		body["message"] = "Deposit already credited to this token"
	default:
		body["message"] = "Deposit added to existing token"
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	tok, err := s.anonymous.Balance(r.Context(), secretFrom(r, anonymousRequest{AccessToken: r.URL.Query().Get("access_token")}))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"balance":    tok.Balance,
		"currency":   s.currency(),
		"created_at": tok.CreatedAt,
	})
}

// handleAnonymousInvoke debits the caller's balance and runs the model. Any
// token or balance failure is answered with 402 and deposit instructions.
func (s *Server) handleAnonymousInvoke(w http.ResponseWriter, r *http.Request) {
	var req anonymousRequest
	raw, err := decodeBody(r, &req)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	prompt := promptOf(req.Prompt, raw)
	q := s.pricing.PriceFor(pricing.Selection{Model: req.Model, Prompt: prompt})
	secret := secretFrom(r, req)

	tok, err := s.anonymous.Validate(r.Context(), secret, q.Total)
	if err != nil {
		s.anonymousPaymentRequired(w, r, err, q, tok.Balance)
		return
	}
	requestID := uuid.NewString()
	remaining, err := s.anonymous.Debit(r.Context(), secret, q.Total, anonymous.UsageInfo{Model: q.Model, RequestID: requestID})
	if err != nil {
		s.anonymousPaymentRequired(w, r, err, q, remaining)
		return
	}

	result := ledger.Result{Model: q.Model, Output: "No output returned", Usage: &ledger.ResultUsage{Calls: 1, Amount: q.Total}}
	if s.executor != nil {
		result = s.executor.Invoke(r.Context(), execution.Invocation{
			Prompt: prompt,
			Model:  q.Model,
			Amount: q.Total,
		})
	}
	s.logger.Debug("anonymous request completed",
		zap.String("model", q.Model),
		zap.String("cost", q.Total.String()),
		zap.String("token", payment.RedactToken(secret)))
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]any{
			"output": result.Output,
			"usage":  result.Usage,
			"model":  result.Model,
			"error":  result.Error,
		},
		"cost":              q.Total,
		"remaining_balance": remaining,
		"currency":          s.currency(),
	})
}

func (s *Server) anonymousPaymentRequired(w http.ResponseWriter, r *http.Request, err error, q pricing.Quote, balance decimal.Decimal) {
	var de *ledger.Error
	if !errors.As(err, &de) {
		s.writeError(w, r, err, nil)
		return
	}
	if v, ok := de.Details["current_balance"].(decimal.Decimal); ok {
		balance = v
	}
	s.metrics.RecordError(string(de.Code))
	cfg := s.invoiceConfig()
	s.respondJSON(w, http.StatusPaymentRequired, map[string]any{
		"status":          "payment_required",
		"error":           string(de.Code),
		"message":         de.Message,
		"required_amount": q.Total,
		"current_balance": balance,
		"model":           q.Model,
		"pricing": map[string]any{
			"price_per_call": q.PricePerCall,
			"gas_per_call":   q.GasPerCall,
			"total":          q.Total,
			"currency":       s.currency(),
		},
		"deposit_info": map[string]any{
			"recipient": cfg.Recipient,
			"network":   cfg.Network,
			"message":   "Deposit ALEO to get an access token, then use it to call APIs anonymously",
		},
	})
}
