package httpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/pricing"
)

type invokeEndpoint struct {
	server *Server
}

func newInvokeEndpoint(server *Server) protocol.Endpoint {
	return &invokeEndpoint{server: server}
}

func (e *invokeEndpoint) Name() string { return "invoke" }

func (e *invokeEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.engine == nil || e.server.pricing == nil {
		return nil
	}
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/mcp/models.invoke", Handler: http.HandlerFunc(e.server.handleModelsInvoke)},
	}
}

type invokeRequest struct {
	identity
	Model  string          `json:"model"`
	Prompt json.RawMessage `json:"prompt"`
}

// promptOf reads the prompt field, falling back to chat messages in the body.
func promptOf(prompt, body json.RawMessage) string {
	if len(prompt) > 0 {
		return execution.ExtractPrompt(prompt)
	}
	return execution.ExtractPrompt(body)
}

func autoRouter(q pricing.Quote) map[string]any {
	return map[string]any{
		"model":          q.Model,
		"candidates":     q.Candidates,
		"price_per_call": q.PricePerCall,
		"gas_per_call":   q.GasPerCall,
	}
}

// handleModelsInvoke issues an infer invoice, or settles one and runs the model.
func (s *Server) handleModelsInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	raw, err := decodeBody(r, &req)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	prompt := promptOf(req.Prompt, raw)
	proof, paid, err := proofFrom(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	if !paid {
		q := s.pricing.PriceFor(pricing.Selection{Model: req.Model, Prompt: prompt})
		inv, err := s.engine.Create(r.Context(), invoice.CreateRequest{
			Type:        ledger.TypeInfer,
			UserID:      req.user(r),
			Unit:        q.Model,
			Amount:      q.Total,
			UnitCount:   1,
			Description: "Invoke " + q.Model,
			Meta: ledger.Meta{
				Prompt:        prompt,
				WalletAddress: req.wallet(r),
				Inference: &ledger.InferenceMeta{
					Model:        q.Model,
					PricePerCall: q.PricePerCall,
					GasPerCall:   q.GasPerCall,
					Candidates:   q.Candidates,
				},
			},
		})
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		s.respondInvoice(w, inv, map[string]any{"auto_router": autoRouter(q)})
		return
	}

	settled, err := s.engine.Settle(r.Context(), invoice.SettleRequest{
		RequestID:     req.requestID(r),
		Proof:         proof,
		WalletAddress: req.wallet(r),
		Types:         []ledger.Type{ledger.TypeInfer},
		Run: func(ctx context.Context, entry ledger.Entry) (ledger.Result, error) {
			return s.invokeModel(ctx, entry, prompt), nil
		},
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	entry := settled.Entry
	body := map[string]any{
		"status":       "ok",
		"request_id":   entry.RequestID,
		"model_id":     entry.ModelOrNode,
		"amount_usdc":  settled.Charged,
		"tx_signature": entry.TxSignature,
		"settled_at":   entry.CompletedAt,
		"result":       settled.Result(),
	}
	if settled.Explorer != "" {
		body["explorer"] = settled.Explorer
	}
	if settled.Replayed {
		body["replayed"] = true
	}
	if entry.TxSignature == ledger.PrepaidTx {
		body["payment_method"] = entry.Meta.PaymentMethod
		if entry.Meta.PrepaidRemaining != nil {
			body["remaining_calls"] = *entry.Meta.PrepaidRemaining
		}
	}
	if inf := entry.Meta.Inference; inf != nil {
		body["auto_router"] = map[string]any{
			"model":          inf.Model,
			"candidates":     inf.Candidates,
			"price_per_call": inf.PricePerCall,
			"gas_per_call":   inf.GasPerCall,
		}
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) invokeModel(ctx context.Context, entry ledger.Entry, prompt string) ledger.Result {
	if s.executor == nil {
		return ledger.Result{
			Model:  entry.ModelOrNode,
			Output: "No output returned by " + entry.ModelOrNode + ".",
			Usage:  &ledger.ResultUsage{Calls: 1, Amount: entry.AmountDue},
		}
	}
	return s.executor.Invoke(ctx, execution.Invocation{
		Prompt:   prompt,
		Model:    entry.ModelOrNode,
		Amount:   entry.AmountDue,
		Metadata: map[string]string{"request_id": entry.RequestID},
	})
}
