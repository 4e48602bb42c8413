package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/paygate/internal/adapter/loopback"
	"github.com/tokligence/paygate/internal/anonymous"
	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/health"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/ledger/file"
	"github.com/tokligence/paygate/internal/ledger/ledgertest"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/pricing"
	"github.com/tokligence/paygate/internal/ratelimit"
	"github.com/tokligence/paygate/internal/rewards"
	"github.com/tokligence/paygate/internal/workflow"
)

const testPricing = `
default_model: demo
defaults:
  price_per_call: 0.0008
  gas_per_call: 0.00025
models:
  - id: demo
    price_per_call: 0.0008
    gas_per_call: 0.0003
  - id: coder
    price_per_call: 0.002
    gas_per_call: 0.0005
    keywords: [python]
`

const testRecipient = "aleo1recipient"

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	store *file.Store
	clock *ledgertest.Clock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := ledgertest.NewClock()
	store := file.NewMemory(ledger.Options{Now: clock.Now})
	m := metrics.NewCollector()
	engine := invoice.New(store, invoice.Config{
		Network:         "aleo-testnet",
		Recipient:       testRecipient,
		ExplorerBaseURL: "https://explorer.test/transaction",
	}, invoice.WithClock(clock.Now), invoice.WithMetrics(m))
	t.Cleanup(engine.Close)

	prices := pricing.NewStore()
	require.NoError(t, prices.LoadBytes([]byte(testPricing), "test"))
	exec := execution.New(loopback.New(), execution.Config{}, nil, m)

	opts := Options{
		Engine:    engine,
		Entries:   store,
		Pricing:   prices,
		Executor:  exec,
		Workflows: workflow.NewCoordinator(engine, store, workflow.NewMemorySessionStore(), prices, exec, nil),
		Anonymous: anonymous.New(store, nil, m),
		Checkin:   rewards.NewCheckin(store, decimal.Zero, nil, clock.Now),
		Metrics:   m,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	srv := httptest.NewServer(New(opts).Router())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, store: store, clock: clock}
}

func (h *harness) do(method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	h.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(h.t, dec.Decode(&out))
	}
	return resp, out
}

func (h *harness) post(path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	return h.do(http.MethodPost, path, body, headers)
}

// amountOf reads a decimal encoded either as a JSON string or number.
func amountOf(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(fmt.Sprint(v))
	require.NoError(t, err, "not an amount: %v", v)
	return d
}

func payHeaders(body map[string]any, tx string) map[string]string {
	return map[string]string{
		payment.RequestIDHeader: fmt.Sprint(body["request_id"]),
		payment.PaymentHeader:   fmt.Sprintf("aleo testnet; tx=%s; amount=%v; nonce=%v", tx, body["amount_usdc"], body["nonce"]),
	}
}

func TestModelsInvokeChallengeThenSettle(t *testing.T) {
	h := newHarness(t)
	user := map[string]string{payment.UserIDHeader: "alice"}

	resp, challenge := h.post("/mcp/models.invoke", map[string]any{"model": "demo", "prompt": "ping"}, user)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "payment_required", challenge["status"])
	assert.Equal(t, challenge["request_id"], resp.Header.Get(payment.RequestIDHeader))
	assert.True(t, amountOf(t, challenge["amount_usdc"]).Equal(decimal.RequireFromString("0.0011")))
	assert.Equal(t, "aleo-testnet", challenge["network"])
	assert.Equal(t, testRecipient, challenge["recipient"])
	assert.Equal(t, "demo", challenge["auto_router"].(map[string]any)["model"])

	headers := payHeaders(challenge, "at1paid")
	resp, paid := h.post("/mcp/models.invoke", map[string]any{"model": "demo", "prompt": "ping"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, paid)
	assert.Equal(t, "ok", paid["status"])
	assert.Equal(t, "at1paid", paid["tx_signature"])
	assert.Equal(t, "https://explorer.test/transaction/at1paid", paid["explorer"])
	assert.Equal(t, "[loopback:demo] ping", paid["result"].(map[string]any)["output"])

	resp, replay := h.post("/mcp/models.invoke", map[string]any{"prompt": "something else"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, replay["replayed"])
	assert.Equal(t, "[loopback:demo] ping", replay["result"].(map[string]any)["output"])

	entry, err := h.store.GetEntry(t.Context(), fmt.Sprint(challenge["request_id"]))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, entry.Status)
	assert.Empty(t, entry.Meta.Prompt)
}

func TestModelsInvokeKeywordRouting(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post("/mcp/models.invoke", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "fix my python script"}},
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "coder", body["model_or_node"])
	assert.True(t, amountOf(t, body["amount_usdc"]).Equal(decimal.RequireFromString("0.0025")))
}

func TestModelsInvokeRejections(t *testing.T) {
	h := newHarness(t)
	_, challenge := h.post("/mcp/models.invoke", map[string]any{"model": "demo", "prompt": "ping"}, nil)

	cases := []struct {
		name    string
		headers map[string]string
		status  int
		code    string
	}{
		{"missing request id", map[string]string{payment.PaymentHeader: "aleo; tx=at1; amount=1; nonce=x"}, http.StatusBadRequest, "missing_request_id"},
		{"unknown request", map[string]string{payment.PaymentHeader: "aleo; tx=at1; amount=1; nonce=x", payment.RequestIDHeader: "nope"}, http.StatusNotFound, "unknown_request"},
		{"malformed proof", map[string]string{payment.PaymentHeader: "aleo; amount=1", payment.RequestIDHeader: "nope"}, http.StatusBadRequest, "invalid_payment"},
		{"wrong nonce", map[string]string{
			payment.RequestIDHeader: fmt.Sprint(challenge["request_id"]),
			payment.PaymentHeader:   "aleo; tx=at1; amount=1; nonce=stale",
		}, http.StatusConflict, "nonce_mismatch"},
		{"underpaid", map[string]string{
			payment.RequestIDHeader: fmt.Sprint(challenge["request_id"]),
			payment.PaymentHeader:   fmt.Sprintf("aleo; tx=at1; amount=0.0010999; nonce=%v", challenge["nonce"]),
		}, http.StatusPaymentRequired, "underpaid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, tc.headers)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, body["error"])
		})
	}

	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, map[string]string{
		payment.RequestIDHeader: fmt.Sprint(challenge["request_id"]),
		payment.PaymentHeader:   fmt.Sprintf("aleo; tx=at1; amount=0.0010999; nonce=%v", challenge["nonce"]),
	})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.True(t, amountOf(t, body["required_amount"]).Equal(decimal.RequireFromString("0.0011")))
}

func TestModelsInvokeDuplicatePaymentIsOrphaned(t *testing.T) {
	h := newHarness(t)
	_, challenge := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, nil)
	resp, _ := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, payHeaders(challenge, "at1first"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, payHeaders(challenge, "at1second"))
	require.Equal(t, http.StatusOK, resp.StatusCode, "a completed invoice replays before the tx check")
	assert.Equal(t, "at1first", body["tx_signature"])
}

func TestModelsInvokeExpiredInvoiceIsReissued(t *testing.T) {
	h := newHarness(t)
	_, challenge := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, nil)
	h.clock.Advance(10 * time.Minute)

	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, payHeaders(challenge, "at1late"))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "timeout", body["reason"])
	assert.Equal(t, challenge["request_id"], body["previous_request_id"])
	assert.NotEqual(t, challenge["request_id"], body["request_id"])
	assert.Equal(t, body["request_id"], resp.Header.Get(payment.RequestIDHeader))

	resp, _ = h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, payHeaders(body, "at1late"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModelsInvokePrepaidCredits(t *testing.T) {
	h := newHarness(t)
	_, challenge := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, nil)
	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, map[string]string{
		payment.RequestIDHeader: fmt.Sprint(challenge["request_id"]),
		payment.PaymentHeader:   fmt.Sprintf("prepaid model=demo; remaining=9; nonce=%v", challenge["nonce"]),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, ledger.PrepaidTx, body["tx_signature"])
	assert.True(t, amountOf(t, body["amount_usdc"]).IsZero())
	assert.Equal(t, "prepaid_credits", body["payment_method"])
	assert.Equal(t, json.Number("9"), body["remaining_calls"])
	assert.Nil(t, body["explorer"])
}

var threeNodes = []map[string]any{
	{"name": "extract", "calls": 2},
	{"name": "summarize", "calls": 2},
	{"name": "publish", "calls": 2},
}

func TestWorkflowPerNodeBilling(t *testing.T) {
	h := newHarness(t)
	req := map[string]any{"workflow": map[string]any{"name": "Report"}, "nodes": threeNodes}

	resp, challenge := h.post("/mcp/workflow/execute", req, map[string]string{payment.UserIDHeader: "bob"})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	session := resp.Header.Get(payment.WorkflowSessionHeader)
	require.NotEmpty(t, session)
	assert.True(t, amountOf(t, challenge["amount_usdc"]).Equal(decimal.RequireFromString("0.0021")))
	assert.Equal(t, "extract", challenge["node"].(map[string]any)["name"])

	for i := 0; i < 3; i++ {
		headers := payHeaders(challenge, fmt.Sprintf("at1node%d", i))
		headers[payment.WorkflowSessionHeader] = session
		resp, challenge = h.post("/mcp/workflow/execute", map[string]any{}, headers)
		assert.Equal(t, session, resp.Header.Get(payment.WorkflowSessionHeader))
		if i < 2 {
			require.Equal(t, http.StatusPaymentRequired, resp.StatusCode, challenge)
			progress := challenge["progress"].(map[string]any)
			assert.Equal(t, json.Number(fmt.Sprint(i+1)), progress["completed"])
			assert.Equal(t, json.Number("3"), progress["total_nodes"])
			assert.NotNil(t, challenge["previous_node"])
			continue
		}
		require.Equal(t, http.StatusOK, resp.StatusCode, challenge)
		final := challenge["final_node"].(map[string]any)
		assert.Equal(t, "publish", final["node_name"])
		assert.Equal(t, "at1node2", final["tx_signature"])
	}

	entries, err := h.store.ListByUser(t.Context(), "bob", 10)
	require.NoError(t, err)
	completed := 0
	for _, e := range entries {
		if e.Type == ledger.TypeWorkflow && e.Status == ledger.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}

func TestWorkflowRejectsEmptyNodes(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post("/mcp/workflow/execute", map[string]any{"nodes": []any{}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_workflow", body["error"])
}

func TestWorkflowPrepayThenExecute(t *testing.T) {
	h := newHarness(t)
	nodes := []map[string]any{{"name": "a", "calls": 1}, {"name": "b", "calls": 1}, {"name": "c", "calls": 2}}
	user := map[string]string{payment.UserIDHeader: "carol"}

	resp, challenge := h.post("/mcp/workflow.prepay", map[string]any{"workflow": map[string]any{"name": "Batch"}, "nodes": nodes}, user)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.True(t, amountOf(t, challenge["amount_usdc"]).Equal(decimal.RequireFromString("0.0042")))
	assert.Len(t, challenge["cost_breakdown"], 3)

	headers := payHeaders(challenge, "at1prepay")
	headers[payment.UserIDHeader] = "carol"
	resp, settled := h.post("/mcp/workflow.prepay", map[string]any{}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, settled)
	session := fmt.Sprint(settled["workflow_session_id"])
	require.NotEmpty(t, session)

	run := func() (*http.Response, map[string]any) {
		return h.post("/mcp/workflow/execute", map[string]any{"workflow_session_id": session}, user)
	}
	resp, step := run()
	require.Equal(t, http.StatusOK, resp.StatusCode, step)
	assert.Equal(t, "continue", step["status"])
	assert.Equal(t, "b", step["next_node"].(map[string]any)["name"])

	_, step = run()
	assert.Equal(t, json.Number("67"), step["progress"].(map[string]any)["percentage"])

	resp, step = run()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", step["status"])
	assert.Equal(t, "c", step["final_node"].(map[string]any)["node_name"])

	resp, step = run()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "session_complete", step["error"])

	resp, step = h.post("/mcp/workflow/execute", map[string]any{"workflow_session_id": "missing"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", step["error"])
}

func TestShareBuy(t *testing.T) {
	h := newHarness(t)

	resp, body := h.post("/mcp/share/buy", map[string]any{"amount_usdc": 2}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_share_id", body["error"])

	resp, body = h.post("/mcp/share/buy", map[string]any{"share_id": "fund-7", "amount_usdc": 25}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_amount", body["error"])

	resp, body = h.post("/mcp/share/buy", map[string]any{"share_id": "demo_tokens", "amount_usdc": 0.003}, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "token", body["type"])
	assert.Equal(t, "demo", body["model_or_node"])
	assert.Equal(t, json.Number("50"), body["tokens_or_calls"])
	assert.Equal(t, "Purchase API calls for demo", body["description"])
	assert.Equal(t, "demo_tokens", body["share_id"])

	resp, paid := h.post("/mcp/share/buy", map[string]any{"share_id": "demo_tokens", "amount_usdc": 0.003}, payHeaders(body, "at1share"))
	require.Equal(t, http.StatusOK, resp.StatusCode, paid)
	assert.Equal(t, "demo_tokens", paid["share_id"])
	assert.Equal(t, "at1share", paid["tx_signature"])
}

func TestParseShareOrder(t *testing.T) {
	amt := decimal.RequireFromString("5")
	order, err := parseShareOrder("fund-7", &amt)
	require.NoError(t, err)
	assert.Equal(t, ledger.TypeShare, order.Type)
	assert.Equal(t, "Purchase share fund-7", order.Description)
	assert.Equal(t, int64(1), order.UnitCount)

	tiny := decimal.RequireFromString("0.0000005")
	_, err = parseShareOrder("x_tokens", &tiny)
	assert.True(t, ledger.IsCode(err, ledger.CodeInvalidAmount))

	_, err = parseShareOrder("fund-7", nil)
	assert.True(t, ledger.IsCode(err, ledger.CodeInvalidAmount))
}

func TestAnonymousDepositInvokeAndExhaust(t *testing.T) {
	h := newHarness(t)

	resp, dep := h.post("/mcp/deposit", map[string]any{"tx_id": "at1deposit", "amount": 5}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, dep)
	secret := fmt.Sprint(dep["access_token"])
	assert.True(t, strings.HasPrefix(secret, anonymous.SecretPrefix))
	assert.True(t, amountOf(t, dep["balance"]).Equal(decimal.NewFromInt(5)))

	tokenHeader := map[string]string{payment.AnonymousTokenHeader: secret}
	resp, out := h.post("/mcp/anonymous/invoke", map[string]any{"model": "demo", "prompt": "hello"}, tokenHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	assert.True(t, amountOf(t, out["cost"]).Equal(decimal.RequireFromString("0.0011")))
	assert.True(t, amountOf(t, out["remaining_balance"]).Equal(decimal.RequireFromString("4.9989")))
	assert.Equal(t, "[loopback:demo] hello", out["result"].(map[string]any)["output"])

	resp, bal := h.do(http.MethodGet, "/mcp/token/balance", nil, map[string]string{payment.AccessTokenHeader: secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, amountOf(t, bal["balance"]).Equal(decimal.RequireFromString("4.9989")))
	assert.Equal(t, "ALEO", bal["currency"])

	resp, small := h.post("/mcp/deposit", map[string]any{"tx_id": "at1small", "amount": "0.001"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, denied := h.post("/mcp/anonymous/invoke", map[string]any{
		"model": "demo", "prompt": "hello", "access_token": small["access_token"],
	}, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "payment_required", denied["status"])
	assert.Equal(t, "insufficient_balance", denied["error"])
	assert.True(t, amountOf(t, denied["required_amount"]).Equal(decimal.RequireFromString("0.0011")))
	assert.True(t, amountOf(t, denied["current_balance"]).Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, testRecipient, denied["deposit_info"].(map[string]any)["recipient"])
}

func TestAnonymousTopUpAndTokenErrors(t *testing.T) {
	h := newHarness(t)
	_, dep := h.post("/mcp/deposit", map[string]any{"tx_id": "at1a", "amount": 1}, nil)
	secret := dep["access_token"]

	resp, top := h.post("/mcp/deposit", map[string]any{"tx_id": "at1b", "amount": 2, "existing_token": secret}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, top["access_token"])
	assert.Equal(t, "Deposit added to existing token", top["message"])
	assert.True(t, amountOf(t, top["balance"]).Equal(decimal.NewFromInt(3)))

	resp, body := h.post("/mcp/deposit", map[string]any{"amount": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_tx_id", body["error"])

	resp, body = h.do(http.MethodGet, "/mcp/token/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "no_token", body["error"])

	resp, body = h.do(http.MethodGet, "/mcp/token/balance", nil, map[string]string{payment.AnonymousTokenHeader: "anon_unknown"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["error"])

	resp, body = h.post("/mcp/anonymous/invoke", map[string]any{"prompt": "hi"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "no_token", body["error"])
	assert.True(t, amountOf(t, body["current_balance"]).IsZero())
}

func TestCheckinClaim(t *testing.T) {
	h := newHarness(t)
	resp, body := h.post("/mcp/checkin/claim", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_wallet", body["error"])

	resp, first := h.post("/mcp/checkin/claim", map[string]any{"wallet_address": "aleo1User"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(fmt.Sprint(first["tx_signature"]), "simulated_tx_"))
	assert.True(t, amountOf(t, first["amount_usdc"]).Equal(rewards.DefaultReward))

	resp, again := h.post("/mcp/checkin/claim", map[string]any{"wallet_address": "aleo1user"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "checkin_limit", again["error"])
	assert.Equal(t, first["tx_signature"], again["tx_signature"])
	assert.Equal(t, "2025-03-01", again["last_claimed"])
}

func TestListEntriesIsSanitized(t *testing.T) {
	h := newHarness(t)
	_, challenge := h.post("/mcp/models.invoke", map[string]any{"prompt": "secret prompt", "wallet_address": "aleo1W"}, nil)
	h.post("/mcp/models.invoke", map[string]any{"prompt": "secret prompt"}, payHeaders(challenge, "at1list"))

	resp, body := h.do(http.MethodGet, "/mcp/entries?wallet_address=aleo1W", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wallet:aleo1w", body["user_id"])
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	raw, err := json.Marshal(entries[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret prompt")
	assert.NotContains(t, string(raw), "aleo1W")

	resp, _ = h.do(http.MethodGet, "/mcp/entries", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["pricing_source"])

	h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, nil)
	resp, err := h.srv.Client().Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `paygate_invoices_issued_total{type="infer"} 1`)
	assert.Contains(t, string(text), `paygate_requests_total{route="/mcp/models.invoke"}`)
}

func TestRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/mcp/models.invoke", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitedRoutes(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			Store:             ratelimit.NewMemoryStore(0, nil),
			RequestsPerSecond: 0.001,
			Burst:             2,
		})
	})
	user := map[string]string{payment.UserIDHeader: "dave"}
	for i := 0; i < 2; i++ {
		resp, _ := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, user)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	}
	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, user)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, map[string]string{payment.UserIDHeader: "erin"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/health", nil, user)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReportsDependencies(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Health = health.New(health.Config{Slow: time.Minute},
			health.LedgerProbe(o.Entries),
			health.Probe{Name: "sessions", Type: "cache", Critical: true, Check: func(context.Context) error {
				return errors.New("redis down")
			}},
		)
	})
	resp, body := h.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
	components := body["components"].([]any)
	require.Len(t, components, 2)
	assert.Equal(t, "ledger", components[0].(map[string]any)["name"])
	assert.Equal(t, "healthy", components[0].(map[string]any)["status"])
}

func prepaidHeaders(body map[string]any) map[string]string {
	return map[string]string{
		payment.RequestIDHeader: fmt.Sprint(body["request_id"]),
		payment.PaymentHeader:   fmt.Sprintf("prepaid model=demo; remaining=999; nonce=%v", body["nonce"]),
	}
}

func TestPrepaidCreditsOnlySettleModelInvocations(t *testing.T) {
	nodes := []map[string]any{{"name": "a", "calls": 1}}

	t.Run("share", func(t *testing.T) {
		h := newHarness(t)
		order := map[string]any{"share_id": "fund-7", "amount_usdc": 20}
		resp, challenge := h.post("/mcp/share/buy", order, nil)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

		resp, body := h.post("/mcp/share/buy", order, prepaidHeaders(challenge))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_payment", body["error"])

		entry, err := h.store.GetEntry(context.Background(), fmt.Sprint(challenge["request_id"]))
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPendingPayment, entry.Status)
		assert.Empty(t, entry.TxSignature)

		resp, paid := h.post("/mcp/share/buy", order, payHeaders(challenge, "at1fund"))
		require.Equal(t, http.StatusOK, resp.StatusCode, paid)
		assert.True(t, amountOf(t, paid["amount_usdc"]).Equal(decimal.NewFromInt(20)))
	})

	t.Run("workflow prepay", func(t *testing.T) {
		h := newHarness(t)
		req := map[string]any{"workflow": map[string]any{"name": "Batch"}, "nodes": nodes}
		resp, challenge := h.post("/mcp/workflow.prepay", req, nil)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

		resp, body := h.post("/mcp/workflow.prepay", map[string]any{}, prepaidHeaders(challenge))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_payment", body["error"])
		assert.Nil(t, body["workflow_session_id"])
	})

	t.Run("workflow node", func(t *testing.T) {
		h := newHarness(t)
		req := map[string]any{"workflow": map[string]any{"name": "Steps"}, "nodes": nodes}
		resp, challenge := h.post("/mcp/workflow/execute", req, nil)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		headers := prepaidHeaders(challenge)
		headers[payment.WorkflowSessionHeader] = resp.Header.Get(payment.WorkflowSessionHeader)

		resp, body := h.post("/mcp/workflow/execute", map[string]any{}, headers)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_payment", body["error"])
	})
}

func TestSettleRejectsInvoicesFromOtherEndpoints(t *testing.T) {
	h := newHarness(t)

	req := map[string]any{"workflow": map[string]any{"name": "Steps"}, "nodes": []map[string]any{{"name": "a", "calls": 1}}}
	resp, node := h.post("/mcp/workflow/execute", req, nil)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	session := resp.Header.Get(payment.WorkflowSessionHeader)

	resp, body := h.post("/mcp/models.invoke", map[string]any{"prompt": "anything I like"}, payHeaders(node, "at1wrongdoor"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_request", body["error"])
	assert.Nil(t, body["result"])

	_, infer := h.post("/mcp/models.invoke", map[string]any{"prompt": "ping"}, nil)
	resp, body = h.post("/mcp/share/buy", map[string]any{"share_id": "fund-7", "amount_usdc": 2}, payHeaders(infer, "at1infer"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_request", body["error"])

	entry, err := h.store.GetEntry(context.Background(), fmt.Sprint(infer["request_id"]))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPendingPayment, entry.Status)

	headers := payHeaders(node, "at1node")
	headers[payment.WorkflowSessionHeader] = session
	resp, done := h.post("/mcp/workflow/execute", map[string]any{}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, done)
	assert.Equal(t, "at1node", done["final_node"].(map[string]any)["tx_signature"])
}
