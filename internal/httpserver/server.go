// Package httpserver exposes the paygate JSON API over chi.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/anonymous"
	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/health"
	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/pricing"
	"github.com/tokligence/paygate/internal/ratelimit"
	"github.com/tokligence/paygate/internal/rewards"
	"github.com/tokligence/paygate/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Options wires the server to its collaborators. Nil collaborators disable
// the routes that need them.
type Options struct {
	Engine    *invoice.Engine
	Entries   ledger.EntryStore
	Pricing   *pricing.Store
	Executor  *execution.Service
	Workflows *workflow.Coordinator
	Anonymous *anonymous.Ledger
	Checkin   *rewards.Checkin
	Metrics   *metrics.Collector
	Health    *health.Checker
	// Limiter throttles /mcp routes per caller. Nil disables throttling.
	Limiter   *ratelimit.Limiter
	Logger    *zap.Logger
}

// Server exposes the paygate REST endpoints.
type Server struct {
	engine    *invoice.Engine
	entries   ledger.EntryStore
	pricing   *pricing.Store
	executor  *execution.Service
	workflows *workflow.Coordinator
	anonymous *anonymous.Ledger
	checkin   *rewards.Checkin
	metrics   *metrics.Collector
	health    *health.Checker
	throttle  *ratelimit.Middleware
	logger    *zap.Logger
	started   time.Time
}

// New constructs a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    opts.Engine,
		entries:   opts.Entries,
		pricing:   opts.Pricing,
		executor:  opts.Executor,
		workflows: opts.Workflows,
		anonymous: opts.Anonymous,
		checkin:   opts.Checkin,
		metrics:   opts.Metrics,
		health:    opts.Health,
		logger:    logger.Named("http"),
		started:   time.Now().UTC(),
	}
	if opts.Limiter != nil {
		s.throttle = ratelimit.NewMiddleware(opts.Limiter, callerKey, s.rateLimited)
	}
	return s
}

// Router returns the HTTP handler with every configured endpoint mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	s.registerEndpoints(r,
		newHealthEndpoint(s),
		newInvokeEndpoint(s),
		newWorkflowEndpoint(s),
		newShareEndpoint(s),
		newAnonymousEndpoint(s),
		newCheckinEndpoint(s),
		newEntriesEndpoint(s),
	)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		routes := ep.Routes()
		if len(routes) == 0 {
			s.logger.Debug("endpoint disabled", zap.String("endpoint", ep.Name()))
			continue
		}
		for _, route := range routes {
			h := route.Handler
			if s.throttle != nil && strings.HasPrefix(route.Path, "/mcp/") {
				h = s.throttle.Wrap(h)
			}
			r.Method(route.Method, route.Path, h)
		}
	}
}

// requestLogger records per-route latency and logs each request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(route, elapsed)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", elapsed),
			zap.String("payment", payment.RedactHeader(r.Header.Get(payment.PaymentHeader))))
	})
}

// callerKey buckets requests by user id when given, else by client address.
func callerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(payment.UserIDHeader)); id != "" {
		return "user:" + id
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "ip:" + host
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request, d ratelimit.Decision) {
	s.writeError(w, r, ledger.Fail(ledger.CodeRateLimited, "Rate limit exceeded. Please try again later.").
		With("retry_after_seconds", int64(math.Ceil(d.RetryAfter.Seconds()))), nil)
}

// identity carries the caller fields shared by every paid endpoint.
type identity struct {
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	WalletAddress string `json:"wallet_address"`
	WalletCamel   string `json:"walletAddress"`
}

// wallet prefers the body, then the header, then the camel-case body field.
func (id identity) wallet(r *http.Request) string {
	return firstNonEmpty(id.WalletAddress, r.Header.Get(payment.WalletAddressHeader), id.WalletCamel)
}

// user resolves the billing identity: explicit id, header, wallet, anonymous.
func (id identity) user(r *http.Request) string {
	if v := firstNonEmpty(id.UserID, r.Header.Get(payment.UserIDHeader)); v != "" {
		return strings.TrimSpace(v)
	}
	if strings.TrimSpace(id.WalletAddress) != "" {
		return "wallet:" + strings.ToLower(strings.TrimSpace(id.WalletAddress))
	}
	return "anonymous"
}

func (id identity) requestID(r *http.Request) string {
	return strings.TrimSpace(firstNonEmpty(r.Header.Get(payment.RequestIDHeader), id.RequestID))
}

// decodeBody reads an optional JSON body into dst and returns the raw bytes.
func decodeBody(r *http.Request, dst any) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, err
	}
	return raw, nil
}

// proofFrom parses X-PAYMENT. A missing header yields ok=false without error.
func proofFrom(r *http.Request) (payment.Proof, bool, error) {
	proof, err := payment.Parse(r.Header.Get(payment.PaymentHeader))
	if errors.Is(err, payment.ErrNoProof) {
		return payment.Proof{}, false, nil
	}
	if err != nil {
		return payment.Proof{}, false, ledger.Fail(ledger.CodeInvalidPayment, "X-PAYMENT header could not be parsed").Wrap(err)
	}
	return proof, true, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondInvoice writes a 402 challenge for inv.
func (s *Server) respondInvoice(w http.ResponseWriter, inv invoice.Invoice, extras map[string]any) {
	w.Header().Set(payment.RequestIDHeader, inv.RequestID)
	s.respondJSON(w, http.StatusPaymentRequired, inv.Body(extras))
}

// writeError maps domain failures to structured bodies. An expired invoice
// is answered with its replacement 402; anything untyped is a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, extras map[string]any) {
	var expired *invoice.ExpiredError
	if errors.As(err, &expired) {
		s.metrics.RecordError(string(ledger.CodeTimeout))
		body := map[string]any{
			"reason":              "timeout",
			"message":             "Invoice expired. Issuing a new 402.",
			"previous_request_id": expired.PreviousRequestID,
		}
		for k, v := range extras {
			body[k] = v
		}
		s.respondInvoice(w, expired.Invoice, body)
		return
	}

	var de *ledger.Error
	if errors.As(err, &de) {
		s.metrics.RecordError(string(de.Code))
		body := map[string]any{
			"status":  string(de.Code),
			"error":   string(de.Code),
			"message": de.Message,
		}
		for k, v := range de.Details {
			body[k] = v
		}
		if de.Code.HTTPStatus() >= http.StatusInternalServerError {
			s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		s.respondJSON(w, de.Code.HTTPStatus(), body)
		return
	}

	s.metrics.RecordError(string(ledger.CodeInternal))
	s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	s.respondJSON(w, http.StatusInternalServerError, map[string]any{
		"status":  "error",
		"error":   string(ledger.CodeInternal),
		"message": "Internal server error",
	})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, ledger.Fail(ledger.CodeInvalidRequest, "request body must be valid JSON").Wrap(err), nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *Server) invoiceConfig() invoice.Config {
	if s.engine == nil {
		return invoice.Config{}
	}
	return s.engine.Config()
}

func (s *Server) currency() string {
	return firstNonEmpty(s.invoiceConfig().Currency, "ALEO")
}
