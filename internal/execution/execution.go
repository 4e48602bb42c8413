// Package execution performs paid units of work on a model backend.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/adapter"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/metrics"
	"github.com/tokligence/paygate/internal/openai"
)

// EmptyPromptWarning is returned instead of calling the backend with nothing to say.
const EmptyPromptWarning = "Prompt is empty; skipping model invocation."

// Config tunes outgoing completions.
type Config struct {
	MaxTokens   int
	Temperature float64
}

// Invocation is one unit of work.
type Invocation struct {
	Prompt   string
	Model    string
	Amount   decimal.Decimal
	Metadata map[string]string
}

// Service invokes models through a chat adapter.
type Service struct {
	adapter adapter.ChatAdapter
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New builds a Service.
func New(a adapter.ChatAdapter, cfg Config, logger *zap.Logger, m *metrics.Collector) *Service {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{adapter: a, cfg: cfg, logger: logger.Named("execution"), metrics: m}
}

// Invoke runs inv and always returns a result. Backend failures are recorded
// in Result.Error with a readable Output.
func (s *Service) Invoke(ctx context.Context, inv Invocation) ledger.Result {
	prompt := strings.TrimSpace(inv.Prompt)
	if prompt == "" {
		return ledger.Result{Model: inv.Model, Warning: EmptyPromptWarning}
	}
	maxTokens := s.cfg.MaxTokens
	temperature := s.cfg.Temperature
	req := openai.ChatCompletionRequest{
		Model: inv.Model,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: fmt.Sprintf("You are %s. Respond as the model would, staying concise and helpful.", inv.Model)},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Metadata:    inv.Metadata,
	}

	start := time.Now()
	resp, err := s.adapter.CreateCompletion(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordExecution(inv.Model, elapsed, 0, err)
		s.logger.Warn("model invocation failed", zap.String("model", inv.Model), zap.Duration("elapsed", elapsed), zap.Error(err))
		return ledger.Result{
			Model:  inv.Model,
			Output: "Model invocation failed: " + err.Error(),
			Error:  err.Error(),
			Usage:  &ledger.ResultUsage{Calls: 1, Amount: inv.Amount},
		}
	}
	s.metrics.RecordExecution(inv.Model, elapsed, int64(resp.Usage.TotalTokens), nil)

	out := ledger.Result{
		Model:  inv.Model,
		Output: resp.Text(),
		Usage: &ledger.ResultUsage{
			Calls:            1,
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
			Amount:           inv.Amount,
		},
	}
	if out.Output == "" {
		out.Output = fmt.Sprintf("No output returned by %s.", inv.Model)
	}
	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}
	return out
}

// ExtractPrompt reads a prompt from a string, an array of prompts, an object
// with a "prompt" string, or an object with chat "messages".
func ExtractPrompt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return extract(v)
}

func extract(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := extract(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	case map[string]any:
		if p, ok := t["prompt"].(string); ok {
			return strings.TrimSpace(p)
		}
		if msgs, ok := t["messages"].([]any); ok {
			contents := make([]any, 0, len(msgs))
			for _, m := range msgs {
				if obj, ok := m.(map[string]any); ok {
					if c, ok := obj["content"].(string); ok {
						contents = append(contents, c)
					}
				}
			}
			return extract(contents)
		}
	}
	return ""
}
