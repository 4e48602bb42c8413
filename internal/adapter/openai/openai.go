package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/paygate/internal/adapter"
	"github.com/tokligence/paygate/internal/openai"
)

// Ensure Adapter implements ChatAdapter.
var _ adapter.ChatAdapter = (*Adapter)(nil)

// Adapter posts to a chat completions compatible endpoint.
type Adapter struct {
	url        string
	apiKey     string
	authHeader string
	httpClient *http.Client
}

// Config holds configuration for the chat completions adapter.
type Config struct {
	// URL is the full chat completions endpoint.
	URL    string
	APIKey string
	// AuthHeader carries APIKey. "Authorization" (the default) sends a bearer token;
	// any other header name receives the raw key.
	AuthHeader     string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// New creates an Adapter.
func New(cfg Config) (*Adapter, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("openai: endpoint url required")
	}
	header := strings.TrimSpace(cfg.AuthHeader)
	if header == "" {
		header = "Authorization"
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{url: url, apiKey: cfg.APIKey, authHeader: header, httpClient: client}, nil
}

// upstream bodies vary; text and usage are looked up in several places
type completionEnvelope struct {
	openai.ChatCompletionResponse
	Data *struct {
		Choices []openai.ChatCompletionChoice `json:"choices"`
		Usage   *openai.UsageBreakdown        `json:"usage"`
	} `json:"data"`
	Output json.RawMessage `json:"output"`
	Result json.RawMessage `json:"result"`
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// CreateCompletion sends a non-streaming chat completion request.
func (a *Adapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("openai: no messages provided")
	}
	req.Stream = false

	body, err := json.Marshal(req)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		if strings.EqualFold(a.authHeader, "Authorization") {
			httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		} else {
			httpReq.Header.Set(a.authHeader, a.apiKey)
		}
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return openai.ChatCompletionResponse{}, fmt.Errorf("openai: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
		}
		return openai.ChatCompletionResponse{}, fmt.Errorf("model service responded with %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var env completionEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	out := env.ChatCompletionResponse
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.Text() == "" {
		text := ""
		if env.Data != nil && len(env.Data.Choices) > 0 {
			text = env.Data.Choices[0].Message.Content
			if env.Data.Usage != nil && out.Usage.TotalTokens == 0 {
				out.Usage = *env.Data.Usage
			}
		}
		if text == "" {
			text = rawString(env.Output)
		}
		if text == "" {
			text = rawString(env.Result)
		}
		if text != "" {
			out.Choices = []openai.ChatCompletionChoice{{Message: openai.ChatMessage{Role: "assistant", Content: text}, FinishReason: "stop"}}
		}
	}
	return out, nil
}
