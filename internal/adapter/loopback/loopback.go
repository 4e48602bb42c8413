package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokligence/paygate/internal/adapter"
	"github.com/tokligence/paygate/internal/openai"
)

// Ensure Adapter implements ChatAdapter.
var _ adapter.ChatAdapter = (*Adapter)(nil)

// Adapter answers locally so the payment flow can run without a model backend.
type Adapter struct{}

// New creates a loopback adapter.
func New() *Adapter {
	return &Adapter{}
}

// CreateCompletion echoes the last user message, tagged with the model name.
func (a *Adapter) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("loopback: no messages provided")
	}
	if err := ctx.Err(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}

	reply := openai.ChatMessage{
		Role:    "assistant",
		Content: fmt.Sprintf("[loopback:%s] %s", req.Model, strings.TrimSpace(message.Content)),
	}
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	usage := openai.UsageBreakdown{
		PromptTokens:     prompt,
		CompletionTokens: len(reply.Content) / 4,
		TotalTokens:      prompt + len(reply.Content)/4,
	}
	return openai.NewCompletionResponse(req.Model, reply, usage), nil
}
