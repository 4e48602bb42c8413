package adapter

import (
	"context"

	"github.com/tokligence/paygate/internal/openai"
)

// ChatAdapter sends a chat completion to a model backend.
type ChatAdapter interface {
	CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}
