package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI completes prompts through the Chat Completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float64
}

// NewOpenAI creates an OpenAI completer. An empty model selects gpt-4o-mini.
func NewOpenAI(apiKey, model string) *OpenAI {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAI{client: &client, model: model, temperature: 0.2}
}

// Complete implements Completer.
func (o *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(o.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
