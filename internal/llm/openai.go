package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openaiGenerator talks to any OpenAI-compatible chat completions API,
// including the /v1 surface served by Ollama and llama.cpp.
type openaiGenerator struct {
	client        *openai.Client
	modelFast     string
	modelBalanced string
}

// NewOpenAIGenerator builds a chat completions backend. When endpoint is set
// it is used as the API base URL; a missing /v1 suffix is added.
func NewOpenAIGenerator(apiKey, endpoint, fastModel, balancedModel string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		base := strings.TrimRight(endpoint, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		cfg.BaseURL = base
	}
	return &openaiGenerator{
		client:        openai.NewClientWithConfig(cfg),
		modelFast:     fastModel,
		modelBalanced: balancedModel,
	}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       modelForTier(req.Tier, g.modelFast, g.modelBalanced, openai.GPT4oMini),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 {
		return errors.New("openai: empty choices")
	}

	return consumer(Chunk{
		InvocationID:     req.InvocationID,
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	})
}
