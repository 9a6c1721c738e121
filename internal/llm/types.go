package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	InvocationID string
	Prompt       string
	System       string
	Tier         string
	MaxTokens    int
	Temperature  float64
}

// Chunk represents model output. Streaming backends emit several partial
// chunks followed by a final one.
type Chunk struct {
	InvocationID     string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.CorrectorConfig, reqTier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// Complete runs req to completion and returns the concatenated output.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// NewGenerator selects the backend named by cfg.Mode.
func NewGenerator(cfg config.CorrectorConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(20 * time.Millisecond), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	default:
		return nil, fmt.Errorf("unknown corrector mode %q", cfg.Mode)
	}
}

func modelForTier(tier, fast, balanced, fallback string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return fallback
}
