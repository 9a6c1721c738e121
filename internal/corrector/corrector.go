// Package corrector implements the correct_command tool: it turns mistyped
// natural language into a single structured voice command.
package corrector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/llm"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
)

const (
	ToolName    = "correct_command"
	Description = "Convert a natural-language or mistyped request into one structured voice command (for example 'CLICK home', 'OPEN calculator')."
)

// DefaultSystemPrompt is used when corrector.system_prompt is empty.
const DefaultSystemPrompt = `You convert short, possibly misspelled user requests into a single voice command for a voice user interface.
Rules:
- Reply with exactly one line containing only the command.
- Prefer the forms VERB target, for example "CLICK home", "OPEN calculator", "SCROLL down", or a short natural phrase such as "open Wi-Fi settings".
- Fix spelling and phonetic typos ("opn wai fei" means "open Wi-Fi settings").
- Do not explain, apologise or add punctuation.
- If the request cannot be understood, reply with "COMMAND NOT RECOGNIZED".`

var ErrEmptyText = errors.New("text argument is empty")

// Corrector wraps a generator with the correction prompt.
type Corrector struct {
	cfg       config.CorrectorConfig
	generator llm.Generator
	system    string
	logger    *slog.Logger
}

func New(cfg config.CorrectorConfig, generator llm.Generator, logger *slog.Logger) *Corrector {
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &Corrector{
		cfg:       cfg,
		generator: generator,
		system:    system,
		logger:    logger.With(slog.String("component", "corrector")),
	}
}

// Correct returns the first non-empty line the model produced for text.
func (c *Corrector) Correct(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}

	req := llm.OptionsFromConfig(c.cfg, "")
	req.Prompt = text
	req.System = c.system

	start := time.Now()
	out, err := llm.Complete(ctx, c.generator, req)
	if err != nil {
		c.logger.Warn("correction generation failed", slogError(err))
		return "", fmt.Errorf("generate correction: %w", err)
	}
	line := firstLine(out)
	c.logger.Debug("correction generated",
		slog.String("input", text),
		slog.String("output", line),
		slog.Duration("latency", time.Since(start)))
	return line, nil
}

// Handle adapts Correct to the tool host handler signature.
func (c *Corrector) Handle(ctx context.Context, args map[string]string) (string, error) {
	return c.Correct(ctx, args[protocol.ArgText])
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
