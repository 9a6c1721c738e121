package llm

import (
	"context"
	"strings"
	"time"
)

// phrasebook maps a few common mistypings to VUI commands so the mock backend
// produces useful output in demos and tests.
var phrasebook = map[string]string{
	"opn wai fei":    "open Wi-Fi settings",
	"open wifi":      "open Wi-Fi settings",
	"go hom":         "CLICK home",
	"go home":        "CLICK home",
	"opn calc":       "OPEN calculator",
	"open calc":      "OPEN calculator",
	"scrol down":     "SCROLL down",
	"scroll dwn":     "SCROLL down",
	"volum up":       "VOLUME up",
	"turn volume up": "VOLUME up",
}

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator returns a backend that answers from a fixed phrasebook
// after delay. Unknown prompts are echoed back unchanged.
func NewMockGenerator(delay time.Duration) Generator { return &mockGenerator{delay: delay} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	prompt := strings.TrimSpace(req.Prompt)
	content, ok := phrasebook[strings.ToLower(strings.Join(strings.Fields(prompt), " "))]
	if !ok {
		content = prompt
	}
	return consumer(Chunk{
		InvocationID: req.InvocationID,
		Content:      content,
		Partial:      false,
		Latency:      m.delay,
	})
}
