package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
)

// BusSink asks a speaker attached to the bus to render text. The reply
// arrives once playback completes.
type BusSink struct {
	bus    *bus.Client
	voice  string
	target string
}

func NewBusSink(busClient *bus.Client, voice, target string) *BusSink {
	return &BusSink{bus: busClient, voice: voice, target: target}
}

func (b *BusSink) Speak(ctx context.Context, text string) error {
	seq, _ := SequenceFrom(ctx)
	req := protocol.SpeakRequest{SequenceID: seq, Text: text, Voice: b.voice, Target: b.target}
	var status protocol.SpeakStatus
	if err := b.bus.RequestJSON(ctx, protocol.SubjectSpeak, req, &status); err != nil {
		return fmt.Errorf("speak request: %w", err)
	}
	if !status.Completed {
		if status.Error != "" {
			return errors.New(status.Error)
		}
		return errors.New("speaker did not complete playback")
	}
	return nil
}
