// Package tts is the speech output boundary. A Sink renders one utterance at
// a time; Speak returning is the completion signal.
package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
)

// Sink speaks text and returns when playback has finished or failed.
type Sink interface {
	Speak(ctx context.Context, text string) error
}

type sequenceKey struct{}

// WithSequence attaches the utterance sequence id to ctx for sinks that
// forward it.
func WithSequence(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, sequenceKey{}, seq)
}

// SequenceFrom returns the sequence id stored by WithSequence.
func SequenceFrom(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(sequenceKey{}).(uint64)
	return seq, ok
}

// NewSink selects the sink named by cfg.Mode. busClient is only required for
// mode bus.
func NewSink(cfg config.TTSConfig, busClient *bus.Client) (Sink, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSink(time.Duration(cfg.MockDurationMS) * time.Millisecond), nil
	case "exec":
		return NewExecSink(cfg.Command, cfg.Voice)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("tts mode bus requires a bus connection")
		}
		return NewBusSink(busClient, cfg.Voice, cfg.Target), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
