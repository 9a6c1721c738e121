// Package sequencer serializes utterances into one ordered output stream.
// Utterances are handed to the sink strictly by ascending sequence id, one at
// a time and exactly once; ids that will never produce speech are skipped.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Origin string

const (
	OriginDirect    Origin = "DIRECT"
	OriginCorrected Origin = "CORRECTED"
)

type Utterance struct {
	SequenceID uint64
	Text       string
	Origin     Origin
}

var (
	// ErrOverflow means the out-of-order backlog is full; the utterance was
	// not buffered and may be offered again later.
	ErrOverflow = errors.New("sequencer backlog full")
	// ErrDuplicate means the id was already queued, skipped or emitted.
	ErrDuplicate = errors.New("sequence id already seen")
)

// Recorder stores emitted utterances.
type Recorder interface {
	Append(ctx context.Context, evt eventstore.Event) error
}

type Sequencer struct {
	maxPending int
	maxSpeak   time.Duration
	sink       tts.Sink
	recorder   Recorder
	logger     *slog.Logger

	mu       sync.Mutex
	next     uint64
	pending  map[uint64]Utterance
	skipped  map[uint64]struct{}
	speaking bool // inside Sink.Speak
	drained  chan struct{}
	changed  chan struct{}
	wake     chan struct{}

	emitted metric.Int64Counter
}

// New returns a sequencer expecting id 1 first. recorder may be nil.
func New(cfg config.SequencerConfig, sink tts.Sink, recorder Recorder, logger *slog.Logger) *Sequencer {
	s := &Sequencer{
		maxPending: cfg.MaxPending,
		maxSpeak:   time.Duration(cfg.MaxSpeakMS) * time.Millisecond,
		sink:       sink,
		recorder:   recorder,
		logger:     logger.With(slog.String("component", "sequencer")),
		next:       1,
		pending:    make(map[uint64]Utterance),
		skipped:    make(map[uint64]struct{}),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// Enqueue offers u for emission. The utterance for the next expected id is
// always accepted; any other id is held only while the backlog is below
// max_pending.
func (s *Sequencer) Enqueue(u Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFresh(u.SequenceID); err != nil {
		return err
	}
	if u.SequenceID != s.next && len(s.pending) >= s.maxPending {
		return fmt.Errorf("%w: %d held, rejecting #%d", ErrOverflow, len(s.pending), u.SequenceID)
	}
	s.pending[u.SequenceID] = u
	s.notifyLocked()
	return nil
}

// Skip marks seq as producing no utterance so ordering continues past it.
func (s *Sequencer) Skip(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFresh(seq); err != nil {
		return err
	}
	s.skipped[seq] = struct{}{}
	s.notifyLocked()
	return nil
}

func (s *Sequencer) checkFresh(seq uint64) error {
	if seq == 0 {
		return errors.New("sequence id must be positive")
	}
	if seq < s.next {
		return fmt.Errorf("%w: #%d already emitted", ErrDuplicate, seq)
	}
	if _, ok := s.pending[seq]; ok {
		return fmt.Errorf("%w: #%d already queued", ErrDuplicate, seq)
	}
	if _, ok := s.skipped[seq]; ok {
		return fmt.Errorf("%w: #%d already skipped", ErrDuplicate, seq)
	}
	return nil
}

// Pending is the number of utterances waiting for emission.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Next is the lowest sequence id not yet handed to the sink.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Drained returns a channel closed once no utterance is waiting or being
// spoken.
func (s *Sequencer) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleLocked() {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	return s.drained
}

// Changed returns a channel closed on the next state change: an enqueue, a
// skip or an emission.
func (s *Sequencer) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Run hands utterances to the sink until ctx ends. Only one Run may be active.
func (s *Sequencer) Run(ctx context.Context) {
	for {
		if u, ok := s.take(); ok {
			s.emit(ctx, u)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Sequencer) take() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if _, ok := s.skipped[s.next]; ok {
			delete(s.skipped, s.next)
			s.next++
			s.notifyLocked()
			continue
		}
		u, ok := s.pending[s.next]
		if !ok {
			return Utterance{}, false
		}
		delete(s.pending, s.next)
		s.next++
		s.speaking = true
		s.notifyLocked()
		return u, true
	}
}

func (s *Sequencer) emit(ctx context.Context, u Utterance) {
	speakCtx, cancel := context.WithTimeout(tts.WithSequence(ctx, u.SequenceID), s.maxSpeak)
	start := time.Now()
	err := s.sink.Speak(speakCtx, u.Text)
	cancel()
	elapsed := time.Since(start)

	evt := eventstore.Event{
		Kind:       eventstore.KindUtterance,
		SequenceID: u.SequenceID,
		Origin:     string(u.Origin),
		Text:       u.Text,
		Latency:    elapsed,
		Status:     "SPOKEN",
	}
	if err != nil {
		evt.Status = "FAILED"
		evt.Detail = err.Error()
		s.logger.Warn("utterance playback failed",
			slog.Uint64("sequence_id", u.SequenceID),
			slog.String("origin", string(u.Origin)),
			slogError(err))
	} else {
		s.logger.Info("utterance spoken",
			slog.Uint64("sequence_id", u.SequenceID),
			slog.String("origin", string(u.Origin)),
			slog.Duration("duration", elapsed))
	}

	if s.emitted != nil {
		s.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", string(u.Origin))))
	}
	if s.recorder != nil {
		if recErr := s.recorder.Append(context.WithoutCancel(ctx), evt); recErr != nil {
			s.logger.Warn("failed to record utterance", slogError(recErr))
		}
	}

	s.mu.Lock()
	s.speaking = false
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Sequencer) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
	if s.idleLocked() && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sequencer) idleLocked() bool {
	return len(s.pending) == 0 && !s.speaking
}

func (s *Sequencer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-vcc/sequencer")
	var err error
	if s.emitted, err = meter.Int64Counter("vcc.utterances", metric.WithDescription("Utterances handed to the speech sink by origin")); err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("vcc.sequencer.pending", metric.WithDescription("Utterances waiting for emission"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(pending, int64(s.Pending()))
		return nil
	}, pending)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
