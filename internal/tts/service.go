package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes a local Sink on the bus so that remote daemons using
// BusSink can speak through it. Requests are played one at a time.
type Service struct {
	bus      *bus.Client
	sink     Sink
	maxSpeak time.Duration
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	speaking sync.Mutex
	logger   *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, sink Sink, maxSpeak time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		sink:     sink,
		maxSpeak: maxSpeak,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSpeak, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.bus.Healthy() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.speaking.Lock()
		defer s.speaking.Unlock()

		ctx, cancel := context.WithTimeout(WithSequence(s.ctx, req.SequenceID), s.maxSpeak)
		defer cancel()

		status := protocol.SpeakStatus{SequenceID: req.SequenceID, Completed: true}
		if err := s.sink.Speak(ctx, req.Text); err != nil {
			s.logger.Warn("speech failed", slog.Uint64("sequence_id", req.SequenceID), slogError(err))
			status.Completed = false
			status.Error = err.Error()
		}
		status.Timestamp = time.Now().UTC()

		data, err := json.Marshal(status)
		if err != nil {
			s.logger.Warn("failed to marshal speak status", slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply to speak request", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
