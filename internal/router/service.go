// Package router accepts commands published on the bus and forwards them to
// the dispatcher.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/command"
	"github.com/loqalabs/loqa-vcc/internal/dispatch"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/nats-io/nats.go"
)

// QueueGroup spreads bus commands across relay instances so each command is
// sequenced exactly once.
const QueueGroup = "vcc-intake"

const reasonInvalidEnvelope = "invalid command envelope"

type Submitter interface {
	Submit(text string) dispatch.Ack
}

type Service struct {
	bus       *bus.Client
	submitter Submitter
	maxBytes  int
	logger    *slog.Logger
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(parent context.Context, busClient *bus.Client, submitter Submitter, maxBytes int, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		submitter: submitter,
		maxBytes:  maxBytes,
		logger:    logger.With(slog.String("component", "router")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectCommand, QueueGroup, s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("bus intake ready", slog.String("subject", protocol.SubjectCommand))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.bus.Healthy()
}

func (s *Service) handleCommand(msg *nats.Msg) {
	// Added under mu so Close never waits while a late callback registers.
	s.mu.Lock()
	if s.closed || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	var ack dispatch.Ack
	var submit protocol.CommandSubmit
	switch err := json.Unmarshal(msg.Data, &submit); {
	case err != nil:
		s.logger.Warn("router failed to decode command", slogError(err))
		ack = dispatch.Ack{Reason: reasonInvalidEnvelope}
	case s.maxBytes > 0 && len(submit.Text) > s.maxBytes:
		ack = dispatch.Ack{Reason: command.ReasonTooLarge}
	default:
		ack = s.submitter.Submit(submit.Text)
		s.logger.Debug("bus command submitted",
			slog.String("source", submit.Source),
			slog.Uint64("sequence_id", ack.SequenceID),
			slog.Bool("accepted", ack.Accepted))
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Warn("router failed to encode ack", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
