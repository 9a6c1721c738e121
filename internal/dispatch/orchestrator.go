// Package dispatch drives each command from arrival to exactly one queued
// utterance (or an explicit rejection).
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/command"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/correction"
	"github.com/loqalabs/loqa-vcc/internal/sequencer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	ReasonDegraded     = "correction path degraded"
	ReasonShuttingDown = "shutting down"
)

// Ack is the synchronous answer to Submit.
type Ack struct {
	Accepted   bool   `json:"accepted"`
	SequenceID uint64 `json:"sequence_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Corrector interface {
	Correct(ctx context.Context, req correction.Request) correction.Result
}

// Output is the sequencer surface the orchestrator feeds.
type Output interface {
	Enqueue(u sequencer.Utterance) error
	Skip(seq uint64) error
	Changed() <-chan struct{}
	Drained() <-chan struct{}
}

type Orchestrator struct {
	corrector Corrector
	out       Output
	logger    *slog.Logger
	clock     func() time.Time

	ctx    context.Context
	work   context.Context
	cancel context.CancelFunc
	sema   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	seq    uint64
	closed bool

	degraded atomic.Bool
	waiting  atomic.Int64

	commands metric.Int64Counter
}

func New(parent context.Context, cfg config.CorrectionConfig, corrector Corrector, out Output, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	o := &Orchestrator{
		corrector: corrector,
		out:       out,
		logger:    logger.With(slog.String("component", "dispatch")),
		clock:     time.Now,
		ctx:       ctx,
		// Correction calls are bounded by their own deadline and are not
		// cancelled mid-flight.
		work:   context.WithoutCancel(ctx),
		cancel: cancel,
		sema:   make(chan struct{}, maxConcurrent),
	}
	if err := o.initMetrics(); err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return o
}

// Submit stamps text with the next sequence id, classifies it and hands it
// to Handle.
func (o *Orchestrator) Submit(text string) Ack {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Ack{Accepted: false, Reason: ReasonShuttingDown}
	}
	o.seq++
	raw := command.Raw{SequenceID: o.seq, Text: text, ReceivedAt: o.clock()}
	// Registered under the lock so Close cannot miss it.
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	return o.Handle(command.Classify(raw))
}

// Handle routes one classified command. Every sequence id is either skipped
// or produces exactly one utterance.
func (o *Orchestrator) Handle(c command.Classified) Ack {
	seq := c.SequenceID
	o.count(c.Kind)

	if c.Rejected() {
		o.skip(seq, c.Reason)
		return Ack{Accepted: false, SequenceID: seq, Reason: c.Reason}
	}

	switch c.Kind {
	case command.KindDirect:
		o.deliver(sequencer.Utterance{SequenceID: seq, Text: c.Payload, Origin: sequencer.OriginDirect})
	case command.KindCorrect:
		if o.degraded.Load() {
			o.skip(seq, ReasonDegraded)
			return Ack{Accepted: false, SequenceID: seq, Reason: ReasonDegraded}
		}
		req := correction.Request{SequenceID: seq, Payload: c.Payload, IssuedAt: o.clock()}
		o.wg.Add(1)
		go o.correct(req)
	}
	return Ack{Accepted: true, SequenceID: seq}
}

func (o *Orchestrator) correct(req correction.Request) {
	defer o.wg.Done()

	o.sema <- struct{}{}
	res := o.corrector.Correct(o.work, req)
	<-o.sema

	o.deliver(sequencer.Utterance{SequenceID: req.SequenceID, Text: res.Text, Origin: sequencer.OriginCorrected})
}

func (o *Orchestrator) skip(seq uint64, reason string) {
	o.logger.Info("command rejected", slog.Uint64("sequence_id", seq), slog.String("reason", reason))
	if err := o.out.Skip(seq); err != nil {
		o.logger.Error("failed to release sequence id", slog.Uint64("sequence_id", seq), slogError(err))
	}
}

func (o *Orchestrator) deliver(u sequencer.Utterance) {
	err := o.out.Enqueue(u)
	switch {
	case err == nil:
	case errors.Is(err, sequencer.ErrOverflow):
		o.waiting.Add(1)
		o.enterDegraded(u.SequenceID)
		o.wg.Add(1)
		go o.retry(u)
	default:
		o.logger.Error("failed to queue utterance", slog.Uint64("sequence_id", u.SequenceID), slogError(err))
	}
}

// retry offers an overflowed utterance again after every sequencer state
// change until it is accepted.
func (o *Orchestrator) retry(u sequencer.Utterance) {
	defer o.wg.Done()
	defer o.waiting.Add(-1)

	for {
		changed := o.out.Changed()
		err := o.out.Enqueue(u)
		if err == nil {
			o.logger.Info("overflowed utterance queued", slog.Uint64("sequence_id", u.SequenceID))
			return
		}
		if !errors.Is(err, sequencer.ErrOverflow) {
			o.logger.Error("failed to queue utterance", slog.Uint64("sequence_id", u.SequenceID), slogError(err))
			return
		}
		select {
		case <-changed:
		case <-o.ctx.Done():
			o.logger.Error("dropping utterance at shutdown", slog.Uint64("sequence_id", u.SequenceID))
			return
		}
	}
}

func (o *Orchestrator) enterDegraded(seq uint64) {
	if !o.degraded.CompareAndSwap(false, true) {
		return
	}
	o.logger.Warn("sequencer overflow; rejecting correction commands until backlog drains",
		slog.Uint64("sequence_id", seq))
	o.wg.Add(1)
	go o.watchRecovery()
}

func (o *Orchestrator) watchRecovery() {
	defer o.wg.Done()
	for {
		changed := o.out.Changed()
		if o.waiting.Load() == 0 && isClosed(o.out.Drained()) {
			o.degraded.Store(false)
			o.logger.Info("sequencer backlog drained; correction path restored")
			return
		}
		select {
		case <-changed:
		case <-o.ctx.Done():
			return
		}
	}
}

// Degraded reports whether correction commands are currently refused.
func (o *Orchestrator) Degraded() bool {
	return o.degraded.Load()
}

// LastSequence is the highest sequence id assigned so far.
func (o *Orchestrator) LastSequence() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

// Close stops accepting commands and waits for in-flight ones to be queued.
// The sequencer must keep running until Close returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
	o.cancel()
}

func (o *Orchestrator) count(kind command.Kind) {
	if o.commands != nil {
		o.commands.Add(o.ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-vcc/dispatch")
	var err error
	if o.commands, err = meter.Int64Counter("vcc.commands", metric.WithDescription("Commands received by classification")); err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("vcc.degraded", metric.WithDescription("1 while the correction path is degraded"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if o.degraded.Load() {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
