// Package correction turns a correction request into exactly one result by
// calling the corrector tool through the session client.
package correction

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusOK          Status = "OK"
	StatusTimeout     Status = "TIMEOUT"
	StatusMalformed   Status = "MALFORMED"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Request is one correction job. It is passed by value and never mutated.
type Request struct {
	SequenceID uint64
	Payload    string
	IssuedAt   time.Time
}

// Result is the single outcome for a Request. Text is always speakable: the
// corrected command on OK, the original payload otherwise.
type Result struct {
	SequenceID   uint64
	Status       Status
	Text         string
	Detail       string
	InvocationID string
	Latency      time.Duration
}

// Invoker is the session client surface the adapter needs.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]string, timeout time.Duration) (protocol.InvocationResponse, error)
}

// Recorder stores correction outcomes.
type Recorder interface {
	Append(ctx context.Context, evt eventstore.Event) error
}

// Model output starting with one of these is an error report, not a command.
var refusalPrefixes = []string{"Error:", "COMMAND NOT RECOGNIZED"}

var turnMarkers = strings.NewReplacer("<start_of_turn>", "", "<end_of_turn>", "")

type Adapter struct {
	tool     string
	deadline time.Duration
	invoker  Invoker
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	outcomes metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewAdapter builds an adapter for cfg.Tool. recorder may be nil.
func NewAdapter(cfg config.CorrectionConfig, invoker Invoker, recorder Recorder, logger *slog.Logger) *Adapter {
	a := &Adapter{
		tool:     cfg.Tool,
		deadline: time.Duration(cfg.DeadlineMS) * time.Millisecond,
		invoker:  invoker,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "correction-adapter")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-vcc/correction"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-vcc/correction")
	var err error
	if a.outcomes, err = meter.Int64Counter("vcc.corrections", metric.WithDescription("Correction outcomes by status")); err != nil {
		a.logger.Warn("failed to create corrections counter", slogError(err))
	}
	if a.latency, err = meter.Float64Histogram("vcc.correction.latency", metric.WithUnit("ms"), metric.WithDescription("Correction round trip latency")); err != nil {
		a.logger.Warn("failed to create latency histogram", slogError(err))
	}
	return a
}

// Correct never fails: every path yields one Result.
func (a *Adapter) Correct(ctx context.Context, req Request) Result {
	ctx, span := a.tracer.Start(ctx, "correction.correct", trace.WithAttributes(
		attribute.Int64("sequence_id", int64(req.SequenceID)),
		attribute.String("tool", a.tool),
	))
	defer span.End()

	start := time.Now()
	resp, err := a.invoker.Invoke(ctx, a.tool, map[string]string{protocol.ArgText: req.Payload}, a.deadline)
	res := a.interpret(req, resp, err)
	res.Latency = time.Since(start)

	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status != StatusOK {
		span.SetStatus(codes.Error, res.Detail)
	}
	a.observe(ctx, req, res)
	return res
}

func (a *Adapter) interpret(req Request, resp protocol.InvocationResponse, err error) Result {
	res := Result{SequenceID: req.SequenceID, Text: req.Payload, InvocationID: resp.InvocationID}
	if err != nil {
		res.Status = StatusUnavailable
		res.Detail = err.Error()
		if !errors.Is(err, registry.ErrUnavailable) {
			res.Detail = "session: " + err.Error()
		}
		return res
	}

	switch resp.Outcome {
	case protocol.OutcomeSuccess:
		text := Clean(resp.Result)
		switch {
		case text == "":
			res.Status = StatusMalformed
			res.Detail = "empty correction"
		case isRefusal(text):
			res.Status = StatusMalformed
			res.Detail = text
		default:
			res.Status = StatusOK
			res.Text = text
		}
	case protocol.OutcomeTimeout:
		res.Status = StatusTimeout
		res.Detail = "deadline " + a.deadline.String() + " elapsed"
	default:
		res.Status = StatusUnavailable
		res.Detail = resp.ErrorDetail
	}
	return res
}

func (a *Adapter) observe(ctx context.Context, req Request, res Result) {
	attrs := metric.WithAttributes(attribute.String("status", string(res.Status)))
	if a.outcomes != nil {
		a.outcomes.Add(ctx, 1, attrs)
	}
	if a.latency != nil {
		a.latency.Record(ctx, float64(res.Latency.Microseconds())/1000, attrs)
	}

	if res.Status == StatusOK {
		a.logger.Info("command corrected",
			slog.Uint64("sequence_id", res.SequenceID),
			slog.String("payload", req.Payload),
			slog.String("text", res.Text),
			slog.Duration("latency", res.Latency))
	} else {
		a.logger.Warn("correction fell back to raw payload",
			slog.Uint64("sequence_id", res.SequenceID),
			slog.String("status", string(res.Status)),
			slog.String("detail", res.Detail),
			slog.Duration("latency", res.Latency))
	}

	if a.recorder == nil {
		return
	}
	evt := eventstore.Event{
		Kind:         eventstore.KindCorrection,
		SequenceID:   res.SequenceID,
		InvocationID: res.InvocationID,
		Status:       string(res.Status),
		Payload:      req.Payload,
		Text:         res.Text,
		Detail:       res.Detail,
		Latency:      res.Latency,
	}
	if err := a.recorder.Append(context.WithoutCancel(ctx), evt); err != nil {
		a.logger.Warn("failed to record correction", slogError(err))
	}
}

// Clean strips chat-template markers and surrounding whitespace from model
// output.
func Clean(s string) string {
	return strings.TrimSpace(turnMarkers.Replace(s))
}

func isRefusal(text string) bool {
	for _, p := range refusalPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
