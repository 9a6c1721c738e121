// Package session implements the client side of the tool invocation
// protocol: registry lookup, deadline enforcement and single completion per
// invocation id over a pluggable transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transport carries one request to a tool host and returns its response.
// Implementations must honour ctx cancellation where they can; the client
// enforces the deadline regardless.
type Transport interface {
	RoundTrip(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error)
	Close() error
}

// Directory resolves a tool name to a healthy registry entry.
type Directory interface {
	Lookup(name string) (registry.Tool, error)
}

type Client struct {
	dir         Directory
	transport   Transport
	logger      *slog.Logger
	tracer      trace.Tracer
	newID       func() string
	mu          sync.Mutex
	outstanding map[string]struct{}
}

func NewClient(dir Directory, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		dir:         dir,
		transport:   transport,
		logger:      logger.With(slog.String("component", "session")),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-vcc/session"),
		newID:       uuid.NewString,
		outstanding: make(map[string]struct{}),
	}
}

type roundTripResult struct {
	resp protocol.InvocationResponse
	err  error
}

// Invoke calls toolName once. It returns registry.ErrUnavailable without
// emitting a request when the tool is not registered or unhealthy. Otherwise
// it always returns exactly one response: the host's, a locally synthesized
// TIMEOUT when timeout elapses first, or an ERROR describing a transport
// failure. Failed calls are not retried.
func (c *Client) Invoke(ctx context.Context, toolName string, args map[string]string, timeout time.Duration) (protocol.InvocationResponse, error) {
	if _, err := c.dir.Lookup(toolName); err != nil {
		return protocol.InvocationResponse{}, err
	}

	req := protocol.InvocationRequest{
		ToolName:     toolName,
		InvocationID: c.newID(),
		Arguments:    args,
		TimeoutMS:    timeout.Milliseconds(),
	}

	ctx, span := c.tracer.Start(ctx, "session.invoke", trace.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("invocation_id", req.InvocationID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.track(req.InvocationID)
	done := make(chan roundTripResult, 1)
	go func() {
		resp, err := c.transport.RoundTrip(ctx, req)
		if !c.settle(req.InvocationID) {
			c.logger.Warn("dropping late tool response",
				slog.String("tool", toolName),
				slog.String("invocation_id", req.InvocationID))
			return
		}
		done <- roundTripResult{resp: resp, err: err}
	}()

	var resp protocol.InvocationResponse
	select {
	case <-ctx.Done():
		if c.settle(req.InvocationID) {
			resp = c.expired(ctx, req)
		} else {
			// The transport settled first; its result is already on the way.
			resp = c.finish(req, <-done)
		}
	case r := <-done:
		resp = c.finish(req, r)
	}

	span.SetAttributes(attribute.String("outcome", string(resp.Outcome)))
	if resp.Outcome != protocol.OutcomeSuccess {
		span.SetStatus(codes.Error, string(resp.Outcome))
	}
	return resp, nil
}

func (c *Client) finish(req protocol.InvocationRequest, r roundTripResult) protocol.InvocationResponse {
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			return protocol.TimedOut(req)
		}
		c.logger.Warn("tool transport failed", slog.String("tool", req.ToolName), slogError(r.err))
		return protocol.Failure(req, fmt.Sprintf("transport: %v", r.err))
	}
	if err := r.resp.Validate(req); err != nil {
		c.logger.Warn("invalid tool response", slog.String("tool", req.ToolName), slogError(err))
		return protocol.Failure(req, fmt.Sprintf("invalid response: %v", err))
	}
	return r.resp
}

func (c *Client) expired(ctx context.Context, req protocol.InvocationRequest) protocol.InvocationResponse {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Info("tool call deadline elapsed",
			slog.String("tool", req.ToolName),
			slog.String("invocation_id", req.InvocationID),
			slog.Int64("timeout_ms", req.TimeoutMS))
		return protocol.TimedOut(req)
	}
	return protocol.Failure(req, ctx.Err().Error())
}

// Outstanding reports how many invocations are awaiting completion.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) track(id string) {
	c.mu.Lock()
	c.outstanding[id] = struct{}{}
	c.mu.Unlock()
}

// settle marks id complete and reports whether this caller won the race.
func (c *Client) settle(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outstanding[id]; !ok {
		return false
	}
	delete(c.outstanding, id)
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
