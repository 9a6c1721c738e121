// Package toolhost serves named tools to invocation clients. A Host can be
// called in-process or exposed over NATS or MCP.
package toolhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/protocol"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]string) (string, error)

type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

type Host struct {
	id     string
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

func New(id string, logger *slog.Logger) *Host {
	return &Host{
		id:     id,
		tools:  make(map[string]Tool),
		logger: logger.With(slog.String("component", "tool-host"), slog.String("host_id", id)),
	}
}

func (h *Host) ID() string { return h.id }

// Handle registers fn under name, replacing any previous handler.
func (h *Host) Handle(name, description string, fn Handler) {
	h.mu.Lock()
	h.tools[name] = Tool{Name: name, Description: description, Handler: fn}
	h.mu.Unlock()
}

// Tools lists registered tools ordered by name.
func (h *Host) Tools() []Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Tool, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool and always answers with exactly one response
// for req.InvocationID.
func (h *Host) Invoke(ctx context.Context, req protocol.InvocationRequest) protocol.InvocationResponse {
	h.mu.RLock()
	tool, ok := h.tools[req.ToolName]
	h.mu.RUnlock()
	if !ok {
		return protocol.Failure(req, fmt.Sprintf("unknown tool %q", req.ToolName))
	}

	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout())
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Handler(ctx, req.Arguments)
	latency := time.Since(start)
	switch {
	case err == nil:
		h.logger.Debug("tool call complete",
			slog.String("tool", req.ToolName),
			slog.String("invocation_id", req.InvocationID),
			slog.Duration("latency", latency))
		return protocol.Success(req, result)
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("tool call timed out",
			slog.String("tool", req.ToolName),
			slog.String("invocation_id", req.InvocationID),
			slog.Duration("latency", latency))
		return protocol.TimedOut(req)
	default:
		h.logger.Warn("tool call failed",
			slog.String("tool", req.ToolName),
			slog.String("invocation_id", req.InvocationID),
			slogError(err))
		return protocol.Failure(req, err.Error())
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
