package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATS sends the invocation envelope as JSON over request/reply on
// tool.invoke.<tool_name>.
type NATS struct {
	bus *bus.Client
}

func NewNATS(busClient *bus.Client) *NATS {
	return &NATS{bus: busClient}
}

func (t *NATS) RoundTrip(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
	var resp protocol.InvocationResponse
	if err := t.bus.RequestJSON(ctx, protocol.InvokeSubject(req.ToolName), req, &resp); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return resp, fmt.Errorf("no host serving %s: %w", req.ToolName, err)
		}
		return resp, err
	}
	return resp, nil
}

func (t *NATS) Close() error { return nil }
