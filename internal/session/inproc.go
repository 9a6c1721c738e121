package session

import (
	"context"

	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/toolhost"
)

// InProc calls a tool host living in the same process.
type InProc struct {
	host *toolhost.Host
}

func NewInProc(host *toolhost.Host) *InProc {
	return &InProc{host: host}
}

func (t *InProc) RoundTrip(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
	return t.host.Invoke(ctx, req), nil
}

func (t *InProc) Close() error { return nil }
