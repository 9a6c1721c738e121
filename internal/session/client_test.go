package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/registry"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTransport struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error)
}

func (f *fakeTransport) RoundTrip(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func (f *fakeTransport) Close() error { return nil }

func newRegistry(t *testing.T, tools ...registry.Tool) *registry.Registry {
	t.Helper()
	reg, err := registry.New(context.Background(), config.RegistryConfig{HeartbeatInterval: 100, HeartbeatTimeout: 300}, nil, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(reg.Close)
	for _, tool := range tools {
		reg.Register(tool)
	}
	return reg
}

func healthyTool() registry.Tool {
	return registry.Tool{Name: "correct_command", Healthy: true}
}

func TestInvokeUnavailableEmitsNothing(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		return protocol.Success(req, "x"), nil
	}}
	client := NewClient(newRegistry(t), transport, newLogger())

	_, err := client.Invoke(context.Background(), "correct_command", nil, time.Second)
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("request emitted for unavailable tool")
	}

	reg := newRegistry(t, registry.Tool{Name: "correct_command", Healthy: false, Reason: "loading"})
	client = NewClient(reg, transport, newLogger())
	if _, err := client.Invoke(context.Background(), "correct_command", nil, time.Second); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for unhealthy tool, got %v", err)
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("request emitted for unhealthy tool")
	}
}

func TestInvokeSuccess(t *testing.T) {
	var seen protocol.InvocationRequest
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		seen = req
		return protocol.Success(req, "open Wi-Fi settings"), nil
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())

	resp, err := client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "opn wai fei"}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeSuccess || resp.Result != "open Wi-Fi settings" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if seen.InvocationID == "" || seen.InvocationID != resp.InvocationID || seen.TimeoutMS != 300 {
		t.Fatalf("unexpected request %+v", seen)
	}
	if seen.Arguments[protocol.ArgText] != "opn wai fei" {
		t.Fatalf("payload not forwarded: %+v", seen.Arguments)
	}
	if client.Outstanding() != 0 {
		t.Fatalf("invocation left outstanding")
	}
}

func TestInvokeTimeoutSynthesizedLocally(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		// Ignores ctx on purpose to model a host that answers too late.
		<-release
		defer close(finished)
		return protocol.Success(req, "late"), nil
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())

	start := time.Now()
	resp, err := client.Invoke(context.Background(), "correct_command", nil, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeTimeout || resp.Result != "" {
		t.Fatalf("expected TIMEOUT, got %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("late transport never returned")
	}
	if client.Outstanding() != 0 {
		t.Fatalf("late response left invocation outstanding")
	}
}

func TestInvokeTransportErrorNoRetry(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		return protocol.InvocationResponse{}, errors.New("connection refused")
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())

	resp, err := client.Invoke(context.Background(), "correct_command", nil, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeError || !strings.Contains(resp.ErrorDetail, "connection refused") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if transport.calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", transport.calls.Load())
	}
}

func TestInvokeRejectsMismatchedResponse(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		return protocol.InvocationResponse{InvocationID: "someone-else", Outcome: protocol.OutcomeSuccess, Result: "x"}, nil
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())

	resp, err := client.Invoke(context.Background(), "correct_command", nil, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeError || !strings.Contains(resp.ErrorDetail, "invalid response") {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestInvokePassesHostTimeout(t *testing.T) {
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		return protocol.TimedOut(req), nil
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())

	resp, err := client.Invoke(context.Background(), "correct_command", nil, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", resp)
	}
}

func TestInvocationIDsAreUnique(t *testing.T) {
	ids := make(map[string]bool)
	transport := &fakeTransport{fn: func(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
		return protocol.Success(req, "ok"), nil
	}}
	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())
	for i := 0; i < 50; i++ {
		resp, err := client.Invoke(context.Background(), "correct_command", nil, time.Second)
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		if ids[resp.InvocationID] {
			t.Fatalf("duplicate invocation id %s", resp.InvocationID)
		}
		ids[resp.InvocationID] = true
	}
}
