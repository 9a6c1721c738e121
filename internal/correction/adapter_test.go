package correction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/eventstore"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"github.com/loqalabs/loqa-vcc/internal/session"
	"github.com/loqalabs/loqa-vcc/internal/toolhost"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeInvoker struct {
	resp protocol.InvocationResponse
	err  error
	args map[string]string
	tool string
	wait time.Duration
}

func (f *fakeInvoker) Invoke(ctx context.Context, toolName string, args map[string]string, timeout time.Duration) (protocol.InvocationResponse, error) {
	f.tool = toolName
	f.args = args
	f.wait = timeout
	return f.resp, f.err
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (m *memoryRecorder) Append(ctx context.Context, evt eventstore.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func testConfig() config.CorrectionConfig {
	return config.CorrectionConfig{Tool: "correct_command", DeadlineMS: 300}
}

func success(result string) protocol.InvocationResponse {
	return protocol.InvocationResponse{InvocationID: "inv-1", Outcome: protocol.OutcomeSuccess, Result: result}
}

func TestCorrectStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		resp   protocol.InvocationResponse
		err    error
		status Status
		text   string
	}{
		{"ok", success("  open Wi-Fi settings \n"), nil, StatusOK, "open Wi-Fi settings"},
		{"turn markers", success("<start_of_turn>CLICK home<end_of_turn>"), nil, StatusOK, "CLICK home"},
		{"empty", success("   "), nil, StatusMalformed, "opn wai fei"},
		{"markers only", success("<start_of_turn><end_of_turn>"), nil, StatusMalformed, "opn wai fei"},
		{"error marker", success("Error: model overloaded"), nil, StatusMalformed, "opn wai fei"},
		{"not recognized", success("COMMAND NOT RECOGNIZED"), nil, StatusMalformed, "opn wai fei"},
		{"timeout", protocol.InvocationResponse{InvocationID: "inv-1", Outcome: protocol.OutcomeTimeout}, nil, StatusTimeout, "opn wai fei"},
		{"tool error", protocol.InvocationResponse{InvocationID: "inv-1", Outcome: protocol.OutcomeError, ErrorDetail: "model offline"}, nil, StatusUnavailable, "opn wai fei"},
		{"unregistered", protocol.InvocationResponse{}, fmt.Errorf("%w: correct_command not registered", registry.ErrUnavailable), StatusUnavailable, "opn wai fei"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv := &fakeInvoker{resp: tc.resp, err: tc.err}
			rec := &memoryRecorder{}
			a := NewAdapter(testConfig(), inv, rec, newLogger())

			res := a.Correct(context.Background(), Request{SequenceID: 7, Payload: "opn wai fei", IssuedAt: time.Now()})
			if res.Status != tc.status || res.Text != tc.text {
				t.Fatalf("got %s %q, want %s %q", res.Status, res.Text, tc.status, tc.text)
			}
			if res.SequenceID != 7 {
				t.Fatalf("sequence id lost: %d", res.SequenceID)
			}
			if tc.status != StatusOK && res.Detail == "" {
				t.Fatalf("expected detail for %s", res.Status)
			}
			if len(rec.events) != 1 || rec.events[0].Status != string(tc.status) || rec.events[0].Kind != eventstore.KindCorrection {
				t.Fatalf("unexpected recorded events %+v", rec.events)
			}
		})
	}
}

func TestCorrectSendsPayloadAndDeadline(t *testing.T) {
	inv := &fakeInvoker{resp: success("OPEN calculator")}
	a := NewAdapter(testConfig(), inv, nil, newLogger())
	a.Correct(context.Background(), Request{SequenceID: 1, Payload: "opn calc"})

	if inv.tool != "correct_command" || inv.args[protocol.ArgText] != "opn calc" || inv.wait != 300*time.Millisecond {
		t.Fatalf("unexpected invocation tool=%s args=%v wait=%s", inv.tool, inv.args, inv.wait)
	}
}

func TestClean(t *testing.T) {
	if got := Clean("\t<start_of_turn> SCROLL down <end_of_turn>\n"); got != "SCROLL down" {
		t.Fatalf("unexpected clean output %q", got)
	}
}

func newSessionClient(t *testing.T, handler toolhost.Handler) *session.Client {
	t.Helper()
	reg, err := registry.New(context.Background(), config.RegistryConfig{HeartbeatInterval: 100, HeartbeatTimeout: 300}, nil, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(reg.Close)
	reg.Register(registry.Tool{Name: "correct_command", Transport: "inproc", Healthy: true})

	host := toolhost.New("adapter-test", newLogger())
	host.Handle("correct_command", "", handler)
	return session.NewClient(reg, session.NewInProc(host), newLogger())
}

func TestCorrectThroughSession(t *testing.T) {
	client := newSessionClient(t, func(ctx context.Context, args map[string]string) (string, error) {
		if args[protocol.ArgText] == "opn wai fei" {
			return "open Wi-Fi settings", nil
		}
		return "", errors.New("unexpected input")
	})
	a := NewAdapter(testConfig(), client, nil, newLogger())

	res := a.Correct(context.Background(), Request{SequenceID: 1, Payload: "opn wai fei"})
	if res.Status != StatusOK || res.Text != "open Wi-Fi settings" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.InvocationID == "" {
		t.Fatal("invocation id not surfaced")
	}
}

func TestCorrectTimeoutFallsBackToPayload(t *testing.T) {
	client := newSessionClient(t, func(ctx context.Context, args map[string]string) (string, error) {
		select {
		case <-time.After(time.Second):
			return "too late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	cfg := testConfig()
	cfg.DeadlineMS = 30
	a := NewAdapter(cfg, client, nil, newLogger())

	start := time.Now()
	res := a.Correct(context.Background(), Request{SequenceID: 4, Payload: "opn wai fei"})
	if res.Status != StatusTimeout || res.Text != "opn wai fei" {
		t.Fatalf("unexpected result %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout fallback took %s", elapsed)
	}
}
