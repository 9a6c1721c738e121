package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/bus"
	"github.com/loqalabs/loqa-vcc/internal/config"
	"github.com/loqalabs/loqa-vcc/internal/natsserver"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/toolhost"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func newHost() *toolhost.Host {
	h := toolhost.New("session-test", newLogger())
	h.Handle("correct_command", "Fix a command", func(ctx context.Context, args map[string]string) (string, error) {
		if args[protocol.ArgText] == "opn wai fei" {
			return "open Wi-Fi settings", nil
		}
		return strings.ToUpper(args[protocol.ArgText]), nil
	})
	return h
}

func TestInProcTransport(t *testing.T) {
	client := NewClient(newRegistry(t, healthyTool()), NewInProc(newHost()), newLogger())
	resp, err := client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "opn wai fei"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeSuccess || resp.Result != "open Wi-Fi settings" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestNATSTransport(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busClient, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "session-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(busClient.Close)

	reg := newRegistry(t, healthyTool())
	client := NewClient(reg, NewNATS(busClient), newLogger())

	// No host subscribed yet.
	resp, err := client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "x"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeError {
		t.Fatalf("expected ERROR without responders, got %+v", resp)
	}

	server := toolhost.NewNATSServer(context.Background(), config.RegistryConfig{HeartbeatInterval: 1000}, busClient, newHost(), newLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("start tool host: %v", err)
	}
	defer server.Close()

	resp, err = client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "opn wai fei"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeSuccess || resp.Result != "open Wi-Fi settings" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func inMemoryDialer(t *testing.T, server *mcp.Server) Dialer {
	return func(ctx context.Context) (mcp.Transport, error) {
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := server.Connect(ctx, serverT, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		return clientT, nil
	}
}

func TestMCPTransportDiscoverAndCall(t *testing.T) {
	ctx := context.Background()
	transport := NewMCP("mcp-test", inMemoryDialer(t, toolhost.NewMCPServer(newHost(), "test")), "test", newLogger())
	defer transport.Close()

	reg := newRegistry(t)
	if err := transport.Discover(ctx, reg); err != nil {
		t.Fatalf("discover: %v", err)
	}
	tool, err := reg.Lookup("correct_command")
	if err != nil {
		t.Fatalf("discovered tool missing: %v", err)
	}
	if tool.Transport != "mcp-test" || tool.Description != "Fix a command" {
		t.Fatalf("unexpected tool %+v", tool)
	}

	client := NewClient(reg, transport, newLogger())
	resp, err := client.Invoke(ctx, "correct_command", map[string]string{protocol.ArgText: "opn wai fei"}, 2*time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeSuccess || resp.Result != "open Wi-Fi settings" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestMCPTransportToolError(t *testing.T) {
	h := toolhost.New("err-host", newLogger())
	h.Handle("correct_command", "", func(ctx context.Context, args map[string]string) (string, error) {
		return "", context.Canceled
	})
	transport := NewMCP("mcp-test", inMemoryDialer(t, toolhost.NewMCPServer(h, "test")), "test", newLogger())
	defer transport.Close()

	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())
	resp, err := client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "x"}, 2*time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeError || resp.ErrorDetail == "" {
		t.Fatalf("expected ERROR, got %+v", resp)
	}
}

func TestNewMCPStdioRejectsEmptyCommand(t *testing.T) {
	if _, err := NewMCPStdio("  ", "test", newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestMCPTransportCarriesTimeout(t *testing.T) {
	h := toolhost.New("deadline-host", newLogger())
	h.Handle("correct_command", "", func(ctx context.Context, args map[string]string) (string, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			return "no deadline", nil
		}
		if time.Until(deadline) > 2*time.Second {
			return "deadline too far", nil
		}
		return "bounded", nil
	})
	transport := NewMCP("mcp-test", inMemoryDialer(t, toolhost.NewMCPServer(h, "test")), "test", newLogger())
	defer transport.Close()

	client := NewClient(newRegistry(t, healthyTool()), transport, newLogger())
	resp, err := client.Invoke(context.Background(), "correct_command", map[string]string{protocol.ArgText: "x"}, time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Outcome != protocol.OutcomeSuccess || resp.Result != "bounded" {
		t.Fatalf("unexpected response %+v", resp)
	}
}
