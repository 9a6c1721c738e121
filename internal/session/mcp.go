package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/loqalabs/loqa-vcc/internal/registry"
	"github.com/mattn/go-shellwords"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dialer produces a fresh MCP transport for each (re)connection.
type Dialer func(ctx context.Context) (mcp.Transport, error)

// MCP invokes tools through a Model Context Protocol client session. The
// session is opened lazily and reopened after a connection failure.
type MCP struct {
	kind    string
	dial    Dialer
	client  *mcp.Client
	logger  *slog.Logger
	mu      sync.Mutex
	session *mcp.ClientSession
}

func NewMCP(kind string, dial Dialer, version string, logger *slog.Logger) *MCP {
	return &MCP{
		kind:   kind,
		dial:   dial,
		client: mcp.NewClient(&mcp.Implementation{Name: "loqa-vcc", Version: version}, nil),
		logger: logger.With(slog.String("component", "session-mcp"), slog.String("transport", kind)),
	}
}

// NewMCPStdio spawns command and speaks MCP over its stdin/stdout.
func NewMCPStdio(command, version string, logger *slog.Logger) (*MCP, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tool command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tool command empty")
	}
	dial := func(context.Context) (mcp.Transport, error) {
		// The process outlives any single call, so it is not bound to ctx.
		return &mcp.CommandTransport{Command: exec.Command(args[0], args[1:]...)}, nil
	}
	return NewMCP("mcp-stdio", dial, version, logger), nil
}

// NewMCPHTTP connects to a streamable HTTP MCP endpoint.
func NewMCPHTTP(endpoint, version string, logger *slog.Logger) *MCP {
	dial := func(context.Context) (mcp.Transport, error) {
		return &mcp.StreamableClientTransport{
			Endpoint:   endpoint,
			HTTPClient: &http.Client{},
			MaxRetries: -1,
		}, nil
	}
	return NewMCP("mcp-http", dial, version, logger)
}

func (t *MCP) connect(ctx context.Context) (*mcp.ClientSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return t.session, nil
	}
	transport, err := t.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.kind, err)
	}
	cs, err := t.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.kind, err)
	}
	t.session = cs
	t.logger.Info("mcp session established", slog.String("session_id", cs.ID()))
	return cs, nil
}

func (t *MCP) reset(cs *mcp.ClientSession) {
	t.mu.Lock()
	if t.session == cs {
		t.session = nil
	}
	t.mu.Unlock()
	_ = cs.Close()
}

func (t *MCP) RoundTrip(ctx context.Context, req protocol.InvocationRequest) (protocol.InvocationResponse, error) {
	cs, err := t.connect(ctx)
	if err != nil {
		return protocol.InvocationResponse{}, err
	}

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Meta: mcp.Meta{
			protocol.MetaInvocationID: req.InvocationID,
			protocol.MetaTimeoutMS:    req.TimeoutMS,
		},
		Name:      req.ToolName,
		Arguments: req.Arguments,
	})
	if err != nil {
		if ctx.Err() != nil {
			return protocol.InvocationResponse{}, ctx.Err()
		}
		t.logger.Warn("mcp call failed; dropping session", slog.String("tool", req.ToolName), slogError(err))
		t.reset(cs)
		return protocol.InvocationResponse{}, err
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return protocol.Failure(req, text), nil
	}
	return protocol.Success(req, text), nil
}

// Discover lists the tools the server offers and registers each as healthy.
func (t *MCP) Discover(ctx context.Context, reg *registry.Registry) error {
	cs, err := t.connect(ctx)
	if err != nil {
		return err
	}
	res, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.reset(cs)
		return fmt.Errorf("list tools: %w", err)
	}
	for _, tool := range res.Tools {
		reg.Register(registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Transport:   t.kind,
			Healthy:     true,
		})
	}
	return nil
}

// Monitor pings the server every interval and reports the health of tool to
// reg until ctx ends. A failed ping drops the session so the next call or
// ping reconnects.
func (t *MCP) Monitor(ctx context.Context, reg *registry.Registry, tool string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := t.ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				_ = reg.ReportHealth(tool, false, err.Error())
				continue
			}
			if _, lookupErr := reg.Lookup(tool); lookupErr != nil {
				if errors.Is(lookupErr, registry.ErrUnavailable) {
					if err := t.Discover(ctx, reg); err != nil {
						t.logger.Warn("tool discovery failed", slogError(err))
					}
				}
			}
		}
	}
}

func (t *MCP) ping(ctx context.Context) error {
	cs, err := t.connect(ctx)
	if err != nil {
		return err
	}
	if err := cs.Ping(ctx, nil); err != nil {
		t.reset(cs)
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (t *MCP) Close() error {
	t.mu.Lock()
	cs := t.session
	t.session = nil
	t.mu.Unlock()
	if cs == nil {
		return nil
	}
	return cs.Close()
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
