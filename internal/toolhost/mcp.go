package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-vcc/internal/protocol"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TextInput is the argument schema shared by every hosted tool.
type TextInput struct {
	Text string `json:"text" jsonschema:"the text to process"`
}

// NewMCPServer exposes every tool on h as an MCP tool taking a text argument.
// The tool result is returned as a single text content block.
func NewMCPServer(h *Host, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "loqa-vcc-tool", Version: version}, nil)
	for _, tool := range h.Tools() {
		name := tool.Name
		mcp.AddTool(server, &mcp.Tool{Name: name, Description: tool.Description},
			func(ctx context.Context, req *mcp.CallToolRequest, in TextInput) (*mcp.CallToolResult, any, error) {
				resp := h.Invoke(ctx, invocationFromMCP(name, req, in))
				switch resp.Outcome {
				case protocol.OutcomeSuccess:
					return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: resp.Result}}}, nil, nil
				case protocol.OutcomeTimeout:
					return nil, nil, context.DeadlineExceeded
				default:
					return nil, nil, errors.New(resp.ErrorDetail)
				}
			})
	}
	return server
}

// invocationFromMCP rebuilds the envelope from an MCP call. The caller's
// invocation id and timeout come from _meta; a call without them gets a
// fresh id and no host-side deadline.
func invocationFromMCP(name string, req *mcp.CallToolRequest, in TextInput) protocol.InvocationRequest {
	inv := protocol.InvocationRequest{
		ToolName:  name,
		Arguments: map[string]string{protocol.ArgText: in.Text},
	}
	var meta map[string]any
	if req != nil && req.Params != nil {
		meta = req.Params.GetMeta()
	}
	if id, ok := meta[protocol.MetaInvocationID].(string); ok && id != "" {
		inv.InvocationID = id
	} else {
		inv.InvocationID = uuid.NewString()
	}
	switch v := meta[protocol.MetaTimeoutMS].(type) {
	case float64:
		inv.TimeoutMS = int64(v)
	case int64:
		inv.TimeoutMS = v
	case int:
		inv.TimeoutMS = int64(v)
	case json.Number:
		inv.TimeoutMS, _ = v.Int64()
	}
	if inv.TimeoutMS < 0 {
		inv.TimeoutMS = 0
	}
	return inv
}

// ServeStdio runs server on the process stdin/stdout until ctx ends or the
// client disconnects.
func ServeStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves server over the streamable HTTP transport.
func HTTPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
