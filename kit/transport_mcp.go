package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/typenote/idgen"
)

// RegisterTool exposes endpoint as an MCP tool. Arguments are decoded into a
// fresh *Req, checked by validate when non-nil, and passed to endpoint.
// Decode, validation and endpoint errors all come back as tool errors; the
// endpoint response is returned as JSON text.
func RegisterTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, validate func(*Req) error) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := new(Req)
		if args := call.Params.Arguments; len(args) > 0 {
			if err := json.Unmarshal(args, req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		if validate != nil {
			if err := validate(req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}

		ctx = WithOrigin(ctx, Origin{Transport: TransportMCP, RequestID: idgen.RequestID()})
		resp, err := endpoint(ctx, req)
		if err != nil {
			return toolError(err), nil
		}
		text, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("encode response: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(text)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}
