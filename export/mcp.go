package export

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/typenote/capability"
	"github.com/hazyhaar/typenote/kit"
	"github.com/hazyhaar/typenote/notecard"
)

// RegisterMCP registers the export tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerExportTool(srv)
	s.registerRedeliverTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type exportToolReq struct {
	Title            string           `json:"title"`
	Year             int              `json:"year"`
	Size             string           `json:"size"`
	Blocks           []notecard.Block `json:"blocks"`
	Question         string           `json:"question"`
	Answer           string           `json:"answer"`
	Width            int              `json:"width"`
	Height           int              `json:"height"`
	Format           string           `json:"format"`
	UserAgent        string           `json:"user_agent"`
	NativeBridge     bool             `json:"native_bridge"`
	Platform         string           `json:"platform"`
	DevicePixelRatio float64          `json:"device_pixel_ratio"`
}

func (r *exportToolReq) request() Request {
	blocks := r.Blocks
	if len(blocks) == 0 && (r.Question != "" || r.Answer != "") {
		blocks = []notecard.Block{{Question: r.Question, Answer: r.Answer}}
	}
	return Request{
		Title:            r.Title,
		Year:             r.Year,
		Size:             r.Size,
		Blocks:           blocks,
		Width:            r.Width,
		Height:           r.Height,
		Format:           r.Format,
		DevicePixelRatio: r.DevicePixelRatio,
		Env: capability.Env{
			UserAgent:    r.UserAgent,
			NativeBridge: r.NativeBridge,
			Platform:     r.Platform,
		},
	}
}

func (s *Service) registerExportTool(srv *mcp.Server) {
	block := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string"},
			"answer":   map[string]any{"type": "string"},
		},
	}
	tool := &mcp.Tool{
		Name:        "typenote_export",
		Description: "Render a note card from question/answer blocks and export it as PNG or PDF.",
		InputSchema: inputSchema(map[string]any{
			"title":              map[string]any{"type": "string", "description": "Card title"},
			"year":               map[string]any{"type": "integer", "description": "Year shown on the card and in the file name"},
			"size":               map[string]any{"type": "string", "enum": []string{"SQUARE", "PORTRAIT", "THREE_FOUR"}},
			"blocks":             map[string]any{"type": "array", "items": block},
			"question":           map[string]any{"type": "string", "description": "Single question, when blocks is omitted"},
			"answer":             map[string]any{"type": "string", "description": "Single answer, when blocks is omitted"},
			"width":              map[string]any{"type": "integer", "description": "Output width in px, default from content"},
			"height":             map[string]any{"type": "integer", "description": "Output height in px, default from content"},
			"format":             map[string]any{"type": "string", "enum": []string{FormatPNG, FormatPDF}},
			"user_agent":         map[string]any{"type": "string", "description": "Client user agent used to pick the capture strategy"},
			"native_bridge":      map[string]any{"type": "boolean", "description": "Client runs inside the native shell"},
			"platform":           map[string]any{"type": "string", "description": "Native platform (ios, android)"},
			"device_pixel_ratio": map[string]any{"type": "number", "description": "Client device density, clamped to [1, 2]"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return s.Export(ctx, req.(*exportToolReq).request())
	}
	kit.RegisterTool(srv, tool, kit.Logging(s.logger, tool.Name)(endpoint), func(r *exportToolReq) error {
		if len(r.Blocks) == 0 && r.Question == "" && r.Answer == "" {
			return errors.New("blocks or question/answer required")
		}
		return nil
	})
}

func (s *Service) registerRedeliverTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "typenote_redeliver",
		Description: "Deliver the last exported card again without re-rendering it.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Redeliver(ctx)
	}
	kit.RegisterTool[struct{}](srv, tool, kit.Logging(s.logger, tool.Name)(endpoint), nil)
}
