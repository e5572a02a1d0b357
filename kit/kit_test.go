package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	chained := Chain(mw("a"), mw("b"), mw("c"))(base)
	resp, err := chained(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}
	passthrough := func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			return next(ctx, req)
		}
	}

	_, err := Chain(passthrough, passthrough)(base)(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("expected errFail, got %v", err)
	}
}

func TestChain_Empty(t *testing.T) {
	base := func(_ context.Context, req any) (any, error) { return req, nil }
	resp, _ := Chain()(base)(context.Background(), 42)
	if resp != 42 {
		t.Fatalf("got %v", resp)
	}
}

func TestOriginFrom(t *testing.T) {
	if o := OriginFrom(context.Background()); o != (Origin{Transport: TransportCLI}) {
		t.Fatalf("bare context origin = %+v", o)
	}

	want := Origin{Transport: TransportHTTP, RequestID: "req-1", RemoteAddr: "127.0.0.1"}
	if got := OriginFrom(WithOrigin(context.Background(), want)); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ok := Logging(logger, "export")(func(_ context.Context, _ any) (any, error) { return "done", nil })
	ctx := WithOrigin(context.Background(), Origin{Transport: TransportHTTP, RequestID: "req-7"})
	if resp, err := ok(ctx, nil); err != nil || resp != "done" {
		t.Fatalf("got %v, %v", resp, err)
	}
	if out := buf.String(); !strings.Contains(out, "endpoint=export") || !strings.Contains(out, "request_id=req-7") || !strings.Contains(out, "transport=http") {
		t.Fatalf("unexpected log: %s", out)
	}

	buf.Reset()
	bad := Logging(logger, "export")(func(_ context.Context, _ any) (any, error) { return nil, errors.New("boom") })
	if _, err := bad(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "error=boom") {
		t.Fatalf("unexpected log: %s", out)
	}
}

type echoReq struct {
	Text string `json:"text"`
}

func mcpSession(t *testing.T, endpoint Endpoint) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	tool := &mcp.Tool{
		Name:        "echo",
		Description: "Echo text back.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}
	RegisterTool(srv, tool, endpoint, func(r *echoReq) error {
		if r.Text == "" {
			return errors.New("text is required")
		}
		return nil
	})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(impl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestRegisterTool(t *testing.T) {
	var origin Origin
	calls := 0
	session := mcpSession(t, func(ctx context.Context, req any) (any, error) {
		calls++
		origin = OriginFrom(ctx)
		r := req.(*echoReq)
		if r.Text == "fail" {
			return nil, errors.New("endpoint refused")
		}
		return map[string]string{"echo": r.Text}, nil
	})
	ctx := context.Background()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["echo"] != "hello" {
		t.Fatalf("echo = %q", resp["echo"])
	}
	if origin.Transport != TransportMCP || !strings.HasPrefix(origin.RequestID, "req_") {
		t.Fatalf("origin = %+v", origin)
	}

	for _, args := range []map[string]any{{}, {"text": "fail"}} {
		result, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: args})
		if err != nil {
			t.Fatal(err)
		}
		if !result.IsError {
			t.Fatalf("args %v: expected tool error", args)
		}
	}
	if calls != 2 {
		t.Fatalf("endpoint ran %d times, validation should have stopped the empty call", calls)
	}
}
