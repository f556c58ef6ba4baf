package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// inflightCall is a tool call between its before and after hooks.
type inflightCall struct {
	tool  string
	start time.Time
	span  trace.Span
}

// toolCalls tracks in-flight tool calls by JSON-RPC id.
type toolCalls struct {
	logger *slog.Logger
	tracer trace.Tracer
	inst   port.Instrumentation
	calls  *xsync.MapOf[any, *inflightCall]
}

// ToolCallHooks creates MCP hooks that log every tool call, record its
// duration and, with a tracer, wrap it in a span.
func ToolCallHooks(logger *slog.Logger, tracer trace.Tracer, inst port.Instrumentation) *server.Hooks {
	tc := &toolCalls{
		logger: logger,
		tracer: tracer,
		inst:   inst,
		calls:  xsync.NewMapOf[any, *inflightCall](),
	}

	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(tc.before)
	hooks.AddAfterCallTool(tc.after)
	hooks.AddOnError(tc.onError)
	return hooks
}

func (tc *toolCalls) before(ctx context.Context, id any, req *mcp.CallToolRequest) {
	call := &inflightCall{tool: req.Params.Name, start: time.Now()}
	if tc.tracer != nil {
		_, call.span = tc.tracer.Start(ctx, "mcp.tool.call",
			trace.WithAttributes(attribute.String("mcp.tool", call.tool)))
	}
	tc.calls.Store(id, call)
}

func (tc *toolCalls) after(ctx context.Context, id any, req *mcp.CallToolRequest, result any) {
	var failure error
	if r, ok := result.(*mcp.CallToolResult); ok && r.IsError {
		failure = fmt.Errorf("tool %s returned error", req.Params.Name)
	}
	tc.finish(ctx, id, req.Params.Name, failure)
}

func (tc *toolCalls) onError(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
	req, ok := message.(*mcp.CallToolRequest)
	if !ok {
		return
	}
	tc.finish(ctx, id, req.Params.Name, err)
}

func (tc *toolCalls) finish(ctx context.Context, id any, tool string, failure error) {
	call, ok := tc.calls.LoadAndDelete(id)
	if !ok {
		call = &inflightCall{tool: tool, start: time.Now()}
	}
	duration := time.Since(call.start)

	attrs := []slog.Attr{
		slog.String("rpc.method", string(mcp.MethodToolsCall)),
		slog.String("mcp.tool", tool),
		slog.Duration("duration", duration),
		slog.Bool("error", failure != nil),
	}
	level := slog.LevelInfo
	if failure != nil {
		level = slog.LevelError
		attrs = append(attrs, slog.String("error.message", failure.Error()))
	}
	tc.logger.LogAttrs(ctx, level, "tool call", attrs...)

	if tc.inst != nil {
		tc.inst.RecordToolDuration(ctx, float64(duration.Milliseconds()))
	}

	if call.span != nil {
		if failure != nil {
			call.span.RecordError(failure)
			call.span.SetStatus(codes.Error, failure.Error())
		}
		call.span.End()
	}
}
