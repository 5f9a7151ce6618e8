package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// wrapper turns descriptors into the callbacks a session dispatches
// to. Protected descriptors get the verify-execute-settle sequence
// wrapped around the handler; free descriptors run directly. Either
// way the handler only ever sees the invocation and its own
// arguments.
type wrapper struct {
	orch *orchestrator
}

// runPaid drives one invocation of a descriptor. Ordering: verified
// payment before the handler, settlement only after the handler
// returned normally, and no settlement once the caller's context is
// dead.
func runPaid[T any](ctx context.Context, w *wrapper, inv Invocation, desc *HandlerDescriptor, call func(context.Context) (T, error)) (T, error) {
	var zero T

	if !desc.Protected() {
		out, err := call(ctx)
		if err != nil {
			return zero, handlerFailure(err)
		}
		return out, nil
	}

	state, err := w.orch.Verify(ctx, inv, desc)
	if err != nil {
		return zero, err
	}

	out, err := call(ctx)
	if err != nil {
		// The proof stays unredeemed; nothing was delivered, so
		// nothing is charged.
		return zero, handlerFailure(err)
	}

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if err := w.orch.Settle(ctx, inv, state); err != nil {
		return zero, err
	}
	return out, nil
}

func handlerFailure(err error) error {
	return paygate.NewPaymentError(paygate.CodeInternalError, "Handler execution failed: "+err.Error(), nil)
}

// Tool wraps a tool descriptor. Arguments are validated against the
// registered input schema before payment or handler run.
func (w *wrapper) Tool(desc *HandlerDescriptor) ToolHandler {
	return func(ctx context.Context, inv Invocation, args map[string]any) (*mcp.CallToolResult, error) {
		if len(desc.InputSchema) > 0 {
			if err := validateArguments(desc.InputSchema, args); err != nil {
				return nil, err
			}
		}
		return runPaid(ctx, w, inv, desc, func(ctx context.Context) (*mcp.CallToolResult, error) {
			return desc.tool(ctx, inv, args)
		})
	}
}

// Prompt wraps a prompt descriptor.
func (w *wrapper) Prompt(desc *HandlerDescriptor) PromptHandler {
	return func(ctx context.Context, inv Invocation, args map[string]string) (*mcp.GetPromptResult, error) {
		return runPaid(ctx, w, inv, desc, func(ctx context.Context) (*mcp.GetPromptResult, error) {
			return desc.prompt(ctx, inv, args)
		})
	}
}

// Resource wraps a fixed-URI resource descriptor.
func (w *wrapper) Resource(desc *HandlerDescriptor) ResourceHandler {
	return func(ctx context.Context, inv Invocation, uri string) ([]mcp.ResourceContents, error) {
		return runPaid(ctx, w, inv, desc, func(ctx context.Context) ([]mcp.ResourceContents, error) {
			return desc.resource(ctx, inv, uri)
		})
	}
}

// ResourceTemplate wraps a templated resource descriptor.
func (w *wrapper) ResourceTemplate(desc *HandlerDescriptor) ResourceTemplateHandler {
	return func(ctx context.Context, inv Invocation, uri string, variables map[string]string) ([]mcp.ResourceContents, error) {
		return runPaid(ctx, w, inv, desc, func(ctx context.Context) ([]mcp.ResourceContents, error) {
			return desc.resourceTemplate(ctx, inv, uri, variables)
		})
	}
}

func validateArguments(schema json.RawMessage, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return paygate.WrapPaymentError(paygate.CodeInvalidParams, "invalid tool arguments", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			reasons = append(reasons, re.String())
		}
		return paygate.NewPaymentError(paygate.CodeInvalidParams,
			"invalid tool arguments: "+strings.Join(reasons, "; "), nil)
	}
	return nil
}
