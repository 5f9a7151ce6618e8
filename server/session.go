package server

import (
	"context"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Session is the server's handle on one connected client. Payment
// challenges ride the same session as the invocation they gate, so
// every session must be able to originate requests and notifications
// toward its client.
type Session interface {
	// ID identifies the session for audit records and logs.
	ID() string

	// SendRequest issues a server-to-client request and blocks until
	// the client responds or ctx is done.
	SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error)

	// SendNotification emits a server-to-client notification. It does
	// not wait for anything beyond the write.
	SendNotification(ctx context.Context, method string, params any) error
}

// Invocation identifies one in-flight handler call: the JSON-RPC id
// the client chose and the session it arrived on. Handlers receive
// the invocation but never any payment material; proofs and
// requirements stay inside the payment layer.
type Invocation struct {
	RequestID mcp.RequestId
	Session   Session
}
