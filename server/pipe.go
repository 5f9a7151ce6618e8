package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// InProcessTransport connects a client directly to a PaymentServer in
// the same process: the client side implements transport.Interface,
// the server side runs a full session with challenge and notification
// delivery. Each inbound request dispatches on its own goroutine, so
// the server can originate the payment sub-RPC while the original
// request is still in flight.
type InProcessTransport struct {
	server    *PaymentServer
	session   *serverSession
	sessionID string

	startMu sync.Mutex
	started bool

	protoMu         sync.RWMutex
	protocolVersion string

	notifyMu            sync.RWMutex
	notificationHandler func(mcp.JSONRPCNotification)

	requestMu      sync.RWMutex
	requestHandler transport.RequestHandler

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewInProcessTransport creates the client end of an in-process
// session against server. Start attaches the session.
func NewInProcessTransport(server *PaymentServer) *InProcessTransport {
	return &InProcessTransport{
		server:    server,
		sessionID: uuid.NewString(),
		inflight:  make(map[string]context.CancelFunc),
		closed:    make(chan struct{}),
	}
}

// Start implements transport.Interface. It builds the per-session
// catalog; registration or provider errors surface here.
func (t *InProcessTransport) Start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if t.started {
		return nil
	}
	state, err := t.server.buildSession()
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	t.session = &serverSession{
		id:            t.sessionID,
		serverName:    t.server.name,
		serverVersion: t.server.version,
		state:         state,
		transport:     t,
		logger:        t.server.logger.With("sessionId", t.sessionID),
	}
	t.started = true
	return nil
}

// Close implements transport.Interface. In-flight dispatches are
// cancelled and awaited.
func (t *InProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.inflightMu.Lock()
		for _, cancel := range t.inflight {
			cancel()
		}
		t.inflightMu.Unlock()
	})
	t.wg.Wait()
	return nil
}

// SendRequest implements transport.Interface: the client-to-server
// direction.
func (t *InProcessTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	select {
	case <-t.closed:
		return nil, paygate.ErrTransportClosed
	default:
	}
	if t.session == nil {
		return nil, fmt.Errorf("transport not started")
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	idKey := paygate.RequestKey(request.ID)
	t.registerInflight(idKey, cancel)

	respCh := make(chan *transport.JSONRPCResponse, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.unregisterInflight(idKey)
		defer cancel()
		respCh <- t.session.dispatch(dispatchCtx, request)
	}()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, paygate.ErrTransportClosed
	}
}

// SendNotification implements transport.Interface. The only inbound
// notification the session acts on is a cancellation, which aborts
// the matching dispatch.
func (t *InProcessTransport) SendNotification(_ context.Context, notification mcp.JSONRPCNotification) error {
	select {
	case <-t.closed:
		return paygate.ErrTransportClosed
	default:
	}

	if notification.Method == "notifications/cancelled" && notification.Params.AdditionalFields != nil {
		if id, ok := notification.Params.AdditionalFields["requestId"]; ok {
			t.cancelInflight(anyRequestKey(id))
		}
	}
	return nil
}

// SetNotificationHandler implements transport.Interface.
func (t *InProcessTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.notificationHandler = handler
}

// SetRequestHandler implements transport.Interface. The handler
// receives server-originated requests, payment challenges included.
func (t *InProcessTransport) SetRequestHandler(handler transport.RequestHandler) {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	t.requestHandler = handler
}

// GetSessionId implements transport.Interface.
func (t *InProcessTransport) GetSessionId() string {
	return t.sessionID
}

// SetProtocolVersion implements transport.Interface.
func (t *InProcessTransport) SetProtocolVersion(version string) {
	t.protoMu.Lock()
	defer t.protoMu.Unlock()
	t.protocolVersion = version
}

func (t *InProcessTransport) clientRequestHandler() transport.RequestHandler {
	t.requestMu.RLock()
	defer t.requestMu.RUnlock()
	return t.requestHandler
}

func (t *InProcessTransport) clientNotificationHandler() func(mcp.JSONRPCNotification) {
	t.notifyMu.RLock()
	defer t.notifyMu.RUnlock()
	return t.notificationHandler
}

func (t *InProcessTransport) registerInflight(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	t.inflight[id] = cancel
}

func (t *InProcessTransport) unregisterInflight(id string) {
	if id == "" {
		return
	}
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, id)
}

func (t *InProcessTransport) cancelInflight(id string) {
	if id == "" {
		return
	}
	t.inflightMu.Lock()
	cancel := t.inflight[id]
	t.inflightMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// anyRequestKey canonicalizes a request id of unknown dynamic type
// the same way paygate.RequestKey canonicalizes typed ids.
func anyRequestKey(id any) string {
	raw, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	s := string(raw)
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

// serverSession is the server end of an in-process session. It
// implements Session for the orchestrator and dispatches the base
// protocol methods against its catalog.
type serverSession struct {
	id            string
	serverName    string
	serverVersion string
	state         *sessionState
	transport     *InProcessTransport
	logger        *slog.Logger
}

func (s *serverSession) ID() string {
	return s.id
}

// SendRequest delivers a server-originated request to the client. The
// request is round-tripped through JSON so the client sees exactly
// what a socket transport would deliver. A client without a request
// handler answers method-not-found, same as one that never registered
// the payment extension; a handler error comes back as an
// internal-error response, the same conversion the socket transports
// apply.
func (s *serverSession) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	handler := s.transport.clientRequestHandler()
	if handler == nil {
		return &transport.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error: &mcp.JSONRPCErrorDetails{
				Code:    mcp.METHOD_NOT_FOUND,
				Message: fmt.Sprintf("method not found: %s", request.Method),
			},
		}, nil
	}

	raw, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var wire transport.JSONRPCRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	resp, err := handler(ctx, wire)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return &transport.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error: &mcp.JSONRPCErrorDetails{
				Code:    mcp.INTERNAL_ERROR,
				Message: err.Error(),
			},
		}, nil
	}
	if resp == nil {
		return &transport.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      request.ID,
			Error: &mcp.JSONRPCErrorDetails{
				Code:    mcp.INTERNAL_ERROR,
				Message: "empty response from client",
			},
		}, nil
	}
	return resp, nil
}

// SendNotification delivers a server-originated notification to the
// client, inline, before the dispatch that produced it returns. That
// keeps the settle-notification-before-response ordering a socket
// transport exhibits.
func (s *serverSession) SendNotification(_ context.Context, method string, params any) error {
	wire := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		wire["params"] = params
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	var notification mcp.JSONRPCNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return fmt.Errorf("unmarshal notification: %w", err)
	}

	handler := s.transport.clientNotificationHandler()
	if handler == nil {
		return nil
	}
	handler(notification)
	return nil
}

func (s *serverSession) dispatch(ctx context.Context, request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	resp := s.route(ctx, request)
	if resp.Error != nil {
		s.logger.DebugContext(ctx, "request failed",
			"method", request.Method,
			"code", resp.Error.Code,
			"error", resp.Error.Message)
	}
	return resp
}

func (s *serverSession) route(ctx context.Context, request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	switch request.Method {
	case string(mcp.MethodInitialize):
		return s.handleInitialize(request)
	case string(mcp.MethodPing):
		return successResponse(request.ID, map[string]any{})
	case string(mcp.MethodToolsList):
		return s.handleToolsList(request)
	case string(mcp.MethodToolsCall):
		return s.handleToolsCall(ctx, request)
	case string(mcp.MethodPromptsList):
		return s.handlePromptsList(request)
	case string(mcp.MethodPromptsGet):
		return s.handlePromptsGet(ctx, request)
	case string(mcp.MethodResourcesList):
		return s.handleResourcesList(request)
	case string(mcp.MethodResourcesTemplatesList):
		return s.handleResourcesTemplatesList(request)
	case string(mcp.MethodResourcesRead):
		return s.handleResourcesRead(ctx, request)
	default:
		return errorResponse(request.ID, paygate.NewPaymentError(paygate.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", request.Method), nil))
	}
}

func (s *serverSession) handleInitialize(request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := unmarshalParams(request.Params, &params); err != nil {
		return errorResponse(request.ID, paygate.WrapPaymentError(paygate.CodeInvalidParams, "invalid initialize params", err))
	}

	version := params.ProtocolVersion
	if version == "" {
		version = mcp.LATEST_PROTOCOL_VERSION
	}

	capabilities := map[string]any{}
	if len(s.state.catalog.Tools()) > 0 {
		capabilities["tools"] = map[string]any{}
	}
	if len(s.state.catalog.Prompts()) > 0 {
		capabilities["prompts"] = map[string]any{}
	}
	if len(s.state.catalog.Resources())+len(s.state.catalog.ResourceTemplates()) > 0 {
		capabilities["resources"] = map[string]any{}
	}

	return successResponse(request.ID, map[string]any{
		"protocolVersion": version,
		"capabilities":    capabilities,
		"serverInfo": map[string]any{
			"name":    s.serverName,
			"version": s.serverVersion,
		},
	})
}

func (s *serverSession) handleToolsList(request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	descriptors := s.state.catalog.Tools()
	tools := make([]mcp.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		tool := mcp.Tool{Name: d.Name, Description: d.Description}
		if len(d.InputSchema) > 0 {
			tool.RawInputSchema = d.InputSchema
		} else {
			tool.InputSchema = mcp.ToolInputSchema{Type: "object"}
		}
		tools = append(tools, tool)
	}
	return successResponse(request.ID, mcp.ListToolsResult{Tools: tools})
}

func (s *serverSession) handleToolsCall(ctx context.Context, request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := unmarshalParams(request.Params, &params); err != nil {
		return errorResponse(request.ID, paygate.WrapPaymentError(paygate.CodeInvalidParams, "invalid tool call params", err))
	}

	desc := s.state.catalog.FindTool(params.Name)
	if desc == nil {
		return errorResponse(request.ID, paygate.NewPaymentError(paygate.CodeMethodNotFound,
			fmt.Sprintf("unknown tool: %s", params.Name), nil))
	}

	inv := Invocation{RequestID: request.ID, Session: s}
	result, err := s.state.wrap.Tool(desc)(ctx, inv, params.Arguments)
	if err != nil {
		return errorResponse(request.ID, err)
	}
	return successResponse(request.ID, result)
}

func (s *serverSession) handlePromptsList(request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	descriptors := s.state.catalog.Prompts()
	prompts := make([]mcp.Prompt, 0, len(descriptors))
	for _, d := range descriptors {
		prompts = append(prompts, mcp.Prompt{
			Name:        d.Name,
			Description: d.Description,
			Arguments:   d.Arguments,
		})
	}
	return successResponse(request.ID, mcp.ListPromptsResult{Prompts: prompts})
}

func (s *serverSession) handlePromptsGet(ctx context.Context, request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := unmarshalParams(request.Params, &params); err != nil {
		return errorResponse(request.ID, paygate.WrapPaymentError(paygate.CodeInvalidParams, "invalid prompt params", err))
	}

	desc := s.state.catalog.FindPrompt(params.Name)
	if desc == nil {
		return errorResponse(request.ID, paygate.NewPaymentError(paygate.CodeMethodNotFound,
			fmt.Sprintf("unknown prompt: %s", params.Name), nil))
	}

	inv := Invocation{RequestID: request.ID, Session: s}
	result, err := s.state.wrap.Prompt(desc)(ctx, inv, params.Arguments)
	if err != nil {
		return errorResponse(request.ID, err)
	}
	return successResponse(request.ID, result)
}

func (s *serverSession) handleResourcesList(request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	descriptors := s.state.catalog.Resources()
	resources := make([]mcp.Resource, 0, len(descriptors))
	for _, d := range descriptors {
		resources = append(resources, mcp.Resource{
			URI:         d.URI,
			Name:        d.Name,
			Description: d.Description,
			MIMEType:    d.MimeType,
		})
	}
	return successResponse(request.ID, mcp.ListResourcesResult{Resources: resources})
}

func (s *serverSession) handleResourcesTemplatesList(request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	descriptors := s.state.catalog.ResourceTemplates()
	templates := make([]mcp.ResourceTemplate, 0, len(descriptors))
	for _, d := range descriptors {
		var opts []mcp.ResourceTemplateOption
		if d.Description != "" {
			opts = append(opts, mcp.WithTemplateDescription(d.Description))
		}
		if d.MimeType != "" {
			opts = append(opts, mcp.WithTemplateMIMEType(d.MimeType))
		}
		templates = append(templates, mcp.NewResourceTemplate(d.uriTemplate, d.Name, opts...))
	}
	return successResponse(request.ID, mcp.ListResourceTemplatesResult{ResourceTemplates: templates})
}

func (s *serverSession) handleResourcesRead(ctx context.Context, request transport.JSONRPCRequest) *transport.JSONRPCResponse {
	var params struct {
		URI string `json:"uri"`
	}
	if err := unmarshalParams(request.Params, &params); err != nil {
		return errorResponse(request.ID, paygate.WrapPaymentError(paygate.CodeInvalidParams, "invalid read params", err))
	}

	desc, vars := s.state.catalog.FindResource(params.URI)
	if desc == nil {
		return errorResponse(request.ID, paygate.NewPaymentError(paygate.CodeInvalidParams,
			fmt.Sprintf("unknown resource: %s", params.URI), nil))
	}

	inv := Invocation{RequestID: request.ID, Session: s}
	var contents []mcp.ResourceContents
	var err error
	if desc.Kind == KindResourceTemplate {
		contents, err = s.state.wrap.ResourceTemplate(desc)(ctx, inv, params.URI, vars)
	} else {
		contents, err = s.state.wrap.Resource(desc)(ctx, inv, params.URI)
	}
	if err != nil {
		return errorResponse(request.ID, err)
	}
	return successResponse(request.ID, mcp.ReadResourceResult{Contents: contents})
}

func unmarshalParams(params any, out any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func successResponse(id mcp.RequestId, result any) *transport.JSONRPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, paygate.WrapPaymentError(paygate.CodeInternalError, "marshal result", err))
	}
	return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id mcp.RequestId, err error) *transport.JSONRPCResponse {
	perr, ok := paygate.AsPaymentError(err)
	if !ok {
		perr = paygate.NewPaymentError(paygate.CodeInternalError, err.Error(), nil)
	}
	return &transport.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: perr.ErrorDetails()}
}
