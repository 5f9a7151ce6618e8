package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/yosida95/uritemplate/v3"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// HandlerKind classifies what a descriptor serves.
type HandlerKind string

const (
	KindTool             HandlerKind = "tool"
	KindPrompt           HandlerKind = "prompt"
	KindResource         HandlerKind = "resource"
	KindResourceTemplate HandlerKind = "resourceTemplate"
)

// Handler signatures per kind. Handlers get the invocation identity
// and their kind-specific arguments, nothing payment related.
type (
	ToolHandler             func(ctx context.Context, inv Invocation, args map[string]any) (*mcp.CallToolResult, error)
	PromptHandler           func(ctx context.Context, inv Invocation, args map[string]string) (*mcp.GetPromptResult, error)
	ResourceHandler         func(ctx context.Context, inv Invocation, uri string) ([]mcp.ResourceContents, error)
	ResourceTemplateHandler func(ctx context.Context, inv Invocation, uri string, variables map[string]string) ([]mcp.ResourceContents, error)
)

// PaymentOptions prices a handler. Amount is in priced units (for
// USDC, dollars). Network and PayTo override the server defaults when
// set.
type PaymentOptions struct {
	Amount      float64
	Description string
	Network     string
	PayTo       string
}

// HandlerDescriptor is one registered handler plus its listing
// metadata and optional price. A descriptor with a non-nil Payment is
// protected: invoking it triggers the challenge flow.
type HandlerDescriptor struct {
	Name         string
	Kind         HandlerKind
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	URI          string
	URITemplate  *uritemplate.Template
	uriTemplate  string
	MimeType     string
	Arguments    []mcp.PromptArgument
	Payment      *PaymentOptions

	tool             ToolHandler
	prompt           PromptHandler
	resource         ResourceHandler
	resourceTemplate ResourceTemplateHandler
}

// Protected reports whether invoking this handler requires payment.
func (d *HandlerDescriptor) Protected() bool {
	return d.Payment != nil
}

// HandlerOption configures a descriptor at registration time.
type HandlerOption func(*HandlerDescriptor)

// WithDescription sets the listing description.
func WithDescription(description string) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Description = description
	}
}

// WithPayment prices the handler. amount is in priced units and must
// be positive; registration fails otherwise.
func WithPayment(amount float64, description string) HandlerOption {
	return func(d *HandlerDescriptor) {
		if d.Payment == nil {
			d.Payment = &PaymentOptions{}
		}
		d.Payment.Amount = amount
		d.Payment.Description = description
	}
}

// WithPaymentNetwork overrides the server's default network for this
// handler's payments.
func WithPaymentNetwork(network string) HandlerOption {
	return func(d *HandlerDescriptor) {
		if d.Payment == nil {
			d.Payment = &PaymentOptions{}
		}
		d.Payment.Network = network
	}
}

// WithPaymentRecipient overrides the server's default payTo address
// for this handler's payments.
func WithPaymentRecipient(payTo string) HandlerOption {
	return func(d *HandlerDescriptor) {
		if d.Payment == nil {
			d.Payment = &PaymentOptions{}
		}
		d.Payment.PayTo = payTo
	}
}

// WithInputSchema attaches a JSON Schema that tool arguments are
// validated against before the handler (or any payment) runs.
func WithInputSchema(schema json.RawMessage) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.InputSchema = schema
	}
}

// WithOutputSchema attaches a JSON Schema advertised in challenges
// and listings.
func WithOutputSchema(schema json.RawMessage) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.OutputSchema = schema
	}
}

// WithMimeType sets the resource's MIME type.
func WithMimeType(mimeType string) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.MimeType = mimeType
	}
}

// WithPromptArguments declares the prompt's accepted arguments.
func WithPromptArguments(args ...mcp.PromptArgument) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Arguments = append(d.Arguments, args...)
	}
}

// Catalog is the set of handlers one session serves. BuildSession
// assembles a fresh catalog per session so providers can register
// stateful handler instances without sharing them across sessions.
type Catalog struct {
	tools             []*HandlerDescriptor
	prompts           []*HandlerDescriptor
	resources         []*HandlerDescriptor
	resourceTemplates []*HandlerDescriptor
	names             map[string]bool
}

func newCatalog() *Catalog {
	return &Catalog{names: make(map[string]bool)}
}

// AddTool registers a tool handler on this catalog.
func (c *Catalog) AddTool(name string, handler ToolHandler, opts ...HandlerOption) error {
	d := &HandlerDescriptor{Name: name, Kind: KindTool, tool: handler}
	for _, opt := range opts {
		opt(d)
	}
	if handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", paygate.ErrInvalidConfig, name)
	}
	if err := c.add(d); err != nil {
		return err
	}
	c.tools = append(c.tools, d)
	return nil
}

// AddPrompt registers a prompt handler on this catalog.
func (c *Catalog) AddPrompt(name string, handler PromptHandler, opts ...HandlerOption) error {
	d := &HandlerDescriptor{Name: name, Kind: KindPrompt, prompt: handler}
	for _, opt := range opts {
		opt(d)
	}
	if handler == nil {
		return fmt.Errorf("%w: prompt %q has no handler", paygate.ErrInvalidConfig, name)
	}
	if err := c.add(d); err != nil {
		return err
	}
	c.prompts = append(c.prompts, d)
	return nil
}

// AddResource registers a fixed-URI resource handler on this catalog.
func (c *Catalog) AddResource(name, uri string, handler ResourceHandler, opts ...HandlerOption) error {
	d := &HandlerDescriptor{Name: name, Kind: KindResource, URI: uri, resource: handler}
	for _, opt := range opts {
		opt(d)
	}
	if handler == nil {
		return fmt.Errorf("%w: resource %q has no handler", paygate.ErrInvalidConfig, name)
	}
	if uri == "" {
		return fmt.Errorf("%w: resource %q has no uri", paygate.ErrInvalidConfig, name)
	}
	if err := c.add(d); err != nil {
		return err
	}
	c.resources = append(c.resources, d)
	return nil
}

// AddResourceTemplate registers a templated resource handler. The
// template follows RFC 6570; read requests matching it receive the
// extracted variables.
func (c *Catalog) AddResourceTemplate(name, template string, handler ResourceTemplateHandler, opts ...HandlerOption) error {
	d := &HandlerDescriptor{Name: name, Kind: KindResourceTemplate, uriTemplate: template, resourceTemplate: handler}
	for _, opt := range opts {
		opt(d)
	}
	if handler == nil {
		return fmt.Errorf("%w: resource template %q has no handler", paygate.ErrInvalidConfig, name)
	}
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return fmt.Errorf("%w: resource template %q: %v", paygate.ErrInvalidConfig, name, err)
	}
	d.URITemplate = tmpl
	if err := c.add(d); err != nil {
		return err
	}
	c.resourceTemplates = append(c.resourceTemplates, d)
	return nil
}

func (c *Catalog) add(d *HandlerDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: handler name is required", paygate.ErrInvalidConfig)
	}
	if c.names[d.Name] {
		return fmt.Errorf("%w: duplicate handler name %q", paygate.ErrInvalidConfig, d.Name)
	}
	if d.Payment != nil && d.Payment.Amount <= 0 {
		return fmt.Errorf("%w: payment amount for %q must be positive, got %g", paygate.ErrInvalidConfig, d.Name, d.Payment.Amount)
	}
	c.names[d.Name] = true
	return nil
}

// Tools returns the tool descriptors in registration order.
func (c *Catalog) Tools() []*HandlerDescriptor { return c.tools }

// Prompts returns the prompt descriptors in registration order.
func (c *Catalog) Prompts() []*HandlerDescriptor { return c.prompts }

// Resources returns the fixed-URI resource descriptors.
func (c *Catalog) Resources() []*HandlerDescriptor { return c.resources }

// ResourceTemplates returns the templated resource descriptors.
func (c *Catalog) ResourceTemplates() []*HandlerDescriptor { return c.resourceTemplates }

// FindTool looks a tool up by name.
func (c *Catalog) FindTool(name string) *HandlerDescriptor {
	for _, d := range c.tools {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// FindPrompt looks a prompt up by name.
func (c *Catalog) FindPrompt(name string) *HandlerDescriptor {
	for _, d := range c.prompts {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// FindResource resolves a read URI: exact resources first, then
// templates in registration order. Template matches return the
// extracted variables.
func (c *Catalog) FindResource(uri string) (*HandlerDescriptor, map[string]string) {
	for _, d := range c.resources {
		if d.URI == uri {
			return d, nil
		}
	}
	for _, d := range c.resourceTemplates {
		match := d.URITemplate.Match(uri)
		if match == nil {
			continue
		}
		vars := make(map[string]string, len(match))
		for name, value := range match {
			vars[name] = value.String()
		}
		return d, vars
	}
	return nil, nil
}

// Registry accumulates handler registrations and providers, then
// stamps out a fresh Catalog per session.
type Registry struct {
	mu       sync.Mutex
	builders []func(*Catalog) error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterTool registers a tool shared by all sessions.
func (r *Registry) RegisterTool(name string, handler ToolHandler, opts ...HandlerOption) error {
	return r.register(func(c *Catalog) error {
		return c.AddTool(name, handler, opts...)
	})
}

// RegisterPrompt registers a prompt shared by all sessions.
func (r *Registry) RegisterPrompt(name string, handler PromptHandler, opts ...HandlerOption) error {
	return r.register(func(c *Catalog) error {
		return c.AddPrompt(name, handler, opts...)
	})
}

// RegisterResource registers a fixed-URI resource shared by all
// sessions.
func (r *Registry) RegisterResource(name, uri string, handler ResourceHandler, opts ...HandlerOption) error {
	return r.register(func(c *Catalog) error {
		return c.AddResource(name, uri, handler, opts...)
	})
}

// RegisterResourceTemplate registers a templated resource shared by
// all sessions.
func (r *Registry) RegisterResourceTemplate(name, template string, handler ResourceTemplateHandler, opts ...HandlerOption) error {
	return r.register(func(c *Catalog) error {
		return c.AddResourceTemplate(name, template, handler, opts...)
	})
}

// RegisterProvider runs against each new session's catalog, so the
// provider can construct per-session handler instances. Provider
// errors surface from BuildSession.
func (r *Registry) RegisterProvider(provider func(*Catalog) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders = append(r.builders, provider)
}

// register validates the registration against a scratch catalog so
// bad registrations fail at the call site, then records it for
// session builds.
func (r *Registry) register(builder func(*Catalog) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	probe := newCatalog()
	for _, b := range r.builders {
		// Earlier provider errors are reported by BuildSession, not here.
		_ = b(probe)
	}
	if err := builder(probe); err != nil {
		return err
	}
	r.builders = append(r.builders, builder)
	return nil
}

// BuildSession assembles a fresh catalog: every registration and
// provider runs in order against a new Catalog. Duplicate names
// across direct and provider registrations fail the build.
func (r *Registry) BuildSession() (*Catalog, error) {
	r.mu.Lock()
	builders := make([]func(*Catalog) error, len(r.builders))
	copy(builders, r.builders)
	r.mu.Unlock()

	catalog := newCatalog()
	for _, builder := range builders {
		if err := builder(catalog); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}
