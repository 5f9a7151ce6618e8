package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paygate "github.com/mark3labs/mcp-go-paygate"
)

// PaymentServer hosts a catalog of handlers, free and priced, behind
// the in-band payment flow. Sessions are attached through a transport
// such as NewInProcessTransport; each gets its own catalog built from
// the registry.
type PaymentServer struct {
	name        string
	version     string
	registry    *Registry
	config      *Config
	facilitator Facilitator
	supported   *supportedCache
	logger      *slog.Logger
}

// NewPaymentServer creates a server. name and version identify it
// during the protocol handshake.
func NewPaymentServer(name, version string, config *Config) *PaymentServer {
	if config == nil {
		config = &Config{}
	}

	facilitator := config.Facilitator
	if facilitator == nil && config.FacilitatorURL != "" {
		facilitator = NewHTTPFacilitator(config.FacilitatorURL)
	}

	s := &PaymentServer{
		name:        name,
		version:     version,
		registry:    NewRegistry(),
		config:      config,
		facilitator: facilitator,
		supported:   newSupportedCache(),
		logger:      config.logger(),
	}

	if facilitator != nil {
		s.fetchSupportedPayments()
	}
	return s
}

// fetchSupportedPayments caches the facilitator's supported kinds.
// SVM networks need this: the fee payer address in the cached extra
// has to reach clients through challenges.
func (s *PaymentServer) fetchSupportedPayments() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supported, err := s.facilitator.GetSupported(ctx)
	if err != nil {
		s.logger.Warn("failed to fetch supported payment kinds from facilitator",
			"error", err)
		return
	}
	s.supported.set(supported)

	for _, kind := range supported {
		s.logger.Debug("facilitator supports payment kind",
			"scheme", kind.Scheme, "network", kind.Network)
	}
}

// Registry exposes the underlying registry for provider registration
// and direct catalog work.
func (s *PaymentServer) Registry() *Registry {
	return s.registry
}

// RegisterTool registers a tool. Add WithPayment to price it.
func (s *PaymentServer) RegisterTool(name string, handler ToolHandler, opts ...HandlerOption) error {
	if err := s.checkNetworkSupported(opts); err != nil {
		return err
	}
	return s.registry.RegisterTool(name, handler, opts...)
}

// RegisterPrompt registers a prompt.
func (s *PaymentServer) RegisterPrompt(name string, handler PromptHandler, opts ...HandlerOption) error {
	if err := s.checkNetworkSupported(opts); err != nil {
		return err
	}
	return s.registry.RegisterPrompt(name, handler, opts...)
}

// RegisterResource registers a fixed-URI resource.
func (s *PaymentServer) RegisterResource(name, uri string, handler ResourceHandler, opts ...HandlerOption) error {
	if err := s.checkNetworkSupported(opts); err != nil {
		return err
	}
	return s.registry.RegisterResource(name, uri, handler, opts...)
}

// RegisterResourceTemplate registers a templated resource.
func (s *PaymentServer) RegisterResourceTemplate(name, template string, handler ResourceTemplateHandler, opts ...HandlerOption) error {
	if err := s.checkNetworkSupported(opts); err != nil {
		return err
	}
	return s.registry.RegisterResourceTemplate(name, template, handler, opts...)
}

// RegisterProvider registers a per-session catalog provider.
func (s *PaymentServer) RegisterProvider(provider func(*Catalog) error) {
	s.registry.RegisterProvider(provider)
}

// checkNetworkSupported refuses priced registrations on networks the
// facilitator cannot settle, when CheckSupported is on and the kinds
// were fetched.
func (s *PaymentServer) checkNetworkSupported(opts []HandlerOption) error {
	if !s.config.CheckSupported || !s.supported.loaded() {
		return nil
	}
	probe := &HandlerDescriptor{}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.Payment == nil {
		return nil
	}
	network := probe.Payment.Network
	if network == "" {
		network = s.config.network()
	}
	if !s.supported.supports(network) {
		return fmt.Errorf("%w: facilitator does not support network %q", paygate.ErrInvalidConfig, network)
	}
	return nil
}

// sessionState is one session's catalog plus the payment wrapping its
// dispatch goes through.
type sessionState struct {
	catalog *Catalog
	wrap    *wrapper
}

// buildSession stamps out everything one new session needs.
func (s *PaymentServer) buildSession() (*sessionState, error) {
	catalog, err := s.registry.BuildSession()
	if err != nil {
		return nil, err
	}
	orch := &orchestrator{
		facilitator: s.facilitator,
		pricer:      s.config.pricer(),
		supported:   s.supported,
		baseURL:     s.config.BaseURL,
		network:     s.config.network(),
		payTo:       s.config.PayTo,
		logger:      s.logger,
	}
	return &sessionState{
		catalog: catalog,
		wrap:    &wrapper{orch: orch},
	}, nil
}
