package iotdevice

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"cirruslink.io/sdk-go/internal/inbox"
	"cirruslink.io/sdk-go/internal/pipeline"
	"cirruslink.io/sdk-go/pkg/auth"
	"cirruslink.io/sdk-go/pkg/log"
	"cirruslink.io/sdk-go/pkg/mqtt"
	"cirruslink.io/sdk-go/pkg/mqtt/topic"
	"cirruslink.io/sdk-go/pkg/options"
)

// apiVersion is sent on every REST call and in the MQTT username.
const apiVersion = "2024-06-30"

// MessageHandler consumes one cloud-to-device or input message.
type MessageHandler func(msg *Message)

// MethodHandler answers one direct method invocation. The returned status
// and payload are published back to the hub as the method response.
type MethodHandler func(req *MethodRequest) (status int, payload []byte)

// TwinPatchHandler consumes one desired-property patch.
type TwinPatchHandler func(patch *TwinPatch)

// ConnectionStateHandler observes transport connection changes. err is
// nil on connect and on deliberate disconnect.
type ConnectionStateHandler func(connected bool, err error)

// BackgroundErrorHandler receives failures that have no operation to fail:
// unmatched responses, malformed topics, handler panics in the transport.
type BackgroundErrorHandler func(err error)

// MethodRequest is one incoming direct method invocation.
type MethodRequest struct {
	Name      string
	RequestID string
	Payload   []byte
}

// Client is a device (or module) client for one hub identity. All methods
// are safe for concurrent use.
type Client struct {
	logger   log.Logger
	deviceID string
	moduleID string
	hostname string

	pl     *pipeline.Pipeline
	topics *topic.DeviceTopics

	tokenGen *auth.TokenGenerator
	x509     *auth.X509Credential
	http     *http.Client

	mu      sync.Mutex
	enabled map[pipeline.Feature]bool

	messages    *inbox.HandlerManager[*Message]
	twinPatches *inbox.HandlerManager[*TwinPatch]

	methodRouter  *inbox.MethodRouter[*MethodRequest]
	methodDefault *inbox.HandlerManager[*MethodRequest]
	methodNamed   map[string]*inbox.HandlerManager[*MethodRequest]

	connState  ConnectionStateHandler
	background BackgroundErrorHandler
}

// Option customizes client construction.
type Option func(*config)

type config struct {
	logger     log.Logger
	mqtt       *options.MqttOptions
	x509       *auth.X509Credential
	httpClient *http.Client
	connState  ConnectionStateHandler
	background BackgroundErrorHandler
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMqttOptions overrides transport settings.
func WithMqttOptions(o *options.MqttOptions) Option {
	return func(c *config) { c.mqtt = o }
}

// WithX509 supplies the client certificate for x509-authenticated
// identities.
func WithX509(cred *auth.X509Credential) Option {
	return func(c *config) { c.x509 = cred }
}

// WithHTTPClient overrides the HTTP client used for the hub REST surface
// (file upload).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithConnectionStateHandler registers a connection state observer.
func WithConnectionStateHandler(h ConnectionStateHandler) Option {
	return func(c *config) { c.connState = h }
}

// WithBackgroundErrorHandler registers an observer for failures that
// cannot be attributed to any in-flight call. Without one they are only
// logged.
func WithBackgroundErrorHandler(h BackgroundErrorHandler) Option {
	return func(c *config) { c.background = h }
}

// NewFromConnectionString creates a client from a device connection
// string.
func NewFromConnectionString(cs string, opts ...Option) (*Client, error) {
	parsed, err := auth.ParseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	if parsed.IsService() {
		return nil, errors.New("iotdevice: connection string is for a service, not a device")
	}
	if parsed.DeviceID == "" {
		return nil, errors.New("iotdevice: connection string has no DeviceId")
	}

	cfg := &config{mqtt: options.NewMqttOptions()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithName("iotdevice")
	}
	if cfg.httpClient == nil {
		cfg.httpClient = http.DefaultClient
	}

	c := &Client{
		logger:      cfg.logger,
		deviceID:    parsed.DeviceID,
		moduleID:    parsed.ModuleID,
		hostname:    parsed.HostName,
		topics:      topic.NewDeviceTopics(parsed.DeviceID, parsed.ModuleID),
		x509:        cfg.x509,
		http:        cfg.httpClient,
		enabled:     make(map[pipeline.Feature]bool),
		messages:    inbox.NewHandlerManager(inbox.New[*Message]()),
		twinPatches: inbox.NewHandlerManager(inbox.New[*TwinPatch]()),
		methodNamed: make(map[string]*inbox.HandlerManager[*MethodRequest]),
		connState:   cfg.connState,
		background:  cfg.background,
	}
	c.methodRouter = inbox.NewMethodRouter[*MethodRequest]()
	c.methodDefault = inbox.NewHandlerManager(c.methodRouter.Generic())

	connCfg, err := c.connConfig(parsed, cfg)
	if err != nil {
		return nil, err
	}

	c.pl, err = pipeline.New(&pipeline.Config{
		Conn:           connCfg,
		Topics:         c.topics,
		TokenGenerator: c.tokenGen,
		Logger:         c.logger.WithName("pipeline"),
	}, pipeline.Handlers{
		OnConnected:       func() { c.notifyConnState(true, nil) },
		OnDisconnected:    func(err error) { c.notifyConnState(false, err) },
		OnEvent:           c.routeEvent,
		OnBackgroundError: c.backgroundError,
	})
	if err != nil {
		return nil, err
	}

	if c.x509 != nil {
		c.x509.OnRotate = func() {
			if !c.pl.Connected() {
				return
			}
			if err := c.pl.Run(context.Background(), &pipeline.ReauthorizeOp{}); err != nil {
				c.logger.Error(err, "reauthorizing after certificate rotation")
			}
		}
	}
	return c, nil
}

func (c *Client) connConfig(cs *auth.ConnectionString, cfg *config) (*mqtt.ConnConfig, error) {
	conn := cfg.mqtt.ToConnConfig()
	host := cs.HostName
	if cs.GatewayHostName != "" {
		host = cs.GatewayHostName
	}
	if conn.BrokerURL == "" {
		conn.BrokerURL = "tls://" + host + ":8883"
	}
	if conn.ClientID == "" {
		conn.ClientID = c.clientID()
	}

	username := fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, c.clientID(), apiVersion)

	switch {
	case cs.SharedAccessKey != "":
		signer := auth.NewSymmetricKeySigner(cs.SharedAccessKey)
		c.tokenGen = auth.NewTokenGenerator(signer, cs.TargetURI(), "", auth.DefaultTokenTTL)
		conn.Credentials = func() (string, []byte, error) {
			tok, err := c.tokenGen.Current()
			if err != nil {
				return "", nil, err
			}
			return username, []byte(tok.String()), nil
		}

	case cs.SharedAccessSignature != "":
		sas := cs.SharedAccessSignature
		conn.Credentials = func() (string, []byte, error) {
			return username, []byte(sas), nil
		}

	case cs.X509:
		if cfg.x509 == nil {
			return nil, errors.New("iotdevice: x509 connection string requires WithX509")
		}
		if conn.TLSConfig == nil {
			conn.TLSConfig = &tls.Config{}
		}
		conn.TLSConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert := cfg.x509.Certificate()
			return &cert, nil
		}
		conn.Credentials = func() (string, []byte, error) {
			return username, nil, nil
		}

	default:
		return nil, errors.New("iotdevice: connection string has no usable credentials")
	}
	return conn, nil
}

func (c *Client) clientID() string {
	if c.moduleID != "" {
		return c.deviceID + "/" + c.moduleID
	}
	return c.deviceID
}

// DeviceID returns the device identity.
func (c *Client) DeviceID() string { return c.deviceID }

// ModuleID returns the module identity, or "".
func (c *Client) ModuleID() string { return c.moduleID }

// Connect establishes the hub connection. Most operations connect on
// demand; an explicit Connect surfaces credential problems early.
func (c *Client) Connect(ctx context.Context) error {
	return c.pl.Run(ctx, &pipeline.ConnectOp{})
}

// Disconnect drops the hub connection deliberately. Automatic reconnect
// is disarmed until the next Connect or on-demand operation.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.pl.Run(ctx, &pipeline.DisconnectOp{})
}

// Connected reports the transport connection state.
func (c *Client) Connected() bool { return c.pl.Connected() }

// Shutdown disconnects and releases every client resource: handler
// runners, renewal timers, the pipeline goroutines. The client cannot be
// reused.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.pl.Shutdown(ctx)

	c.messages.Clear()
	c.twinPatches.Clear()
	c.methodDefault.Clear()
	c.mu.Lock()
	named := c.methodNamed
	c.methodNamed = make(map[string]*inbox.HandlerManager[*MethodRequest])
	c.mu.Unlock()
	for _, m := range named {
		m.Clear()
	}

	if c.x509 != nil {
		if cerr := c.x509.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SendTelemetry publishes one device-to-cloud message.
func (c *Client) SendTelemetry(ctx context.Context, msg *Message) error {
	op := pipeline.NewSendTelemetryOp("", msg.Payload, msg.properties())
	return c.pl.Run(ctx, op)
}

// SendTelemetryToOutput publishes one message on a named module output.
func (c *Client) SendTelemetryToOutput(ctx context.Context, output string, msg *Message) error {
	if c.moduleID == "" {
		return errors.New("iotdevice: outputs require a module identity")
	}
	op := pipeline.NewSendTelemetryOp(output, msg.Payload, msg.properties())
	return c.pl.Run(ctx, op)
}

// SetMessageHandler installs the handler for cloud-to-device (or, for
// modules, input) messages, subscribing to their topic space. Passing nil
// removes the handler; queued messages are kept for the next one.
func (c *Client) SetMessageHandler(ctx context.Context, h MessageHandler) error {
	if h == nil {
		c.messages.Clear()
		return nil
	}
	feature := pipeline.FeatureC2D
	if c.moduleID != "" {
		feature = pipeline.FeatureInput
	}
	if err := c.ensureFeature(ctx, feature); err != nil {
		return err
	}
	c.messages.Set(func(m *Message) { h(m) })
	return nil
}

// SetTwinPatchHandler installs the handler for desired-property patches.
func (c *Client) SetTwinPatchHandler(ctx context.Context, h TwinPatchHandler) error {
	if h == nil {
		c.twinPatches.Clear()
		return nil
	}
	if err := c.ensureFeature(ctx, pipeline.FeatureTwinPatches); err != nil {
		return err
	}
	c.twinPatches.Set(func(p *TwinPatch) { h(p) })
	return nil
}

// RegisterMethodHandler installs a handler for one named direct method.
// Requests for other methods go to the default handler, if any.
func (c *Client) RegisterMethodHandler(ctx context.Context, name string, h MethodHandler) error {
	if h == nil {
		return errors.New("iotdevice: method handler must not be nil")
	}
	if err := c.ensureFeature(ctx, pipeline.FeatureMethods); err != nil {
		return err
	}

	c.mu.Lock()
	mgr, ok := c.methodNamed[name]
	if !ok {
		mgr = inbox.NewHandlerManager(c.methodRouter.Named(name))
		c.methodNamed[name] = mgr
	}
	c.mu.Unlock()

	mgr.Set(c.methodRunner(h))
	return nil
}

// UnregisterMethodHandler removes a named method handler. Pending
// requests for that method fall back to the default handler.
func (c *Client) UnregisterMethodHandler(name string) {
	c.mu.Lock()
	mgr, ok := c.methodNamed[name]
	delete(c.methodNamed, name)
	c.mu.Unlock()
	if ok {
		mgr.Clear()
		c.methodRouter.Remove(name)
	}
}

// SetDefaultMethodHandler installs the catch-all direct method handler.
func (c *Client) SetDefaultMethodHandler(ctx context.Context, h MethodHandler) error {
	if h == nil {
		c.methodDefault.Clear()
		return nil
	}
	if err := c.ensureFeature(ctx, pipeline.FeatureMethods); err != nil {
		return err
	}
	c.methodDefault.Set(c.methodRunner(h))
	return nil
}

// methodRunner wraps a user method handler so its result is published
// back as the method response.
func (c *Client) methodRunner(h MethodHandler) inbox.Handler[*MethodRequest] {
	return func(req *MethodRequest) {
		status, payload := h(req)
		op := pipeline.NewSendMethodResponseOp(req.RequestID, status, payload)
		if err := c.pl.Run(context.Background(), op); err != nil {
			c.logger.Error(err, "sending method response",
				"method", req.Name, "request_id", req.RequestID)
		}
	}
}

// ensureFeature subscribes to a feature's topic space once per client
// lifetime. The subscription persists across reconnects via broker
// session state.
func (c *Client) ensureFeature(ctx context.Context, f pipeline.Feature) error {
	c.mu.Lock()
	done := c.enabled[f]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := c.pl.Run(ctx, pipeline.NewEnableFeatureOp(f)); err != nil {
		return fmt.Errorf("enabling %s: %w", f, err)
	}

	c.mu.Lock()
	c.enabled[f] = true
	c.mu.Unlock()
	return nil
}

// routeEvent distributes pipeline events into the per-feature inboxes.
// Runs on the pipeline's callback goroutine.
func (c *Client) routeEvent(ev pipeline.Event) {
	switch ev := ev.(type) {
	case pipeline.MessageEvent:
		msg, err := messageFromTopic(ev.Topic, ev.Payload)
		if err != nil {
			c.logger.Warn("dropping message with malformed property bag",
				"topic", ev.Topic, "err", err)
			return
		}
		msg.Input = ev.Input
		c.messages.Inbox().Put(msg)

	case pipeline.MethodRequestEvent:
		c.methodRouter.Route(ev.Method, &MethodRequest{
			Name:      ev.Method,
			RequestID: ev.RequestID,
			Payload:   ev.Payload,
		})

	case pipeline.TwinPatchEvent:
		c.twinPatches.Inbox().Put(&TwinPatch{Payload: ev.Payload, Version: ev.Version})

	default:
		c.logger.Debug("unrouted pipeline event", "event", ev.EventName())
	}
}

func (c *Client) notifyConnState(connected bool, err error) {
	c.logger.Info("connection state changed", "connected", connected, "err", err)
	if c.connState != nil {
		c.connState(connected, err)
	}
}

func (c *Client) backgroundError(err error) {
	c.logger.Warn("background error", "err", err)
	if c.background != nil {
		c.background(err)
	}
}
