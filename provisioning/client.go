// Package provisioning implements device enrollment against the
// CirrusLink provisioning service: a device proves its identity, the
// service picks a hub for it, and the device walks away with its assigned
// hub hostname and device id.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cirruslink.io/sdk-go/internal/pipeline"
	"cirruslink.io/sdk-go/pkg/auth"
	"cirruslink.io/sdk-go/pkg/log"
	"cirruslink.io/sdk-go/pkg/mqtt/topic"
	"cirruslink.io/sdk-go/pkg/options"
)

const apiVersion = "2024-06-30"

// defaultPollInterval is used when a polling response carries no
// retry-after hint.
const defaultPollInterval = 2 * time.Second

// Registration states reported by the service.
const (
	StatusAssigning = "assigning"
	StatusAssigned  = "assigned"
	StatusFailed    = "failed"
	StatusDisabled  = "disabled"
)

// Result is the outcome of a completed registration.
type Result struct {
	OperationID    string `json:"operationId"`
	Status         string `json:"status"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	SubStatus      string `json:"substatus"`
	ErrorCode      int    `json:"errorCode"`
	ErrorMessage   string `json:"message"`
	LastUpdateTime string `json:"lastUpdatedDateTimeUtc"`
}

// operationStatus is one polling response envelope.
type operationStatus struct {
	OperationID string  `json:"operationId"`
	Status      string  `json:"status"`
	State       *Result `json:"registrationState"`
}

// Client registers one device identity. It is single-use: Register then
// Shutdown.
type Client struct {
	logger         log.Logger
	scope          string
	registrationID string
	pl             *pipeline.Pipeline
}

// Option customizes client construction.
type Option func(*config)

type config struct {
	logger log.Logger
	mqtt   *options.MqttOptions
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMqttOptions overrides transport settings.
func WithMqttOptions(o *options.MqttOptions) Option {
	return func(c *config) { c.mqtt = o }
}

// NewSymmetricKeyClient creates a client authenticating with a group or
// individual enrollment key. host is the provisioning endpoint, scope the
// tenant id, registrationID the identity being enrolled.
func NewSymmetricKeyClient(host, scope, registrationID, base64Key string, opts ...Option) (*Client, error) {
	if host == "" || scope == "" || registrationID == "" {
		return nil, errors.New("provisioning: host, scope and registration id are all required")
	}

	cfg := &config{mqtt: options.NewMqttOptions()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithName("provisioning")
	}

	signer := auth.NewSymmetricKeySigner(base64Key)
	resource := scope + "/registrations/" + registrationID
	gen := auth.NewTokenGenerator(signer, resource, "registration", auth.DefaultTokenTTL)

	conn := cfg.mqtt.ToConnConfig()
	if conn.BrokerURL == "" {
		conn.BrokerURL = "tls://" + host + ":8883"
	}
	if conn.ClientID == "" {
		conn.ClientID = registrationID
	}
	username := fmt.Sprintf("%s/registrations/%s/?api-version=%s", scope, registrationID, apiVersion)
	conn.Credentials = func() (string, []byte, error) {
		tok, err := gen.Current()
		if err != nil {
			return "", nil, err
		}
		return username, []byte(tok.String()), nil
	}

	c := &Client{
		logger:         cfg.logger,
		scope:          scope,
		registrationID: registrationID,
	}
	pl, err := pipeline.New(&pipeline.Config{
		Conn:           conn,
		Topics:         topic.NewDeviceTopics(registrationID, ""),
		TokenGenerator: gen,
		Logger:         cfg.logger.WithName("pipeline"),
	}, pipeline.Handlers{
		OnBackgroundError: func(err error) { cfg.logger.Warn("background error", "err", err) },
	})
	if err != nil {
		return nil, err
	}
	c.pl = pl
	return c, nil
}

// Register runs the full enrollment: submit the registration, poll the
// operation until the service settles it, and return the assignment. The
// context bounds the whole exchange including polling waits.
func (c *Client) Register(ctx context.Context) (*Result, error) {
	if err := c.pl.Run(ctx, pipeline.NewEnableFeatureOp(pipeline.FeatureRegistrationResponses)); err != nil {
		return nil, fmt.Errorf("subscribing to registration responses: %w", err)
	}

	body, err := json.Marshal(map[string]string{"registrationId": c.registrationID})
	if err != nil {
		return nil, err
	}
	status, err := c.exchange(ctx, "", body)
	if err != nil {
		return nil, fmt.Errorf("submitting registration: %w", err)
	}

	for status.Status == StatusAssigning {
		opID := status.OperationID
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollDelay(status)):
		}
		status, err = c.poll(ctx, opID)
		if err != nil {
			return nil, fmt.Errorf("polling operation %s: %w", opID, err)
		}
	}

	switch status.Status {
	case StatusAssigned:
		if status.State == nil {
			return nil, errors.New("provisioning: assigned response has no registration state")
		}
		c.logger.Info("registration assigned",
			"registration_id", c.registrationID,
			"hub", status.State.AssignedHub, "device_id", status.State.DeviceID)
		return status.State, nil
	case StatusFailed, StatusDisabled:
		if status.State != nil && status.State.ErrorMessage != "" {
			return nil, fmt.Errorf("registration %s: %s", status.Status, status.State.ErrorMessage)
		}
		return nil, fmt.Errorf("registration %s", status.Status)
	default:
		return nil, fmt.Errorf("registration ended in unexpected state %q", status.Status)
	}
}

// Shutdown disconnects and releases the client.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.pl.Shutdown(ctx)
}

func (c *Client) poll(ctx context.Context, operationID string) (*statusWithRetry, error) {
	op := pipeline.NewRequestAndResponseOp(pipeline.RequestTypeProvision, "GET", "", nil)
	op.OperationID = operationID
	return c.run(ctx, op)
}

func (c *Client) exchange(ctx context.Context, operationID string, payload []byte) (*statusWithRetry, error) {
	op := pipeline.NewRequestAndResponseOp(pipeline.RequestTypeProvision, "PUT", "", payload)
	op.OperationID = operationID
	return c.run(ctx, op)
}

// statusWithRetry pairs a decoded polling envelope with the transport's
// retry-after hint.
type statusWithRetry struct {
	operationStatus
	retryAfter int
}

func (c *Client) run(ctx context.Context, op *pipeline.RequestAndResponseOp) (*statusWithRetry, error) {
	if err := c.pl.Run(ctx, op); err != nil {
		return nil, err
	}
	if op.Status >= 300 {
		return nil, fmt.Errorf("provisioning service returned status %d: %s", op.Status, op.ResponsePayload)
	}

	var status statusWithRetry
	if err := json.Unmarshal(op.ResponsePayload, &status.operationStatus); err != nil {
		return nil, fmt.Errorf("decoding provisioning response: %w", err)
	}
	status.retryAfter = op.RetryAfter
	return &status, nil
}

func (c *Client) pollDelay(status *statusWithRetry) time.Duration {
	if status.retryAfter > 0 {
		return time.Duration(status.retryAfter) * time.Second
	}
	return defaultPollInterval
}
