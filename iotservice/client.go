// Package iotservice implements the backend-facing client: registry
// management and twin access over the hub's HTTP surface, direct method
// invocation, and cloud-to-device messaging over AMQP.
package iotservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cirruslink.io/sdk-go/pkg/auth"
	"cirruslink.io/sdk-go/pkg/log"
)

const apiVersion = "2024-06-30"

// Client talks to one hub with service-scoped credentials. All methods
// are safe for concurrent use.
type Client struct {
	logger   log.Logger
	hostname string
	tokenGen *auth.TokenGenerator
	http     *http.Client

	amqp *amqpConn
}

// Option customizes client construction.
type Option func(*config)

type config struct {
	logger     log.Logger
	httpClient *http.Client
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client used for registry calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// NewFromConnectionString creates a service client from a hub-scoped
// connection string (SharedAccessKeyName policy).
func NewFromConnectionString(cs string, opts ...Option) (*Client, error) {
	parsed, err := auth.ParseConnectionString(cs)
	if err != nil {
		return nil, err
	}
	if !parsed.IsService() {
		return nil, errors.New("iotservice: connection string is for a device, not a service")
	}

	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithName("iotservice")
	}
	if cfg.httpClient == nil {
		cfg.httpClient = http.DefaultClient
	}

	signer := auth.NewSymmetricKeySigner(parsed.SharedAccessKey)
	gen := auth.NewTokenGenerator(signer, parsed.HostName, parsed.SharedAccessKeyName, auth.DefaultTokenTTL)

	c := &Client{
		logger:   cfg.logger,
		hostname: parsed.HostName,
		tokenGen: gen,
		http:     cfg.httpClient,
	}
	c.amqp = newAmqpConn(c.hostname, gen, cfg.logger.WithName("amqp"))
	return c, nil
}

// HostName returns the hub host this client targets.
func (c *Client) HostName() string { return c.hostname }

// Close releases the AMQP connection, if one was opened.
func (c *Client) Close(ctx context.Context) error {
	return c.amqp.close(ctx)
}

// GetDevice fetches one identity record.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var dev Device
	if err := c.call(ctx, http.MethodGet, "devices/"+url.PathEscape(deviceID), nil, nil, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

// CreateDevice registers a new identity. The hub fills in generated
// fields (keys, etag) on the returned record.
func (c *Client) CreateDevice(ctx context.Context, device *Device) (*Device, error) {
	var created Device
	if err := c.call(ctx, http.MethodPut, "devices/"+url.PathEscape(device.DeviceID), nil, device, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateDevice replaces an identity record. The record's ETag guards
// against concurrent modification; set it to "*" to force.
func (c *Client) UpdateDevice(ctx context.Context, device *Device) (*Device, error) {
	headers := ifMatch(device.ETag)
	var updated Device
	if err := c.call(ctx, http.MethodPut, "devices/"+url.PathEscape(device.DeviceID), headers, device, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteDevice removes an identity unconditionally.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	return c.call(ctx, http.MethodDelete, "devices/"+url.PathEscape(deviceID), ifMatch("*"), nil, nil)
}

// ListDevices returns up to maxCount identity records; 0 selects the
// server default.
func (c *Client) ListDevices(ctx context.Context, maxCount int) ([]*Device, error) {
	path := "devices"
	if maxCount > 0 {
		path += fmt.Sprintf("?top=%d", maxCount)
	}
	var devices []*Device
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetModule fetches one module identity.
func (c *Client) GetModule(ctx context.Context, deviceID, moduleID string) (*Module, error) {
	var mod Module
	if err := c.call(ctx, http.MethodGet, modulePath(deviceID, moduleID), nil, nil, &mod); err != nil {
		return nil, err
	}
	return &mod, nil
}

// CreateModule registers a module under an existing device.
func (c *Client) CreateModule(ctx context.Context, module *Module) (*Module, error) {
	var created Module
	if err := c.call(ctx, http.MethodPut, modulePath(module.DeviceID, module.ModuleID), nil, module, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateModule replaces a module identity record, guarded by its ETag.
func (c *Client) UpdateModule(ctx context.Context, module *Module) (*Module, error) {
	headers := ifMatch(module.ETag)
	var updated Module
	if err := c.call(ctx, http.MethodPut, modulePath(module.DeviceID, module.ModuleID), headers, module, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteModule removes a module identity unconditionally.
func (c *Client) DeleteModule(ctx context.Context, deviceID, moduleID string) error {
	return c.call(ctx, http.MethodDelete, modulePath(deviceID, moduleID), ifMatch("*"), nil, nil)
}

// ListModules returns the modules registered under a device.
func (c *Client) ListModules(ctx context.Context, deviceID string) ([]*Module, error) {
	var modules []*Module
	if err := c.call(ctx, http.MethodGet, "devices/"+url.PathEscape(deviceID)+"/modules", nil, nil, &modules); err != nil {
		return nil, err
	}
	return modules, nil
}

// GetTwin fetches a device twin.
func (c *Client) GetTwin(ctx context.Context, deviceID string) (*Twin, error) {
	var twin Twin
	if err := c.call(ctx, http.MethodGet, "twins/"+url.PathEscape(deviceID), nil, nil, &twin); err != nil {
		return nil, err
	}
	return &twin, nil
}

// UpdateTwin merges desired properties and tags into a device twin and
// returns the updated document.
func (c *Client) UpdateTwin(ctx context.Context, twin *Twin) (*Twin, error) {
	var updated Twin
	path := "twins/" + url.PathEscape(twin.DeviceID)
	if err := c.call(ctx, http.MethodPatch, path, ifMatch(twin.ETag), twin, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// InvokeMethod calls a direct method on a connected device and returns
// the device's response.
func (c *Client) InvokeMethod(ctx context.Context, deviceID string, call *MethodCall) (*MethodResult, error) {
	var result MethodResult
	path := "twins/" + url.PathEscape(deviceID) + "/methods"
	if err := c.call(ctx, http.MethodPost, path, nil, call, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stats returns the registry statistics summary.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.call(ctx, http.MethodGet, "statistics/devices", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Query runs one page of a registry query. Pass the previous page's
// continuation token to fetch the next page.
func (c *Client) Query(ctx context.Context, query string, pageSize int, continuation string) (*QueryResult, error) {
	headers := http.Header{}
	if pageSize > 0 {
		headers.Set("x-ms-max-item-count", fmt.Sprintf("%d", pageSize))
	}
	if continuation != "" {
		headers.Set("x-ms-continuation", continuation)
	}

	body := map[string]string{"query": query}
	req, err := c.newRequest(ctx, http.MethodPost, "devices/query", headers, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, restError(resp.StatusCode, http.MethodPost, "devices/query", data)
	}

	result := &QueryResult{ContinuationToken: resp.Header.Get("x-ms-continuation")}
	if err := json.Unmarshal(data, &result.Items); err != nil {
		return nil, fmt.Errorf("decoding query page: %w", err)
	}
	return result, nil
}

// call performs one JSON round trip against the registry surface.
func (c *Client) call(ctx context.Context, method, path string, headers http.Header, in, out any) error {
	req, err := c.newRequest(ctx, method, path, headers, in)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return restError(resp.StatusCode, method, path, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, headers http.Header, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	u := "https://" + c.hostname + "/" + path
	if strings.Contains(path, "?") {
		u += "&api-version=" + apiVersion
	} else {
		u += "?api-version=" + apiVersion
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	tok, err := c.tokenGen.Current()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", tok.String())
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func ifMatch(etag string) http.Header {
	if etag == "" {
		etag = "*"
	}
	return http.Header{"If-Match": []string{quoteETag(etag)}}
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) || etag == "*" {
		return etag
	}
	return `"` + etag + `"`
}

func modulePath(deviceID, moduleID string) string {
	return "devices/" + url.PathEscape(deviceID) + "/modules/" + url.PathEscape(moduleID)
}

// RestError is a non-2xx answer from the hub.
type RestError struct {
	Status  int
	Method  string
	Path    string
	Message string
}

func (e *RestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub returned %d for %s %s: %s", e.Status, e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("hub returned %d for %s %s", e.Status, e.Method, e.Path)
}

func restError(status int, method, path string, body []byte) error {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	return &RestError{Status: status, Method: method, Path: path, Message: payload.Message}
}
