// Package agent implements the simulated device behind
// cirrus-device-agent: a telemetry loop, an echo method handler, and twin
// synchronization, wired to a hub through the device client.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"cirruslink.io/sdk-go/internal/metrics"
	"cirruslink.io/sdk-go/iotdevice"
	"cirruslink.io/sdk-go/pkg/log"
	"cirruslink.io/sdk-go/pkg/options"
)

// Config holds everything needed to build an Agent.
type Config struct {
	ConnectionString  string
	TelemetryInterval time.Duration

	// Http configures the Prometheus endpoint; a nil config or empty
	// address disables it.
	Http *options.HttpOptions

	Mqtt *options.MqttOptions
}

// NewAgent builds the agent from a validated config.
func (cfg *Config) NewAgent() (*Agent, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("connection string is required")
	}

	logger := log.WithName("agent")
	client, err := iotdevice.NewFromConnectionString(cfg.ConnectionString,
		iotdevice.WithLogger(logger.WithName("device")),
		iotdevice.WithMqttOptions(cfg.Mqtt),
		iotdevice.WithConnectionStateHandler(func(connected bool, err error) {
			logger.Info("hub connection state", "connected", connected, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating device client: %w", err)
	}

	return &Agent{
		logger:   logger,
		client:   client,
		interval: cfg.TelemetryInterval,
		http:     cfg.Http,
	}, nil
}

// Agent is the running simulated device.
type Agent struct {
	logger   log.Logger
	client   *iotdevice.Client
	interval time.Duration
	http     *options.HttpOptions
}

// reading is one simulated telemetry sample.
type reading struct {
	DeviceID    string  `json:"deviceId"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

// Run connects and drives the agent until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting cirrus-device-agent",
		"device_id", a.client.DeviceID(), "telemetry_interval", a.interval)

	if err := a.installHandlers(ctx); err != nil {
		return err
	}
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	if err := a.reportStartup(ctx); err != nil {
		a.logger.Warn("reporting startup state failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.telemetryLoop(gctx) })
	if a.http != nil && a.http.Addr != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := a.client.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error(serr, "device client shutdown failed")
	}

	if errors.Is(err, context.Canceled) {
		a.logger.Info("cirrus-device-agent stopped")
		return nil
	}
	return err
}

func (a *Agent) installHandlers(ctx context.Context) error {
	err := a.client.SetDefaultMethodHandler(ctx, func(req *iotdevice.MethodRequest) (int, []byte) {
		a.logger.Info("direct method invoked", "method", req.Name)
		// Echo: answer with whatever the caller sent.
		return 200, req.Payload
	})
	if err != nil {
		return fmt.Errorf("registering method handler: %w", err)
	}

	err = a.client.SetTwinPatchHandler(ctx, func(patch *iotdevice.TwinPatch) {
		state, err := patch.State()
		if err != nil {
			a.logger.Warn("undecodable twin patch", "version", patch.Version, "err", err)
			return
		}
		a.logger.Info("desired properties changed", "version", patch.Version, "state", state)

		ackCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.client.UpdateReportedProperties(ackCtx, iotdevice.TwinState{
			"lastAppliedVersion": patch.Version,
		}); err != nil {
			a.logger.Warn("acknowledging twin patch failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("registering twin patch handler: %w", err)
	}
	return nil
}

func (a *Agent) reportStartup(ctx context.Context) error {
	_, err := a.client.UpdateReportedProperties(ctx, iotdevice.TwinState{
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (a *Agent) telemetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sample := reading{
			DeviceID:    a.client.DeviceID(),
			Temperature: 20 + rand.Float64()*5,
			Humidity:    40 + rand.Float64()*20,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(sample)
		if err != nil {
			return err
		}

		msg := &iotdevice.Message{Payload: payload, ContentType: "application/json"}
		if err := a.client.SendTelemetry(ctx, msg); err != nil {
			a.logger.Warn("telemetry send failed", "err", err)
			continue
		}
		a.logger.Debug("telemetry sent", "temperature", sample.Temperature)
	}
}

func (a *Agent) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	ln, err := net.Listen(a.http.Network, a.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  a.http.Timeout,
		WriteTimeout: a.http.Timeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	a.logger.Info("metrics endpoint up", "addr", a.http.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	}
}
