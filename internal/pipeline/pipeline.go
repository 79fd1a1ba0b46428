package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"cirruslink.io/sdk-go/internal/metrics"
	"cirruslink.io/sdk-go/pkg/auth"
	"cirruslink.io/sdk-go/pkg/log"
	"cirruslink.io/sdk-go/pkg/mqtt"
	"cirruslink.io/sdk-go/pkg/mqtt/topic"
)

// Config assembles a pipeline for one client identity.
type Config struct {
	// Conn configures the underlying MQTT connection.
	Conn *mqtt.ConnConfig

	// Topics builds the hub topics for this identity. Nil for
	// provisioning-only pipelines.
	Topics *topic.DeviceTopics

	// TokenGenerator supplies renewable SAS credentials. Nil for x509
	// authentication, which disables the renewal stage.
	TokenGenerator *auth.TokenGenerator

	// Logger for all stages. Defaults to the package-level logger.
	Logger log.Logger
}

// Handlers receive pipeline-level notifications. All of them run on the
// callback goroutine, never on the pipeline goroutine, so they may call
// back into the pipeline.
type Handlers struct {
	// OnConnected fires when the transport connection is established.
	OnConnected func()

	// OnDisconnected fires when the connection is lost. err is nil for
	// deliberate disconnects.
	OnDisconnected func(err error)

	// OnEvent receives the typed feature events (messages, method
	// requests, twin patches).
	OnEvent func(ev Event)

	// OnBackgroundError receives failures that have no op to fail:
	// unmatched responses, malformed topics, stage bugs.
	OnBackgroundError func(err error)
}

// env is the shared environment handed to every stage.
type env struct {
	log log.Logger

	runq chan func()
	cbq  chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	handlers Handlers
}

// invoke schedules f on the pipeline goroutine. Safe from any goroutine
// except the pipeline goroutine itself; stages already on it call
// functions directly.
func (e *env) invoke(f func()) {
	select {
	case e.runq <- f:
	case <-e.quit:
	}
}

// callback schedules f on the callback goroutine, keeping user handlers
// serialized and off the pipeline goroutine.
func (e *env) callback(f func()) {
	select {
	case e.cbq <- f:
	case <-e.quit:
	}
}

func (e *env) reportBackground(err error) {
	e.log.Warn("pipeline background error", "err", err)
	if h := e.handlers.OnBackgroundError; h != nil {
		e.callback(func() { h(err) })
	}
}

// Pipeline is the assembled stage chain plus its two service goroutines.
// It is also the top stage: events that reach it are dispatched to the
// registered handlers.
type Pipeline struct {
	stageBase

	connected atomic.Bool
	down      atomic.Bool

	transport *TransportStage
}

// New assembles the full device pipeline chain in order, top to bottom:
// root, SAS renewal, coordinate, translation, auto-connect, reconnect,
// connection lock, retry, timeout, transport.
func New(cfg *Config, handlers Handlers) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Std()
	}

	conn, err := mqtt.NewConn(cfg.Conn)
	if err != nil {
		return nil, err
	}

	e := &env{
		log:      logger,
		runq:     make(chan func(), 64),
		cbq:      make(chan func(), 64),
		quit:     make(chan struct{}),
		handlers: handlers,
	}

	p := &Pipeline{}
	transport := newTransportStage(conn)
	p.transport = transport

	stages := []Stage{
		p,
		newSASRenewalStage(cfg.TokenGenerator),
		newCoordinateStage(),
		newTranslationStage(cfg.Topics),
		newAutoConnectStage(),
		newReconnectStage(),
		newConnectionLockStage(),
		newRetryStage(),
		newOpTimeoutStage(),
		transport,
	}
	link(e, stages...)
	for _, st := range stages {
		if starter, ok := st.(interface{ start() }); ok {
			starter.start()
		}
	}

	e.wg.Add(2)
	go p.runLoop()
	go p.callbackLoop()
	return p, nil
}

func (p *Pipeline) Name() string { return "root" }

func (p *Pipeline) runLoop() {
	defer p.env.wg.Done()
	for {
		select {
		case f := <-p.env.runq:
			f()
		case <-p.env.quit:
			return
		}
	}
}

func (p *Pipeline) callbackLoop() {
	defer p.env.wg.Done()
	for {
		select {
		case f := <-p.env.cbq:
			f()
		case <-p.env.quit:
			return
		}
	}
}

// Connected reports the transport connection state.
func (p *Pipeline) Connected() bool { return p.connected.Load() }

// RunOp submits op to the pipeline from any goroutine and returns
// immediately. Completion is observed through the op's callbacks.
func (p *Pipeline) RunOp(op Operation) {
	if p.down.Load() {
		Complete(op, ErrPipelineShutdown)
		return
	}
	p.env.invoke(func() { p.HandleOp(op) })
}

// Run submits op and blocks until it completes or ctx is done. On context
// expiry the op keeps running in the background; its effects are simply no
// longer awaited.
func (p *Pipeline) Run(ctx context.Context, op Operation) error {
	done := make(chan error, 1)
	AddCallback(op, func(_ Operation, err error) {
		done <- err
	})
	p.RunOp(op)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOp instruments the op and sends it down the chain.
func (p *Pipeline) HandleOp(op Operation) {
	name := op.Name()
	AddCallback(op, func(_ Operation, err error) {
		status := "success"
		if err != nil {
			status = "failed"
		}
		metrics.OperationsTotal.WithLabelValues(name, status).Inc()
	})
	p.sendDown(op)
}

// HandleEvent is the top of the chain: track connection state and hand
// events to the application.
func (p *Pipeline) HandleEvent(ev Event) {
	switch ev := ev.(type) {
	case ConnectedEvent:
		p.connected.Store(true)
		metrics.ConnectionStatus.Set(1)
		if h := p.env.handlers.OnConnected; h != nil {
			p.env.callback(h)
		}
	case DisconnectedEvent:
		p.connected.Store(false)
		metrics.ConnectionStatus.Set(0)
		if h := p.env.handlers.OnDisconnected; h != nil {
			p.env.callback(func() { h(ev.Err) })
		}
	default:
		if h := p.env.handlers.OnEvent; h != nil {
			p.env.callback(func() { h(ev) })
		} else {
			p.env.log.Debug("pipeline event with no handler", "event", ev.EventName())
		}
	}
}

// Shutdown disconnects, stops every stage timer, and terminates the
// pipeline goroutines. The pipeline cannot be reused afterwards.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.down.Swap(true) {
		return nil
	}
	// down is already set, so the op must skip RunOp's gate: submit it
	// straight onto the pipeline goroutine.
	op := &ShutdownOp{}
	done := make(chan error, 1)
	AddCallback(op, func(_ Operation, err error) { done <- err })
	p.env.invoke(func() { p.HandleOp(op) })

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	close(p.env.quit)
	p.env.wg.Wait()
	return err
}
