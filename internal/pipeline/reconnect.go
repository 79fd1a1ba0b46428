package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"cirruslink.io/sdk-go/internal/metrics"
)

// defaultReconnectDelay is the pause between reconnect attempts after an
// unexpected connection drop.
const defaultReconnectDelay = 10 * time.Second

// Logical connection states. They track what the application asked for,
// which is distinct from what the transport currently has: an unexpected
// drop leaves the stage logically connected and working to get back.
const (
	stateConnected    = "logically_connected"
	stateDisconnected = "logically_disconnected"
	stateWaiting      = "waiting_to_reconnect"
)

// Transition events.
const (
	// eventConnected fires when a connect attempt succeeds.
	eventConnected = "event_connected"
	// eventDisconnect fires on a deliberate disconnect.
	eventDisconnect = "event_disconnect"
	// eventDropped fires when an established connection is lost
	// unexpectedly.
	eventDropped = "event_dropped"
	// eventGiveUp fires when a reconnect attempt fails permanently.
	eventGiveUp = "event_give_up"
)

// reconnectStage restores connections that drop unexpectedly. While
// waiting to reconnect, incoming connect ops queue and are completed by
// the outcome of the reconnect attempt. Transient attempt failures
// schedule another attempt; permanent ones (including any failure before
// the pipeline has ever connected) give up and fail everything waiting.
type reconnectStage struct {
	stageBase

	fsm            *fsm.FSM
	timer          *time.Timer
	delay          time.Duration
	waiting        []Operation
	neverConnected bool
}

func newReconnectStage() *reconnectStage {
	s := &reconnectStage{
		delay:          defaultReconnectDelay,
		neverConnected: true,
	}

	events := fsm.Events{
		{Name: eventConnected, Src: []string{stateDisconnected, stateWaiting}, Dst: stateConnected},
		{Name: eventDisconnect, Src: []string{stateConnected, stateWaiting}, Dst: stateDisconnected},
		{Name: eventDropped, Src: []string{stateConnected}, Dst: stateWaiting},
		{Name: eventGiveUp, Src: []string{stateWaiting}, Dst: stateDisconnected},
	}

	callbacks := fsm.Callbacks{
		"enter_" + stateWaiting: wrapEvent(s.actionScheduleReconnect),
	}

	s.fsm = fsm.NewFSM(stateDisconnected, events, callbacks)
	return s
}

func (s *reconnectStage) Name() string { return "reconnect" }

// transition fires a state machine event, tolerating events that do not
// apply in the current state.
func (s *reconnectStage) transition(event string) {
	err := s.fsm.Event(context.Background(), event)
	if err != nil {
		var invalid fsm.InvalidEventError
		var noop fsm.NoTransitionError
		if errors.As(err, &invalid) || errors.As(err, &noop) {
			s.log().Debug("reconnect transition skipped",
				"event", event, "state", s.fsm.Current())
			return
		}
		s.env.reportBackground(err)
	}
}

func (s *reconnectStage) actionScheduleReconnect(_ context.Context, _ *fsm.Event) error {
	s.schedule()
	return nil
}

func (s *reconnectStage) schedule() {
	s.log().Info("scheduling reconnect", "delay", s.delay)
	s.timer = time.AfterFunc(s.delay, func() {
		s.env.invoke(s.reconnect)
	})
}

func (s *reconnectStage) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *reconnectStage) HandleOp(op Operation) {
	switch op.(type) {
	case *ConnectOp:
		if s.fsm.Current() == stateWaiting {
			// A reconnect attempt is pending; its outcome completes
			// this op too.
			s.waiting = append(s.waiting, op)
			return
		}
		AddCallback(op, func(_ Operation, err error) {
			if err == nil {
				s.neverConnected = false
				s.transition(eventConnected)
			}
		})
		s.sendDown(op)

	case *DisconnectOp:
		s.cancelTimer()
		s.failWaiting(ErrOperationCancelled)
		s.transition(eventDisconnect)
		s.sendDown(op)

	case *ShutdownOp:
		s.cancelTimer()
		s.failWaiting(ErrOperationCancelled)
		s.sendDown(op)

	default:
		s.sendDown(op)
	}
}

func (s *reconnectStage) HandleEvent(ev Event) {
	if d, ok := ev.(DisconnectedEvent); ok {
		if d.Err != nil && s.fsm.Current() == stateConnected {
			s.log().Warn("connection dropped, will reconnect", "err", d.Err)
			s.transition(eventDropped)
		}
	}
	s.sendUp(ev)
}

// reconnect runs one attempt on the pipeline goroutine.
func (s *reconnectStage) reconnect() {
	if s.fsm.Current() != stateWaiting {
		return
	}
	s.timer = nil
	metrics.ReconnectAttemptsTotal.Inc()

	op := &ConnectOp{}
	AddCallback(op, func(_ Operation, err error) {
		if s.fsm.Current() != stateWaiting {
			// Deliberately disconnected while the attempt ran; nothing
			// left to restore.
			return
		}
		switch {
		case err == nil:
			s.neverConnected = false
			s.transition(eventConnected)
			s.completeWaiting(nil)
		case IsTransient(err) && !s.neverConnected:
			s.log().Warn("reconnect attempt failed, will retry", "err", err)
			s.schedule()
		default:
			s.log().Error(err, "reconnect failed permanently, giving up")
			s.transition(eventGiveUp)
			s.completeWaiting(err)
			s.env.reportBackground(err)
		}
	})
	s.sendDown(op)
}

func (s *reconnectStage) completeWaiting(err error) {
	waiting := s.waiting
	s.waiting = nil
	for _, op := range waiting {
		Complete(op, err)
	}
}

func (s *reconnectStage) failWaiting(err error) {
	if len(s.waiting) > 0 {
		s.completeWaiting(err)
	}
}

// wrapEvent adapts an error-returning callback to the fsm callback
// signature, surfacing the error through the event.
func wrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
