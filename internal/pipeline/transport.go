package pipeline

import (
	"context"
	"errors"
	"fmt"

	"cirruslink.io/sdk-go/pkg/mqtt"
)

// TransportStage is the bottom of the chain. It turns connection and
// messaging ops into MQTT network activity and surfaces what the broker
// sends back as events. Network calls run on per-op goroutines so the
// pipeline goroutine never blocks on the wire; results come back through
// the pipeline's invoke queue.
type TransportStage struct {
	stageBase

	conn *mqtt.Conn

	// opCtx scopes in-flight network ops to the current connection; a
	// deliberate disconnect cancels them all.
	opCtx    context.Context
	opCancel context.CancelFunc
}

func newTransportStage(conn *mqtt.Conn) *TransportStage {
	ctx, cancel := context.WithCancel(context.Background())
	return &TransportStage{conn: conn, opCtx: ctx, opCancel: cancel}
}

func (s *TransportStage) Name() string { return "transport" }

func (s *TransportStage) start() {
	s.conn.OnMessage(func(topic string, payload []byte) {
		s.env.invoke(func() {
			s.sendUp(IncomingMessageEvent{Topic: topic, Payload: payload})
		})
	})
	s.conn.OnConnectionLost(func(err error) {
		s.env.invoke(func() {
			s.sendUp(DisconnectedEvent{Err: fmt.Errorf("%w: %v", ErrConnectionDropped, err)})
		})
	})
}

func (s *TransportStage) HandleOp(op Operation) {
	switch op := op.(type) {
	case *ConnectOp:
		go s.connect(op)
	case *ReauthorizeOp:
		go s.reauthorize(op)
	case *DisconnectOp:
		s.opCancel()
		go s.disconnect(op, false)
	case *ShutdownOp:
		s.opCancel()
		go s.disconnect(op, true)
	case *PublishOp:
		ctx := s.opCtx
		go func() {
			err := s.conn.Publish(ctx, op.Topic, 1, false, op.Payload)
			s.complete(op, err)
		}()
	case *SubscribeOp:
		ctx := s.opCtx
		go func() {
			err := s.conn.Subscribe(ctx, op.Topic, 1)
			s.complete(op, err)
		}()
	case *UnsubscribeOp:
		ctx := s.opCtx
		go func() {
			err := s.conn.Unsubscribe(ctx, op.Topic)
			s.complete(op, err)
		}()
	default:
		s.sendDown(op) // fails: nothing below
	}
}

func (s *TransportStage) connect(op Operation) {
	err := s.conn.Connect(context.Background())
	s.env.invoke(func() {
		if err != nil {
			Complete(op, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
			return
		}
		s.resetOpContext()
		Complete(op, nil)
		s.sendUp(ConnectedEvent{})
	})
}

// reauthorize drops the connection and dials again so the credentials
// provider is consulted for a fresh token.
func (s *TransportStage) reauthorize(op Operation) {
	wasConnected := s.conn.Connected()
	if wasConnected {
		if err := s.conn.Disconnect(context.Background()); err != nil {
			s.complete(op, err)
			return
		}
	}
	err := s.conn.Connect(context.Background())
	s.env.invoke(func() {
		if err != nil {
			Complete(op, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
			if wasConnected {
				s.sendUp(DisconnectedEvent{Err: fmt.Errorf("%w: reauthorize: %v", ErrConnectionDropped, err)})
			}
			return
		}
		s.resetOpContext()
		Complete(op, nil)
		if !wasConnected {
			s.sendUp(ConnectedEvent{})
		}
	})
}

func (s *TransportStage) disconnect(op Operation, shutdown bool) {
	wasConnected := s.conn.Connected()
	err := s.conn.Disconnect(context.Background())
	s.env.invoke(func() {
		Complete(op, err)
		if wasConnected {
			// Deliberate, so no error on the event.
			s.sendUp(DisconnectedEvent{})
		}
		if shutdown {
			s.log().Debug("transport shut down")
		}
	})
}

// resetOpContext runs on the pipeline goroutine after a successful
// connect, giving the new connection a fresh cancellation scope.
func (s *TransportStage) resetOpContext() {
	s.opCancel()
	s.opCtx, s.opCancel = context.WithCancel(context.Background())
}

// complete maps transport errors into pipeline error classes and finishes
// the op on the pipeline goroutine.
func (s *TransportStage) complete(op Operation, err error) {
	s.env.invoke(func() {
		Complete(op, mapTransportErr(err))
	})
}

func mapTransportErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mqtt.ErrNotConnected):
		return fmt.Errorf("%w: %v", ErrConnectionDropped, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrOperationTimeout, err)
	default:
		return err
	}
}
