package pipeline

// autoConnectStage transparently connects before ops that need the wire.
// When the pipeline is disconnected and a needs-connection op arrives, a
// connect op is sent down first; the original op follows once the
// connection is up. An op that fails while the connection turned out to
// be down is resubmitted once, which routes it back through the connect
// path.
type autoConnectStage struct {
	stageBase

	connected bool
}

func newAutoConnectStage() *autoConnectStage {
	return &autoConnectStage{}
}

func (s *autoConnectStage) Name() string { return "auto_connect" }

func (s *autoConnectStage) HandleOp(op Operation) {
	if !NeedsConnection(op) {
		s.sendDown(op)
		return
	}

	if !s.connected {
		s.doConnect(op)
		return
	}

	AddCallback(op, func(_ Operation, err error) {
		if err == nil || s.connected || op.core().connectRetried {
			return
		}
		// The op failed and we are disconnected: the connection dropped
		// out from under it. Run it once more through the connect path.
		op.core().connectRetried = true
		s.log().Debug("op failed while disconnected, retrying once", "op", op.Name(), "err", err)
		Halt(op)
		s.HandleOp(op)
	})
	s.sendDown(op)
}

func (s *autoConnectStage) doConnect(op Operation) {
	connect := &ConnectOp{}
	AddCallback(connect, func(_ Operation, err error) {
		if err != nil {
			Complete(op, err)
			return
		}
		s.HandleOp(op)
	})
	s.sendDown(connect)
}

func (s *autoConnectStage) HandleEvent(ev Event) {
	switch ev.(type) {
	case ConnectedEvent:
		s.connected = true
	case DisconnectedEvent:
		s.connected = false
	}
	s.sendUp(ev)
}
