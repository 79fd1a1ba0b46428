package pipeline

import (
	"time"

	"cirruslink.io/sdk-go/pkg/auth"
)

// sasRenewalStage refreshes the SAS token before it expires. The renewal
// fires at TTL minus a safety margin; if the pipeline is connected at that
// point, a reauthorize op is sent down so the new token takes effect on
// the wire, not just in memory.
type sasRenewalStage struct {
	stageBase

	gen       *auth.TokenGenerator
	timer     *time.Timer
	connected bool
}

func newSASRenewalStage(gen *auth.TokenGenerator) *sasRenewalStage {
	return &sasRenewalStage{gen: gen}
}

func (s *sasRenewalStage) Name() string { return "sas_renewal" }

func (s *sasRenewalStage) start() {
	if s.gen == nil {
		// x509 auth: nothing to renew.
		return
	}
	s.schedule()
}

func (s *sasRenewalStage) schedule() {
	delay := s.gen.TTL() - auth.DefaultRenewalMargin
	if delay < time.Second {
		delay = time.Second
	}
	s.timer = time.AfterFunc(delay, func() {
		s.env.invoke(s.renew)
	})
}

// renew runs on the pipeline goroutine.
func (s *sasRenewalStage) renew() {
	if s.timer == nil {
		// Cancelled by shutdown while the fire was in flight.
		return
	}
	if _, err := s.gen.Generate(); err != nil {
		s.env.reportBackground(err)
		s.schedule()
		return
	}
	s.log().Debug("sas token renewed")

	if s.connected {
		op := &ReauthorizeOp{}
		AddCallback(op, func(_ Operation, err error) {
			if err != nil {
				s.env.reportBackground(err)
			}
		})
		s.sendDown(op)
	}
	s.schedule()
}

func (s *sasRenewalStage) HandleOp(op Operation) {
	if _, ok := op.(*ShutdownOp); ok {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	s.sendDown(op)
}

func (s *sasRenewalStage) HandleEvent(ev Event) {
	switch ev.(type) {
	case ConnectedEvent:
		s.connected = true
	case DisconnectedEvent:
		s.connected = false
	}
	s.sendUp(ev)
}
