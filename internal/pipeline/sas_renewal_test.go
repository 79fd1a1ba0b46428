package pipeline

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirruslink.io/sdk-go/pkg/auth"
)

func newTestGenerator(ttl time.Duration) *auth.TokenGenerator {
	key := base64.StdEncoding.EncodeToString([]byte("secret"))
	signer := auth.NewSymmetricKeySigner(key)
	return auth.NewTokenGenerator(signer, "hub.example.com/devices/dev01", "", ttl)
}

func TestSASRenewalReauthorizesWhenConnected(t *testing.T) {
	// A TTL barely above the margin makes renewal fire almost
	// immediately (renewal runs at TTL minus margin, floored at 1s).
	s := newSASRenewalStage(newTestGenerator(auth.DefaultRenewalMargin + time.Second))
	h := newHarness(t, s)

	h.do(func() {
		h.bottom.sendUp(ConnectedEvent{})
	})

	h.eventually(func() bool {
		for _, op := range h.bottom.ops {
			if _, ok := op.(*ReauthorizeOp); ok {
				return true
			}
		}
		return false
	}, "no reauthorize after renewal fired")
}

func TestSASRenewalSkipsReauthorizeWhenDisconnected(t *testing.T) {
	s := newSASRenewalStage(newTestGenerator(auth.DefaultRenewalMargin + time.Second))
	h := newHarness(t, s)

	// Give the renewal timer time to fire at least once.
	time.Sleep(1200 * time.Millisecond)
	h.do(func() {
		assert.Empty(t, h.bottom.ops, "no reauthorize while disconnected")
		require.NotNil(t, s.timer, "renewal must reschedule itself")
	})
}

func TestSASRenewalDisabledForX509(t *testing.T) {
	s := newSASRenewalStage(nil)
	h := newHarness(t, s)

	h.do(func() {
		assert.Nil(t, s.timer)
		// Ops still pass through untouched.
		op := &ConnectOp{}
		s.HandleOp(op)
		assert.Same(t, op, h.bottom.last())
	})
}

func TestSASRenewalStopsOnShutdown(t *testing.T) {
	s := newSASRenewalStage(newTestGenerator(auth.DefaultTokenTTL))
	h := newHarness(t, s)

	h.do(func() {
		require.NotNil(t, s.timer)
		s.HandleOp(&ShutdownOp{})
		assert.Nil(t, s.timer)
	})
}
