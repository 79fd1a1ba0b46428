package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ConnConfig
		wantErr string
	}{
		{
			name: "valid tls",
			cfg:  ConnConfig{BrokerURL: "tls://hub.example.com:8883", ClientID: "dev01"},
		},
		{
			name: "valid tcp",
			cfg:  ConnConfig{BrokerURL: "tcp://localhost:1883", ClientID: "dev01"},
		},
		{
			name:    "missing broker url",
			cfg:     ConnConfig{ClientID: "dev01"},
			wantErr: "broker url is required",
		},
		{
			name:    "bad scheme",
			cfg:     ConnConfig{BrokerURL: "http://hub.example.com", ClientID: "dev01"},
			wantErr: "unsupported broker url scheme",
		},
		{
			name:    "missing client id",
			cfg:     ConnConfig{BrokerURL: "tls://hub.example.com:8883"},
			wantErr: "client id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaultConfig(t *testing.T) {
	cfg := &ConnConfig{}
	setDefaultConfig(cfg)
	assert.EqualValues(t, 60, cfg.KeepAlive)
	assert.NotZero(t, cfg.ConnectTimeout)

	cfg = &ConnConfig{KeepAlive: 30}
	setDefaultConfig(cfg)
	assert.EqualValues(t, 30, cfg.KeepAlive)
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"devices/d1/messages/devicebound/#", "devices/d1/messages/devicebound/%24.mid=1", true},
		{"devices/d1/messages/devicebound/#", "devices/d1/messages/devicebound/", true},
		{"devices/d1/messages/devicebound/#", "devices/d2/messages/devicebound/", false},
		{"$cirrus/methods/POST/#", "$cirrus/methods/POST/reboot/?$rid=1", true},
		{"$cirrus/twin/res/#", "$cirrus/twin/res/200/?$rid=1", true},
		{"$cirrus/twin/res/#", "$cirrus/methods/POST/x/?$rid=1", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+/c", "a/b/b/c", false},
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b", false},
		{"#", "anything/at/all", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatch(tt.filter, tt.topic),
			"filter=%s topic=%s", tt.filter, tt.topic)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	c, err := NewConn(&ConnConfig{BrokerURL: "tcp://localhost:1883", ClientID: "dev01"})
	assert.NoError(t, err)
	assert.False(t, c.Connected())
	assert.NoError(t, c.Disconnect(t.Context()))
	assert.ErrorIs(t, c.Publish(t.Context(), "t", 1, false, nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(t.Context(), "t", 1), ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(t.Context(), "t"), ErrNotConnected)
}
