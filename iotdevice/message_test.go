package iotdevice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageProperties(t *testing.T) {
	expiry := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	msg := &Message{
		Payload:       []byte("hi"),
		MessageID:     "m1",
		CorrelationID: "c1",
		ContentType:   "application/json",
		ExpiryTime:    expiry,
		Properties:    map[string]string{"zone": "a b"},
	}

	v := msg.properties()
	assert.Equal(t, "m1", v.Get("$.mid"))
	assert.Equal(t, "c1", v.Get("$.cid"))
	assert.Equal(t, "application/json", v.Get("$.ct"))
	assert.Equal(t, "2026-08-28T10:00:00Z", v.Get("$.exp"))
	assert.Equal(t, "a b", v.Get("zone"))

	// Empty system properties are left out of the bag entirely.
	assert.False(t, v.Has("$.uid"))
	assert.False(t, v.Has("$.ce"))
}

func TestMessageFromTopic(t *testing.T) {
	topic := "$cirrus/devices/dev01/messages/c2d/" +
		"%24.mid=m1&%24.cid=c1&%24.to=%2Fdevices%2Fdev01&%24.ct=text%2Fplain&%24.exp=2026-08-28T10%3A00%3A00Z&zone=a+b"

	msg, err := messageFromTopic(topic, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, []byte("payload"), msg.Payload)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "c1", msg.CorrelationID)
	assert.Equal(t, "/devices/dev01", msg.To)
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC), msg.ExpiryTime.UTC())
	assert.Equal(t, map[string]string{"zone": "a b"}, msg.Properties)
}

func TestMessageFromTopicNoProperties(t *testing.T) {
	msg, err := messageFromTopic("$cirrus/devices/dev01/messages/c2d/", []byte("p"))
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), msg.Payload)
	assert.Empty(t, msg.MessageID)
	assert.Nil(t, msg.Properties)
}

func TestParseMessageTime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", "2026-08-28T10:00:00Z", time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)},
		{"unix seconds", "1788000000", time.Unix(1788000000, 0).UTC()},
		{"garbage", "not-a-time", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMessageTime(tt.in))
		})
	}
}
