// Package iotdevice implements the device-side client: telemetry,
// cloud-to-device messages, direct methods, twin state, and file upload
// against a CirrusLink hub.
package iotdevice

import (
	"net/url"
	"strconv"
	"time"

	"cirruslink.io/sdk-go/pkg/mqtt/topic"
)

// Message is one hub message, in either direction. System properties map
// to reserved keys in the topic property bag; Properties carries the
// application-defined remainder.
type Message struct {
	// Payload is the message body.
	Payload []byte

	// MessageID is a user-settable identifier, typically used for
	// duplicate detection.
	MessageID string

	// CorrelationID ties a message to the one it responds to.
	CorrelationID string

	// UserID is an application-defined originator id.
	UserID string

	// To is the destination path set by the hub on cloud-to-device
	// messages.
	To string

	// Input is the module input the message arrived on; empty for
	// device-bound messages.
	Input string

	// ExpiryTime is when the hub may drop the message undelivered.
	ExpiryTime time.Time

	// EnqueuedTime is when the hub accepted the message.
	EnqueuedTime time.Time

	// ContentType describes the payload, e.g. "application/json".
	ContentType string

	// ContentEncoding is the payload text encoding, e.g. "utf-8".
	ContentEncoding string

	// Properties holds the custom application properties.
	Properties map[string]string
}

// properties flattens the message into the URL-encoded bag embedded in
// the publish topic.
func (m *Message) properties() url.Values {
	v := url.Values{}
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set(topic.PropMessageID, m.MessageID)
	set(topic.PropCorrelationID, m.CorrelationID)
	set(topic.PropUserID, m.UserID)
	set(topic.PropContentType, m.ContentType)
	set(topic.PropContentEncoding, m.ContentEncoding)
	if !m.ExpiryTime.IsZero() {
		v.Set(topic.PropExpiry, m.ExpiryTime.UTC().Format(time.RFC3339))
	}
	for k, val := range m.Properties {
		v.Set(k, val)
	}
	return v
}

// messageFromTopic reconstructs an incoming message from its topic and
// payload. Unparseable property bags surface as an error; the payload is
// still worth delivering, so callers decide.
func messageFromTopic(t string, payload []byte) (*Message, error) {
	props, err := topic.ParseProperties(t)
	if err != nil {
		return nil, err
	}

	m := &Message{Payload: payload}
	for k, vals := range props {
		val := vals[0]
		switch k {
		case topic.PropMessageID:
			m.MessageID = val
		case topic.PropCorrelationID:
			m.CorrelationID = val
		case topic.PropUserID:
			m.UserID = val
		case topic.PropTo:
			m.To = val
		case topic.PropContentType:
			m.ContentType = val
		case topic.PropContentEncoding:
			m.ContentEncoding = val
		case topic.PropExpiry:
			m.ExpiryTime = parseMessageTime(val)
		case topic.PropEnqueuedTime:
			m.EnqueuedTime = parseMessageTime(val)
		default:
			if m.Properties == nil {
				m.Properties = make(map[string]string)
			}
			m.Properties[k] = val
		}
	}
	return m, nil
}

// parseMessageTime accepts both RFC3339 and unix-seconds encodings, which
// the hub uses interchangeably across property types.
func parseMessageTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
