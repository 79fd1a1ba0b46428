package pipeline

// Event is one occurrence flowing up the pipeline, from the transport
// toward the application.
type Event interface {
	EventName() string
}

// ConnectedEvent signals that the transport connection is established.
type ConnectedEvent struct{}

func (ConnectedEvent) EventName() string { return "connected" }

// DisconnectedEvent signals that the transport connection is gone. Err
// carries the cause for unexpected drops and is nil for deliberate
// disconnects.
type DisconnectedEvent struct{ Err error }

func (DisconnectedEvent) EventName() string { return "disconnected" }

// IncomingMessageEvent is a raw MQTT publish received by the transport.
// The translation stage converts it into one of the typed events below.
type IncomingMessageEvent struct {
	Topic   string
	Payload []byte
}

func (IncomingMessageEvent) EventName() string { return "incoming_message" }

// ResponseEvent is the response half of a request/response exchange,
// carrying the correlation id it answers.
type ResponseEvent struct {
	RequestID  string
	Status     int
	Payload    []byte
	Version    int
	RetryAfter int
}

func (ResponseEvent) EventName() string { return "response" }

// MessageEvent is an incoming cloud-to-device or input message. Input is
// empty for plain cloud-to-device delivery. The topic is kept so the
// client can recover the encoded message properties.
type MessageEvent struct {
	Topic   string
	Payload []byte
	Input   string
}

func (MessageEvent) EventName() string { return "message" }

// MethodRequestEvent is an incoming direct method invocation.
type MethodRequestEvent struct {
	Method    string
	RequestID string
	Payload   []byte
}

func (MethodRequestEvent) EventName() string { return "method_request" }

// TwinPatchEvent is a desired-property update pushed by the hub.
type TwinPatchEvent struct {
	Payload []byte
	Version int
}

func (TwinPatchEvent) EventName() string { return "twin_patch" }
