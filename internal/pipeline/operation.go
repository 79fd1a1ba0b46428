package pipeline

import (
	"net/url"

	"cirruslink.io/sdk-go/pkg/log"
)

// Callback observes an operation's completion. Callbacks run on the
// pipeline goroutine in reverse order of registration, so the stage that
// touched the op last sees the result first.
type Callback func(op Operation, err error)

// opCore is the state shared by every operation. Ops embed it by value
// and expose it through the Operation interface.
type opCore struct {
	callbacks       []Callback
	completed       bool
	needsConnection bool

	// connectRetried guards the auto-connect stage's single resubmission
	// of an op that failed while the connection was down.
	connectRetried bool
}

func (c *opCore) core() *opCore { return c }

// Operation is one unit of work flowing down the pipeline.
type Operation interface {
	core() *opCore
	Name() string
}

// AddCallback pushes cb on the op's completion stack.
func AddCallback(op Operation, cb Callback) {
	c := op.core()
	c.callbacks = append(c.callbacks, cb)
}

// NeedsConnection reports whether the op requires a live transport
// connection before it can run.
func NeedsConnection(op Operation) bool { return op.core().needsConnection }

// Complete finishes an op, running its callback stack LIFO. A callback may
// call Halt to stop the unwind and return the op to the incomplete state,
// typically so the stage can resubmit it. Completing an op twice is a
// pipeline bug; the second attempt is logged and dropped.
func Complete(op Operation, err error) {
	c := op.core()
	if c.completed {
		log.Error(nil, "operation completed twice, dropping", "op", op.Name(), "err", err)
		return
	}
	c.completed = true
	for len(c.callbacks) > 0 {
		i := len(c.callbacks) - 1
		cb := c.callbacks[i]
		c.callbacks = c.callbacks[:i]
		cb(op, err)
		if !c.completed {
			// A callback halted completion. The remaining (earlier)
			// callbacks stay on the stack for the next attempt.
			return
		}
	}
}

// Halt returns an op to the incomplete state from within a completion
// callback, stopping the callback unwind. The halting stage takes back
// ownership of the op.
func Halt(op Operation) { op.core().completed = false }

// Completed reports whether the op has finished.
func Completed(op Operation) bool { return op.core().completed }

// Feature identifies one receive capability that can be enabled on the
// connection by subscribing to its topic space.
type Feature int

const (
	FeatureC2D Feature = iota
	FeatureInput
	FeatureMethods
	FeatureTwinResponses
	FeatureTwinPatches
	FeatureRegistrationResponses
)

func (f Feature) String() string {
	switch f {
	case FeatureC2D:
		return "c2d"
	case FeatureInput:
		return "input"
	case FeatureMethods:
		return "methods"
	case FeatureTwinResponses:
		return "twin_responses"
	case FeatureTwinPatches:
		return "twin_patches"
	case FeatureRegistrationResponses:
		return "registration_responses"
	default:
		return "unknown"
	}
}

// ConnectOp establishes the transport connection.
type ConnectOp struct{ opCore }

func (*ConnectOp) Name() string { return "connect" }

// DisconnectOp tears the transport connection down deliberately.
type DisconnectOp struct{ opCore }

func (*DisconnectOp) Name() string { return "disconnect" }

// ReauthorizeOp drops and re-establishes the connection so fresh
// credentials take effect.
type ReauthorizeOp struct{ opCore }

func (*ReauthorizeOp) Name() string { return "reauthorize" }

// ShutdownOp stops the pipeline permanently. Stages cancel their timers as
// it passes; the transport closes the connection.
type ShutdownOp struct{ opCore }

func (*ShutdownOp) Name() string { return "shutdown" }

// EnableFeatureOp subscribes to the topic space of one feature.
type EnableFeatureOp struct {
	opCore
	Feature Feature
}

func NewEnableFeatureOp(f Feature) *EnableFeatureOp {
	op := &EnableFeatureOp{Feature: f}
	op.needsConnection = true
	return op
}

func (*EnableFeatureOp) Name() string { return "enable_feature" }

// DisableFeatureOp unsubscribes from a feature's topic space.
type DisableFeatureOp struct {
	opCore
	Feature Feature
}

func NewDisableFeatureOp(f Feature) *DisableFeatureOp {
	op := &DisableFeatureOp{Feature: f}
	op.needsConnection = true
	return op
}

func (*DisableFeatureOp) Name() string { return "disable_feature" }

// SendTelemetryOp publishes one device-to-cloud message. Properties holds
// the already-flattened system and custom message properties.
type SendTelemetryOp struct {
	opCore
	Output     string
	Payload    []byte
	Properties url.Values
}

func NewSendTelemetryOp(output string, payload []byte, props url.Values) *SendTelemetryOp {
	op := &SendTelemetryOp{Output: output, Payload: payload, Properties: props}
	op.needsConnection = true
	return op
}

func (*SendTelemetryOp) Name() string { return "send_telemetry" }

// SendMethodResponseOp publishes the response to a direct method request.
type SendMethodResponseOp struct {
	opCore
	RequestID string
	Status    int
	Payload   []byte
}

func NewSendMethodResponseOp(requestID string, status int, payload []byte) *SendMethodResponseOp {
	op := &SendMethodResponseOp{RequestID: requestID, Status: status, Payload: payload}
	op.needsConnection = true
	return op
}

func (*SendMethodResponseOp) Name() string { return "send_method_response" }

// Request types understood by the translation stage.
const (
	RequestTypeTwin      = "twin"
	RequestTypeProvision = "provision"
)

// RequestAndResponseOp is one full request/response exchange. The
// coordinate stage assigns it a correlation id, sends a RequestOp down,
// and completes this op when the matching response arrives, filling in
// the response fields.
type RequestAndResponseOp struct {
	opCore
	RequestType string
	Method      string
	Resource    string
	OperationID string
	Payload     []byte

	// Response fields, valid after successful completion.
	Status          int
	ResponsePayload []byte
	Version         int
	RetryAfter      int
}

func NewRequestAndResponseOp(requestType, method, resource string, payload []byte) *RequestAndResponseOp {
	return &RequestAndResponseOp{
		RequestType: requestType,
		Method:      method,
		Resource:    resource,
		Payload:     payload,
	}
}

func (*RequestAndResponseOp) Name() string { return "request_and_response" }

// RequestOp is the send half of an exchange, carrying its correlation id.
// It completes when the request is published, not when the response
// arrives.
type RequestOp struct {
	opCore
	RequestType string
	Method      string
	Resource    string
	OperationID string
	RequestID   string
	Payload     []byte
}

func (*RequestOp) Name() string { return "request" }

// PublishOp is an MQTT PUBLISH at the transport level.
type PublishOp struct {
	opCore
	Topic   string
	Payload []byte
}

func NewPublishOp(topic string, payload []byte) *PublishOp {
	op := &PublishOp{Topic: topic, Payload: payload}
	op.needsConnection = true
	return op
}

func (*PublishOp) Name() string { return "mqtt_publish" }

// SubscribeOp is an MQTT SUBSCRIBE at the transport level.
type SubscribeOp struct {
	opCore
	Topic string
}

func NewSubscribeOp(topic string) *SubscribeOp {
	op := &SubscribeOp{Topic: topic}
	op.needsConnection = true
	return op
}

func (*SubscribeOp) Name() string { return "mqtt_subscribe" }

// UnsubscribeOp is an MQTT UNSUBSCRIBE at the transport level.
type UnsubscribeOp struct {
	opCore
	Topic string
}

func NewUnsubscribeOp(topic string) *UnsubscribeOp {
	op := &UnsubscribeOp{Topic: topic}
	op.needsConnection = true
	return op
}

func (*UnsubscribeOp) Name() string { return "mqtt_unsubscribe" }
