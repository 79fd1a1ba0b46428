package pipeline

import (
	"fmt"
	"net/url"
	"strconv"

	"cirruslink.io/sdk-go/internal/metrics"
	"cirruslink.io/sdk-go/pkg/mqtt/topic"
)

// translationStage converts between hub-level semantics and raw MQTT.
// Downward it turns telemetry, method responses, feature toggles, and
// requests into publish/subscribe ops with the hub topic grammar; upward
// it classifies incoming publishes into typed feature events.
type translationStage struct {
	stageBase

	topics *topic.DeviceTopics
}

func newTranslationStage(topics *topic.DeviceTopics) *translationStage {
	return &translationStage{topics: topics}
}

func (s *translationStage) Name() string { return "translation" }

func (s *translationStage) HandleOp(op Operation) {
	switch op := op.(type) {
	case *SendTelemetryOp:
		var t string
		if op.Output != "" {
			t = s.topics.TelemetryOutput(op.Output, op.Properties)
		} else {
			t = s.topics.Telemetry(op.Properties)
		}
		s.delegate(op, NewPublishOp(t, op.Payload), func() {
			metrics.TelemetrySentTotal.Inc()
		})

	case *SendMethodResponseOp:
		t := topic.MethodResponse(op.RequestID, op.Status)
		s.delegate(op, NewPublishOp(t, op.Payload), nil)

	case *EnableFeatureOp:
		t, err := s.featureTopic(op.Feature)
		if err != nil {
			Complete(op, err)
			return
		}
		s.delegate(op, NewSubscribeOp(t), nil)

	case *DisableFeatureOp:
		t, err := s.featureTopic(op.Feature)
		if err != nil {
			Complete(op, err)
			return
		}
		s.delegate(op, NewUnsubscribeOp(t), nil)

	case *RequestOp:
		t, err := s.requestTopic(op)
		if err != nil {
			Complete(op, err)
			return
		}
		s.delegate(op, NewPublishOp(t, op.Payload), nil)

	default:
		s.sendDown(op)
	}
}

// delegate sends inner down and ties outer's completion to it.
func (s *translationStage) delegate(outer, inner Operation, onSuccess func()) {
	AddCallback(inner, func(_ Operation, err error) {
		if err == nil && onSuccess != nil {
			onSuccess()
		}
		Complete(outer, err)
	})
	s.sendDown(inner)
}

func (s *translationStage) featureTopic(f Feature) (string, error) {
	switch f {
	case FeatureC2D:
		if s.topics == nil {
			return "", fmt.Errorf("feature %s requires a device identity", f)
		}
		return s.topics.CloudToDevice(), nil
	case FeatureInput:
		if s.topics == nil {
			return "", fmt.Errorf("feature %s requires a device identity", f)
		}
		return s.topics.InputMessages(), nil
	case FeatureMethods:
		return topic.Methods(), nil
	case FeatureTwinResponses:
		return topic.TwinResponses(), nil
	case FeatureTwinPatches:
		return topic.TwinPatches(), nil
	case FeatureRegistrationResponses:
		return topic.RegistrationResponses(), nil
	default:
		return "", fmt.Errorf("unknown feature %d", int(f))
	}
}

func (s *translationStage) requestTopic(op *RequestOp) (string, error) {
	switch op.RequestType {
	case RequestTypeTwin:
		return topic.TwinRequest(op.Method, op.Resource, op.RequestID), nil
	case RequestTypeProvision:
		if op.OperationID != "" {
			return topic.OperationStatus(op.RequestID, op.OperationID), nil
		}
		return topic.Register(op.RequestID), nil
	default:
		return "", fmt.Errorf("unknown request type %q", op.RequestType)
	}
}

func (s *translationStage) HandleEvent(ev Event) {
	in, ok := ev.(IncomingMessageEvent)
	if !ok {
		s.sendUp(ev)
		return
	}

	switch {
	case topic.IsTwinResponse(in.Topic):
		resp, err := topic.ParseTwinResponse(in.Topic)
		if err != nil {
			s.env.reportBackground(fmt.Errorf("parsing twin response topic %q: %w", in.Topic, err))
			return
		}
		s.sendUp(ResponseEvent{
			RequestID:  resp.RequestID,
			Status:     resp.Status,
			Payload:    in.Payload,
			Version:    resp.Version,
			RetryAfter: resp.RetryAfter,
		})

	case topic.IsRegistrationResponse(in.Topic):
		resp, err := topic.ParseRegistrationResponse(in.Topic)
		if err != nil {
			s.env.reportBackground(fmt.Errorf("parsing registration response topic %q: %w", in.Topic, err))
			return
		}
		s.sendUp(ResponseEvent{
			RequestID:  resp.RequestID,
			Status:     resp.Status,
			Payload:    in.Payload,
			RetryAfter: resp.RetryAfter,
		})

	case topic.IsTwinPatch(in.Topic):
		s.sendUp(TwinPatchEvent{Payload: in.Payload, Version: patchVersion(in.Topic)})

	case topic.IsMethodRequest(in.Topic):
		method, rid, err := topic.ParseMethodRequest(in.Topic)
		if err != nil {
			s.env.reportBackground(fmt.Errorf("parsing method request topic %q: %w", in.Topic, err))
			return
		}
		s.sendUp(MethodRequestEvent{Method: method, RequestID: rid, Payload: in.Payload})

	case s.isC2D(in.Topic):
		s.sendUp(MessageEvent{Topic: in.Topic, Payload: in.Payload})

	case s.isInput(in.Topic):
		name, err := topic.InputName(in.Topic)
		if err != nil {
			s.env.reportBackground(fmt.Errorf("parsing input message topic %q: %w", in.Topic, err))
			return
		}
		s.sendUp(MessageEvent{Topic: in.Topic, Payload: in.Payload, Input: name})

	default:
		s.env.reportBackground(fmt.Errorf("message on unexpected topic %q", in.Topic))
	}
}

// patchVersion extracts the $version value from a desired-property patch
// topic. Zero when absent or malformed; the patch itself is still useful.
func patchVersion(t string) int {
	u, err := url.Parse(t)
	if err != nil {
		return 0
	}
	v, _ := strconv.Atoi(u.Query().Get("$version"))
	return v
}

func (s *translationStage) isC2D(t string) bool {
	return s.topics != nil && topic.IsCloudToDevice(t, s.topics.DeviceID())
}

func (s *translationStage) isInput(t string) bool {
	return s.topics != nil && s.topics.ModuleID() != "" &&
		topic.IsInputMessage(t, s.topics.DeviceID(), s.topics.ModuleID())
}
