package topic

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// System property keys embedded in message topics. The "$." prefix
// distinguishes them from user-defined properties.
const (
	PropMessageID       = "$.mid"
	PropCorrelationID   = "$.cid"
	PropUserID          = "$.uid"
	PropTo              = "$.to"
	PropExpiry          = "$.exp"
	PropEnqueuedTime    = "$.ctime"
	PropContentType     = "$.ct"
	PropContentEncoding = "$.ce"
)

// IsCloudToDevice reports whether topic carries a cloud-to-device message
// for the given device.
func IsCloudToDevice(topic, deviceID string) bool {
	return strings.Contains(topic, "devices/"+deviceID+"/messages/devicebound")
}

// IsInputMessage reports whether topic carries a module input message.
func IsInputMessage(topic, deviceID, moduleID string) bool {
	return strings.Contains(topic, "devices/"+deviceID+"/modules/"+moduleID+"/inputs/")
}

// IsMethodRequest reports whether topic carries a direct method request.
func IsMethodRequest(topic string) bool {
	return strings.HasPrefix(topic, HubRoot+"/methods/POST/")
}

// IsTwinResponse reports whether topic carries a twin request response.
func IsTwinResponse(topic string) bool {
	return strings.HasPrefix(topic, HubRoot+"/twin/res/")
}

// IsTwinPatch reports whether topic carries a desired property patch.
func IsTwinPatch(topic string) bool {
	return strings.HasPrefix(topic, HubRoot+"/twin/PATCH/properties/desired/")
}

// IsRegistrationResponse reports whether topic carries a provisioning
// response.
func IsRegistrationResponse(topic string) bool {
	return strings.HasPrefix(topic, ProvisioningRoot+"/registrations/res/")
}

// ParseMethodRequest extracts the method name and request id from a direct
// method topic of the form $cirrus/methods/POST/{method}/?$rid={rid}.
func ParseMethodRequest(topic string) (method, requestID string, err error) {
	const prefix = HubRoot + "/methods/POST/"

	s, err := url.QueryUnescape(topic)
	if err != nil {
		return "", "", err
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", err
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasPrefix(path, prefix) {
		return "", "", errors.New("malformed method request topic")
	}

	q := u.Query()
	if len(q["$rid"]) != 1 {
		return "", "", errors.New("method request topic has no $rid")
	}
	return path[len(prefix):], q["$rid"][0], nil
}

// TwinResponse holds the fields parsed from a twin response topic of the
// form $cirrus/twin/res/{status}/?$rid={rid}[&$version={v}][&$retryAfter={s}].
type TwinResponse struct {
	Status     int
	RequestID  string
	Version    int
	RetryAfter int
}

// ParseTwinResponse parses a twin response topic.
func ParseTwinResponse(topic string) (*TwinResponse, error) {
	const prefix = HubRoot + "/twin/res/"

	u, err := url.Parse(topic)
	if err != nil {
		return nil, err
	}
	path := strings.Trim(u.Path, "/")
	if !strings.HasPrefix(path, prefix) {
		return nil, errors.New("malformed twin response topic")
	}
	status, err := strconv.Atoi(strings.TrimSuffix(path[len(prefix):], "/"))
	if err != nil {
		return nil, fmt.Errorf("twin response status: %w", err)
	}

	q := u.Query()
	if len(q["$rid"]) != 1 {
		return nil, errors.New("twin response topic has no $rid")
	}
	resp := &TwinResponse{Status: status, RequestID: q["$rid"][0]}

	// Version is present only on update responses.
	if len(q["$version"]) == 1 {
		resp.Version, err = strconv.Atoi(q["$version"][0])
		if err != nil {
			return nil, fmt.Errorf("twin response version: %w", err)
		}
	}
	if len(q["$retryAfter"]) == 1 {
		resp.RetryAfter, err = strconv.Atoi(q["$retryAfter"][0])
		if err != nil {
			return nil, fmt.Errorf("twin response retryAfter: %w", err)
		}
	}
	return resp, nil
}

// RegistrationResponse holds the fields parsed from a provisioning response
// topic of the form $provision/registrations/res/{status}/?$rid={rid}[&retry-after={s}].
type RegistrationResponse struct {
	Status     int
	RequestID  string
	RetryAfter int
}

// ParseRegistrationResponse parses a provisioning response topic.
func ParseRegistrationResponse(topic string) (*RegistrationResponse, error) {
	const prefix = ProvisioningRoot + "/registrations/res/"

	u, err := url.Parse(topic)
	if err != nil {
		return nil, err
	}
	path := strings.Trim(u.Path, "/")
	if !strings.HasPrefix(path, prefix) {
		return nil, errors.New("malformed registration response topic")
	}
	status, err := strconv.Atoi(strings.TrimSuffix(path[len(prefix):], "/"))
	if err != nil {
		return nil, fmt.Errorf("registration response status: %w", err)
	}

	q := u.Query()
	if len(q["$rid"]) != 1 {
		return nil, errors.New("registration response topic has no $rid")
	}
	resp := &RegistrationResponse{Status: status, RequestID: q["$rid"][0]}
	if len(q["retry-after"]) == 1 {
		resp.RetryAfter, err = strconv.Atoi(q["retry-after"][0])
		if err != nil {
			return nil, fmt.Errorf("registration response retry-after: %w", err)
		}
	}
	return resp, nil
}

// ParseProperties extracts the URL-encoded property bag from the tail of a
// message topic. The bag starts at the first "$." key.
func ParseProperties(topic string) (url.Values, error) {
	s, err := url.QueryUnescape(topic)
	if err != nil {
		return nil, err
	}

	i := strings.Index(s, "$.")
	if i == -1 {
		// A message may legitimately carry no properties.
		return url.Values{}, nil
	}

	// A bare semicolon inside a property value would have been encoded by
	// any conforming sender; re-encode stray ones so ParseQuery accepts it.
	bag := strings.ReplaceAll(s[i:], ";", "%3B")

	q, err := url.ParseQuery(bag)
	if err != nil {
		return nil, err
	}
	for k, v := range q {
		if len(v) != 1 {
			return nil, fmt.Errorf("property %q has %d values", k, len(v))
		}
	}
	return q, nil
}

// InputName extracts the input name from a module input message topic of
// the form devices/{d}/modules/{m}/inputs/{input}/{props}.
func InputName(topic string) (string, error) {
	const marker = "/inputs/"
	i := strings.Index(topic, marker)
	if i == -1 {
		return "", errors.New("malformed input message topic")
	}
	rest := topic[i+len(marker):]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", errors.New("input message topic has empty input name")
	}
	return rest, nil
}
