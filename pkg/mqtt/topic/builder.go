package topic

import (
	"fmt"
	"net/url"
	"strings"
)

// DeviceTopics constructs the hub topic strings for one device (or module)
// identity. It ensures consistency between the publish and subscribe sides
// of every feature.
type DeviceTopics struct {
	deviceID string
	moduleID string
}

// NewDeviceTopics creates a topic builder for the given identity. moduleID
// is empty for plain device identities.
func NewDeviceTopics(deviceID, moduleID string) *DeviceTopics {
	return &DeviceTopics{deviceID: deviceID, moduleID: moduleID}
}

// DeviceID returns the device identity this builder is bound to.
func (t *DeviceTopics) DeviceID() string { return t.deviceID }

// ModuleID returns the module identity, or "" for plain devices.
func (t *DeviceTopics) ModuleID() string { return t.moduleID }

func (t *DeviceTopics) base() string {
	if t.moduleID != "" {
		return "devices/" + t.deviceID + "/modules/" + t.moduleID
	}
	return "devices/" + t.deviceID
}

// Telemetry returns the publish topic for device-to-cloud messages.
// Message properties are appended URL-encoded; pass nil for none.
// Structure: devices/{device}[/modules/{module}]/messages/events/{props}
func (t *DeviceTopics) Telemetry(props url.Values) string {
	return t.base() + "/messages/events/" + encodeProperties(props)
}

// TelemetryOutput returns the publish topic for module output routing.
// Structure: devices/{device}/modules/{module}/messages/events/{output}/{props}
func (t *DeviceTopics) TelemetryOutput(output string, props url.Values) string {
	return t.base() + "/messages/events/" + output + "/" + encodeProperties(props)
}

// CloudToDevice returns the subscribe filter for cloud-to-device messages.
// Structure: devices/{device}/messages/devicebound/#
func (t *DeviceTopics) CloudToDevice() string {
	return "devices/" + t.deviceID + "/messages/devicebound/" + MultiWildcard
}

// InputMessages returns the subscribe filter for module input messages.
// Structure: devices/{device}/modules/{module}/inputs/#
func (t *DeviceTopics) InputMessages() string {
	return t.base() + "/inputs/" + MultiWildcard
}

// Methods returns the subscribe filter for all incoming direct method
// requests. The filter is identity-independent; the broker scopes delivery
// by connection.
// Structure: $cirrus/methods/POST/#
func Methods() string {
	return HubRoot + "/methods/POST/" + MultiWildcard
}

// MethodResponse returns the publish topic for a direct method response.
// Structure: $cirrus/methods/res/{status}/?$rid={requestID}
func MethodResponse(requestID string, status int) string {
	return fmt.Sprintf("%s/methods/res/%d/?$rid=%s", HubRoot, status, url.QueryEscape(requestID))
}

// TwinResponses returns the subscribe filter for all twin request responses.
// Structure: $cirrus/twin/res/#
func TwinResponses() string {
	return HubRoot + "/twin/res/" + MultiWildcard
}

// TwinPatches returns the subscribe filter for desired property patches.
// Structure: $cirrus/twin/PATCH/properties/desired/#
func TwinPatches() string {
	return HubRoot + "/twin/PATCH/properties/desired/" + MultiWildcard
}

// TwinRequest returns the publish topic for a twin request.
// method is "GET" or "PATCH" and resource is "/" or
// "/properties/reported/".
// Structure: $cirrus/twin/{method}{resource}?$rid={requestID}
func TwinRequest(method, resource, requestID string) string {
	return fmt.Sprintf("%s/twin/%s%s?$rid=%s", HubRoot, method, resource, url.QueryEscape(requestID))
}

// Register returns the provisioning registration publish topic.
// Structure: $provision/registrations/PUT/register/?$rid={requestID}
func Register(requestID string) string {
	return fmt.Sprintf("%s/registrations/PUT/register/?$rid=%s", ProvisioningRoot, url.QueryEscape(requestID))
}

// OperationStatus returns the provisioning polling publish topic.
// Structure: $provision/registrations/GET/operationstatus/?$rid={requestID}&operationId={operationID}
func OperationStatus(requestID, operationID string) string {
	return fmt.Sprintf("%s/registrations/GET/operationstatus/?$rid=%s&operationId=%s",
		ProvisioningRoot, url.QueryEscape(requestID), url.QueryEscape(operationID))
}

// RegistrationResponses returns the provisioning response subscribe filter.
// Structure: $provision/registrations/res/#
func RegistrationResponses() string {
	return ProvisioningRoot + "/registrations/res/" + MultiWildcard
}

// encodeProperties encodes message properties for embedding in a topic.
// Spaces must be %20, not "+", to round-trip through the hub.
func encodeProperties(props url.Values) string {
	if len(props) == 0 {
		return ""
	}
	return strings.ReplaceAll(props.Encode(), "+", "%20")
}
