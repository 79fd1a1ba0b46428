package topic

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceTopicsTelemetry(t *testing.T) {
	dt := NewDeviceTopics("dev01", "")
	assert.Equal(t, "devices/dev01/messages/events/", dt.Telemetry(nil))

	props := url.Values{}
	props.Set(PropMessageID, "m1")
	props.Set("zone", "a b")
	got := dt.Telemetry(props)
	assert.Equal(t, "devices/dev01/messages/events/%24.mid=m1&zone=a%20b", got)
}

func TestDeviceTopicsModule(t *testing.T) {
	dt := NewDeviceTopics("dev01", "mod01")
	assert.Equal(t, "devices/dev01/modules/mod01/messages/events/", dt.Telemetry(nil))
	assert.Equal(t, "devices/dev01/modules/mod01/messages/events/out1/", dt.TelemetryOutput("out1", nil))
	assert.Equal(t, "devices/dev01/modules/mod01/inputs/#", dt.InputMessages())
}

func TestSubscribeFilters(t *testing.T) {
	dt := NewDeviceTopics("dev01", "")
	assert.Equal(t, "devices/dev01/messages/devicebound/#", dt.CloudToDevice())
	assert.Equal(t, "$cirrus/methods/POST/#", Methods())
	assert.Equal(t, "$cirrus/twin/res/#", TwinResponses())
	assert.Equal(t, "$cirrus/twin/PATCH/properties/desired/#", TwinPatches())
	assert.Equal(t, "$provision/registrations/res/#", RegistrationResponses())
}

func TestPublishTopics(t *testing.T) {
	assert.Equal(t, "$cirrus/methods/res/200/?$rid=r-1", MethodResponse("r-1", 200))
	assert.Equal(t, "$cirrus/twin/GET/?$rid=r-2", TwinRequest("GET", "/", "r-2"))
	assert.Equal(t,
		"$cirrus/twin/PATCH/properties/reported/?$rid=r-3",
		TwinRequest("PATCH", "/properties/reported/", "r-3"))
	assert.Equal(t, "$provision/registrations/PUT/register/?$rid=r-4", Register("r-4"))
	assert.Equal(t,
		"$provision/registrations/GET/operationstatus/?$rid=r-5&operationId=op-9",
		OperationStatus("r-5", "op-9"))
}

func TestTopicClassifiers(t *testing.T) {
	assert.True(t, IsCloudToDevice("devices/dev01/messages/devicebound/%24.to=x", "dev01"))
	assert.False(t, IsCloudToDevice("devices/dev02/messages/devicebound/", "dev01"))
	assert.True(t, IsMethodRequest("$cirrus/methods/POST/reboot/?$rid=1"))
	assert.True(t, IsTwinResponse("$cirrus/twin/res/200/?$rid=1"))
	assert.True(t, IsTwinPatch("$cirrus/twin/PATCH/properties/desired/?$version=4"))
	assert.True(t, IsInputMessage("devices/d/modules/m/inputs/in1/", "d", "m"))
	assert.True(t, IsRegistrationResponse("$provision/registrations/res/202/?$rid=1"))
}

func TestParseMethodRequest(t *testing.T) {
	method, rid, err := ParseMethodRequest("$cirrus/methods/POST/reboot/?$rid=42")
	require.NoError(t, err)
	assert.Equal(t, "reboot", method)
	assert.Equal(t, "42", rid)

	_, _, err = ParseMethodRequest("$cirrus/methods/POST/reboot/")
	assert.Error(t, err)

	_, _, err = ParseMethodRequest("$cirrus/twin/res/200/?$rid=42")
	assert.Error(t, err)
}

func TestParseTwinResponse(t *testing.T) {
	resp, err := ParseTwinResponse("$cirrus/twin/res/204/?$rid=abc&$version=7")
	require.NoError(t, err)
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "abc", resp.RequestID)
	assert.Equal(t, 7, resp.Version)
	assert.Zero(t, resp.RetryAfter)

	resp, err = ParseTwinResponse("$cirrus/twin/res/429/?$rid=abc&$retryAfter=5")
	require.NoError(t, err)
	assert.Equal(t, 429, resp.Status)
	assert.Equal(t, 5, resp.RetryAfter)

	_, err = ParseTwinResponse("$cirrus/twin/res/abc/?$rid=1")
	assert.Error(t, err)

	_, err = ParseTwinResponse("$cirrus/twin/res/200/")
	assert.Error(t, err)
}

func TestParseRegistrationResponse(t *testing.T) {
	resp, err := ParseRegistrationResponse("$provision/registrations/res/202/?$rid=r1&retry-after=3")
	require.NoError(t, err)
	assert.Equal(t, 202, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, 3, resp.RetryAfter)
}

func TestParseProperties(t *testing.T) {
	topic := "devices/dev01/messages/devicebound/%24.mid=m1&%24.to=%2Fdevices%2Fdev01&custom=x%20y"
	props, err := ParseProperties(topic)
	require.NoError(t, err)
	assert.Equal(t, "m1", props.Get(PropMessageID))
	assert.Equal(t, "/devices/dev01", props.Get(PropTo))
	assert.Equal(t, "x y", props.Get("custom"))

	// No property bag at all.
	props, err = ParseProperties("devices/dev01/messages/devicebound/")
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestInputName(t *testing.T) {
	name, err := InputName("devices/d/modules/m/inputs/telemetry/%24.mid=1")
	require.NoError(t, err)
	assert.Equal(t, "telemetry", name)

	_, err = InputName("devices/d/messages/events/")
	assert.Error(t, err)
}
