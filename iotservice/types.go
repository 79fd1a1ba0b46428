package iotservice

import "encoding/json"

// Device is one registry identity record.
type Device struct {
	DeviceID                   string          `json:"deviceId"`
	GenerationID               string          `json:"generationId,omitempty"`
	ETag                       string          `json:"etag,omitempty"`
	ConnectionState            string          `json:"connectionState,omitempty"`
	Status                     string          `json:"status,omitempty"`
	StatusReason               string          `json:"statusReason,omitempty"`
	ConnectionStateUpdatedTime string          `json:"connectionStateUpdatedTime,omitempty"`
	StatusUpdatedTime          string          `json:"statusUpdatedTime,omitempty"`
	LastActivityTime           string          `json:"lastActivityTime,omitempty"`
	CloudToDeviceMessageCount  int             `json:"cloudToDeviceMessageCount,omitempty"`
	Authentication             *Authentication `json:"authentication,omitempty"`
	Capabilities               map[string]any  `json:"capabilities,omitempty"`
}

// Module is one module identity under a device.
type Module struct {
	ModuleID         string          `json:"moduleId"`
	DeviceID         string          `json:"deviceId"`
	GenerationID     string          `json:"generationId,omitempty"`
	ETag             string          `json:"etag,omitempty"`
	ConnectionState  string          `json:"connectionState,omitempty"`
	LastActivityTime string          `json:"lastActivityTime,omitempty"`
	ManagedBy        string          `json:"managedBy,omitempty"`
	Authentication   *Authentication `json:"authentication,omitempty"`
}

// Authentication selects how an identity proves itself.
type Authentication struct {
	Type         string        `json:"type,omitempty"`
	SymmetricKey *SymmetricKey `json:"symmetricKey,omitempty"`
	X509         *X509Auth     `json:"x509Thumbprint,omitempty"`
}

// SymmetricKey holds the registry's pair of shared keys.
type SymmetricKey struct {
	PrimaryKey   string `json:"primaryKey,omitempty"`
	SecondaryKey string `json:"secondaryKey,omitempty"`
}

// X509Auth holds certificate thumbprints for x509 identities.
type X509Auth struct {
	PrimaryThumbprint   string `json:"primaryThumbprint,omitempty"`
	SecondaryThumbprint string `json:"secondaryThumbprint,omitempty"`
}

// Twin is the service-side view of a device twin.
type Twin struct {
	DeviceID        string          `json:"deviceId"`
	ModuleID        string          `json:"moduleId,omitempty"`
	ETag            string          `json:"etag,omitempty"`
	Version         int             `json:"version,omitempty"`
	Tags            map[string]any  `json:"tags,omitempty"`
	Properties      *TwinProperties `json:"properties,omitempty"`
	ConnectionState string          `json:"connectionState,omitempty"`
	Status          string          `json:"status,omitempty"`
	LastActivity    string          `json:"lastActivityTime,omitempty"`
}

// TwinProperties is the desired/reported property pair.
type TwinProperties struct {
	Desired  map[string]any `json:"desired,omitempty"`
	Reported map[string]any `json:"reported,omitempty"`
}

// MethodCall is one direct method invocation request.
type MethodCall struct {
	MethodName      string `json:"methodName"`
	Payload         any    `json:"payload,omitempty"`
	TimeoutSeconds  int    `json:"responseTimeoutInSeconds,omitempty"`
	ConnectTimeout  int    `json:"connectTimeoutInSeconds,omitempty"`
}

// MethodResult is the device's answer to a direct method.
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Stats is the registry statistics summary.
type Stats struct {
	TotalDeviceCount    int `json:"totalDeviceCount"`
	EnabledDeviceCount  int `json:"enabledDeviceCount"`
	DisabledDeviceCount int `json:"disabledDeviceCount"`
}

// QueryResult is one page of a registry query.
type QueryResult struct {
	Items             []json.RawMessage
	ContinuationToken string
}

// Feedback is one delivery feedback record for a cloud-to-device message.
type Feedback struct {
	OriginalMessageID  string `json:"originalMessageId"`
	DeviceID           string `json:"deviceId"`
	StatusCode         string `json:"statusCode"`
	Description        string `json:"description"`
	DeviceGenerationID string `json:"deviceGenerationId"`
	EnqueuedTimeUTC    string `json:"enqueuedTimeUtc"`
}
