package topic

// Standard MQTT wildcard definitions.
const (
	// Wildcard is the single-level wildcard "+".
	// It matches exactly one topic level.
	Wildcard = "+"

	// MultiWildcard is the multi-level wildcard "#".
	// It matches the current level and all subsequent levels and must be
	// the last character in a topic filter.
	MultiWildcard = "#"
)

// Reserved hub topic roots. These act as the protocol contract between the
// CirrusLink hub and every device SDK; changing them breaks compatibility
// with deployed hubs.
const (
	// HubRoot prefixes all hub-internal request/response topics (methods,
	// twin). Device-scoped message topics live under "devices/" instead.
	HubRoot = "$cirrus"

	// ProvisioningRoot prefixes all provisioning service topics.
	ProvisioningRoot = "$provision"
)
