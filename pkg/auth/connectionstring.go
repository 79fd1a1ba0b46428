package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Connection string keys. These act as the contract between the CirrusLink
// portal (which issues connection strings) and every SDK; changing them
// breaks compatibility with issued credentials.
const (
	KeyHostName              = "HostName"
	KeySharedAccessKeyName   = "SharedAccessKeyName"
	KeySharedAccessKey       = "SharedAccessKey"
	KeySharedAccessSignature = "SharedAccessSignature"
	KeyDeviceID              = "DeviceId"
	KeyModuleID              = "ModuleId"
	KeyGatewayHostName       = "GatewayHostName"
	KeyX509                  = "x509"
)

var validKeys = map[string]struct{}{
	KeyHostName:              {},
	KeySharedAccessKeyName:   {},
	KeySharedAccessKey:       {},
	KeySharedAccessSignature: {},
	KeyDeviceID:              {},
	KeyModuleID:              {},
	KeyGatewayHostName:       {},
	KeyX509:                  {},
}

// ConnectionString holds the parsed key/value mappings of a CirrusLink
// connection string, e.g.
//
//	HostName=myhub.cirruslink.io;DeviceId=dev01;SharedAccessKey=<base64>
type ConnectionString struct {
	HostName              string
	SharedAccessKeyName   string
	SharedAccessKey       string
	SharedAccessSignature string
	DeviceID              string
	ModuleID              string
	GatewayHostName       string
	X509                  bool
}

// ParseConnectionString parses and validates a connection string.
func ParseConnectionString(s string) (*ConnectionString, error) {
	if s == "" {
		return nil, errors.New("connection string is empty")
	}

	pairs := strings.Split(s, ";")
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" || value == "" {
			return nil, fmt.Errorf("malformed connection string segment %q", pair)
		}
		if _, ok := validKeys[key]; !ok {
			return nil, fmt.Errorf("invalid connection string key %q", key)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate connection string key %q", key)
		}
		seen[key] = value
	}

	cs := &ConnectionString{
		HostName:              seen[KeyHostName],
		SharedAccessKeyName:   seen[KeySharedAccessKeyName],
		SharedAccessKey:       seen[KeySharedAccessKey],
		SharedAccessSignature: seen[KeySharedAccessSignature],
		DeviceID:              seen[KeyDeviceID],
		ModuleID:              seen[KeyModuleID],
		GatewayHostName:       seen[KeyGatewayHostName],
		X509:                  strings.EqualFold(seen[KeyX509], "true"),
	}

	if err := cs.validate(); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ConnectionString) validate() error {
	if cs.HostName == "" {
		return errors.New("connection string requires HostName")
	}

	// Exactly one auth mechanism must be present.
	authCount := 0
	if cs.SharedAccessKey != "" {
		authCount++
	}
	if cs.SharedAccessSignature != "" {
		authCount++
	}
	if cs.X509 {
		authCount++
	}
	switch {
	case authCount == 0:
		return errors.New("connection string requires one of SharedAccessKey, SharedAccessSignature or x509")
	case authCount > 1:
		return errors.New("connection string must contain only one authentication mechanism")
	}

	if cs.ModuleID != "" && cs.DeviceID == "" {
		return errors.New("connection string with ModuleId requires DeviceId")
	}
	if cs.SharedAccessKeyName == "" && cs.DeviceID == "" {
		return errors.New("connection string requires DeviceId or SharedAccessKeyName")
	}
	return nil
}

// IsService reports whether the connection string identifies a service
// identity (hub-scoped policy) rather than a device identity.
func (cs *ConnectionString) IsService() bool {
	return cs.SharedAccessKeyName != "" && cs.DeviceID == ""
}

// TargetURI returns the resource URI that SAS tokens for this identity are
// scoped to.
func (cs *ConnectionString) TargetURI() string {
	switch {
	case cs.IsService():
		return cs.HostName
	case cs.ModuleID != "":
		return cs.HostName + "/devices/" + cs.DeviceID + "/modules/" + cs.ModuleID
	default:
		return cs.HostName + "/devices/" + cs.DeviceID
	}
}

// String reassembles the connection string with the shared access key
// redacted, suitable for logging.
func (cs *ConnectionString) String() string {
	parts := []string{KeyHostName + "=" + cs.HostName}
	if cs.DeviceID != "" {
		parts = append(parts, KeyDeviceID+"="+cs.DeviceID)
	}
	if cs.ModuleID != "" {
		parts = append(parts, KeyModuleID+"="+cs.ModuleID)
	}
	if cs.SharedAccessKeyName != "" {
		parts = append(parts, KeySharedAccessKeyName+"="+cs.SharedAccessKeyName)
	}
	if cs.SharedAccessKey != "" {
		parts = append(parts, KeySharedAccessKey+"=****")
	}
	if cs.GatewayHostName != "" {
		parts = append(parts, KeyGatewayHostName+"="+cs.GatewayHostName)
	}
	if cs.X509 {
		parts = append(parts, KeyX509+"=true")
	}
	return strings.Join(parts, ";")
}
