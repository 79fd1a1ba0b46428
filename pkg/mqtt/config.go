package mqtt

import (
	"crypto/tls"
	"errors"
	"net/url"
	"time"
)

// CredentialsProvider supplies the MQTT username and password for a
// connection attempt. It is invoked on every CONNECT so that short-lived
// credentials (SAS tokens) are always fresh.
type CredentialsProvider func() (username string, password []byte, err error)

// ConnConfig holds the configuration for a single MQTT connection.
type ConnConfig struct {
	// BrokerURL is the broker address, e.g. "tls://hub.cirruslink.io:8883"
	// or "tcp://localhost:1883" for plaintext test brokers.
	BrokerURL string

	// ClientID identifies this client to the broker. For hub connections
	// this is the device id (or "{deviceID}/{moduleID}" for modules).
	ClientID string

	// Credentials supplies username/password at connect time. Optional for
	// x509-only or anonymous connections.
	Credentials CredentialsProvider

	// TLSConfig is used for "tls://" and "ssl://" broker URLs.
	TLSConfig *tls.Config

	// KeepAlive in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout bounds the dial plus CONNECT handshake. Default is 30s.
	ConnectTimeout time.Duration

	// CleanStart indicates whether to discard broker session state.
	// Hub clients keep it false so queued cloud-to-device messages survive
	// a reconnect.
	CleanStart bool

	// SessionExpiry is the MQTT 5 session expiry interval in seconds.
	SessionExpiry uint32
}

func setDefaultConfig(cfg *ConnConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
}

// Validate checks if the configuration is valid.
func (c *ConnConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tls", "ssl", "tcp", "mqtt", "mqtts":
	default:
		return errors.New("unsupported broker url scheme: " + u.Scheme)
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	return nil
}
