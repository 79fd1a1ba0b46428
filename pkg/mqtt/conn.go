package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"cirruslink.io/sdk-go/pkg/log"
)

// ErrNotConnected is returned by network operations on a Conn that has no
// established connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// MessageHandler receives every PUBLISH delivered on the connection.
// Routing by topic is the caller's concern.
type MessageHandler func(topic string, payload []byte)

// ConnectionLostHandler is invoked once when an established connection
// drops for any reason other than a requested Disconnect.
type ConnectionLostHandler func(err error)

// Conn is a thin, single-connection MQTT wrapper around paho. It performs
// no reconnection of its own: policy (retry, backoff, resubscribe) lives in
// the client pipeline above it, which calls Connect again on a fresh attempt.
type Conn struct {
	cfg *ConnConfig

	onMessage MessageHandler
	onLost    ConnectionLostHandler

	mu        sync.Mutex
	client    *paho.Client
	netConn   net.Conn
	connected bool
}

// NewConn creates a connection wrapper from the given config.
func NewConn(cfg *ConnConfig) (*Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	return &Conn{cfg: cfg}, nil
}

// OnMessage sets the handler for incoming publishes. Must be called before
// Connect.
func (c *Conn) OnMessage(h MessageHandler) { c.onMessage = h }

// OnConnectionLost sets the handler invoked when an established connection
// drops unexpectedly. Must be called before Connect.
func (c *Conn) OnConnectionLost(h ConnectionLostHandler) { c.onLost = h }

// Connect dials the broker and performs the MQTT CONNECT handshake.
// It returns an error if a connection is already established.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("mqtt: already connected")
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	netConn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("mqtt dial: %w", err)
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: c.cfg.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if c.onMessage != nil {
					c.onMessage(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError:      c.connectionLost,
		OnServerDisconnect: c.serverDisconnect,
	})

	connect := &paho.Connect{
		ClientID:   c.cfg.ClientID,
		KeepAlive:  c.cfg.KeepAlive,
		CleanStart: c.cfg.CleanStart,
	}
	if c.cfg.SessionExpiry > 0 {
		se := c.cfg.SessionExpiry
		connect.Properties = &paho.ConnectProperties{SessionExpiryInterval: &se}
	}
	if c.cfg.Credentials != nil {
		username, password, err := c.cfg.Credentials()
		if err != nil {
			netConn.Close()
			return fmt.Errorf("mqtt credentials: %w", err)
		}
		connect.Username = username
		connect.UsernameFlag = username != ""
		connect.Password = password
		connect.PasswordFlag = len(password) > 0
	}

	connack, err := client.Connect(ctx, connect)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if connack.ReasonCode >= 0x80 {
		netConn.Close()
		return fmt.Errorf("mqtt connect refused: reason code %d", connack.ReasonCode)
	}

	c.mu.Lock()
	c.client = client
	c.netConn = netConn
	c.connected = true
	c.mu.Unlock()

	log.Debug("mqtt connection established", "broker", c.cfg.BrokerURL, "clientID", c.cfg.ClientID)
	return nil
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	u, _ := url.Parse(c.cfg.BrokerURL) // validated in NewConn

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Host, defaultPort(u.Scheme))
	}

	switch u.Scheme {
	case "tls", "ssl", "mqtts":
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		dialer := &tls.Dialer{Config: tlsCfg}
		return dialer.DialContext(ctx, "tcp", host)
	default:
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", host)
	}
}

func defaultPort(scheme string) string {
	switch scheme {
	case "tls", "ssl", "mqtts":
		return "8883"
	default:
		return "1883"
	}
}

// connectionLost is paho's OnClientError callback. It fires for read-loop
// failures, keepalive timeouts and closed sockets.
func (c *Conn) connectionLost(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		// Either never connected or a deliberate Disconnect; not an event.
		return
	}
	log.Debug("mqtt connection lost", "error", err.Error())
	if c.onLost != nil {
		c.onLost(err)
	}
}

func (c *Conn) serverDisconnect(d *paho.Disconnect) {
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	c.connectionLost(fmt.Errorf("server disconnect: code %d %s", d.ReasonCode, reason))
}

// Connected reports whether the connection is currently established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect sends DISCONNECT and closes the socket. It is not an error to
// disconnect an already-closed connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	netConn := c.netConn
	c.connected = false
	c.client = nil
	c.netConn = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	if netConn != nil {
		netConn.Close()
	}
	log.Debug("mqtt disconnected", "clientID", c.cfg.ClientID)
	return err
}

// Publish sends a message to the given topic.
func (c *Conn) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	client := c.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	return err
}

// Subscribe sends a SUBSCRIBE packet for the given topic filter.
func (c *Conn) Subscribe(ctx context.Context, topic string, qos byte) error {
	client := c.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	})
	return err
}

// Unsubscribe sends an UNSUBSCRIBE packet for the given topic filter.
func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	client := c.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	_, err := client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (c *Conn) currentClient() *paho.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.client
}

// TopicMatch checks if a topic matches a filter, honoring the "+" and "#"
// wildcards.
func TopicMatch(filter, topic string) bool {
	if filter == topic {
		return true
	}

	// No wildcards means plain equality already failed.
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	for i, part := range filterLevels {
		if part == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if part != "+" && part != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
