package iotservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"

	"cirruslink.io/sdk-go/pkg/auth"
	"cirruslink.io/sdk-go/pkg/log"
)

const (
	cbsAddress = "$cbs"

	// cbsRefreshMargin is how long before token expiry the background
	// refresh runs.
	cbsRefreshMargin = 10 * time.Minute

	c2dSendAddress  = "/messages/devicebound"
	feedbackAddress = "/messages/servicebound/feedback"

	// ackProperty requests delivery feedback for a queued message.
	ackProperty = "cirrus-ack"
)

// C2DMessage is one cloud-to-device message to send.
type C2DMessage struct {
	Payload       []byte
	MessageID     string
	CorrelationID string
	UserID        string
	ExpiryTime    time.Time
	Ack           string // "none", "positive", "negative" or "full"
	Properties    map[string]string
}

// FeedbackHandler consumes one batch of delivery feedback records.
type FeedbackHandler func(f *Feedback)

// amqpConn lazily maintains one authenticated AMQP connection. The CBS
// handshake runs once per connection; a background goroutine keeps the
// token fresh until close.
type amqpConn struct {
	logger   log.Logger
	hostname string
	tokenGen *auth.TokenGenerator

	mu     sync.Mutex
	conn   *amqp.Conn
	sess   *amqp.Session
	sender *amqp.Sender
	done   chan struct{}
}

func newAmqpConn(hostname string, gen *auth.TokenGenerator, logger log.Logger) *amqpConn {
	return &amqpConn{logger: logger, hostname: hostname, tokenGen: gen}
}

// SendC2D queues one cloud-to-device message for a device. The hub holds
// it until the device connects or the message expires.
func (c *Client) SendC2D(ctx context.Context, deviceID string, msg *C2DMessage) error {
	sender, err := c.amqp.getSender(ctx)
	if err != nil {
		return err
	}
	if err := sender.Send(ctx, newC2DMessage(deviceID, msg), nil); err != nil {
		return fmt.Errorf("sending c2d to %s: %w", deviceID, err)
	}
	return nil
}

func newC2DMessage(deviceID string, msg *C2DMessage) *amqp.Message {
	to := fmt.Sprintf("/devices/%s/messages/devicebound", deviceID)
	msgID := msg.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	m := &amqp.Message{
		Data: [][]byte{msg.Payload},
		Properties: &amqp.MessageProperties{
			To:        &to,
			MessageID: msgID,
		},
		ApplicationProperties: map[string]any{},
	}
	if msg.CorrelationID != "" {
		m.Properties.CorrelationID = msg.CorrelationID
	}
	if msg.UserID != "" {
		m.Properties.UserID = []byte(msg.UserID)
	}
	if !msg.ExpiryTime.IsZero() {
		t := msg.ExpiryTime
		m.Properties.AbsoluteExpiryTime = &t
	}
	if msg.Ack != "" {
		m.ApplicationProperties[ackProperty] = msg.Ack
	}
	for k, v := range msg.Properties {
		m.ApplicationProperties[k] = v
	}
	return m
}

// SubscribeFeedback receives delivery feedback until the context is
// cancelled. Each record in each batch is passed to h.
func (c *Client) SubscribeFeedback(ctx context.Context, h FeedbackHandler) error {
	sess, err := c.amqp.getSession(ctx)
	if err != nil {
		return err
	}
	recv, err := sess.NewReceiver(ctx, feedbackAddress, nil)
	if err != nil {
		return fmt.Errorf("opening feedback receiver: %w", err)
	}
	defer recv.Close(context.Background())

	for {
		msg, err := recv.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receiving feedback: %w", err)
		}
		if err := recv.AcceptMessage(ctx, msg); err != nil {
			return fmt.Errorf("accepting feedback: %w", err)
		}

		var batch []*Feedback
		if err := json.Unmarshal(msgData(msg), &batch); err != nil {
			c.logger.Warn("dropping undecodable feedback batch", "err", err)
			continue
		}
		for _, f := range batch {
			h(f)
		}
	}
}

func msgData(m *amqp.Message) []byte {
	if len(m.Data) > 0 {
		return m.Data[0]
	}
	return nil
}

func (a *amqpConn) getSender(ctx context.Context) (*amqp.Sender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(ctx); err != nil {
		return nil, err
	}
	if a.sender == nil {
		sender, err := a.sess.NewSender(ctx, c2dSendAddress, nil)
		if err != nil {
			return nil, fmt.Errorf("opening c2d sender: %w", err)
		}
		a.sender = sender
	}
	return a.sender, nil
}

func (a *amqpConn) getSession(ctx context.Context) (*amqp.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(ctx); err != nil {
		return nil, err
	}
	return a.sess, nil
}

func (a *amqpConn) connectLocked(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("amqps://%s:5671", a.hostname)
	conn, err := amqp.Dial(ctx, addr, &amqp.ConnOptions{
		Properties: map[string]any{"client-version": "cirruslink-sdk-go"},
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening session: %w", err)
	}

	if err := a.putToken(ctx, sess); err != nil {
		conn.Close()
		return err
	}

	a.conn = conn
	a.sess = sess
	a.done = make(chan struct{})
	go a.refreshLoop(sess, a.done)
	a.logger.Info("amqp connection established", "host", a.hostname)
	return nil
}

// putToken runs one CBS put-token exchange on a short-lived link pair.
func (a *amqpConn) putToken(ctx context.Context, sess *amqp.Session) error {
	sender, err := sess.NewSender(ctx, cbsAddress, nil)
	if err != nil {
		return fmt.Errorf("opening cbs sender: %w", err)
	}
	defer sender.Close(context.Background())

	recv, err := sess.NewReceiver(ctx, cbsAddress, nil)
	if err != nil {
		return fmt.Errorf("opening cbs receiver: %w", err)
	}
	defer recv.Close(context.Background())

	tok, err := a.tokenGen.Generate()
	if err != nil {
		return err
	}

	to := cbsAddress
	replyTo := "cbs"
	err = sender.Send(ctx, &amqp.Message{
		Value: tok.String(),
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			To:        &to,
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"type":      "sastoken",
			"name":      a.hostname,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("sending put-token: %w", err)
	}

	msg, err := recv.Receive(ctx, nil)
	if err != nil {
		return fmt.Errorf("receiving put-token answer: %w", err)
	}
	if err := recv.AcceptMessage(ctx, msg); err != nil {
		return err
	}
	return checkCBSAnswer(msg)
}

func checkCBSAnswer(msg *amqp.Message) error {
	code, ok := msg.ApplicationProperties["status-code"].(int32)
	if !ok {
		return nil
	}
	if code >= 200 && code < 300 {
		return nil
	}
	desc, _ := msg.ApplicationProperties["status-description"].(string)
	return fmt.Errorf("cbs rejected token: %d %s", code, desc)
}

func (a *amqpConn) refreshLoop(sess *amqp.Session, done chan struct{}) {
	interval := a.tokenGen.TTL() - cbsRefreshMargin
	if interval <= 0 {
		interval = a.tokenGen.TTL() / 2
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := a.putToken(ctx, sess)
			cancel()
			if err != nil {
				a.logger.Error(err, "cbs token refresh failed")
				return
			}
			a.logger.Debug("cbs token refreshed")
			timer.Reset(interval)
		case <-done:
			return
		}
	}
}

func (a *amqpConn) close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	close(a.done)
	if a.sender != nil {
		_ = a.sender.Close(ctx)
		a.sender = nil
	}
	err := a.conn.Close()
	a.conn = nil
	a.sess = nil
	return err
}
