// Package broker is the MQTT transport the forwarder publishes through.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/setevik/logpublisher/internal/config"
	"github.com/setevik/logpublisher/internal/platform"
)

// ErrConnectionLost is reported by Err after the broker connection dropped.
var ErrConnectionLost = errors.New("broker connection lost")

// Client is a fire-and-forget MQTT publisher. It does not reconnect.
type Client struct {
	addr     string
	clientID string
	client   mqtt.Client

	lostOnce sync.Once
	lost     chan struct{}
	mu       sync.Mutex
	err      error
}

// New builds a client for the configured broker, authenticating with sess.
func New(cfg *config.Config, sess *platform.Session) *Client {
	return newClient(cfg, sess, mqtt.NewClient)
}

func newClient(cfg *config.Config, sess *platform.Session, factory func(*mqtt.ClientOptions) mqtt.Client) *Client {
	c := &Client{
		addr:     cfg.BrokerAddr(),
		clientID: cfg.Broker.ClientID,
		lost:     make(chan struct{}),
	}
	if c.clientID == "" {
		// MQTT 3.1 servers may reject client IDs over 23 bytes.
		c.clientID = "logpublisher-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.addr).
		SetClientID(c.clientID).
		SetUsername(sess.Token).
		SetPassword(sess.SystemKey).
		SetKeepAlive(cfg.Broker.KeepAlive.Duration).
		SetConnectTimeout(30 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.markLost(err)
		})

	c.client = factory(opts)
	return c
}

// Connect blocks until the broker accepts or refuses the connection.
func (c *Client) Connect(ctx context.Context) error {
	tok := c.client.Connect()

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := tok.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}

	slog.Info("connected to broker", "addr", c.addr, "client_id", c.clientID)
	return nil
}

// Publish hands payload to the MQTT client and returns without waiting for
// delivery. Only failures the client reports immediately are returned.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	tok := c.client.Publish(topic, qos, false, payload)

	select {
	case <-tok.Done():
		return tok.Error()
	default:
		return nil
	}
}

// Lost is closed when the connection drops.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

// Err returns why the connection was lost, or nil while connected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) markLost(cause error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		c.mu.Unlock()
		slog.Error("broker connection lost", "addr", c.addr, "error", cause)
		close(c.lost)
	})
}

// Close disconnects, waiting briefly for in-flight work.
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
