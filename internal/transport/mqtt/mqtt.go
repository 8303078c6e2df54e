// Package mqtt is the bus transport for an MQTT broker, built on the Eclipse
// Paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/roach88/modeltable/internal/transport"
)

// Client implements transport.Transport over MQTT. Messages use QoS 1.
//
// Thread-safety: safe for concurrent use.
type Client struct {
	cfg    transport.Config
	qos    byte
	logger *slog.Logger

	mu      sync.Mutex
	client  paho.Client
	handler transport.Handler
}

var _ transport.Transport = (*Client)(nil)

// New creates an MQTT client. Nothing is dialled until Connect.
func New(cfg transport.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, qos: 1, logger: logger}
}

// BrokerURL returns the broker URL derived from the config.
func BrokerURL(cfg transport.Config) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, cfg.Addr())
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(BrokerURL(c.cfg)).
		SetClientID(c.cfg.ClientID).
		SetConnectTimeout(c.cfg.Timeout()).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", "broker", BrokerURL(c.cfg), "error", err)
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// Connect dials the broker. The context bounds the wait.
func (c *Client) Connect(ctx context.Context) error {
	client := paho.NewClient(c.options())
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", BrokerURL(c.cfg), err)
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	c.logger.Info("mqtt connected", "broker", BrokerURL(c.cfg), "client_id", c.cfg.ClientID)
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connected() (paho.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, transport.ErrNotConnected
	}
	return c.client, nil
}

// Subscribe adds a topic filter.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	tok := client.Subscribe(topic, c.qos, func(_ paho.Client, m paho.Message) {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(m.Topic(), m.Payload())
		}
	})
	if err := wait(ctx, tok); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a topic filter.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("mqtt unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload on topic.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	client, err := c.connected()
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, c.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// OnMessage sets the inbound handler.
func (c *Client) OnMessage(h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
