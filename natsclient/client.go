// Package natsclient wraps the NATS connection used for persistence and
// audit publishing. It owns connection lifecycle, reconnect handling and
// JetStream key-value bucket provisioning.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/thinrope/grr/metric"
)

// ConnectionStatus tracks the client's view of the NATS connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection and its JetStream context.
type Client struct {
	url     string
	options *clientOptions
	logger  *slog.Logger
	metrics *metric.Metrics

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	status ConnectionStatus
}

// NewClient creates a client for the given server URL. The connection is
// established by Connect, not here.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("natsclient.NewClient: url is required")
	}
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Client{
		url:     url,
		options: options,
		logger:  options.logger,
		metrics: options.metrics,
		status:  StatusDisconnected,
	}, nil
}

// Connect establishes the connection and JetStream context. It is safe to
// call once; subsequent calls on a live connection are no-ops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	c.status = StatusConnecting

	natsOpts := []nats.Option{
		nats.Name(c.options.name),
		nats.Timeout(c.options.connectTimeout),
		nats.MaxReconnects(c.options.maxReconnects),
		nats.ReconnectWait(c.options.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(0)
			}
			if err != nil {
				c.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setStatus(StatusConnected)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(1)
				c.metrics.NATSReconnects.Inc()
			}
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setStatus(StatusClosed)
			if c.metrics != nil {
				c.metrics.NATSConnected.Set(0)
			}
			c.logger.Info("nats connection closed")
		}),
	}
	if c.options.credentials != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(c.options.credentials))
	}

	conn, err := nats.Connect(c.url, natsOpts...)
	if err != nil {
		c.status = StatusDisconnected
		return fmt.Errorf("natsclient.Connect: connect to %s failed: %w", c.url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		c.status = StatusDisconnected
		return fmt.Errorf("natsclient.Connect: jetstream init failed: %w", err)
	}

	c.conn = conn
	c.js = js
	c.status = StatusConnected
	if c.metrics != nil {
		c.metrics.NATSConnected.Set(1)
	}
	c.logger.Info("nats connected", "url", conn.ConnectedUrl())
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
	c.status = StatusClosed
	return nil
}

// Publish sends a message on the core NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("natsclient.Publish: not connected")
	}
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natsclient.Publish: publish to %s failed: %w", subject, err)
	}
	return nil
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// JetStream exposes the JetStream context for bucket management.
func (c *Client) JetStream() jetstream.JetStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.js
}

// CreateKeyValueBucket creates the bucket if it does not exist and returns a
// KVStore bound to it. Concurrent creation by another instance is tolerated.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (*KVStore, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()

	if js == nil {
		return nil, fmt.Errorf("natsclient.CreateKeyValueBucket: not connected")
	}

	kv, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "already in use") || strings.Contains(err.Error(), "already exists") {
			kv, err = js.KeyValue(ctx, cfg.Bucket)
		}
		if err != nil {
			return nil, fmt.Errorf("natsclient.CreateKeyValueBucket: bucket %s: %w", cfg.Bucket, err)
		}
	}
	return NewKVStore(kv, cfg.Bucket, c.logger), nil
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// WaitForConnection blocks until connected or the context expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Status() == StatusConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("natsclient.WaitForConnection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
