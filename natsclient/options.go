package natsclient

import (
	"log/slog"
	"time"

	"github.com/thinrope/grr/metric"
)

type clientOptions struct {
	name           string
	connectTimeout time.Duration
	maxReconnects  int
	reconnectWait  time.Duration
	credentials    string
	logger         *slog.Logger
	metrics        *metric.Metrics
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		name:           "grr",
		connectTimeout: 5 * time.Second,
		maxReconnects:  -1,
		reconnectWait:  2 * time.Second,
		logger:         slog.Default(),
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(o *clientOptions) { o.name = name }
}

// WithConnectTimeout sets the initial connect timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.connectTimeout = d }
}

// WithMaxReconnects sets the reconnect attempt limit. Negative means
// unlimited.
func WithMaxReconnects(n int) ClientOption {
	return func(o *clientOptions) { o.maxReconnects = n }
}

// WithReconnectWait sets the delay between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.reconnectWait = d }
}

// WithCredentials sets the path to a NATS credentials file.
func WithCredentials(path string) ClientOption {
	return func(o *clientOptions) { o.credentials = path }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics wires connection gauges and reconnect counters.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}
