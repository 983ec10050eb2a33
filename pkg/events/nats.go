package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tcmartin/flowcraft/pkg/logging"
)

// DefaultSubjectPrefix is prepended to the run ID to form the subject
const DefaultSubjectPrefix = "flowcraft.runs"

// ConnectionConfig holds configuration for the NATS connection
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies this client to the server
	Name string

	// MaxReconnects is the maximum number of reconnection attempts, -1 for unlimited
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "flowcraft",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Connect establishes a connection to NATS. Connection state changes are
// reported through logger.
func Connect(ctx context.Context, cfg ConnectionConfig, logger logging.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logging.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", logging.F("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// messagePublisher is the part of *nats.Conn used for publishing
type messagePublisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes run events as JSON on <prefix>.<runID>
type NATSPublisher struct {
	conn   messagePublisher
	prefix string
	logger logging.Logger
}

// NewNATSPublisher creates a publisher over an established connection
func NewNATSPublisher(conn *nats.Conn, prefix string, logger logging.Logger) *NATSPublisher {
	return newNATSPublisher(conn, prefix, logger)
}

func newNATSPublisher(conn messagePublisher, prefix string, logger logging.Logger) *NATSPublisher {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject events of runID are published on
func (p *NATSPublisher) Subject(runID string) string {
	return p.prefix + "." + runID
}

// Publish marshals and sends event. Failures are logged and swallowed.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.WithContext(ctx).Warn("failed to encode run event",
			logging.F("run_id", event.RunID), logging.Err(err))
		return
	}

	if err := p.conn.Publish(p.Subject(event.RunID), data); err != nil {
		p.logger.WithContext(ctx).Warn("failed to publish run event",
			logging.F("run_id", event.RunID),
			logging.F("type", string(event.Type)),
			logging.Err(err))
	}
}
