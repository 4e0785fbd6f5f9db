// internal/publish/nats.go
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"work-items-sync/internal/model"
)

const flushTimeout = 5 * time.Second

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// NATSPublisher publishes one message per changed work item on
// "<prefix>.changed.<source key>".
type NATSPublisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("work-items-sync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl(), "subject_prefix", prefix)
	return &NATSPublisher{conn: nc, prefix: prefix, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, cs *model.ChangeSet) error {
	msgs, err := Messages(p.prefix, cs)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish to %s: %w", msg.Subject, err)
		}
	}
	if err := p.conn.FlushTimeout(flushTimeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	p.logger.Debug("Published change events", "source_key", cs.SourceKey, "count", len(msgs))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
