package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "stakehold.sessions"

// Subject returns the NATS subject for an event type.
func Subject(t Type) string {
	return SubjectPrefix + "." + string(t)
}

// natsConn is the slice of *nats.Conn used for publishing.
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON to stakehold.sessions.<type>.
type NATSPublisher struct {
	conn natsConn
}

// ConnectNATS dials url and returns a publisher that reconnects forever.
func ConnectNATS(url string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("stakehold"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish serializes ev and publishes it. Core NATS publishes are buffered
// by the client, so this does not wait for the server.
func (p *NATSPublisher) Publish(ctx context.Context, ev SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(ev.Type), data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
