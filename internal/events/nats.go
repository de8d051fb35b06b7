package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn the emitter uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSEmitter publishes each event as JSON on "{prefix}.{type}".
type NATSEmitter struct {
	pub    Publisher
	prefix string
	close  func() error
}

// NewNATSEmitter publishes through pub.
func NewNATSEmitter(pub Publisher, prefix string) *NATSEmitter {
	if prefix == "" {
		prefix = "autopr.events"
	}
	return &NATSEmitter{pub: pub, prefix: prefix, close: func() error { return nil }}
}

// DialNATS connects to url and returns an emitter that drains the connection on Close.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSEmitter, error) {
	nc, err := nats.Connect(url,
		nats.Name("autopr"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	e := NewNATSEmitter(nc, prefix)
	e.close = nc.Drain
	return e, nil
}

// Subject returns the subject an event of type t is published on.
func (n *NATSEmitter) Subject(t Type) string {
	return n.prefix + "." + string(t)
}

func (n *NATSEmitter) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.pub.Publish(n.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(e.Type), err)
	}
	return nil
}

func (n *NATSEmitter) Close() error { return n.close() }
