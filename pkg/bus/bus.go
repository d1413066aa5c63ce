// Package bus publishes lifecycle events to NATS.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS connection for publishing JSON events.
type Bus struct {
	conn *nats.Conn
}

// New connects to the NATS endpoint at url.
func New(url string, opts ...nats.Option) (*Bus, error) {
	opts = append([]nats.Option{
		nats.Name("vpkgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{conn: nc}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the connection is currently up.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Publish encodes v as JSON and publishes it to subj.
func (b *Bus) Publish(subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subj, err)
	}
	return b.conn.Publish(subj, data)
}
