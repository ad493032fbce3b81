// Package natsclient wraps the NATS connection used for best-effort
// event publishing.
package natsclient

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
)

// Client is a thin publisher over a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server. The connection reconnects
// automatically with backoff.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "connect to nats")
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to subject. The context is accepted for interface
// symmetry; core NATS publishes are fire-and-forget.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "publish nats message")
	}
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
