// Package nats connects to NATS JetStream for the outbox relay.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/angelmondragon/backoffice-core/pkg/config"
	"github.com/angelmondragon/backoffice-core/pkg/logger"
)

const (
	reconnectWait = 2 * time.Second
	streamMaxAge  = 7 * 24 * time.Hour
)

type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  config.NATSConfig
}

// NewClient dials NATS with unlimited reconnects and makes sure the relay stream
// covers `<SubjectPrefix>.>`.
func NewClient(ctx context.Context, cfg config.NATSConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	opts := []nats.Option{
		nats.Name("backoffice-outbox"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logg.Error(ctx, "nats disconnected", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logg.Info(logg.WithField(ctx, "url", nc.ConnectedUrl()), "nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logg.Error(ctx, "nats error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	c := &Client{conn: nc, js: js, cfg: cfg}
	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	logg.Info(logg.WithField(ctx, "stream", cfg.StreamName), "nats client initialized")
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:       c.cfg.StreamName,
		Subjects:   []string{c.cfg.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Storage:    jetstream.FileStorage,
		Duplicates: c.cfg.DuplicateWindow,
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("ensure stream %s: %w", c.cfg.StreamName, err)
	}
	return nil
}

// JetStream exposes the publishing context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.conn == nil {
		return errors.New("nats client not initialized")
	}
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats status %s", c.conn.Status())
	}
	return c.conn.FlushWithContext(ctx)
}

// Close drains pending publishes before closing the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
