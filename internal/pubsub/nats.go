package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPubSub implements PubSub on NATS core subjects. Topics map one-to-one
// onto subjects under a configurable prefix.
type NATSPubSub struct {
	conn   *nats.Conn
	prefix string
	mu     sync.RWMutex
	subs   map[*natsSubscription]struct{}
	closed bool
	logger *slog.Logger
}

type natsSubscription struct {
	ps   *NATSPubSub
	sub  *nats.Subscription
	once sync.Once
}

// Unsubscribe is idempotent.
func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.ps.mu.Lock()
		delete(s.ps.subs, s)
		s.ps.mu.Unlock()
		err = s.sub.Unsubscribe()
	})
	return err
}

// NewNATSPubSub connects to the given NATS servers (comma-separated URLs).
func NewNATSPubSub(url, name, prefix string, logger *slog.Logger) (*NATSPubSub, error) {
	logger = logger.With("component", "pubsub", "backend", "nats")

	conn, err := nats.Connect(url,
		nats.Name(name),
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
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("connected to NATS", "url", conn.ConnectedUrl())

	return &NATSPubSub{
		conn:   conn,
		prefix: prefix,
		subs:   make(map[*natsSubscription]struct{}),
		logger: logger,
	}, nil
}

func (ps *NATSPubSub) subject(topic string) string {
	if ps.prefix == "" {
		return topic
	}
	return ps.prefix + "." + topic
}

// Publish sends a message on the topic's subject.
func (ps *NATSPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := ps.conn.Publish(ps.subject(topic), data); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

// Subscribe registers a handler for the topic's subject. NATS delivers the
// messages of one subscription serially, which keeps publish order.
func (ps *NATSPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	sub, err := ps.conn.Subscribe(ps.subject(topic), func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			ps.logger.Error("failed to unmarshal message", "error", err, "subject", m.Subject)
			return
		}
		handler(context.Background(), &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to nats subject: %w", err)
	}
	// the server must know the interest before a publish that follows
	if err := ps.conn.FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush nats subscription: %w", err)
	}

	s := &natsSubscription{ps: ps, sub: sub}
	ps.subs[s] = struct{}{}
	ps.logger.Debug("subscribed to subject", "subject", sub.Subject)
	return s, nil
}

// Ping reports whether the connection is currently up.
func (ps *NATSPubSub) Ping(ctx context.Context) error {
	if !ps.conn.IsConnected() {
		return fmt.Errorf("nats: %s", ps.conn.Status())
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (ps *NATSPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.subs = make(map[*natsSubscription]struct{})

	if err := ps.conn.Drain(); err != nil {
		ps.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	ps.logger.Info("NATS pubsub closed")
	return nil
}
