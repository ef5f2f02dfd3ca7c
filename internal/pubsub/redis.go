package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub bridges topics over Redis channels named prefix + ":" + topic.
//
// Each topic holds one Redis subscription per process no matter how many
// local handlers listen on it. A single reader goroutine per topic calls the
// handlers in registration order, so every handler sees publish order.
type RedisPubSub struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*redisTopic
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// redisTopic is the shared channel subscription behind one topic.
type redisTopic struct {
	name     string
	conn     *redis.PubSub
	handlers map[uint64]Handler
}

type redisHandle struct {
	ps    *RedisPubSub
	topic string
	id    uint64
	once  sync.Once
}

func (h *redisHandle) Unsubscribe() error {
	var err error
	h.once.Do(func() { err = h.ps.release(h.topic, h.id) })
	return err
}

// NewRedisPubSub connects to url (redis://[:password@]host:port[/db]) and
// checks the server answers before returning. Channels are namespaced with
// "chatrelay".
func NewRedisPubSub(ctx context.Context, url string, logger *slog.Logger) (*RedisPubSub, error) {
	return NewRedisPubSubWithPrefix(ctx, url, "chatrelay", logger)
}

// NewRedisPubSubWithPrefix is NewRedisPubSub with a custom channel namespace.
func NewRedisPubSubWithPrefix(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger = logger.With("component", "pubsub", "backend", "redis")
	logger.Info("redis bus ready", "addr", opts.Addr, "prefix", prefix)

	return &RedisPubSub{
		client: client,
		prefix: prefix,
		logger: logger,
		topics: make(map[string]*redisTopic),
	}, nil
}

func (ps *RedisPubSub) channel(topic string) string {
	if ps.prefix == "" {
		return topic
	}
	return ps.prefix + ":" + topic
}

// Publish encodes msg and sends it on the topic's channel.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	receivers, err := ps.client.Publish(ctx, ps.channel(topic), data).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	ps.logger.Debug("published", "topic", topic, "type", msg.Type, "receivers", receivers)
	return nil
}

// Subscribe adds handler to topic. The first handler on a topic opens the
// Redis subscription and waits for the server to confirm it.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	t, ok := ps.topics[topic]
	if !ok {
		conn := ps.client.Subscribe(ctx, ps.channel(topic))
		if _, err := conn.Receive(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
		t = &redisTopic{name: topic, conn: conn, handlers: make(map[uint64]Handler)}
		ps.topics[topic] = t

		ps.wg.Add(1)
		go ps.read(t)
	}

	ps.nextID++
	t.handlers[ps.nextID] = handler
	ps.logger.Debug("subscribed", "topic", topic, "handlers", len(t.handlers))

	return &redisHandle{ps: ps, topic: topic, id: ps.nextID}, nil
}

// release drops one handler and closes the topic's subscription when it was
// the last.
func (ps *RedisPubSub) release(topic string, id uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	t, ok := ps.topics[topic]
	if !ok {
		return nil
	}
	delete(t.handlers, id)
	if len(t.handlers) > 0 {
		return nil
	}
	delete(ps.topics, topic)
	return t.conn.Close()
}

// read dispatches one topic's messages until its subscription closes.
func (ps *RedisPubSub) read(t *redisTopic) {
	defer ps.wg.Done()

	ctx := context.Background()
	for m := range t.conn.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			ps.logger.Error("dropping undecodable message", "error", err, "topic", t.name)
			continue
		}
		for _, h := range ps.handlersOf(t) {
			h(ctx, &msg)
		}
	}
}

func (ps *RedisPubSub) handlersOf(t *redisTopic) []Handler {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ids := make([]uint64, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = t.handlers[id]
	}
	return out
}

// SubscriberCount returns the number of local handlers on topic.
func (ps *RedisPubSub) SubscriberCount(topic string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if t, ok := ps.topics[topic]; ok {
		return len(t.handlers)
	}
	return 0
}

// Ping checks that Redis is reachable.
func (ps *RedisPubSub) Ping(ctx context.Context) error {
	return ps.client.Ping(ctx).Err()
}

// Close ends every subscription, waits for the readers and closes the client.
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	for name, t := range ps.topics {
		_ = t.conn.Close()
		delete(ps.topics, name)
	}
	ps.mu.Unlock()

	ps.wg.Wait()
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	ps.logger.Info("redis bus closed")
	return nil
}
