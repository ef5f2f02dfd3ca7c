package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// subscriptionBuffer bounds the per-subscription dispatch queue.
const subscriptionBuffer = 1024

// memorySubscription is a subscription to a topic. Messages are handed to the
// handler one at a time, in publish order.
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64
	queue   chan queued
	done    chan struct{}
	once    sync.Once
}

type queued struct {
	ctx context.Context
	msg *Message
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.unsubscribe(s.topic, s.id)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case q := <-s.queue:
			s.handler(q.ctx, q.msg)
		}
	}
}

// MemoryPubSub implements PubSub using an in-memory map.
// Suitable for single-instance deployments and for wiring several hubs
// together inside one process (tests).
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

// Publish queues a message for every subscriber of the topic. It never blocks:
// a subscriber whose queue is full misses the message.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	subs := ps.subscribers[topic]
	if len(subs) == 0 {
		ps.logger.Debug("no subscribers for topic", "topic", topic, "msg_type", msg.Type)
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.queue <- queued{ctx: context.WithoutCancel(ctx), msg: msg}:
		default:
			ps.logger.Warn("subscriber queue full, dropping message", "topic", topic, "msg_type", msg.Type, "sub_id", sub.id)
		}
	}
	return nil
}

// Subscribe registers a handler for the given topic
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	id := ps.nextID

	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      id,
		queue:   make(chan queued, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][id] = sub
	go sub.dispatch()

	return sub, nil
}

func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if subs, ok := ps.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

// Close shuts down the pub/sub and prevents new operations
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers for a topic (useful for testing)
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics (useful for testing)
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
