package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/teamcodebridge/chatrelay/internal/domain"
	"github.com/teamcodebridge/chatrelay/internal/metrics"
	"github.com/teamcodebridge/chatrelay/internal/presence"
	"github.com/teamcodebridge/chatrelay/internal/pubsub"
)

// Options configures a Hub.
type Options struct {
	InstanceID       string
	Mode             presence.Mode
	OutboxSize       int
	Overflow         OverflowPolicy
	MaxMessageBytes  int64
	MaxContentLength int
	SendRate         float64 // send_message events per second per session
	SendBurst        int
	Heartbeat        time.Duration
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Mode:             presence.MultiDevice,
		OutboxSize:       256,
		Overflow:         DropOldest,
		MaxMessageBytes:  65536,
		MaxContentLength: 10000,
		SendRate:         20,
		SendBurst:        40,
		Heartbeat:        15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OutboxSize <= 0 {
		o.OutboxSize = d.OutboxSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = d.MaxContentLength
	}
	if o.SendRate <= 0 {
		o.SendRate = d.SendRate
	}
	if o.SendBurst <= 0 {
		o.SendBurst = d.SendBurst
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = d.Heartbeat
	}
	return o
}

// remotePresence is the last online set another instance announced.
type remotePresence struct {
	users []string
	seen  time.Time
}

// Hub owns the sessions and presence registry of one relay instance.
//
// Lock order: Hub.mu, then the registry, then a session's outbox. Presence
// changes and the resulting online_users broadcast happen under Hub.mu so
// every session sees snapshots in mutation order.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	registry *presence.Registry[*Session]
	remote   map[string]remotePresence

	bus     pubsub.PubSub
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewHub creates a hub. bus and m may be nil.
func NewHub(opts Options, bus pubsub.PubSub, m *metrics.Metrics, logger *slog.Logger) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		sessions: make(map[*Session]struct{}),
		registry: presence.NewRegistry[*Session](opts.Mode),
		remote:   make(map[string]remotePresence),
		bus:      bus,
		metrics:  m,
		opts:     opts,
		logger:   logger.With("component", "hub", "instance_id", opts.InstanceID),
		now:      time.Now,
	}
}

// InstanceID returns the ID this hub publishes bridge messages under.
func (h *Hub) InstanceID() string {
	return h.opts.InstanceID
}

// MaxContentLength is the longest message body the hub relays.
func (h *Hub) MaxContentLength() int {
	return h.opts.MaxContentLength
}

// Attach starts tracking a freshly upgraded session.
func (h *Hub) Attach(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	s.logger.Debug("session connected")
}

// Detach removes a session after its connection ended. If it was the live
// handle of a user, the new online set is broadcast.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	s.markClosed()
	s.outbox.Close()

	userID, removed := h.registry.Unregister(s)
	if removed {
		h.broadcastOnlineLocked()
	}
	h.mu.Unlock()

	h.metrics.ConnectionClosed()
	s.logger.Debug("session disconnected", "user_id", userID, "presence_changed", removed)

	if removed {
		h.publishPresence(context.Background())
	}
}

// Join binds s to userID. Repeated joins are accepted; the latest wins.
func (h *Hub) Join(s *Session, userID string) error {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok || !s.setJoined(userID) {
		h.mu.Unlock()
		return ErrSessionClosed
	}

	superseded := h.registry.Register(userID, s)
	if frame, err := encodeMessage(EventTypeJoined, JoinedPayload{UserID: userID}); err == nil {
		s.enqueue(frame)
	}
	h.broadcastOnlineLocked()
	h.mu.Unlock()

	s.logger.Info("user joined", "user_id", userID, "superseded", len(superseded))
	h.publishPresence(context.Background())
	return nil
}

// ErrSessionClosed is returned when an operation targets a detached session.
var ErrSessionClosed = errors.New("session closed")

// OnlineUsers returns the sorted union of local and remote online users.
func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineUsersLocked()
}

func (h *Hub) onlineUsersLocked() []string {
	local := h.registry.Snapshot()
	if len(h.remote) == 0 {
		return local
	}

	seen := make(map[string]struct{}, len(local))
	users := make([]string, 0, len(local))
	for _, u := range local {
		seen[u] = struct{}{}
		users = append(users, u)
	}
	for _, rp := range h.remote {
		for _, u := range rp.users {
			if _, ok := seen[u]; !ok {
				seen[u] = struct{}{}
				users = append(users, u)
			}
		}
	}
	sort.Strings(users)
	return users
}

// broadcastOnlineLocked pushes online_users to every session, joined or not.
func (h *Hub) broadcastOnlineLocked() {
	users := h.onlineUsersLocked()
	frame, err := encodeMessage(EventTypeOnlineUsers, users)
	if err != nil {
		h.logger.Error("failed to encode online users", "error", err)
		return
	}
	for s := range h.sessions {
		s.enqueue(frame)
	}
	h.metrics.SetOnlineUsers(len(users))
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// HandleMessage processes one incoming event. A panic while handling it is
// recovered and logged; the session stays open.
func (h *Hub) HandleMessage(ctx context.Context, s *Session, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling event", "event", msg.Type, "panic", r)
		}
	}()

	h.metrics.EventReceived(msg.Type)

	switch msg.Type {
	case EventTypeJoin:
		h.handleJoin(s, msg.Payload)
	case EventTypeSendMessage:
		h.handleSendMessage(ctx, s, msg.Payload)
	default:
		s.logger.Warn("unknown event", "event", msg.Type)
		s.sendError(ErrCodeUnknownEvent, "Unknown event type: "+msg.Type)
	}
}

func (h *Hub) handleJoin(s *Session, payload json.RawMessage) {
	userID, err := parseJoin(payload)
	if err != nil {
		s.logger.Warn("invalid join payload", "error", err)
		s.sendError(ErrCodeInvalidPayload, "Invalid join payload")
		return
	}
	if err := h.Join(s, userID); err != nil {
		s.logger.Debug("join on closed session", "user_id", userID)
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, s *Session, payload json.RawMessage) {
	if !s.allowSend() {
		s.logger.Warn("send rate limit exceeded")
		s.sendError(ErrCodeRateLimited, "Too many messages")
		return
	}

	var intent SendMessagePayload
	if err := json.Unmarshal(payload, &intent); err != nil {
		s.logger.Warn("invalid send_message payload", "error", err)
		s.sendError(ErrCodeInvalidPayload, "Invalid send_message payload")
		return
	}

	if joined, ok := s.UserID(); ok {
		switch {
		case intent.SenderID == "":
			intent.SenderID = joined
		case intent.SenderID != joined:
			s.logger.Warn("sender mismatch", "user_id", joined, "sender_id", intent.SenderID)
			s.sendError(ErrCodeSenderMismatch, domain.ErrSenderMismatch.Error())
			return
		}
	}

	if _, err := h.Relay(ctx, intent); err != nil {
		s.logger.Warn("dropped invalid message", "error", err, "sender_id", intent.SenderID)
		code := ErrCodeInvalidPayload
		switch {
		case errors.Is(err, domain.ErrMissingField), errors.Is(err, domain.ErrEmptyMessage):
			code = ErrCodeMissingField
		case errors.Is(err, domain.ErrMessageTooLong):
			code = ErrCodeTooLong
		}
		s.sendError(code, err.Error())
	}
}

// closeAll closes every session. Used on shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	h.logger.Info("closed all sessions", "count", len(sessions))
}
