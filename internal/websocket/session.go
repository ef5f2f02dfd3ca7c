package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// State is the lifecycle position of a session.
type State int

const (
	StateConnected State = iota // upgraded, no join yet
	StateJoined
	StateClosed // terminal
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one websocket connection. Its identity is the typed state
// plus the user it joined as.
type Session struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	outbox     *Outbox
	limiter    *rate.Limiter
	remoteAddr string
	logger     *slog.Logger

	mu     sync.RWMutex
	state  State
	userID string
	cancel context.CancelFunc
}

// NewSession creates a session for conn. conn may be nil for sessions that
// are driven directly through the hub.
func NewSession(hub *Hub, conn *websocket.Conn, remoteAddr string) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		hub:        hub,
		conn:       conn,
		outbox:     NewOutbox(hub.opts.OutboxSize, hub.opts.Overflow),
		limiter:    rate.NewLimiter(rate.Limit(hub.opts.SendRate), hub.opts.SendBurst),
		remoteAddr: remoteAddr,
		logger:     hub.logger.With("session_id", id, "remote_addr", remoteAddr),
	}
}

// ID returns the session's unique ID
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID returns the joined user, if any
func (s *Session) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.state == StateJoined
}

// setJoined moves the session to Joined(userID). It fails once closed.
func (s *Session) setJoined(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateJoined
	s.userID = userID
	return true
}

// markClosed moves the session to Closed and reports whether it was open.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

// SetCancelFunc sets the context cancel function for cleanup
func (s *Session) SetCancelFunc(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Close stops the pumps and abandons queued frames. The hub detaches the
// session when its read pump exits.
func (s *Session) Close() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()

	s.outbox.Close()
	if cancel != nil {
		cancel()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// enqueue queues an encoded frame for the write pump.
func (s *Session) enqueue(frame []byte) {
	evicted, err := s.outbox.Push(frame)
	switch {
	case err == nil:
		if evicted {
			s.hub.metrics.FrameDropped("overflow")
			s.logger.Warn("session outbox full, dropped oldest frame")
		}
	case errors.Is(err, ErrOutboxFull):
		s.hub.metrics.FrameDropped("overflow")
		s.logger.Warn("session outbox full, disconnecting")
		s.Close()
	default:
		s.hub.metrics.FrameDropped("closed")
	}
}

// Send marshals and queues a message for the client
func (s *Session) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.enqueue(data)
	return nil
}

// sendError sends an error message to the client
func (s *Session) sendError(code, message string) {
	s.hub.metrics.EventError(code)
	msg, _ := NewMessage(EventTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = s.Send(msg)
}

// allowSend applies the per-session send rate limit.
func (s *Session) allowSend() bool {
	return s.limiter.Allow()
}

// ReadPump pumps messages from the WebSocket connection to the hub. Events
// are handled one at a time, so a connection's messages keep their order.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.Detach(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.hub.opts.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("malformed frame", "error", err)
				s.sendError(ErrCodeInvalidMessage, "Failed to parse message")
				continue
			}

			s.hub.HandleMessage(ctx, s, &msg)
		}
	}
}

// WritePump pumps queued frames to the WebSocket connection, one frame per
// websocket message.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.outbox.Ready():
			frames, closed := s.outbox.Drain()
			if closed {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for _, frame := range frames {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					s.logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
