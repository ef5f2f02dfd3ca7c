package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// MessageHandler handles message history endpoints
type MessageHandler struct {
	store      HistoryStore
	relay      Relayer
	maxContent int
	logger     *slog.Logger
}

// NewMessageHandler creates a handler. relay may be nil, in which case
// persist-then-relay requests are stored but not delivered live.
func NewMessageHandler(store HistoryStore, relay Relayer, maxContent int, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		store:      store,
		relay:      relay,
		maxContent: maxContent,
		logger:     logger.With("component", "api"),
	}
}

// List handles GET /api/messages?senderId=&receiverId= and
// GET /api/messages?chatRoomId=&userId=. Room history is for members only.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	senderID := q.Get("senderId")
	receiverID := q.Get("receiverId")
	chatRoomID := q.Get("chatRoomId")

	var (
		msgs   []domain.Message
		viewer string
		err    error
	)
	switch {
	case chatRoomID != "":
		viewer = q.Get("userId")
		if viewer == "" {
			writeError(w, http.StatusBadRequest, "userId is required for room history")
			return
		}
		if _, ok := memberRoom(r.Context(), h.store, h.logger, w, chatRoomID, viewer); !ok {
			return
		}
		msgs, err = h.store.ListRoomMessages(r.Context(), chatRoomID)
	case senderID != "" && receiverID != "":
		if !userExists(r.Context(), h.store, h.logger, w, senderID, receiverID) {
			return
		}
		viewer = senderID
		msgs, err = h.store.ListDirectMessages(r.Context(), senderID, receiverID)
	default:
		writeError(w, http.StatusBadRequest, "senderId and receiverId, or chatRoomId, are required")
		return
	}
	if err != nil {
		h.logger.Error("list messages failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	items := make([]domain.HistoryItem, len(msgs))
	for i := range msgs {
		items[i] = msgs[i].ViewFor(viewer)
	}
	writeJSON(w, http.StatusOK, items)
}

type createMessageRequest struct {
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId,omitempty"`
	ChatRoomID string `json:"chatRoomId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Relay      bool   `json:"relay,omitempty"`
}

// Create handles POST /api/messages
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &domain.Message{Content: req.Content, SenderID: req.SenderID}
	if req.ReceiverID != "" {
		msg.ReceiverID = &req.ReceiverID
	}
	if req.ChatRoomID != "" {
		msg.ChatRoomID = &req.ChatRoomID
	}
	if err := msg.Validate(h.maxContent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sender, err := h.store.GetUser(r.Context(), req.SenderID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "sender not found")
			return
		}
		h.logger.Error("get sender failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}
	if req.ReceiverID != "" && !userExists(r.Context(), h.store, h.logger, w, req.ReceiverID) {
		return
	}
	var room *domain.ChatRoom
	if req.ChatRoomID != "" {
		var ok bool
		if room, ok = memberRoom(r.Context(), h.store, h.logger, w, req.ChatRoomID, req.SenderID); !ok {
			return
		}
	}

	saved, err := h.store.CreateMessage(r.Context(), msg)
	if err != nil {
		h.logger.Error("create message failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}
	saved.SenderName = req.SenderName
	if saved.SenderName == "" {
		saved.SenderName = sender.Name
	}

	if req.Relay && h.relay != nil {
		h.relaySaved(r.Context(), saved, req.ReceiverID, room)
	}

	writeJSON(w, http.StatusCreated, saved)
}

// relaySaved delivers a stored message live, to the receiver or to the
// room's members. Failures are logged; the message is already persisted.
func (h *MessageHandler) relaySaved(ctx context.Context, saved *domain.Message, receiverID string, room *domain.ChatRoom) {
	var (
		res domain.RelayResult
		err error
	)
	if room != nil {
		res, err = h.relay.RelayRoom(ctx, domain.RoomIntent{
			SenderID:   saved.SenderID,
			ChatRoomID: room.ID,
			Content:    saved.Content,
			SenderName: saved.SenderName,
			MessageID:  saved.ID,
			MemberIDs:  room.MemberIDs(),
		})
	} else {
		res, err = h.relay.Relay(ctx, domain.SendIntent{
			SenderID:   saved.SenderID,
			ReceiverID: receiverID,
			Content:    saved.Content,
			SenderName: saved.SenderName,
			MessageID:  saved.ID,
		})
	}
	if err != nil {
		h.logger.Warn("relay after persist failed", "error", err, "message_id", saved.ID)
		return
	}
	h.logger.Debug("message persisted and relayed", "message_id", saved.ID, "delivered", res.Delivered)
}

// Unread handles GET /api/messages/unread?userId=
func (h *MessageHandler) Unread(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	summary, err := h.store.UnreadCounts(r.Context(), userID)
	if err != nil {
		h.logger.Error("unread counts failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to fetch unread counts")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MarkRead handles POST /api/messages/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var input struct {
		UserID   string `json:"userId"`
		SenderID string `json:"senderId"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if input.UserID == "" || input.SenderID == "" {
		writeError(w, http.StatusBadRequest, "userId and senderId are required")
		return
	}

	n, err := h.store.MarkRead(r.Context(), input.UserID, input.SenderID)
	if err != nil {
		h.logger.Error("mark read failed", "error", err, "user_id", input.UserID)
		writeError(w, http.StatusInternalServerError, "failed to mark messages as read")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"updated": n,
	})
}
