package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// RoomHandler handles chat room endpoints. The acting user is named by the
// request, since identity is issued by the external session layer.
type RoomHandler struct {
	store  HistoryStore
	logger *slog.Logger
}

func NewRoomHandler(store HistoryStore, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{
		store:  store,
		logger: logger.With("component", "api"),
	}
}

type createRoomRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatedByID string   `json:"createdById"`
	MemberIDs   []string `json:"memberIds"`
}

// Create handles POST /api/chat-rooms
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	room := &domain.ChatRoom{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		CreatedByID: req.CreatedByID,
	}
	if err := room.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.MemberIDs) == 0 {
		writeError(w, http.StatusBadRequest, "memberIds is required")
		return
	}

	members := domain.RoomMemberIDs(room.CreatedByID, req.MemberIDs)
	if !userExists(r.Context(), h.store, h.logger, w, members...) {
		return
	}

	created, err := h.store.CreateRoom(r.Context(), room, members)
	if err != nil {
		h.logger.Error("create chat room failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create chat room")
		return
	}
	h.logger.Info("chat room created", "chat_room_id", created.ID, "members", len(created.Members))
	writeJSON(w, http.StatusCreated, created)
}

// List handles GET /api/chat-rooms?userId=
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	rooms, err := h.store.ListRooms(r.Context(), userID)
	if err != nil {
		h.logger.Error("list chat rooms failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to fetch chat rooms")
		return
	}
	if rooms == nil {
		rooms = []domain.ChatRoom{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// Get handles GET /api/chat-rooms/{id}?userId=
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	room, ok := memberRoom(r.Context(), h.store, h.logger, w, r.PathValue("id"), userID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// Delete handles DELETE /api/chat-rooms/{id}?userId=. Only the creator may
// delete a room.
func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	room, ok := findRoom(r.Context(), h.store, h.logger, w, r.PathValue("id"))
	if !ok {
		return
	}
	if room.CreatedByID != userID {
		writeError(w, http.StatusForbidden, domain.ErrNotRoomCreator.Error())
		return
	}

	if err := h.store.DeleteRoom(r.Context(), room.ID); err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("delete chat room failed", "error", err, "chat_room_id", room.ID)
		writeError(w, http.StatusInternalServerError, "failed to delete chat room")
		return
	}
	h.logger.Info("chat room deleted", "chat_room_id", room.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AddMember handles POST /api/chat-rooms/{id}/members. userId is the acting
// member, memberId the user being added.
func (h *RoomHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var input struct {
		UserID   string `json:"userId"`
		MemberID string `json:"memberId"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if input.UserID == "" || input.MemberID == "" {
		writeError(w, http.StatusBadRequest, "userId and memberId are required")
		return
	}

	room, ok := memberRoom(r.Context(), h.store, h.logger, w, r.PathValue("id"), input.UserID)
	if !ok {
		return
	}
	if room.HasMember(input.MemberID) {
		writeError(w, http.StatusBadRequest, domain.ErrAlreadyMember.Error())
		return
	}
	if !userExists(r.Context(), h.store, h.logger, w, input.MemberID) {
		return
	}

	if err := h.store.AddRoomMember(r.Context(), room.ID, input.MemberID); err != nil {
		if errors.Is(err, domain.ErrAlreadyMember) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("add chat room member failed", "error", err, "chat_room_id", room.ID)
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}

	updated, err := h.store.GetRoom(r.Context(), room.ID)
	if err != nil {
		h.logger.Error("get chat room failed", "error", err, "chat_room_id", room.ID)
		writeError(w, http.StatusInternalServerError, "failed to fetch chat room")
		return
	}
	writeJSON(w, http.StatusCreated, updated)
}

// RemoveMember handles DELETE /api/chat-rooms/{id}/members/{userId}?actorId=.
// Members may leave; the creator may remove anyone.
func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	memberID := r.PathValue("userId")
	actorID := r.URL.Query().Get("actorId")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "actorId is required")
		return
	}

	room, ok := findRoom(r.Context(), h.store, h.logger, w, r.PathValue("id"))
	if !ok {
		return
	}
	if actorID != memberID && actorID != room.CreatedByID {
		writeError(w, http.StatusForbidden, "only the room creator can remove other members")
		return
	}

	if err := h.store.RemoveRoomMember(r.Context(), room.ID, memberID); err != nil {
		if errors.Is(err, domain.ErrNotRoomMember) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("remove chat room member failed", "error", err, "chat_room_id", room.ID)
		writeError(w, http.StatusInternalServerError, "failed to remove member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// findRoom writes a 404 and returns false when the room does not exist.
func findRoom(ctx context.Context, store HistoryStore, logger *slog.Logger, w http.ResponseWriter, id string) (*domain.ChatRoom, bool) {
	room, err := store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return nil, false
		}
		logger.Error("get chat room failed", "error", err, "chat_room_id", id)
		writeError(w, http.StatusInternalServerError, "failed to fetch chat room")
		return nil, false
	}
	return room, true
}

// memberRoom is findRoom plus a 403 when userID is not a member.
func memberRoom(ctx context.Context, store HistoryStore, logger *slog.Logger, w http.ResponseWriter, id, userID string) (*domain.ChatRoom, bool) {
	room, ok := findRoom(ctx, store, logger, w, id)
	if !ok {
		return nil, false
	}
	if !room.HasMember(userID) {
		writeError(w, http.StatusForbidden, domain.ErrNotRoomMember.Error())
		return nil, false
	}
	return room, true
}

// userExists writes a 404 and returns false when any ID is unknown.
func userExists(ctx context.Context, store HistoryStore, logger *slog.Logger, w http.ResponseWriter, ids ...string) bool {
	for _, id := range ids {
		if _, err := store.GetUser(ctx, id); err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "user not found: "+id)
				return false
			}
			logger.Error("get user failed", "error", err, "user_id", id)
			writeError(w, http.StatusInternalServerError, "failed to fetch user")
			return false
		}
	}
	return true
}
