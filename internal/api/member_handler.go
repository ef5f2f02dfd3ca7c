package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/teamcodebridge/chatrelay/internal/domain"
)

// MemberHandler handles member and presence endpoints
type MemberHandler struct {
	store    HistoryStore // nil when the history API is disabled
	presence Presence
	logger   *slog.Logger
}

func NewMemberHandler(store HistoryStore, presence Presence, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{
		store:    store,
		presence: presence,
		logger:   logger.With("component", "api"),
	}
}

// List handles GET /api/members
func (h *MemberHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list members failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch members")
		return
	}

	online := make(map[string]struct{})
	for _, id := range h.presence.OnlineUsers() {
		online[id] = struct{}{}
	}

	members := make([]domain.PublicUser, len(users))
	for i := range users {
		members[i] = users[i].ToPublic()
		_, members[i].IsOnline = online[users[i].ID]
	}
	writeJSON(w, http.StatusOK, members)
}

type memberRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Team     string `json:"team,omitempty"`
	Position string `json:"position,omitempty"`
	Status   string `json:"status,omitempty"`
	Image    string `json:"image,omitempty"`
}

func (req memberRequest) user() *domain.User {
	return &domain.User{
		ID:       req.ID,
		Name:     strings.TrimSpace(req.Name),
		Email:    req.Email,
		Team:     req.Team,
		Position: req.Position,
		Status:   req.Status,
		Image:    req.Image,
	}
}

// Create handles POST /api/members. An ID is generated when none is given;
// an existing ID has its profile replaced.
func (h *MemberHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	h.upsert(w, r, req.user(), http.StatusCreated)
}

// Update handles PUT /api/members/{id}
func (h *MemberHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if req.ID != "" && req.ID != id {
		writeError(w, http.StatusBadRequest, "id in body does not match path")
		return
	}
	req.ID = id
	h.upsert(w, r, req.user(), http.StatusOK)
}

func (h *MemberHandler) upsert(w http.ResponseWriter, r *http.Request, user *domain.User, status int) {
	if err := user.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpsertUser(r.Context(), user); err != nil {
		h.logger.Error("upsert member failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "failed to save member")
		return
	}

	saved, err := h.store.GetUser(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("get member failed", "error", err, "user_id", user.ID)
		writeError(w, http.StatusInternalServerError, "failed to fetch member")
		return
	}
	h.logger.Info("member saved", "user_id", saved.ID)
	writeJSON(w, status, h.public(saved))
}

// Get handles GET /api/members/{id}
func (h *MemberHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("get member failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch member")
		return
	}
	writeJSON(w, http.StatusOK, h.public(user))
}

func (h *MemberHandler) public(u *domain.User) domain.PublicUser {
	p := u.ToPublic()
	for _, id := range h.presence.OnlineUsers() {
		if id == u.ID {
			p.IsOnline = true
			break
		}
	}
	return p
}

// Presence handles GET /api/presence
func (h *MemberHandler) Presence(w http.ResponseWriter, r *http.Request) {
	users := h.presence.OnlineUsers()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}
