// Package chatapi is the REST surface of the delivery core: chats, messages,
// catch-up, acknowledgements and presence.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/delivery"
)

const defaultMaxBodyBytes = 64 << 10

// Config controls REST API limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler wires HTTP endpoints to the delivery service.
type Handler struct {
	log   *slog.Logger
	svc   *delivery.Service
	ident identity.Resolver
	cfg   Config
}

// NewHandler constructs a Handler. A nil resolver trusts identity.DefaultHeader.
func NewHandler(log *slog.Logger, svc *delivery.Service, ident identity.Resolver, cfg Config) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if ident == nil {
		ident = identity.NewHeaderResolver("", false)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{log: log, svc: svc, ident: ident, cfg: cfg}
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /chats", h.handleCreateChat)
	mux.HandleFunc("GET /chats", h.handleListChats)
	mux.HandleFunc("POST /chats/{chatID}/messages", h.handleSend)
	mux.HandleFunc("GET /chats/{chatID}/messages", h.handleCatchUp)
	mux.HandleFunc("POST /chats/{chatID}/ack", h.handleAck)
	mux.HandleFunc("GET /chats/{chatID}/watermark", h.handleWatermark)
	mux.HandleFunc("GET /chats/{chatID}/seen", h.handleSeenBy)
	mux.HandleFunc("GET /users", h.handleContacts)
	mux.HandleFunc("GET /users/{userID}/presence", h.handlePresence)
}

// ---- handlers ----

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createChatRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	chat, err := h.svc.CreateChat(r.Context(), delivery.CreateChatInput{
		CreatorID:      userID,
		ParticipantIDs: req.ParticipantIDs,
		IsGroup:        req.IsGroup,
		Name:           req.Name,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatResponse(chat))
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	views, err := h.svc.ListChats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := chatListResponse{Chats: make([]chatListItem, 0, len(views))}
	for _, v := range views {
		out.Chats = append(out.Chats, toChatListItem(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.Send(r.Context(), delivery.SendInput{
		ChatID:      r.PathValue("chatID"),
		SenderID:    userID,
		ClientMsgID: strings.TrimSpace(req.ClientMsgID),
		Content:     req.Content,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, sendMessageResponse{Message: toMessageResponse(res.Message), Duplicated: res.Duplicated})
}

// handleCatchUp serves GET /chats/{chatID}/messages?after_seq=&limit=. Without
// after_seq it resumes from the caller's ack watermark.
func (h *Handler) handleCatchUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	chatID := r.PathValue("chatID")
	q := r.URL.Query()

	var after *int64
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after_seq must be an integer")
			return
		}
		after = &n
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		limit = n
	}

	from, err := h.svc.ResumePoint(r.Context(), userID, chatID, after)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.CatchUp(r.Context(), userID, chatID, from, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCatchUpResponse(res))
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req ackRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	chatID := r.PathValue("chatID")
	res, err := h.svc.Ack(r.Context(), userID, chatID, req.Seq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{ChatID: chatID, Watermark: res.Watermark, Advanced: res.Advanced})
}

func (h *Handler) handleWatermark(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	chatID := r.PathValue("chatID")
	wm, err := h.svc.Watermark(r.Context(), userID, chatID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, watermarkResponse{ChatID: chatID, UserID: userID, Watermark: wm})
}

func (h *Handler) handleSeenBy(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	seq, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("seq")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "seq is required")
		return
	}

	chatID := r.PathValue("chatID")
	seen, err := h.svc.SeenBy(r.Context(), userID, chatID, seq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if seen == nil {
		seen = []string{}
	}
	writeJSON(w, http.StatusOK, seenResponse{ChatID: chatID, Seq: seq, SeenBy: seen})
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	target := r.PathValue("userID")
	if !identity.ValidUserID(target) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid user id")
		return
	}
	status, err := h.svc.Presence(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	seen, err := h.svc.LastSeen(r.Context(), target)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p := status[target]
	if p == "" {
		p = delivery.PresenceOffline
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: target, Presence: string(p), LastSeen: timeOrNil(seen[target])})
}

// handleContacts lists the users the caller shares a chat with.
func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	users, err := h.svc.Contacts(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := userListResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		out.Users = append(out.Users, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.ident.Resolve(r)
	if err != nil {
		code := "unauthenticated"
		if errors.Is(err, identity.ErrInvalidUserID) {
			code = "invalid_user_id"
		}
		writeError(w, http.StatusUnauthorized, code, err.Error())
		return "", false
	}
	return userID, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := delivery.Code(err)
	switch code {
	case "chat_not_found":
		writeError(w, http.StatusNotFound, code, err.Error())
	case "not_a_participant":
		writeError(w, http.StatusForbidden, code, err.Error())
	case "validation":
		writeError(w, http.StatusBadRequest, code, err.Error())
	case "persistence":
		h.log.Warn("chatapi.persistence.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, code, "storage unavailable, retry later")
	default:
		h.log.Error("chatapi.request.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
