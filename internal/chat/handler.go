package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"campus-chat/internal/apperror"
	myMiddleware "campus-chat/internal/middleware"
	"campus-chat/internal/presence"
	"campus-chat/internal/storage"
)

// multipart overhead allowed on top of the file size limit
const uploadOverhead = 1 << 20

type Handler struct {
	svc      *Service
	uploader *storage.Uploader
	presence *presence.Tracker
	logger   *slog.Logger
}

func NewHandler(svc *Service, uploader *storage.Uploader, tracker *presence.Tracker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:      svc,
		uploader: uploader,
		presence: tracker,
		logger:   logger.With("component", "chat-http"),
	}
}

// Routes mounts the REST surface. The router must already authenticate.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/conversations", h.ListConversations)
	r.Post("/conversations", h.StartConversation)
	r.Get("/conversations/{id}", h.GetConversation)
	r.Get("/conversations/{id}/messages", h.GetChatHistory)
	r.Post("/conversations/{id}/messages", h.SendMessage)
	r.Post("/conversations/{id}/mark-read", h.MarkConversationRead)
	r.Post("/conversations/{id}/assistant-message", h.TriggerAssistant)
	r.Get("/conversations/{id}/typing", h.TypingUsers)

	r.Put("/messages/{id}", h.EditMessage)
	r.Delete("/messages/{id}", h.DeleteMessage)
	r.Post("/messages/{id}/read", h.MarkRead)
	r.Post("/messages/{id}/delivered", h.MarkDelivered)
	r.Get("/messages/{id}/status", h.ReadStatuses)
	r.Post("/messages/upload", h.Upload)
	r.Post("/messages/upload/batch", h.UploadBatch)

	r.Get("/search", h.Search)
	r.Get("/users/{id}/presence", h.Presence)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperror.CodeOf(err)
	if code == apperror.CodeInternal {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, apperror.HTTPStatus(code), map[string]any{
		"error": map[string]string{"code": string(code), "message": apperror.MessageOf(err)},
	})
}

func callerID(r *http.Request) (int64, bool) {
	id, _, ok := myMiddleware.UserFromContext(r.Context())
	return id, ok
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("invalid id")
	}
	return id, nil
}

// authed wraps the boilerplate every endpoint shares.
func (h *Handler) authed(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]string{"code": string(apperror.CodeUnauthenticated), "message": "unauthorized"},
		})
	}
	return userID, ok
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.Validation("malformed request body")
	}
	return nil
}

type startConversationRequest struct {
	Type        ConversationType `json:"type"`
	OtherUserID *int64           `json:"other_user_id"`
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = UserToUser
	}

	sum, err := h.svc.StartConversation(r.Context(), userID, req.OtherUserID, req.Type)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	conv, err := h.svc.GetConversation(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperror.Validation("invalid " + name)
	}
	return n, nil
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize", DefaultPageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	msgs, err := h.svc.ListMessages(r.Context(), userID, id, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), userID, id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type editRequest struct {
	TextContent string `json:"text_content"`
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.svc.EditMessage(r.Context(), userID, id, req.TextContent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteMessage(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ids, err := h.svc.MarkConversationRead(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_ids": ids})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.messageAction(w, r, h.svc.MarkRead)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.messageAction(w, r, h.svc.MarkDelivered)
}

func (h *Handler) messageAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID, messageID int64) error) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := action(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ReadStatuses(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	statuses, err := h.svc.ReadStatuses(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if statuses == nil {
		statuses = []MessageReadStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

type triggerRequest struct {
	TextContent *string `json:"text_content"`
}

func (h *Handler) TriggerAssistant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	msg, err := h.svc.TriggerAssistant(r.Context(), userID, id, req.TextContent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// The reply arrives later over the websocket.
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled", "message": msg})
}

func (h *Handler) TypingUsers(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.svc.GetConversation(r.Context(), userID, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": h.presence.TypingUsers(id)})
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authed(w, r)
	if !ok {
		return
	}
	var conversationID *int64
	if v := r.URL.Query().Get("conversationId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, r, apperror.Validation("invalid conversationId"))
			return
		}
		conversationID = &id
	}

	msgs, err := h.svc.Search(r.Context(), userID, r.URL.Query().Get("query"), conversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type presenceResponse struct {
	UserID       int64  `json:"user_id"`
	IsOnline     bool   `json:"is_online"`
	LastSeen     any    `json:"last_seen"`
	LastSeenText string `json:"last_seen_text"`
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st := h.presence.Status(id)
	resp := presenceResponse{UserID: id, IsOnline: st.IsOnline, LastSeenText: h.presence.LastSeenText(id)}
	if st.Known && !st.LastSeen.IsZero() {
		resp.LastSeen = st.LastSeen
	}
	writeJSON(w, http.StatusOK, resp)
}

func contentFromAttachment(a *storage.Attachment) MessageContent {
	ct := ContentFile
	if a.IsImage {
		ct = ContentImage
	}
	return MessageContent{
		ContentType:  ct,
		FileURL:      &a.URL,
		FileName:     &a.FileName,
		MimeType:     &a.MimeType,
		FileSize:     &a.Size,
		Width:        a.Width,
		Height:       a.Height,
		ThumbnailURL: a.ThumbnailURL,
	}
}

// Upload accepts one file in the "file" field and returns a content part
// the client attaches to its next message.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.uploader.MaxSize()+uploadOverhead)
	_, fh, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, uploadFormError(err))
		return
	}

	att, err := h.uploader.Upload(r.Context(), fh)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contentFromAttachment(att))
}

type batchUploadResponse struct {
	Uploaded []MessageContent `json:"uploaded"`
	Errors   []string         `json:"errors"`
}

// UploadBatch stores every acceptable file in the "files" field and reports
// the rest per file instead of failing the batch.
func (h *Handler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authed(w, r); !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(MaxContentParts)*(h.uploader.MaxSize()+uploadOverhead))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, r, uploadFormError(err))
		return
	}
	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		h.writeError(w, r, apperror.Validation("no files provided"))
		return
	}
	if len(files) > MaxContentParts {
		h.writeError(w, r, apperror.Validation("too many files"))
		return
	}

	resp := batchUploadResponse{Uploaded: []MessageContent{}, Errors: []string{}}
	for _, fh := range files {
		att, err := h.uploader.Upload(r.Context(), fh)
		if err != nil {
			resp.Errors = append(resp.Errors, fh.Filename+": "+apperror.MessageOf(err))
			continue
		}
		resp.Uploaded = append(resp.Uploaded, contentFromAttachment(att))
	}
	writeJSON(w, http.StatusOK, resp)
}

func uploadFormError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.Validation("file exceeds the upload size limit")
	}
	return apperror.Validation("multipart form with a file is required")
}
