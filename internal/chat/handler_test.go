package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	myMiddleware "campus-chat/internal/middleware"
	"campus-chat/internal/presence"
	"campus-chat/internal/storage"
)

type apiEnv struct {
	*testEnv
	server    *httptest.Server
	router    http.Handler
	tracker   *presence.Tracker
	uploadDir string
}

// The test router trusts an X-User-ID header in place of a JWT.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	env := newTestEnv(t)
	tracker := presence.NewTracker()

	dir := filepath.Join(t.TempDir(), "uploads")
	store, err := storage.NewLocalStore(dir, "/uploads")
	require.NoError(t, err)
	h := NewHandler(env.svc, storage.NewUploader(store, 0, nil), tracker, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v := r.Header.Get("X-User-ID"); v != "" {
				id, _ := strconv.ParseInt(v, 10, 64)
				r = r.WithContext(myMiddleware.WithUser(r.Context(), id, "user-"+v))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Route("/api", h.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiEnv{testEnv: env, server: srv, router: r, tracker: tracker, uploadDir: dir}
}

func (e *apiEnv) do(t *testing.T, as int64, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if as != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(as, 10))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.send(t, req)
}

func (e *apiEnv) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		var v any
		require.NoError(t, json.Unmarshal(raw, &v), string(raw))
		switch x := v.(type) {
		case map[string]any:
			out = x
		default:
			out["items"] = x
		}
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (e *apiEnv) startDirect(t *testing.T, from, to int64) int64 {
	t.Helper()
	status, body := e.do(t, from, "POST", "/api/conversations", map[string]any{"type": "user_to_user", "other_user_id": to})
	require.Equal(t, http.StatusOK, status, body)
	return int64(body["id"].(float64))
}

func TestAPI_AliceAndBob(t *testing.T) {
	e := newAPIEnv(t)
	conv := e.startDirect(t, alice, bob)

	status, body := e.do(t, bob, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv), map[string]any{"text_content": "hi"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, float64(bob), body["sender_id"])
	assert.Equal(t, false, body["is_from_assistant"])
	assert.Equal(t, "Bob", body["sender_name"])

	status, body = e.do(t, alice, "GET", fmt.Sprintf("/api/conversations/%d/messages", conv), nil)
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	msg := items[0].(map[string]any)
	assert.Equal(t, "hi", msg["text_content"])
	assert.Equal(t, false, msg["is_from_assistant"])
	assert.Equal(t, float64(bob), msg["sender_id"])

	// Same conversation from the other side.
	assert.Equal(t, conv, e.startDirect(t, bob, alice))

	status, body = e.do(t, alice, "GET", "/api/conversations", nil)
	require.Equal(t, http.StatusOK, status)
	list := body["items"].([]any)
	require.Len(t, list, 1)
	summary := list[0].(map[string]any)
	assert.Equal(t, float64(1), summary["unread_count"])
	assert.Equal(t, "Bob", summary["other_user"].(map[string]any)["display_name"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	e := newAPIEnv(t)
	conv := e.startDirect(t, alice, bob)
	msgsPath := fmt.Sprintf("/api/conversations/%d/messages", conv)

	status, body := e.do(t, carol, "GET", msgsPath, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ACCESS_DENIED", errorCode(body))

	status, body = e.do(t, alice, "POST", msgsPath, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, _ = e.do(t, 0, "GET", msgsPath, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = e.do(t, alice, "GET", "/api/conversations/abc/messages", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = e.do(t, alice, "POST", "/api/conversations", map[string]any{"type": "user_to_user", "other_user_id": alice})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_PARTICIPANT", errorCode(body))

	status, body = e.do(t, alice, "POST", "/api/conversations", map[string]any{"type": "user_to_user", "other_user_id": 999999})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	req, err := http.NewRequest("POST", e.server.URL+msgsPath, bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "1")
	status, body = e.send(t, req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestAPI_EditAndDelete(t *testing.T) {
	e := newAPIEnv(t)
	conv := e.startDirect(t, alice, bob)
	_, body := e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv), map[string]any{"text_content": "draft"})
	id := int64(body["id"].(float64))
	path := fmt.Sprintf("/api/messages/%d", id)

	status, body := e.do(t, bob, "PUT", path, map[string]any{"text_content": "mine now"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	status, body = e.do(t, alice, "PUT", path, map[string]any{"text_content": "final"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "final", body["text_content"])
	assert.Equal(t, true, body["is_edited"])

	status, _ = e.do(t, bob, "DELETE", path, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = e.do(t, alice, "DELETE", path, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = e.do(t, alice, "DELETE", path, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = e.do(t, bob, "GET", fmt.Sprintf("/api/conversations/%d/messages", conv), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["items"])
}

func TestAPI_ReadState(t *testing.T) {
	e := newAPIEnv(t)
	conv := e.startDirect(t, alice, bob)
	_, body := e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv), map[string]any{"text_content": "1"})
	id := int64(body["id"].(float64))

	status, _ := e.do(t, bob, "POST", fmt.Sprintf("/api/messages/%d/delivered", id), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = e.do(t, alice, "GET", fmt.Sprintf("/api/messages/%d/status", id), nil)
	require.Equal(t, http.StatusOK, status)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "delivered", items[0].(map[string]any)["status"])

	status, body = e.do(t, bob, "POST", fmt.Sprintf("/api/conversations/%d/mark-read", conv), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{float64(id)}, body["message_ids"])

	status, body = e.do(t, bob, "POST", fmt.Sprintf("/api/conversations/%d/mark-read", conv), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{}, body["message_ids"])

	status, _ = e.do(t, bob, "POST", fmt.Sprintf("/api/messages/%d/read", id), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = e.do(t, carol, "POST", fmt.Sprintf("/api/messages/%d/read", id), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_SearchPresenceTyping(t *testing.T) {
	e := newAPIEnv(t)
	conv := e.startDirect(t, alice, bob)
	e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/messages", conv), map[string]any{"text_content": "Lab report due"})

	status, body := e.do(t, bob, "GET", "/api/search?query=report", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["items"], 1)

	status, body = e.do(t, carol, "GET", fmt.Sprintf("/api/search?query=report&conversationId=%d", conv), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = e.do(t, bob, "GET", "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	e.tracker.SetOnline(bob)
	status, body = e.do(t, alice, "GET", fmt.Sprintf("/api/users/%d/presence", bob), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_online"])
	assert.Equal(t, "Online", body["last_seen_text"])

	status, body = e.do(t, alice, "GET", fmt.Sprintf("/api/users/%d/presence", carol), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["is_online"])
	assert.Nil(t, body["last_seen"])

	e.tracker.SetTyping(conv, bob)
	status, body = e.do(t, alice, "GET", fmt.Sprintf("/api/conversations/%d/typing", conv), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{float64(bob)}, body["user_ids"])

	status, _ = e.do(t, carol, "GET", fmt.Sprintf("/api/conversations/%d/typing", conv), nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAPI_TriggerAssistant(t *testing.T) {
	e := newAPIEnv(t)
	status, body := e.do(t, alice, "POST", "/api/conversations", map[string]any{"type": "user_to_assistant"})
	require.Equal(t, http.StatusOK, status)
	conv := int64(body["id"].(float64))
	assert.Nil(t, body["other_user"])

	status, body = e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/assistant-message", conv), nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "scheduled", body["status"])

	status, body = e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/assistant-message", conv), map[string]any{"text_content": "help"})
	require.Equal(t, http.StatusAccepted, status)
	assert.NotNil(t, body["message"])
	assert.Equal(t, []int64{conv, conv}, e.trigger.calls())

	direct := e.startDirect(t, alice, bob)
	status, body = e.do(t, alice, "POST", fmt.Sprintf("/api/conversations/%d/assistant-message", direct), nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_STATE", errorCode(body))
}

func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *apiEnv) upload(t *testing.T, path, field string, files map[string][]byte) (int, map[string]any) {
	t.Helper()
	body, ct := multipartBody(t, field, files)
	req, err := http.NewRequest("POST", e.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-User-ID", "1")
	return e.send(t, req)
}

func TestAPI_Upload(t *testing.T) {
	e := newAPIEnv(t)

	status, body := e.upload(t, "/api/messages/upload", "file", map[string][]byte{"notes.txt": []byte("lecture notes")})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "file", body["content_type"])
	assert.Equal(t, "notes.txt", body["file_name"])
	assert.Equal(t, "text/plain", body["mime_type"])
	assert.Contains(t, body["file_url"], "/uploads/")

	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAPI_UploadTooLarge(t *testing.T) {
	e := newAPIEnv(t)

	// Served in-process: a real server may reset the connection before the
	// client finishes writing an oversized body.
	big := bytes.Repeat([]byte("x"), 11<<20)
	body, ct := multipartBody(t, "file", map[string][]byte{"big.pdf": big})
	req := httptest.NewRequest("POST", "/api/messages/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-User-ID", "1")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_FAILED", errorCode(resp))

	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAPI_UploadBatchPartialFailure(t *testing.T) {
	e := newAPIEnv(t)

	status, body := e.upload(t, "/api/messages/upload/batch", "files", map[string][]byte{
		"ok.txt":    []byte("fine"),
		"virus.exe": []byte("MZ\x90\x00"),
	})
	require.Equal(t, http.StatusOK, status, body)
	uploaded := body["uploaded"].([]any)
	errs := body["errors"].([]any)
	require.Len(t, uploaded, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, "ok.txt", uploaded[0].(map[string]any)["file_name"])
	assert.Contains(t, errs[0], "virus.exe")

	status, _ = e.upload(t, "/api/messages/upload/batch", "files", map[string][]byte{})
	assert.Equal(t, http.StatusBadRequest, status)
}
