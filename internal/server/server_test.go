package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatwire/internal/ai"
	"chatwire/internal/crypto"
	"chatwire/internal/gateway"
	"chatwire/internal/queue"
	"chatwire/internal/storage"
)

type apiFixture struct {
	store  *storage.Store
	router *gin.Engine
	aiSrv  *httptest.Server
	convID int64
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	key := make([]byte, 32)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	kr, err := crypto.NewKeyring("default", map[string][]byte{"default": key})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	aiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"text":"the answer"}],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`))
	}))
	t.Cleanup(aiSrv.Close)

	executor := ai.NewExecutor(ai.ExecutorConfig{
		History:    store,
		Usage:      store,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Logger:     zerolog.Nop(),
	})

	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"msg_id":"wamid.7"}`))
	}))
	t.Cleanup(bridgeSrv.Close)
	bridge := gateway.NewClient(gateway.ClientConfig{
		Endpoint:      bridgeSrv.URL,
		ConnectorType: gateway.ConnectorGupshup,
		Logger:        zerolog.Nop(),
	})

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	srv := New(Config{
		Store:    store,
		Keyring:  kr,
		Executor: executor,
		Queue:    queue.NewStreamQueue(rdb, "chatwire:test-jobs", "workers", "api-test", 50*time.Millisecond),
		Dedupe:   queue.NewJobDeduplicator(rdb, time.Minute),
		Gateway:  bridge,
		Logger:   zerolog.Nop(),
	})
	router := srv.Router("/healthz", "/metrics", nil)

	convID, err := store.CreateConversation(ctx, storage.Conversation{Name: "Dee", Number: "444"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return &apiFixture{store: store, router: router, aiSrv: aiSrv, convID: convID}
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createConfig(t *testing.T, operation string) int64 {
	t.Helper()
	w := f.doJSON(t, http.MethodPost, "/api/ai/configs", map[string]any{
		"name":        "helper",
		"endpoint":    f.aiSrv.URL,
		"operation":   operation,
		"model":       "gpt-4o-mini",
		"auth_token":  "tok-9",
		"temperature": 0.5,
		"top_p":       1,
		"command":     "Answer briefly.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create config: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.ID
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	w := f.doJSON(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: status %d", w.Code)
	}
}

func TestCreateConfigValidation(t *testing.T) {
	f := newAPIFixture(t)
	w := f.doJSON(t, http.MethodPost, "/api/ai/configs", map[string]any{
		"name":        "bad",
		"operation":   "completions",
		"model":       "gpt-4o-mini",
		"auth_token":  "tok",
		"temperature": 3.0,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "Temperature must be between 0 and 2." {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestExecuteConfig(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createConfig(t, "completions")

	w := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/ai/configs/%d/execute", id), map[string]any{
		"text":            "what is up",
		"conversation_id": f.convID,
		"user_ref":        "agent-5",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("execute: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer != "the answer" {
		t.Fatalf("unexpected answer %q", resp.Answer)
	}

	// The invocation must leave a usage row behind.
	usage := f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/ai/usage?conversation_id=%d", f.convID), nil)
	if usage.Code != http.StatusOK {
		t.Fatalf("usage: status %d", usage.Code)
	}
	var usageResp struct {
		Usage []struct {
			TotalTokens int    `json:"total_tokens"`
			UserRef     string `json:"user_ref"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(usage.Body.Bytes(), &usageResp); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(usageResp.Usage) != 1 || usageResp.Usage[0].TotalTokens != 4 {
		t.Fatalf("unexpected usage rows %+v", usageResp.Usage)
	}
}

func TestConfigEditable(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createConfig(t, "completions")

	w := f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/ai/configs/%d/editable", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("editable: status %d", w.Code)
	}
	var resp struct {
		Editable bool   `json:"editable"`
		Help     string `json:"help"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Editable {
		t.Fatal("completions must be editable")
	}
}

func TestSendMessage(t *testing.T) {
	f := newAPIFixture(t)

	msgID, err := f.store.InsertMessage(context.Background(), storage.Message{
		ConversationID: f.convID,
		Type:           "text",
		Text:           "outbound",
		FromMe:         true,
		DateMessage:    time.Date(2026, 8, 23, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	w := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/send", msgID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("send: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		MsgID string `json:"msg_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MsgID != "wamid.7" {
		t.Fatalf("unexpected msg id %q", resp.MsgID)
	}

	msg, err := f.store.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.SentMsgID != "wamid.7" {
		t.Fatalf("sent id not persisted: %+v", msg)
	}
}

func TestTranscribeMessage(t *testing.T) {
	f := newAPIFixture(t)
	cfgID := f.createConfig(t, "audio_transcriptions")

	msgID, err := f.store.InsertMessage(context.Background(), storage.Message{
		ConversationID: f.convID,
		Type:           "audio",
		Filename:       "note.mp3",
		Mimetype:       "audio/mpeg",
		Media:          []byte("riff"),
		DateMessage:    time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	w := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/transcribe", msgID), map[string]any{
		"config_id": cfgID,
		"user_ref":  "agent-5",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("transcribe: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		JobID    string `json:"job_id"`
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected job id in response")
	}
	if resp.StreamID == "" {
		t.Fatal("expected stream id in response")
	}

	// A second request for the same message must be rejected while the
	// first job is still pending.
	again := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/messages/%d/transcribe", msgID), map[string]any{
		"config_id": cfgID,
	})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", again.Code)
	}
}

func TestTranscribeWithoutQueue(t *testing.T) {
	f := newAPIFixture(t)
	srv := New(Config{Store: f.store, Logger: zerolog.Nop()})
	router := srv.Router("/healthz", "/metrics", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/1/transcribe", bytes.NewBufferString(`{"config_id":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestExecuteUnknownConfig(t *testing.T) {
	f := newAPIFixture(t)
	w := f.doJSON(t, http.MethodPost, "/api/ai/configs/999/execute", map[string]any{"text": "x"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
