package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestSendReturnsMessageID(t *testing.T) {
	var got OutMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"msg_id":"wamid.42"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		Endpoint:      srv.URL + "/",
		Token:         "secret",
		ConnectorType: ConnectorGupshup,
		Logger:        zerolog.Nop(),
	})

	msgID, err := c.Send(context.Background(), textMessage("hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msgID != "wamid.42" {
		t.Fatalf("unexpected msg id %q", msgID)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.Type != "text" || got.Text != "hello" || got.To != "555" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSendMissingMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, ConnectorType: ConnectorGupshup, Logger: zerolog.Nop()})

	_, err := c.Send(context.Background(), textMessage("hello"))
	if err == nil || err.Error() != "Server error." {
		t.Fatalf("expected server error, got %v", err)
	}
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %T", err)
	}
}

func TestSendRejectsInvalidWithoutCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, ConnectorType: ConnectorGupshup, Logger: zerolog.Nop()})

	_, err := c.Send(context.Background(), OutMessage{ID: "1", To: "555", Type: "sticker"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Fatal("invalid message must not hit the bridge")
	}
}

func TestSendBridgeFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, ConnectorType: ConnectorGupshup, Logger: zerolog.Nop()})

	_, err := c.Send(context.Background(), textMessage("hello"))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if IsValidation(err) {
		t.Fatalf("transport failures are not validation errors: %v", err)
	}
}
