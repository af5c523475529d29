package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"atlas/internal/types"
)

type capturedRequest struct {
	method string
	path   string
	body   []byte
}

func newCapturingServer(t *testing.T, status int, response any) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		captured.body = body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestStartTurnFillsClientID(t *testing.T) {
	srv, captured := newCapturingServer(t, http.StatusAccepted, map[string]bool{"accepted": true})
	c := New(srv.URL, "client-42")

	err := c.StartTurn(context.Background(), StartTurnRequest{
		ChatID:  "c1",
		Message: "hello",
	})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if captured.method != http.MethodPost || captured.path != "/api/chat/stream" {
		t.Fatalf("unexpected request: %s %s", captured.method, captured.path)
	}
	var sent StartTurnRequest
	if err := json.Unmarshal(captured.body, &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if sent.ClientID != "client-42" {
		t.Fatalf("client id not filled in: %+v", sent)
	}
}

func TestStartTurnRequiresChatID(t *testing.T) {
	c := New("http://127.0.0.1:1", "client")
	if err := c.StartTurn(context.Background(), StartTurnRequest{Message: "hi"}); err == nil {
		t.Fatal("missing chat id must be rejected before any request")
	}
}

func TestNotifyVersioningRejectsUnknownOperation(t *testing.T) {
	c := New("http://127.0.0.1:1", "client")
	_, err := c.NotifyVersioning(context.Background(), VersioningRequest{
		OperationType: "squash",
		ChatID:        "c1",
		MessageID:     "m1",
	})
	if err == nil {
		t.Fatal("unknown operation must be rejected client-side")
	}
}

func TestEndpointPaths(t *testing.T) {
	cases := []struct {
		name       string
		call       func(c *Client) error
		wantMethod string
		wantPath   string
	}{
		{
			name:       "stop chat",
			call:       func(c *Client) error { return c.StopChat(context.Background(), "c1") },
			wantMethod: http.MethodPost,
			wantPath:   "/api/chat/c1/stop",
		},
		{
			name: "message versions",
			call: func(c *Client) error {
				_, err := c.MessageVersions(context.Background(), "m1")
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/api/messages/m1/versions",
		},
		{
			name: "chat versions",
			call: func(c *Client) error {
				_, err := c.ChatVersions(context.Background(), "c1")
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/api/db/chat/c1/versions",
		},
		{
			name:       "rename chat",
			call:       func(c *Client) error { return c.RenameChat(context.Background(), "c1", "new name") },
			wantMethod: http.MethodPut,
			wantPath:   "/api/db/chat/c1/name",
		},
		{
			name: "chat history",
			call: func(c *Client) error {
				_, err := c.ChatHistory(context.Background(), "c1")
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/api/db/chat/c1/history",
		},
		{
			name: "list chats",
			call: func(c *Client) error {
				_, err := c.ListChats(context.Background())
				return err
			},
			wantMethod: http.MethodGet,
			wantPath:   "/api/db/chats",
		},
		{
			name:       "set active chat",
			call:       func(c *Client) error { return c.SetActiveChat(context.Background(), "c1") },
			wantMethod: http.MethodPost,
			wantPath:   "/api/db/active-chat",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, captured := newCapturingServer(t, http.StatusOK, map[string]any{})
			c := New(srv.URL, "client")
			if err := tc.call(c); err != nil {
				t.Fatalf("call: %v", err)
			}
			if captured.method != tc.wantMethod || captured.path != tc.wantPath {
				t.Fatalf("got %s %s, want %s %s", captured.method, captured.path, tc.wantMethod, tc.wantPath)
			}
		})
	}
}

func TestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"chat already exists"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "client")
	_, err := c.CreateChat(context.Background(), CreateChatRequest{ID: "c1"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr := AsError(err)
	if apiErr == nil {
		t.Fatalf("not an api error: %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "chat already exists" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestAsErrorOnForeignError(t *testing.T) {
	if AsError(errors.New("plain")) != nil {
		t.Fatal("plain errors must not convert")
	}
}

func TestActiveChatMissingIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "client")
	chatID, err := c.ActiveChat(context.Background())
	if err != nil {
		t.Fatalf("a missing active chat is not an error: %v", err)
	}
	if chatID != "" {
		t.Fatalf("expected empty chat id, got %q", chatID)
	}
}

func TestOpenEventStreamReadsFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream/all" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"complete\",\"chat_id\":\"c1\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL, "client")
	body, err := c.OpenEventStream(context.Background())
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	if !scanner.Scan() {
		t.Fatal("no frame on stream")
	}
	line := scanner.Text()
	event, err := types.DecodeEvent([]byte(line[len("data: "):]))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if event.Kind() != types.EventKindComplete || event.SessionID() != "c1" {
		t.Fatalf("unexpected event: %v", event)
	}
}

func TestBaseURLNormalization(t *testing.T) {
	c := New("  http://example.test:9999///  ", "client")
	if c.BaseURL() != "http://example.test:9999" {
		t.Fatalf("unexpected base url %q", c.BaseURL())
	}
	if New("", "client").BaseURL() != "http://127.0.0.1:8620" {
		t.Fatal("empty base url must fall back to the default")
	}
}
