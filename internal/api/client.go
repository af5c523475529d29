package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"atlas/internal/types"
)

const defaultBaseURL = "http://127.0.0.1:8620"

// Client talks to the chat backend. All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

func New(baseURL, clientID string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:  baseURL,
		clientID: clientID,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) BaseURL() string  { return c.baseURL }
func (c *Client) ClientID() string { return c.clientID }

// OpenEventStream opens the single shared multiplexed event feed. The caller
// owns the returned body and must close it; cancellation goes through ctx.
func (c *Client) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/chat/stream/all", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout here: the feed is long-lived by design.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp.Body, nil
}

// StartTurn starts a streaming turn and returns once the backend has
// acknowledged acceptance. The response body is discarded immediately; the
// streamed output arrives on the shared event feed.
func (c *Client) StartTurn(ctx context.Context, req StartTurnRequest) error {
	if strings.TrimSpace(req.ChatID) == "" {
		return errors.New("chat id is required")
	}
	if req.ClientID == "" {
		req.ClientID = c.clientID
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/stream", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// The turn keeps streaming server-side after we hang up, so use a
	// transport without the default client timeout and abort the body as
	// soon as acceptance is known.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	return nil
}

func (c *Client) StopChat(ctx context.Context, chatID string) error {
	path := fmt.Sprintf("/api/chat/%s/stop", strings.TrimSpace(chatID))
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) NotifyVersioning(ctx context.Context, req VersioningRequest) (*VersioningResponse, error) {
	if !types.KnownVersionOperation(req.OperationType) {
		return nil, fmt.Errorf("unknown version operation %q", req.OperationType)
	}
	var resp VersioningResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/db/versioning/notify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) MessageVersions(ctx context.Context, messageID string) (*types.VersionList, error) {
	path := fmt.Sprintf("/api/messages/%s/versions", strings.TrimSpace(messageID))
	var resp types.VersionList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ChatVersions(ctx context.Context, chatID string) ([]types.VersionRecord, error) {
	path := fmt.Sprintf("/api/db/chat/%s/versions", strings.TrimSpace(chatID))
	var resp ChatVersionsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (*types.Chat, error) {
	var chat types.Chat
	if err := c.doJSON(ctx, http.MethodPost, "/api/db/chat", req, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) RenameChat(ctx context.Context, chatID, name string) error {
	path := fmt.Sprintf("/api/db/chat/%s/name", strings.TrimSpace(chatID))
	return c.doJSON(ctx, http.MethodPut, path, RenameChatRequest{Name: name}, nil)
}

func (c *Client) ListChats(ctx context.Context) ([]types.Chat, error) {
	var resp ChatsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/db/chats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *Client) ChatHistory(ctx context.Context, chatID string) ([]types.Message, error) {
	path := fmt.Sprintf("/api/db/chat/%s/history", strings.TrimSpace(chatID))
	var resp ChatHistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) ActiveChat(ctx context.Context) (string, error) {
	var resp ActiveChatResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/db/active-chat", nil, &resp); err != nil {
		if apiErr := AsError(err); apiErr != nil && apiErr.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return resp.ChatID, nil
}

func (c *Client) SetActiveChat(ctx context.Context, chatID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/db/active-chat", ActiveChatResponse{ChatID: chatID}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	type errorPayload struct {
		Error string `json:"error"`
	}
	var payload errorPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Error != "" {
		return &Error{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &Error{StatusCode: resp.StatusCode, Message: resp.Status}
}

type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
