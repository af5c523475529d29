package stubserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"atlas/internal/api"
	"atlas/internal/logging"
	"atlas/internal/types"
)

// Script produces the streamed turn for a user message. The default script
// echoes the message back with a short reasoning preamble.
type Script func(chatID, message string) (thoughts []string, answer []string)

func defaultScript(chatID, message string) ([]string, []string) {
	return []string{"considering: ", message},
		[]string{"echo: ", message}
}

type chatState struct {
	chat     types.Chat
	messages []types.Message
	// versions holds the fork lineage keyed by the forked message id.
	versions map[string][]types.VersionRecord
	turn     context.CancelFunc
}

// Server is an in-memory fake of the chat backend: the full endpoint surface
// with scripted streaming, enough to run the client end-to-end in dev and in
// tests.
type Server struct {
	log        logging.Logger
	script     Script
	tokenDelay time.Duration

	hub *hub

	mu         sync.Mutex
	chats      map[string]*chatState
	activeChat string
	// forked dedupes versioning calls so an idempotent retry returns the
	// existing version instead of forking twice.
	forked map[string]forkResult
}

type forkResult struct {
	versionChatID  string
	needsStreaming bool
	streamMessage  string
	targetID       string
}

type Option func(*Server)

func WithScript(script Script) Option {
	return func(s *Server) { s.script = script }
}

// WithTokenDelay spaces out streamed chunks; tests use zero.
func WithTokenDelay(d time.Duration) Option {
	return func(s *Server) { s.tokenDelay = d }
}

func New(log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		log:        log.With(logging.F("component", "stubserver")),
		script:     defaultScript,
		tokenDelay: 20 * time.Millisecond,
		hub:        newHub(),
		chats:      make(map[string]*chatState),
		forked:     make(map[string]forkResult),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/chat/stream/all", s.handleFeed)
		r.Post("/chat/stream", s.handleStartTurn)
		r.Post("/chat/{chatID}/stop", s.handleStop)
		r.Get("/messages/{messageID}/versions", s.handleMessageVersions)
		r.Route("/db", func(r chi.Router) {
			r.Post("/versioning/notify", s.handleVersioning)
			r.Post("/chat", s.handleCreateChat)
			r.Get("/chats", s.handleListChats)
			r.Put("/chat/{chatID}/name", s.handleRenameChat)
			r.Get("/chat/{chatID}/versions", s.handleChatVersions)
			r.Get("/chat/{chatID}/history", s.handleHistory)
			r.Get("/active-chat", s.handleGetActiveChat)
			r.Post("/active-chat", s.handleSetActiveChat)
		})
	})
	return r
}

// Emit broadcasts a raw event payload on the shared feed. Tests use it to
// inject frames, malformed ones included.
func (s *Server) Emit(payload []byte) {
	s.hub.Broadcast(payload)
}

func (s *Server) emitJSON(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event", logging.F("err", err))
		return
	}
	s.hub.Broadcast(data)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, cancel := s.hub.Add()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req api.StartTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ChatID) == "" {
		respondError(w, http.StatusBadRequest, "chat_id is required")
		return
	}

	s.mu.Lock()
	chat := s.ensureChatLocked(req.ChatID, "")
	userID := req.ExistingMessageID
	if userID == "" {
		userID = uuid.NewString()
		chat.messages = append(chat.messages, types.Message{
			ID:        userID,
			ChatID:    req.ChatID,
			Role:      types.MessageRoleUser,
			Content:   req.Message,
			CreatedAt: time.Now().UTC(),
		})
	}
	if chat.turn != nil {
		chat.turn()
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	chat.turn = cancel
	s.mu.Unlock()

	go s.streamTurn(turnCtx, req.ChatID, userID, req.Message)

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

// streamTurn plays the scripted event sequence for one turn on the shared
// feed: thinking, thoughts, responding, answer, message_ids, complete.
func (s *Server) streamTurn(ctx context.Context, chatID, userID, message string) {
	thoughts, answer := s.script(chatID, message)

	emit := func(payload any) bool {
		if ctx.Err() != nil {
			return false
		}
		s.emitJSON(payload)
		if s.tokenDelay > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(s.tokenDelay):
			}
		}
		return true
	}

	if !emit(map[string]string{"type": types.EventKindChatState, "chat_id": chatID, "state": "thinking"}) {
		return
	}
	for _, chunk := range thoughts {
		if !emit(map[string]string{"type": types.EventKindThoughts, "chat_id": chatID, "content": chunk}) {
			return
		}
	}
	if !emit(map[string]string{"type": types.EventKindChatState, "chat_id": chatID, "state": "responding"}) {
		return
	}
	var answerText strings.Builder
	for _, chunk := range answer {
		answerText.WriteString(chunk)
		if !emit(map[string]string{"type": types.EventKindAnswer, "chat_id": chatID, "content": chunk}) {
			return
		}
	}

	assistantID := uuid.NewString()
	s.mu.Lock()
	if chat, ok := s.chats[chatID]; ok {
		chat.messages = append(chat.messages, types.Message{
			ID:        assistantID,
			ChatID:    chatID,
			Role:      types.MessageRoleAssistant,
			Content:   answerText.String(),
			CreatedAt: time.Now().UTC(),
		})
	}
	s.mu.Unlock()

	if !emit(map[string]string{
		"type":                 types.EventKindMessageIDs,
		"chat_id":              chatID,
		"user_message_id":      userID,
		"assistant_message_id": assistantID,
	}) {
		return
	}
	emit(map[string]string{"type": types.EventKindComplete, "chat_id": chatID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	var cancel context.CancelFunc
	if ok && chat.turn != nil {
		cancel = chat.turn
		chat.turn = nil
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.emitJSON(map[string]string{"type": types.EventKindComplete, "chat_id": chatID})
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersioning(w http.ResponseWriter, r *http.Request) {
	var req api.VersioningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	forkKey := fmt.Sprintf("%s|%s|%s", req.ChatID, req.MessageID, req.OperationType)

	s.mu.Lock()
	if prior, ok := s.forked[forkKey]; ok {
		s.mu.Unlock()
		respondJSON(w, api.VersioningResponse{
			Success:         false,
			ErrorCode:       api.ErrorCodeVersionExists,
			VersionChatID:   prior.versionChatID,
			NeedsStreaming:  prior.needsStreaming,
			StreamMessage:   prior.streamMessage,
			TargetMessageID: prior.targetID,
		})
		return
	}

	base, ok := s.chats[req.ChatID]
	if !ok {
		s.mu.Unlock()
		respondError(w, http.StatusNotFound, "chat not found")
		return
	}
	idx := -1
	for i := range base.messages {
		if base.messages[i].ID == req.MessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		respondError(w, http.StatusNotFound, "message not found")
		return
	}

	versionChatID := uuid.NewString()
	forked := &chatState{
		chat: types.Chat{
			ID:        versionChatID,
			Name:      base.chat.Name,
			CreatedAt: time.Now().UTC(),
		},
		versions: make(map[string][]types.VersionRecord),
	}

	result := forkResult{versionChatID: versionChatID}
	switch req.OperationType {
	case types.VersionOperationDelete:
		forked.messages = types.CloneMessages(base.messages[:idx])
	case types.VersionOperationEdit:
		forked.messages = types.CloneMessages(base.messages)
		forked.messages[idx].Content = req.NewContent
		if forked.messages[idx].Role == types.MessageRoleUser {
			forked.messages = forked.messages[:idx+1]
			result.needsStreaming = true
			result.streamMessage = req.NewContent
			result.targetID = req.MessageID
		}
	case types.VersionOperationRetry:
		cut := idx
		for cut > 0 && base.messages[cut].Role != types.MessageRoleUser {
			cut--
		}
		forked.messages = types.CloneMessages(base.messages[:cut+1])
		result.needsStreaming = true
		result.streamMessage = base.messages[cut].Content
		result.targetID = base.messages[cut].ID
	default:
		s.mu.Unlock()
		respondError(w, http.StatusBadRequest, "unknown operation")
		return
	}

	records := append([]types.VersionRecord(nil), base.versions[req.MessageID]...)
	if len(records) == 0 {
		records = append(records, types.VersionRecord{
			VersionNumber: 1,
			VersionChatID: req.ChatID,
			Operation:     types.VersionOperationOriginal,
			CreatedAt:     base.chat.CreatedAt,
		})
	}
	records = append(records, types.VersionRecord{
		VersionNumber:       len(records) + 1,
		VersionChatID:       versionChatID,
		Operation:           req.OperationType,
		CreatedAt:           time.Now().UTC(),
		ParentVersionChatID: req.ChatID,
	})
	base.versions[req.MessageID] = records
	forked.versions[req.MessageID] = records

	s.chats[versionChatID] = forked
	s.forked[forkKey] = result
	s.mu.Unlock()

	respondJSON(w, api.VersioningResponse{
		Success:         true,
		VersionChatID:   versionChatID,
		NeedsStreaming:  result.needsStreaming,
		StreamMessage:   result.streamMessage,
		TargetMessageID: result.targetID,
	})
}

func (s *Server) handleMessageVersions(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	s.mu.Lock()
	var records []types.VersionRecord
	for _, chat := range s.chats {
		if found, ok := chat.versions[messageID]; ok {
			records = found
			break
		}
	}
	active := 0
	for _, record := range records {
		if record.VersionChatID == s.activeChat {
			active = record.VersionNumber
		}
	}
	s.mu.Unlock()

	respondJSON(w, types.VersionList{Versions: records, ActiveVersionNumber: active})
}

func (s *Server) handleChatVersions(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	s.mu.Lock()
	var records []types.VersionRecord
	if chat, ok := s.chats[chatID]; ok {
		for _, lineage := range chat.versions {
			records = append(records, lineage...)
		}
	}
	s.mu.Unlock()
	respondJSON(w, api.ChatVersionsResponse{Versions: records})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req api.CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.chats[id]; exists {
		s.mu.Unlock()
		respondError(w, http.StatusConflict, "chat already exists")
		return
	}
	chat := s.ensureChatLocked(id, req.Name)
	out := chat.chat
	s.mu.Unlock()

	respondJSON(w, out)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	chats := make([]types.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		chats = append(chats, chat.chat)
	}
	s.mu.Unlock()
	respondJSON(w, api.ChatsResponse{Chats: chats})
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req api.RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if ok {
		chat.chat.Name = req.Name
	}
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "chat not found")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	var messages []types.Message
	if ok {
		messages = types.CloneMessages(chat.messages)
	}
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "chat not found")
		return
	}
	respondJSON(w, api.ChatHistoryResponse{Messages: messages})
}

func (s *Server) handleGetActiveChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := s.activeChat
	s.mu.Unlock()
	respondJSON(w, api.ActiveChatResponse{ChatID: active})
}

func (s *Server) handleSetActiveChat(w http.ResponseWriter, r *http.Request) {
	var req api.ActiveChatResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	s.activeChat = req.ChatID
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) ensureChatLocked(id, name string) *chatState {
	if chat, ok := s.chats[id]; ok {
		return chat
	}
	chat := &chatState{
		chat: types.Chat{
			ID:        id,
			Name:      name,
			CreatedAt: time.Now().UTC(),
		},
		versions: make(map[string][]types.VersionRecord),
	}
	s.chats[id] = chat
	return chat
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
