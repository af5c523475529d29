package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"atlas/internal/api"
	"atlas/internal/logging"
	"atlas/internal/types"
)

const (
	minSidebarWidth = 20
	maxSidebarWidth = 32
	opTimeout       = 30 * time.Second
)

type sessionMsg struct{ session *types.Session }
type gateMsg struct{ chatID string }
type activeChatMsg struct{ chatID string }
type reloadMsg struct{ chatID string }
type historyChangedMsg struct{ chatID string }
type chatsLoadedMsg struct{ chats []types.Chat }
type opDoneMsg struct {
	chatID string
	err    error
}
type dispatchTickMsg struct{}

type editState struct {
	active    bool
	messageID string
}

// Model is the bubbletea model for the monitor: a chat sidebar, the selected
// chat's transcript with live stream buffers, and an input line wired through
// the dispatch queue for chats that do not exist yet.
type Model struct {
	ctx  context.Context
	deps Deps
	log  logging.Logger

	chats      []types.Chat
	selected   int
	activeChat string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	edit     editState

	width  int
	height int
	ready  bool
	status string
}

func newModel(ctx context.Context, deps Deps) *Model {
	input := textinput.New()
	input.Placeholder = "message"
	input.CharLimit = 4000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	return &Model{
		ctx:     ctx,
		deps:    deps,
		log:     deps.Log.With(logging.F("component", "ui")),
		input:   input,
		spinner: sp,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadChats(),
		m.spinner.Tick,
		dispatchTick(),
	)
}

func dispatchTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return dispatchTickMsg{}
	})
}

func (m *Model) loadChats() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, opTimeout)
		defer cancel()
		chats, err := m.deps.Client.ListChats(ctx)
		if err != nil {
			return opDoneMsg{err: err}
		}
		return chatsLoadedMsg{chats: chats}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		contentWidth := m.width - m.sidebarWidth() - 3
		contentHeight := m.height - 4
		if contentWidth < 10 {
			contentWidth = 10
		}
		if contentHeight < 3 {
			contentHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(contentWidth, contentHeight)
			m.ready = true
		} else {
			m.viewport.Width = contentWidth
			m.viewport.Height = contentHeight
		}
		m.refreshTranscript()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case chatsLoadedMsg:
		m.mergeChats(msg.chats)
		m.deps.Queue.MarkInitialized()
		known := m.knownChatIDs()
		queue := m.deps.Queue
		ctx := m.ctx
		return m, func() tea.Msg {
			_ = queue.GC(ctx, known)
			return nil
		}

	case sessionMsg:
		if msg.session != nil && msg.session.ChatID == m.selectedChatID() {
			m.refreshTranscript()
		}
		return m, nil

	case gateMsg, historyChangedMsg:
		m.refreshTranscript()
		return m, nil

	case activeChatMsg:
		m.activeChat = msg.chatID
		m.selectChat(msg.chatID)
		m.refreshTranscript()
		return m, m.loadChats()

	case reloadMsg:
		return m, m.reloadHistory(msg.chatID)

	case opDoneMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = ""
			m.refreshTranscript()
		}
		return m, nil

	case dispatchTickMsg:
		cmds := []tea.Cmd{dispatchTick()}
		if chatID := m.selectedChatID(); chatID != "" {
			if _, pending, _ := m.deps.Queue.Pending(m.ctx, chatID); pending {
				cmds = append(cmds, m.dispatchActive(chatID))
			}
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.edit.active {
			m.edit = editState{}
			m.input.SetValue("")
			m.status = ""
			return m, nil
		}
		return m, tea.Quit
	case "up":
		if m.selected > 0 {
			m.selected--
			return m, m.switchToSelected()
		}
		return m, nil
	case "down":
		if m.selected < len(m.chats)-1 {
			m.selected++
			return m, m.switchToSelected()
		}
		return m, nil
	case "enter":
		return m, m.submitInput()
	case "ctrl+n":
		m.selected = -1
		m.input.SetValue("")
		m.status = "new chat: type the first message"
		return m, nil
	case "ctrl+e":
		return m.beginEdit()
	case "ctrl+r":
		return m, m.retryLast()
	case "ctrl+d":
		return m, m.deleteLast()
	case "ctrl+y":
		return m, m.copyAnswer()
	case "ctrl+x":
		return m, m.stopTurn()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submitInput either completes an in-place edit, sends to the selected chat,
// or queues a first message for a chat that does not exist yet.
func (m *Model) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}

	if m.edit.active {
		chatID := m.selectedChatID()
		messageID := m.edit.messageID
		m.edit = editState{}
		m.input.SetValue("")
		coordinator := m.deps.Coordinator
		ctx := m.ctx
		return func() tea.Msg {
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			defer cancel()
			return opDoneMsg{chatID: chatID, err: coordinator.Edit(opCtx, chatID, messageID, text)}
		}
	}

	chatID := m.selectedChatID()
	if chatID != "" && m.deps.Gate.Disabled(chatID) {
		m.status = "sending disabled for this chat"
		return nil
	}
	m.input.SetValue("")

	if chatID == "" {
		// No chat selected yet: mint an id, queue durably, dispatch.
		chatID = uuid.NewString()
		if err := m.deps.Queue.Enqueue(m.ctx, chatID, text, nil); err != nil {
			m.status = err.Error()
			return nil
		}
		m.deps.Registry.EnsureSession(chatID)
		m.deps.History.Append(chatID, types.Message{
			ChatID:    chatID,
			Role:      types.MessageRoleUser,
			Content:   text,
			CreatedAt: time.Now().UTC(),
		})
		m.chats = append(m.chats, types.Chat{ID: chatID, CreatedAt: time.Now().UTC()})
		m.selected = len(m.chats) - 1
		m.refreshTranscript()
		return m.dispatchActive(chatID)
	}

	m.deps.History.Append(chatID, types.Message{
		ChatID:    chatID,
		Role:      types.MessageRoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})
	m.refreshTranscript()
	client := m.deps.Client
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		err := client.StartTurn(opCtx, api.StartTurnRequest{
			Message:          text,
			ChatID:           chatID,
			IncludeReasoning: true,
		})
		return opDoneMsg{chatID: chatID, err: err}
	}
}

func (m *Model) dispatchActive(chatID string) tea.Cmd {
	queue := m.deps.Queue
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{chatID: chatID, err: queue.DispatchActive(opCtx, chatID)}
	}
}

func (m *Model) beginEdit() (tea.Model, tea.Cmd) {
	target, ok := m.lastMessage(types.MessageRoleUser)
	if !ok {
		m.status = "nothing to edit"
		return m, nil
	}
	m.edit = editState{active: true, messageID: target.ID}
	m.input.SetValue(target.Content)
	m.status = "editing last user message (enter to fork, esc to cancel)"
	return m, nil
}

func (m *Model) retryLast() tea.Cmd {
	target, ok := m.lastMessage(types.MessageRoleAssistant)
	if !ok {
		m.status = "nothing to retry"
		return nil
	}
	chatID := m.selectedChatID()
	coordinator := m.deps.Coordinator
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{chatID: chatID, err: coordinator.Retry(opCtx, chatID, target.ID)}
	}
}

func (m *Model) deleteLast() tea.Cmd {
	messages := m.deps.History.Messages(m.selectedChatID())
	if len(messages) == 0 {
		m.status = "nothing to delete"
		return nil
	}
	target := messages[len(messages)-1]
	chatID := m.selectedChatID()
	coordinator := m.deps.Coordinator
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{chatID: chatID, err: coordinator.Delete(opCtx, chatID, target.ID)}
	}
}

func (m *Model) copyAnswer() tea.Cmd {
	chatID := m.selectedChatID()
	snapshot := m.deps.Registry.Snapshot(chatID)
	text := ""
	if snapshot != nil {
		text = snapshot.ContentBuffer
	}
	if text == "" {
		if target, ok := m.lastMessage(types.MessageRoleAssistant); ok {
			text = target.Content
		}
	}
	if text == "" {
		m.status = "nothing to copy"
		return nil
	}
	if _, err := copyTextToClipboard(text); err != nil {
		m.status = "copy failed: " + err.Error()
	} else {
		m.status = "answer copied"
	}
	return nil
}

func (m *Model) stopTurn() tea.Cmd {
	chatID := m.selectedChatID()
	if chatID == "" {
		return nil
	}
	client := m.deps.Client
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{chatID: chatID, err: client.StopChat(opCtx, chatID)}
	}
}

func (m *Model) switchToSelected() tea.Cmd {
	chatID := m.selectedChatID()
	if chatID == "" {
		return nil
	}
	coordinator := m.deps.Coordinator
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{chatID: chatID, err: coordinator.SwitchChat(opCtx, chatID)}
	}
}

func (m *Model) reloadHistory(chatID string) tea.Cmd {
	client := m.deps.Client
	hist := m.deps.History
	ctx := m.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		messages, err := client.ChatHistory(opCtx, chatID)
		if err != nil {
			if apiErr := api.AsError(err); apiErr != nil {
				return opDoneMsg{chatID: chatID, err: errors.New(apiErr.Message)}
			}
			return opDoneMsg{chatID: chatID, err: err}
		}
		hist.Replace(chatID, messages)
		return historyChangedMsg{chatID: chatID}
	}
}

func (m *Model) lastMessage(role types.MessageRole) (types.Message, bool) {
	messages := m.deps.History.Messages(m.selectedChatID())
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i], true
		}
	}
	return types.Message{}, false
}

// mergeChats replaces the sidebar with the server's list, then re-appends
// locally minted chats the server has not seen yet. Dropping those rows would
// also drop their selection and, worse, feed GC a known set that is missing a
// chat with an undelivered pending record.
func (m *Model) mergeChats(serverChats []types.Chat) {
	selectedID := m.selectedChatID()
	seen := make(map[string]struct{}, len(serverChats))
	for _, chat := range serverChats {
		seen[chat.ID] = struct{}{}
	}
	chats := serverChats
	for _, chat := range m.chats {
		if _, ok := seen[chat.ID]; ok {
			continue
		}
		if m.deps.Registry.Snapshot(chat.ID) == nil {
			continue
		}
		chats = append(chats, chat)
		seen[chat.ID] = struct{}{}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.Before(chats[j].CreatedAt)
	})
	m.chats = chats
	if m.selected >= len(m.chats) {
		m.selected = 0
	}
	if selectedID != "" {
		m.selectChat(selectedID)
	}
}

// knownChatIDs is the GC ground truth: sidebar rows plus every registry
// session, so a chat that only exists locally is never treated as orphaned.
func (m *Model) knownChatIDs() []string {
	seen := make(map[string]struct{}, len(m.chats))
	known := make([]string, 0, len(m.chats))
	for _, chat := range m.chats {
		seen[chat.ID] = struct{}{}
		known = append(known, chat.ID)
	}
	for _, id := range m.deps.Registry.ChatIDs() {
		if _, ok := seen[id]; !ok {
			known = append(known, id)
		}
	}
	return known
}

func (m *Model) selectedChatID() string {
	if m.selected < 0 || m.selected >= len(m.chats) {
		return ""
	}
	return m.chats[m.selected].ID
}

func (m *Model) selectChat(chatID string) {
	for i, chat := range m.chats {
		if chat.ID == chatID {
			m.selected = i
			return
		}
	}
}

func (m *Model) sidebarWidth() int {
	width := m.width / 4
	if width < minSidebarWidth {
		width = minSidebarWidth
	}
	if width > maxSidebarWidth {
		width = maxSidebarWidth
	}
	return width
}
