package app

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"atlas/internal/api"
	"atlas/internal/dispatch"
	"atlas/internal/gate"
	"atlas/internal/history"
	"atlas/internal/logging"
	"atlas/internal/session"
	"atlas/internal/types"
	"atlas/internal/version"
)

// Deps are the core services the monitor renders and drives. The UI is a
// consumer: it subscribes to published state and invokes operations, it never
// mutates session state directly.
type Deps struct {
	Client      *api.Client
	Registry    *session.Registry
	Gate        *gate.Bridge
	Coordinator *version.Coordinator
	History     *history.Cache
	Queue       *dispatch.Queue
	Workspace   string
	Log         logging.Logger
}

// Run starts the terminal monitor and blocks until the user quits.
func Run(ctx context.Context, deps Deps) error {
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	model := newModel(ctx, deps)
	program := tea.NewProgram(model, tea.WithAltScreen())

	unsubSession := deps.Registry.SubscribeAny(func(s *types.Session) {
		program.Send(sessionMsg{session: s})
	})
	defer unsubSession()
	unsubGate := deps.Gate.Subscribe(func(chatID string) {
		program.Send(gateMsg{chatID: chatID})
	})
	defer unsubGate()
	unsubActive := deps.Coordinator.SubscribeActive(func(chatID string) {
		program.Send(activeChatMsg{chatID: chatID})
	})
	defer unsubActive()
	unsubReload := deps.Coordinator.SubscribeReload(func(chatID string) {
		program.Send(reloadMsg{chatID: chatID})
	})
	defer unsubReload()
	unsubPromotions := deps.Registry.SubscribePromotions(func(p session.Promotion) {
		deps.History.PromoteIDs(p.ChatID, p.UserMessageID, p.AssistantMessageID)
		program.Send(historyChangedMsg{chatID: p.ChatID})
	})
	defer unsubPromotions()

	// The active-view dispatch predicate: the selected chat's view is
	// mounted whenever the program is running, idle when not streaming.
	deps.Queue.SetViewReady(func(chatID string) bool {
		snapshot := deps.Registry.Snapshot(chatID)
		return snapshot == nil || !snapshot.Streaming()
	})

	go func() {
		<-ctx.Done()
		program.Send(tea.Quit())
	}()

	_, err := program.Run()
	return err
}
