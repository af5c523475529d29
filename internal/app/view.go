package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	runewidth "github.com/mattn/go-runewidth"

	"atlas/internal/types"
)

var (
	sidebarStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderRight(true).
			PaddingRight(1)
	selectedChatStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle          = lipgloss.NewStyle().Faint(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle       = lipgloss.NewStyle().Faint(true)
	userStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	disabledStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	sidebar := m.renderSidebar()
	content := m.viewport.View()
	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, content)

	return strings.Join([]string{
		body,
		m.renderInputLine(),
		m.renderStatusLine(),
	}, "\n")
}

func (m *Model) renderSidebar() string {
	width := m.sidebarWidth()
	height := m.height - 4
	if height < 1 {
		height = 1
	}

	lines := make([]string, 0, len(m.chats))
	for i, chat := range m.chats {
		name := chat.Name
		if name == "" {
			name = chat.ID
		}
		glyph := m.stateGlyph(chat.ID)
		line := runewidth.Truncate(fmt.Sprintf("%s %s", glyph, name), width-2, "…")
		if i == m.selected {
			line = selectedChatStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("no chats"))
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return sidebarStyle.Width(width).Height(height).Render(strings.Join(lines[:height], "\n"))
}

func (m *Model) stateGlyph(chatID string) string {
	snapshot := m.deps.Registry.Snapshot(chatID)
	if snapshot == nil {
		return " "
	}
	switch snapshot.State {
	case types.SessionStateThinking, types.SessionStateResponding:
		return m.spinner.View()
	default:
		if snapshot.Err != nil {
			return errorStyle.Render("!")
		}
		return " "
	}
}

// refreshTranscript rebuilds the viewport from the history cache plus the
// live stream buffers of the selected session.
func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	chatID := m.selectedChatID()
	var b strings.Builder

	for _, message := range m.deps.History.Messages(chatID) {
		if message.Role == types.MessageRoleUser {
			b.WriteString(userStyle.Render("you"))
			b.WriteString("\n")
			b.WriteString(message.Content)
		} else {
			b.WriteString(m.renderMarkdown(message.Content))
		}
		b.WriteString("\n\n")
	}

	if snapshot := m.deps.Registry.Snapshot(chatID); snapshot != nil {
		if snapshot.ThoughtsBuffer != "" && snapshot.State == types.SessionStateThinking {
			b.WriteString(dimStyle.Render(snapshot.ThoughtsBuffer))
			b.WriteString("\n\n")
		}
		if snapshot.ContentBuffer != "" && snapshot.Streaming() {
			b.WriteString(snapshot.ContentBuffer)
			b.WriteString("\n")
		}
		if snapshot.PlanSummary != nil {
			b.WriteString(m.renderPlan(snapshot.PlanSummary))
		}
		if snapshot.Err != nil {
			b.WriteString(errorStyle.Render("error: " + snapshot.Err.Message))
			b.WriteString("\n")
		}
	}

	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(b.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderMarkdown(content string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.viewport.Width),
	)
	if err != nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

func (m *Model) renderPlan(plan *types.PlanSummary) string {
	var b strings.Builder
	label := string(plan.Status)
	if plan.Status == types.PlanStatusPendingApproval {
		label = "awaiting approval"
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("plan %s (%s)", plan.PlanID, label)))
	b.WriteString("\n")
	for _, step := range plan.Steps {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  [%s] %s", step.Status, step.Title)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderInputLine() string {
	chatID := m.selectedChatID()
	if chatID != "" && m.deps.Gate.Disabled(chatID) {
		reasons := m.deps.Gate.Reasons(chatID)
		labels := make([]string, 0, len(reasons))
		for _, reason := range reasons {
			labels = append(labels, string(reason))
		}
		return disabledStyle.Render("send disabled: " + strings.Join(labels, ", "))
	}
	return m.input.View()
}

func (m *Model) renderStatusLine() string {
	if m.status != "" {
		return statusStyle.Render(m.status)
	}
	help := "enter send · ↑/↓ chats · ^n new · ^e edit · ^r retry · ^d delete · ^y copy · ^x stop · esc quit"
	if m.deps.Workspace != "" {
		help = m.deps.Workspace + " · " + help
	}
	return statusStyle.Render(runewidth.Truncate(help, m.width, "…"))
}
