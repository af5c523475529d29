package types

import "time"

type SessionState string

const (
	SessionStateStatic     SessionState = "static"
	SessionStateThinking   SessionState = "thinking"
	SessionStateResponding SessionState = "responding"
)

// KnownSessionState reports whether raw is one of the streaming phases the
// registry understands.
func KnownSessionState(raw SessionState) bool {
	switch raw {
	case SessionStateStatic, SessionStateThinking, SessionStateResponding:
		return true
	}
	return false
}

// Session is the live streaming state for one chat id. Registry code treats
// values as immutable snapshots: every mutation produces a new Session with a
// bumped Version.
type Session struct {
	ChatID          string           `json:"chat_id"`
	State           SessionState     `json:"state"`
	ContentBuffer   string           `json:"content_buffer"`
	ThoughtsBuffer  string           `json:"thoughts_buffer"`
	LastAssistantID string           `json:"last_assistant_id,omitempty"`
	RouterDecision  *RouterDecision  `json:"router_decision,omitempty"`
	DomainExecution *DomainExecution `json:"domain_execution,omitempty"`
	PlanSummary     *PlanSummary     `json:"plan_summary,omitempty"`
	Err             *SessionError    `json:"error,omitempty"`
	Version         uint64           `json:"version"`
}

// Streaming reports whether the session is mid-turn.
func (s *Session) Streaming() bool {
	if s == nil {
		return false
	}
	return s.State == SessionStateThinking || s.State == SessionStateResponding
}

// Progressed reports whether the session has shown any forward progress this
// turn: a state out of static or any buffered output.
func (s *Session) Progressed() bool {
	if s == nil {
		return false
	}
	return s.State != SessionStateStatic || s.ContentBuffer != "" || s.ThoughtsBuffer != ""
}

type RouterDecision struct {
	Route  string `json:"route"`
	Model  string `json:"model,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type DomainExecution struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type PlanStatus string

const (
	PlanStatusRunning         PlanStatus = "running"
	PlanStatusPendingApproval PlanStatus = "pending_approval"
	PlanStatusCompleted       PlanStatus = "completed"
)

type PlanStep struct {
	Title  string `json:"title"`
	Status string `json:"status"`
}

type PlanSummary struct {
	PlanID string     `json:"plan_id"`
	Status PlanStatus `json:"status"`
	Steps  []PlanStep `json:"steps,omitempty"`
}

type SessionError struct {
	Message    string    `json:"message"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
