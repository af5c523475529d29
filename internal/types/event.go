package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is one decoded envelope from the shared stream. Session-scoped events
// report a non-empty SessionID; process-wide notices report "".
type Event interface {
	Kind() string
	SessionID() string
}

const (
	EventKindChatState             = "chat_state"
	EventKindThoughts              = "thoughts"
	EventKindAnswer                = "answer"
	EventKindComplete              = "complete"
	EventKindError                 = "error"
	EventKindRouterDecision        = "router_decision"
	EventKindTaskflowPlan          = "taskflow_plan"
	EventKindDomainExecution       = "domain_execution"
	EventKindDomainExecutionUpdate = "domain_execution_update"
	EventKindMessageIDs            = "message_ids"
	EventKindFileNotice            = "file_update"
	EventKindFilesystemNotice      = "filesystem_change"
	EventKindCoderNotice           = "coder_operation"
)

var ErrEmptyEventType = errors.New("event envelope has no type")

type ChatStateEvent struct {
	ChatID string       `json:"chat_id"`
	State  SessionState `json:"state"`
}

func (e ChatStateEvent) Kind() string      { return EventKindChatState }
func (e ChatStateEvent) SessionID() string { return e.ChatID }

type ThoughtsEvent struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func (e ThoughtsEvent) Kind() string      { return EventKindThoughts }
func (e ThoughtsEvent) SessionID() string { return e.ChatID }

type AnswerEvent struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

func (e AnswerEvent) Kind() string      { return EventKindAnswer }
func (e AnswerEvent) SessionID() string { return e.ChatID }

type CompleteEvent struct {
	ChatID string `json:"chat_id"`
}

func (e CompleteEvent) Kind() string      { return EventKindComplete }
func (e CompleteEvent) SessionID() string { return e.ChatID }

type ErrorEvent struct {
	ChatID    string `json:"chat_id"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

func (e ErrorEvent) Kind() string      { return EventKindError }
func (e ErrorEvent) SessionID() string { return e.ChatID }

type RouterDecisionEvent struct {
	ChatID   string         `json:"chat_id"`
	Decision RouterDecision `json:"decision"`
}

func (e RouterDecisionEvent) Kind() string      { return EventKindRouterDecision }
func (e RouterDecisionEvent) SessionID() string { return e.ChatID }

type TaskflowPlanEvent struct {
	ChatID string      `json:"chat_id"`
	Plan   PlanSummary `json:"plan"`
}

func (e TaskflowPlanEvent) Kind() string      { return EventKindTaskflowPlan }
func (e TaskflowPlanEvent) SessionID() string { return e.ChatID }

type DomainExecutionEvent struct {
	ChatID    string          `json:"chat_id"`
	Execution DomainExecution `json:"execution"`
	Update    bool            `json:"-"`
}

func (e DomainExecutionEvent) Kind() string {
	if e.Update {
		return EventKindDomainExecutionUpdate
	}
	return EventKindDomainExecution
}
func (e DomainExecutionEvent) SessionID() string { return e.ChatID }

type MessageIDsEvent struct {
	ChatID             string `json:"chat_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
}

func (e MessageIDsEvent) Kind() string      { return EventKindMessageIDs }
func (e MessageIDsEvent) SessionID() string { return e.ChatID }

// NoticeEvent covers the process-wide event types (file, filesystem and coder
// operation notices). They never touch the session registry.
type NoticeEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

func (e NoticeEvent) Kind() string      { return e.Type }
func (e NoticeEvent) SessionID() string { return "" }

// UnknownEvent is an envelope whose type the client does not understand. The
// bus logs it once per type name and drops it.
type UnknownEvent struct {
	Type   string
	ChatID string
	Raw    json.RawMessage
}

func (e UnknownEvent) Kind() string      { return e.Type }
func (e UnknownEvent) SessionID() string { return "" }

type eventHeader struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// DecodeEvent parses one envelope from the shared stream into its typed
// variant. The payload fields live beside the type discriminator, so each
// variant unmarshals the full frame.
func DecodeEvent(data []byte) (Event, error) {
	var header eventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	kind := strings.TrimSpace(header.Type)
	if kind == "" {
		return nil, ErrEmptyEventType
	}
	switch kind {
	case EventKindChatState:
		var e ChatStateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		if !KnownSessionState(e.State) {
			return nil, fmt.Errorf("decode %s: unknown state %q", kind, e.State)
		}
		return e, nil
	case EventKindThoughts:
		var e ThoughtsEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindAnswer:
		var e AnswerEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindComplete:
		var e CompleteEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindRouterDecision:
		var e RouterDecisionEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindTaskflowPlan:
		var e TaskflowPlanEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindDomainExecution, EventKindDomainExecutionUpdate:
		var e DomainExecutionEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		e.Update = kind == EventKindDomainExecutionUpdate
		return e, nil
	case EventKindMessageIDs:
		var e MessageIDsEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return e, nil
	case EventKindFileNotice, EventKindFilesystemNotice, EventKindCoderNotice:
		return NoticeEvent{Type: kind, Payload: append(json.RawMessage(nil), data...)}, nil
	default:
		return UnknownEvent{Type: kind, ChatID: header.ChatID, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
