package session

import (
	"time"

	"atlas/internal/types"
)

// reduce applies one event to a session snapshot and returns the replacement
// value, or nil when the event is a no-op. The input is never mutated.
func reduce(current *types.Session, event types.Event) *types.Session {
	switch e := event.(type) {
	case types.ChatStateEvent:
		next := cloneSession(current)
		leavingStatic := current.State == types.SessionStateStatic && e.State != types.SessionStateStatic
		next.State = e.State
		if leavingStatic {
			// Start of a new turn: whatever the buffers still hold
			// belongs to the previous one.
			next.ContentBuffer = ""
			next.ThoughtsBuffer = ""
		}
		if e.State != types.SessionStateStatic {
			next.Err = nil
		}
		return next

	case types.ThoughtsEvent:
		next := cloneSession(current)
		next.ThoughtsBuffer += e.Content
		next.Err = nil
		return next

	case types.AnswerEvent:
		next := cloneSession(current)
		next.ContentBuffer += e.Content
		next.Err = nil
		return next

	case types.CompleteEvent:
		next := cloneSession(current)
		next.State = types.SessionStateStatic
		next.PlanSummary = nil
		return next

	case types.ErrorEvent:
		next := cloneSession(current)
		next.State = types.SessionStateStatic
		next.ContentBuffer = ""
		next.ThoughtsBuffer = ""
		next.PlanSummary = nil
		next.RouterDecision = nil
		next.Err = &types.SessionError{
			Message:    e.Message,
			MessageID:  e.MessageID,
			ReceivedAt: time.Now().UTC(),
		}
		return next

	case types.RouterDecisionEvent:
		next := cloneSession(current)
		decision := e.Decision
		next.RouterDecision = &decision
		return next

	case types.TaskflowPlanEvent:
		next := cloneSession(current)
		plan := e.Plan
		plan.Steps = append([]types.PlanStep(nil), e.Plan.Steps...)
		next.PlanSummary = &plan
		if plan.Status == types.PlanStatusPendingApproval {
			// Awaiting a human decision is not streaming, even though
			// work is still outstanding.
			next.State = types.SessionStateStatic
		}
		return next

	case types.DomainExecutionEvent:
		next := cloneSession(current)
		execution := e.Execution
		next.DomainExecution = &execution
		return next
	}

	return nil
}
