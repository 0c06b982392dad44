package proposals

import "fmt"

// Event drives a proposal status transition.
type Event string

const (
	EventSubmit            Event = "submit"
	EventLevelApproved     Event = "level_approved"
	EventApprovalsComplete Event = "approvals_complete"
	EventReject            Event = "reject"
	EventAllSigned         Event = "all_signed"
)

type transitionKey struct {
	from  Status
	event Event
}

var transitions = map[transitionKey]Status{
	{StatusDraft, EventSubmit}:                      StatusPendingApproval,
	{StatusPendingApproval, EventLevelApproved}:     StatusPendingApproval,
	{StatusPendingApproval, EventApprovalsComplete}: StatusApproved,
	{StatusPendingApproval, EventReject}:            StatusRejected,
	{StatusApproved, EventReject}:                   StatusRejected,
	{StatusApproved, EventAllSigned}:                StatusAccepted,
}

// Transition returns the status reached by applying event to from.
func Transition(from Status, event Event) (Status, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	return from, &PolicyViolation{
		Stage:  stageOf(from),
		Reason: fmt.Sprintf("%s is not allowed while proposal is %s", event, from),
		cause:  ErrInvalidTransition,
	}
}

// CanEdit reports whether content, items and pricing may still change.
func CanEdit(s Status) bool {
	return s == StatusDraft
}

func stageOf(s Status) Stage {
	switch s {
	case StatusPendingApproval:
		return StageApproval
	case StatusApproved:
		return StageSignature
	case StatusAccepted:
		return StageAccepted
	case StatusRejected:
		return StageRejected
	default:
		return StageDraft
	}
}
