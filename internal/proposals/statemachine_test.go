package proposals

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	statuses := []Status{StatusDraft, StatusPendingApproval, StatusApproved, StatusRejected, StatusAccepted}
	events := []Event{EventSubmit, EventLevelApproved, EventApprovalsComplete, EventReject, EventAllSigned}
	allowed := map[Status]map[Event]Status{
		StatusDraft:           {EventSubmit: StatusPendingApproval},
		StatusPendingApproval: {EventLevelApproved: StatusPendingApproval, EventApprovalsComplete: StatusApproved, EventReject: StatusRejected},
		StatusApproved:        {EventReject: StatusRejected, EventAllSigned: StatusAccepted},
	}

	for _, from := range statuses {
		for _, evt := range events {
			to, err := Transition(from, evt)
			if want, ok := allowed[from][evt]; ok {
				require.NoError(t, err, "%s + %s", from, evt)
				assert.Equal(t, want, to)
				continue
			}
			require.Error(t, err, "%s + %s", from, evt)
			assert.Equal(t, from, to)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			assert.True(t, errors.Is(err, ErrPolicy))
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusAccepted.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusApproved.Terminal())
	assert.True(t, CanEdit(StatusDraft))
	assert.False(t, CanEdit(StatusPendingApproval))
}

func TestPolicyViolationMessage(t *testing.T) {
	_, err := Transition(StatusAccepted, EventReject)
	var pv *PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, StageAccepted, pv.Stage)
	assert.Contains(t, err.Error(), "cannot proceed at accepted stage")
}
