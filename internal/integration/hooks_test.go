package integration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
	"github.com/odyssey-erp/odyssey-msp/internal/shared"
	"github.com/odyssey-erp/odyssey-msp/jobs"
)

type fakeQueue struct {
	mu      sync.Mutex
	payload []jobs.SendEmailPayload
	failTo  string
}

func (q *fakeQueue) EnqueueSendEmail(_ context.Context, p jobs.SendEmailPayload) (*asynq.TaskInfo, error) {
	if p.To == q.failTo {
		return nil, errors.New("redis unavailable")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payload = append(q.payload, p)
	return &asynq.TaskInfo{Queue: jobs.QueueDefault}, nil
}

func (q *fakeQueue) recipients() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.payload {
		out = append(out, p.To)
	}
	return out
}

func sampleRef() proposals.ProposalRef {
	return proposals.ProposalRef{
		ID:          uuid.New(),
		TenantID:    7,
		Number:      "PRP-2501-0001",
		Title:       "Managed network refresh",
		Currency:    "USD",
		FinalAmount: 1072.5,
	}
}

func TestMailerSignatureRequestCarriesCode(t *testing.T) {
	q := &fakeQueue{}
	m := NewProposalMailer(q, nil)
	evt := proposals.SignatureRequestedEvent{
		Proposal:         sampleRef(),
		SignatureID:      uuid.New(),
		SignerEmail:      "client@example.com",
		SignerName:       "Dana",
		VerificationCode: "ABCD2345EF",
		ExpiresAt:        time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.HandleSignatureRequested(context.Background(), evt))
	require.Len(t, q.payload, 1)
	got := q.payload[0]
	assert.Equal(t, "client@example.com", got.To)
	assert.Contains(t, got.Subject, "PRP-2501-0001")
	assert.Contains(t, got.Body, "ABCD2345EF")
	assert.Equal(t, evt.SignatureID.String(), got.Reference)
}

func TestMailerFansOutDistinctRecipients(t *testing.T) {
	q := &fakeQueue{}
	m := NewProposalMailer(q, nil)
	evt := proposals.ProposalApprovedEvent{
		Proposal:   sampleRef(),
		Recipients: []string{"a@example.com", "b@example.com", "a@example.com", " "},
		ApprovedAt: time.Now(),
	}
	require.NoError(t, m.HandleProposalApproved(context.Background(), evt))
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, q.recipients())
}

func TestMailerReportsEnqueueFailure(t *testing.T) {
	q := &fakeQueue{failTo: "b@example.com"}
	m := NewProposalMailer(q, nil)
	err := m.HandleProposalRejected(context.Background(), proposals.ProposalRejectedEvent{
		Proposal:   sampleRef(),
		Stage:      proposals.StageApproval,
		Reason:     "budget",
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "b@example.com"))
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

func TestAuditRecordsActorFromContext(t *testing.T) {
	rec := &memoryAudit{}
	audit := NewProposalAudit(rec)
	ctx := shared.ContextWithPrincipal(context.Background(), shared.Principal{TenantID: 7, UserID: 42})
	ref := sampleRef()
	require.NoError(t, audit.HandleProposalRejected(ctx, proposals.ProposalRejectedEvent{Proposal: ref, Stage: proposals.StageSignature, Reason: "declined"}))
	require.Len(t, rec.logs, 1)
	log := rec.logs[0]
	assert.Equal(t, int64(42), log.ActorID)
	assert.Equal(t, int64(7), log.TenantID)
	assert.Equal(t, "rejected", log.Action)
	assert.Equal(t, ref.ID.String(), log.EntityID)
	assert.Equal(t, "signature", log.Meta["stage"])
}

func TestAuditPrefersEventActor(t *testing.T) {
	rec := &memoryAudit{}
	audit := NewProposalAudit(rec)
	ctx := shared.ContextWithPrincipal(context.Background(), shared.Principal{TenantID: 7, UserID: 42})
	ref := sampleRef()
	ref.ActorID = 9
	require.NoError(t, audit.HandleApprovalRequested(ctx, proposals.ApprovalRequestedEvent{Proposal: ref, Level: 1, ApproverEmail: "a@example.com"}))
	require.NoError(t, audit.HandleApprovalRequested(context.Background(), proposals.ApprovalRequestedEvent{Proposal: ref, Level: 1}))
	require.Len(t, rec.logs, 2)
	assert.Equal(t, int64(9), rec.logs[0].ActorID)
	assert.Equal(t, int64(9), rec.logs[1].ActorID)
	assert.Equal(t, "approval_requested", rec.logs[0].Action)
}

func TestFanoutCallsEveryHandlerAndJoinsErrors(t *testing.T) {
	q := &fakeQueue{failTo: "x@example.com"}
	rec := &memoryAudit{}
	f := Fanout{NewProposalMailer(q, nil), nil, NewProposalAudit(rec)}
	err := f.HandleApprovalRequested(context.Background(), proposals.ApprovalRequestedEvent{
		Proposal:      sampleRef(),
		ApprovalID:    uuid.New(),
		ApproverEmail: "x@example.com",
		Level:         1,
	})
	require.Error(t, err)
	assert.Len(t, rec.logs, 1)
}
