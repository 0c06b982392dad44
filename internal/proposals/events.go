package proposals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProposalRef identifies a proposal inside events.
type ProposalRef struct {
	ID          uuid.UUID
	TenantID    int64
	Number      string
	Title       string
	Currency    string
	FinalAmount float64

	// ActorID is the user whose action raised the event. Zero for sweeps.
	ActorID int64
}

func refOf(p Proposal) ProposalRef {
	return ProposalRef{ID: p.ID, TenantID: p.TenantID, Number: p.Number, Title: p.Title, Currency: p.Currency, FinalAmount: p.FinalAmount}
}

// ApprovalRequestedEvent is raised for every approver of an activated level.
type ApprovalRequestedEvent struct {
	Proposal      ProposalRef
	ApprovalID    uuid.UUID
	ApproverID    int64
	ApproverEmail string
	ApproverName  string
	Level         int
	TimeoutAt     time.Time
}

// ApprovalOverdueEvent is raised by the sweep under the notify policy.
type ApprovalOverdueEvent struct {
	Proposal      ProposalRef
	ApprovalID    uuid.UUID
	ApproverEmail string
	Level         int
	TimeoutAt     time.Time
}

// ProposalApprovedEvent is raised when the last level completes.
type ProposalApprovedEvent struct {
	Proposal   ProposalRef
	Recipients []string
	ApprovedAt time.Time
}

// ProposalRejectedEvent is raised on the first rejection or a signer decline.
type ProposalRejectedEvent struct {
	Proposal   ProposalRef
	Stage      Stage
	Reason     string
	Recipients []string
	RejectedAt time.Time
}

// SignatureRequestedEvent carries the one-time verification code.
type SignatureRequestedEvent struct {
	Proposal         ProposalRef
	SignatureID      uuid.UUID
	SignerEmail      string
	SignerName       string
	VerificationCode string
	ExpiresAt        time.Time
}

// SignatureExpiredEvent is raised by the sweep for lapsed requests.
type SignatureExpiredEvent struct {
	Proposal    ProposalRef
	SignatureID uuid.UUID
	SignerEmail string
	ExpiredAt   time.Time
}

// ProposalAcceptedEvent is raised when the last signature lands.
type ProposalAcceptedEvent struct {
	Proposal   ProposalRef
	Recipients []string
	AcceptedAt time.Time
}

// WorkflowHandler receives proposal domain events after the state change
// that produced them has committed.
type WorkflowHandler interface {
	HandleApprovalRequested(ctx context.Context, evt ApprovalRequestedEvent) error
	HandleApprovalOverdue(ctx context.Context, evt ApprovalOverdueEvent) error
	HandleProposalApproved(ctx context.Context, evt ProposalApprovedEvent) error
	HandleProposalRejected(ctx context.Context, evt ProposalRejectedEvent) error
	HandleSignatureRequested(ctx context.Context, evt SignatureRequestedEvent) error
	HandleSignatureExpired(ctx context.Context, evt SignatureExpiredEvent) error
	HandleProposalAccepted(ctx context.Context, evt ProposalAcceptedEvent) error
}

type domainEvent interface {
	name() string
	dispatch(ctx context.Context, h WorkflowHandler) error
}

func (e ApprovalRequestedEvent) name() string { return "approval_requested" }
func (e ApprovalRequestedEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleApprovalRequested(ctx, e)
}

func (e ApprovalOverdueEvent) name() string { return "approval_overdue" }
func (e ApprovalOverdueEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleApprovalOverdue(ctx, e)
}

func (e ProposalApprovedEvent) name() string { return "proposal_approved" }
func (e ProposalApprovedEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleProposalApproved(ctx, e)
}

func (e ProposalRejectedEvent) name() string { return "proposal_rejected" }
func (e ProposalRejectedEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleProposalRejected(ctx, e)
}

func (e SignatureRequestedEvent) name() string { return "signature_requested" }
func (e SignatureRequestedEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleSignatureRequested(ctx, e)
}

func (e SignatureExpiredEvent) name() string { return "signature_expired" }
func (e SignatureExpiredEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleSignatureExpired(ctx, e)
}

func (e ProposalAcceptedEvent) name() string { return "proposal_accepted" }
func (e ProposalAcceptedEvent) dispatch(ctx context.Context, h WorkflowHandler) error {
	return h.HandleProposalAccepted(ctx, e)
}
