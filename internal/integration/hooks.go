package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
	"github.com/odyssey-erp/odyssey-msp/internal/shared"
	"github.com/odyssey-erp/odyssey-msp/jobs"
)

// EmailEnqueuer queues transactional email.
type EmailEnqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// ProposalMailer turns proposal workflow events into mail:send tasks.
type ProposalMailer struct {
	queue  EmailEnqueuer
	logger *slog.Logger
}

// NewProposalMailer constructs the mailer.
func NewProposalMailer(queue EmailEnqueuer, logger *slog.Logger) *ProposalMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProposalMailer{queue: queue, logger: logger}
}

func (m *ProposalMailer) send(ctx context.Context, ref string, msg message, recipients ...string) error {
	if m == nil || m.queue == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(recipients))
	g, gctx := errgroup.WithContext(ctx)
	for _, to := range recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if _, dup := seen[to]; dup {
			continue
		}
		seen[to] = struct{}{}
		g.Go(func() error {
			_, err := m.queue.EnqueueSendEmail(gctx, jobs.SendEmailPayload{
				To:        to,
				Subject:   msg.Subject,
				Body:      msg.Body,
				Reference: ref,
			})
			if err != nil {
				return fmt.Errorf("integration: enqueue mail to %s: %w", to, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.logger.Debug("proposal mail queued", slog.String("reference", ref), slog.Int("recipients", len(seen)))
	return nil
}

// HandleApprovalRequested notifies the approver of a newly active level.
func (m *ProposalMailer) HandleApprovalRequested(ctx context.Context, evt proposals.ApprovalRequestedEvent) error {
	return m.send(ctx, evt.ApprovalID.String(), approvalRequestedMessage(evt), evt.ApproverEmail)
}

// HandleApprovalOverdue reminds the approver of a lapsed deadline.
func (m *ProposalMailer) HandleApprovalOverdue(ctx context.Context, evt proposals.ApprovalOverdueEvent) error {
	return m.send(ctx, evt.ApprovalID.String(), approvalOverdueMessage(evt), evt.ApproverEmail)
}

// HandleProposalApproved tells every approver the chain completed.
func (m *ProposalMailer) HandleProposalApproved(ctx context.Context, evt proposals.ProposalApprovedEvent) error {
	return m.send(ctx, evt.Proposal.ID.String(), proposalApprovedMessage(evt), evt.Recipients...)
}

// HandleProposalRejected announces the rejection.
func (m *ProposalMailer) HandleProposalRejected(ctx context.Context, evt proposals.ProposalRejectedEvent) error {
	return m.send(ctx, evt.Proposal.ID.String(), proposalRejectedMessage(evt), evt.Recipients...)
}

// HandleSignatureRequested sends the signer their verification code.
func (m *ProposalMailer) HandleSignatureRequested(ctx context.Context, evt proposals.SignatureRequestedEvent) error {
	return m.send(ctx, evt.SignatureID.String(), signatureRequestedMessage(evt), evt.SignerEmail)
}

// HandleSignatureExpired tells the signer their request lapsed.
func (m *ProposalMailer) HandleSignatureExpired(ctx context.Context, evt proposals.SignatureExpiredEvent) error {
	return m.send(ctx, evt.SignatureID.String(), signatureExpiredMessage(evt), evt.SignerEmail)
}

// HandleProposalAccepted confirms acceptance to every signer.
func (m *ProposalMailer) HandleProposalAccepted(ctx context.Context, evt proposals.ProposalAcceptedEvent) error {
	return m.send(ctx, evt.Proposal.ID.String(), proposalAcceptedMessage(evt), evt.Recipients...)
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ProposalAudit writes one audit_logs row per workflow event.
type ProposalAudit struct {
	recorder AuditRecorder
}

// NewProposalAudit constructs the audit hook.
func NewProposalAudit(recorder AuditRecorder) *ProposalAudit {
	return &ProposalAudit{recorder: recorder}
}

func (a *ProposalAudit) record(ctx context.Context, action string, ref proposals.ProposalRef, meta map[string]any) error {
	if a == nil || a.recorder == nil {
		return nil
	}
	actorID := ref.ActorID
	if p, ok := shared.PrincipalFromContext(ctx); ok && actorID == 0 {
		actorID = p.UserID
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = ref.Number
	return a.recorder.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		TenantID: ref.TenantID,
		Action:   action,
		Entity:   "proposal",
		EntityID: ref.ID.String(),
		Meta:     meta,
	})
}

// HandleApprovalRequested records the activation of an approver slot.
func (a *ProposalAudit) HandleApprovalRequested(ctx context.Context, evt proposals.ApprovalRequestedEvent) error {
	return a.record(ctx, "approval_requested", evt.Proposal, map[string]any{"approval_id": evt.ApprovalID.String(), "level": evt.Level, "approver": evt.ApproverEmail})
}

// HandleApprovalOverdue records an overdue reminder.
func (a *ProposalAudit) HandleApprovalOverdue(ctx context.Context, evt proposals.ApprovalOverdueEvent) error {
	return a.record(ctx, "approval_overdue", evt.Proposal, map[string]any{"approval_id": evt.ApprovalID.String(), "level": evt.Level})
}

// HandleProposalApproved records the completed chain.
func (a *ProposalAudit) HandleProposalApproved(ctx context.Context, evt proposals.ProposalApprovedEvent) error {
	return a.record(ctx, "approved", evt.Proposal, nil)
}

// HandleProposalRejected records the rejection and its stage.
func (a *ProposalAudit) HandleProposalRejected(ctx context.Context, evt proposals.ProposalRejectedEvent) error {
	return a.record(ctx, "rejected", evt.Proposal, map[string]any{"stage": string(evt.Stage), "reason": evt.Reason})
}

// HandleSignatureRequested records the invite without the code.
func (a *ProposalAudit) HandleSignatureRequested(ctx context.Context, evt proposals.SignatureRequestedEvent) error {
	return a.record(ctx, "signature_requested", evt.Proposal, map[string]any{"signature_id": evt.SignatureID.String(), "signer": evt.SignerEmail})
}

// HandleSignatureExpired records a lapsed request.
func (a *ProposalAudit) HandleSignatureExpired(ctx context.Context, evt proposals.SignatureExpiredEvent) error {
	return a.record(ctx, "signature_expired", evt.Proposal, map[string]any{"signature_id": evt.SignatureID.String()})
}

// HandleProposalAccepted records acceptance.
func (a *ProposalAudit) HandleProposalAccepted(ctx context.Context, evt proposals.ProposalAcceptedEvent) error {
	return a.record(ctx, "accepted", evt.Proposal, nil)
}

// Fanout delivers each event to every handler and joins their errors.
type Fanout []proposals.WorkflowHandler

func (f Fanout) each(fn func(proposals.WorkflowHandler) error) error {
	var errs []error
	for _, h := range f {
		if h == nil {
			continue
		}
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) HandleApprovalRequested(ctx context.Context, evt proposals.ApprovalRequestedEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleApprovalRequested(ctx, evt) })
}

func (f Fanout) HandleApprovalOverdue(ctx context.Context, evt proposals.ApprovalOverdueEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleApprovalOverdue(ctx, evt) })
}

func (f Fanout) HandleProposalApproved(ctx context.Context, evt proposals.ProposalApprovedEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleProposalApproved(ctx, evt) })
}

func (f Fanout) HandleProposalRejected(ctx context.Context, evt proposals.ProposalRejectedEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleProposalRejected(ctx, evt) })
}

func (f Fanout) HandleSignatureRequested(ctx context.Context, evt proposals.SignatureRequestedEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleSignatureRequested(ctx, evt) })
}

func (f Fanout) HandleSignatureExpired(ctx context.Context, evt proposals.SignatureExpiredEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleSignatureExpired(ctx, evt) })
}

func (f Fanout) HandleProposalAccepted(ctx context.Context, evt proposals.ProposalAcceptedEvent) error {
	return f.each(func(h proposals.WorkflowHandler) error { return h.HandleProposalAccepted(ctx, evt) })
}

var (
	_ proposals.WorkflowHandler = (*ProposalMailer)(nil)
	_ proposals.WorkflowHandler = (*ProposalAudit)(nil)
	_ proposals.WorkflowHandler = Fanout(nil)
)
