package proposals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const timeoutComment = "approval timed out"

// SweepReport summarises one CheckTimeouts run.
type SweepReport struct {
	OverdueApprovals  int `json:"overdue_approvals"`
	RejectedProposals int `json:"rejected_proposals"`
	Notified          int `json:"notified"`
	ExpiredSignatures int `json:"expired_signatures"`
	Failures          int `json:"failures"`
}

// CheckTimeouts applies the timeout policy to approvals pending past their
// deadline and reports lapsed signature requests. A failure on one proposal
// is logged and the sweep moves on.
func (e *Engine) CheckTimeouts(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	overdue, err := e.repo.ListOverdueApprovals(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list overdue approvals: %w", err)
	}
	report.OverdueApprovals = len(overdue)

	var events []domainEvent
	switch e.cfg.TimeoutPolicy {
	case TimeoutNotify:
		for _, rec := range overdue {
			evt, err := e.notifyOverdue(ctx, rec)
			if err != nil {
				report.Failures++
				e.logger.Warn("sweep notify overdue approval", slog.String("approval_id", rec.ID.String()), slog.Any("error", err))
				continue
			}
			if evt != nil {
				events = append(events, evt)
				report.Notified++
			}
		}
	default:
		handled := make(map[uuid.UUID]struct{})
		for _, rec := range overdue {
			if _, done := handled[rec.ProposalID]; done {
				continue
			}
			rejected, evts, err := e.expireApproval(ctx, rec)
			if err != nil {
				report.Failures++
				e.logger.Warn("sweep expire approval", slog.String("approval_id", rec.ID.String()), slog.Any("error", err))
				continue
			}
			if rejected {
				handled[rec.ProposalID] = struct{}{}
				report.RejectedProposals++
			}
			events = append(events, evts...)
		}
	}

	expired, err := e.repo.ListExpiredSignatures(ctx, now)
	if err != nil {
		e.publish(ctx, events)
		return report, fmt.Errorf("list expired signatures: %w", err)
	}
	for _, sig := range expired {
		evt, err := e.noticeExpiry(ctx, sig)
		if err != nil {
			report.Failures++
			e.logger.Warn("sweep notice expired signature", slog.String("signature_id", sig.ID.String()), slog.Any("error", err))
			continue
		}
		if evt != nil {
			events = append(events, evt)
			report.ExpiredSignatures++
		}
	}

	e.publish(ctx, events)
	e.logger.Info("proposal timeout sweep",
		slog.Int("overdue_approvals", report.OverdueApprovals),
		slog.Int("rejected", report.RejectedProposals),
		slog.Int("expired_signatures", report.ExpiredSignatures),
		slog.Int("failures", report.Failures),
	)
	return report, nil
}

// expireApproval rejects one overdue approval under the proposal lock. A
// record decided or a proposal moved on since listing is skipped.
func (e *Engine) expireApproval(ctx context.Context, rec ApprovalRecord) (bool, []domainEvent, error) {
	var (
		rejected bool
		events   []domainEvent
	)
	err := e.withLock(ctx, rec.TenantID, rec.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			outcome, evts, err := e.decide(ctx, tx, rec.TenantID, rec.ProposalID, rec.ID, DecisionReject, timeoutComment)
			if err != nil {
				var pv *PolicyViolation
				if errors.As(err, &pv) {
					return nil
				}
				return err
			}
			rejected = outcome.Proposal.Status == StatusRejected
			events = evts
			return nil
		})
	})
	return rejected, events, err
}

// notifyOverdue marks an overdue approval as reported and returns its event.
// Each approval is reported at most once; a record decided, already reported
// or left stale by its completed level yields no event.
func (e *Engine) notifyOverdue(ctx context.Context, rec ApprovalRecord) (domainEvent, error) {
	var evt domainEvent
	err := e.withLock(ctx, rec.TenantID, rec.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			cur, err := tx.GetApproval(ctx, rec.TenantID, rec.ID)
			if err != nil {
				return err
			}
			if cur.Status != ApprovalPending || cur.OverdueNotifiedAt != nil {
				return nil
			}
			stale, err := e.staleSlot(ctx, tx, cur)
			if err != nil {
				return err
			}
			if stale {
				return nil
			}
			p, err := tx.GetProposal(ctx, rec.TenantID, rec.ProposalID)
			if err != nil {
				return err
			}
			if p.Status != StatusPendingApproval {
				return nil
			}
			if err := tx.MarkOverdueNotified(ctx, rec.TenantID, rec.ID, e.clock.Now()); err != nil {
				if errors.Is(err, ErrConflict) {
					return nil
				}
				return fmt.Errorf("mark approval notified: %w", err)
			}
			evt = ApprovalOverdueEvent{
				Proposal:      refOf(p),
				ApprovalID:    cur.ID,
				ApproverEmail: cur.ApproverEmail,
				Level:         cur.Level,
				TimeoutAt:     cur.TimeoutAt,
			}
			return nil
		})
	})
	return evt, err
}

// noticeExpiry marks a lapsed signature request as reported and returns its
// event. Requests closed since listing, or on proposals no longer approved,
// are skipped.
func (e *Engine) noticeExpiry(ctx context.Context, sig SignatureRequest) (domainEvent, error) {
	var evt domainEvent
	err := e.withLock(ctx, sig.TenantID, sig.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			cur, err := tx.GetSignature(ctx, sig.TenantID, sig.ID)
			if err != nil {
				return err
			}
			if !cur.Outstanding() || cur.DeclinedAt != nil || cur.ExpiryNotifiedAt != nil {
				return nil
			}
			p, err := tx.GetProposal(ctx, sig.TenantID, sig.ProposalID)
			if err != nil {
				return err
			}
			if p.Status != StatusApproved {
				return nil
			}
			if err := tx.MarkExpiryNotified(ctx, sig.TenantID, sig.ID, e.clock.Now()); err != nil {
				if errors.Is(err, ErrConflict) {
					return nil
				}
				return fmt.Errorf("mark signature expiry notified: %w", err)
			}
			evt = SignatureExpiredEvent{
				Proposal:    refOf(p),
				SignatureID: cur.ID,
				SignerEmail: cur.SignerEmail,
				ExpiredAt:   cur.ExpiresAt,
			}
			return nil
		})
	})
	return evt, err
}
