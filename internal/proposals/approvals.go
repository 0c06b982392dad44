package proposals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ValidateChain checks an approval chain and returns every problem found.
func ValidateChain(chain ApprovalChain) []string {
	var problems []string
	if len(chain.Levels) == 0 {
		return []string{"at least one approval level is required"}
	}
	seen := make(map[int]struct{}, len(chain.Levels))
	for i, lvl := range chain.Levels {
		name := fmt.Sprintf("level %d", lvl.Level)
		if lvl.Level <= 0 {
			name = fmt.Sprintf("level #%d", i+1)
			problems = append(problems, fmt.Sprintf("%s: level number must be positive", name))
		} else if _, dup := seen[lvl.Level]; dup {
			problems = append(problems, fmt.Sprintf("%s: level number is duplicated", name))
		}
		seen[lvl.Level] = struct{}{}
		if len(lvl.Approvers) == 0 {
			problems = append(problems, fmt.Sprintf("%s: at least one approver is required", name))
		}
		if lvl.RequiredApprovals < 1 {
			problems = append(problems, fmt.Sprintf("%s: required approvals must be at least 1", name))
		}
		if lvl.RequiredApprovals > len(lvl.Approvers) {
			problems = append(problems, fmt.Sprintf("%s: required approvals %d exceeds approver count %d", name, lvl.RequiredApprovals, len(lvl.Approvers)))
		}
		if lvl.Timeout <= 0 {
			problems = append(problems, fmt.Sprintf("%s: timeout must be positive", name))
		}
		approvers := make(map[int64]struct{}, len(lvl.Approvers))
		for _, a := range lvl.Approvers {
			if a.UserID <= 0 || strings.TrimSpace(a.Email) == "" {
				problems = append(problems, fmt.Sprintf("%s: approver requires user id and email", name))
				continue
			}
			if _, dup := approvers[a.UserID]; dup {
				problems = append(problems, fmt.Sprintf("%s: approver %d listed twice", name, a.UserID))
			}
			approvers[a.UserID] = struct{}{}
		}
	}
	if len(problems) == 0 {
		levels := sortedLevels(chain)
		for i, n := range levels {
			if n != i+1 {
				problems = append(problems, fmt.Sprintf("level %d: levels must be numbered consecutively from 1", n))
				break
			}
		}
	}
	return problems
}

// ApprovalOutcome reports the effect of an approval operation.
type ApprovalOutcome struct {
	Proposal      Proposal         `json:"proposal"`
	Activated     []ApprovalRecord `json:"activated,omitempty"`
	Decided       *ApprovalRecord  `json:"decided,omitempty"`
	LevelComplete bool             `json:"level_complete"`
}

// StartApproval validates the chain and the proposal, then activates the
// first level (or every level in parallel mode) on behalf of actorID. A
// malformed chain leaves no trace in the store.
func (e *Engine) StartApproval(ctx context.Context, tenantID int64, proposalID uuid.UUID, chain ApprovalChain, actorID int64) (ApprovalOutcome, error) {
	if problems := ValidateChain(chain); len(problems) > 0 {
		return ApprovalOutcome{}, &ConfigurationError{Problems: problems}
	}
	chain.TenantID = tenantID
	chain.ProposalID = proposalID
	chain.Levels = append([]ApprovalLevel(nil), chain.Levels...)
	sort.Slice(chain.Levels, func(i, j int) bool { return chain.Levels[i].Level < chain.Levels[j].Level })

	var (
		outcome ApprovalOutcome
		events  []domainEvent
	)
	err := e.withLock(ctx, tenantID, proposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			p, err := tx.GetProposal(ctx, tenantID, proposalID)
			if err != nil {
				return err
			}
			if p.Status != StatusDraft {
				return policy(stageOf(p.Status), "approval can only start from draft")
			}
			items, err := tx.ListItems(ctx, tenantID, proposalID)
			if err != nil {
				return fmt.Errorf("list proposal items: %w", err)
			}
			verdict := e.validator.Validate(draftOf(p), items, e.clock.Now())
			if err := verdict.Err(); err != nil {
				return err
			}
			if err := tx.SaveApprovalChain(ctx, chain); err != nil {
				return fmt.Errorf("save approval chain: %w", err)
			}
			active := chain.Levels[:1]
			if chain.Parallel {
				active = chain.Levels
			}
			var records []ApprovalRecord
			for _, lvl := range active {
				records = append(records, e.newRecords(p, lvl)...)
			}
			if err := tx.CreateApprovals(ctx, records); err != nil {
				return fmt.Errorf("create approvals: %w", err)
			}
			if err := e.transition(ctx, tx, &p, EventSubmit, ""); err != nil {
				return err
			}
			now := e.clock.Now()
			p.SubmittedAt = &now
			outcome = ApprovalOutcome{Proposal: p, Activated: records}
			ref := refOf(p)
			ref.ActorID = actorID
			events = approvalRequests(ref, records)
			return nil
		})
	})
	if err != nil {
		return ApprovalOutcome{}, err
	}
	e.logger.Info("approval started", slog.String("proposal_id", proposalID.String()), slog.Int64("actor_id", actorID), slog.Int("levels", len(chain.Levels)), slog.Bool("parallel", chain.Parallel))
	e.publish(ctx, events)
	return outcome, nil
}

// DecideApproval records an approver's decision and advances the chain.
func (e *Engine) DecideApproval(ctx context.Context, tenantID int64, approvalID uuid.UUID, approverID int64, decision Decision, comment string) (ApprovalOutcome, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return ApprovalOutcome{}, ValidationErrors{{Field: "decision", Message: "decision must be approve or reject"}}
	}
	record, err := e.repo.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return ApprovalOutcome{}, err
	}
	if record.ApproverID != approverID {
		return ApprovalOutcome{}, policy(StageApproval, "approval is assigned to another approver")
	}

	var (
		outcome ApprovalOutcome
		events  []domainEvent
	)
	err = e.withLock(ctx, tenantID, record.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			outcome, events, err = e.decide(ctx, tx, tenantID, record.ProposalID, approvalID, decision, comment)
			return err
		})
	})
	if err != nil {
		return ApprovalOutcome{}, err
	}
	e.publish(ctx, events)
	return outcome, nil
}

// decide runs inside a transaction under the proposal lock.
func (e *Engine) decide(ctx context.Context, tx TxRepository, tenantID int64, proposalID, approvalID uuid.UUID, decision Decision, comment string) (ApprovalOutcome, []domainEvent, error) {
	record, err := tx.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return ApprovalOutcome{}, nil, err
	}
	p, err := tx.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return ApprovalOutcome{}, nil, err
	}
	if p.Status != StatusPendingApproval {
		return ApprovalOutcome{}, nil, policy(stageOf(p.Status), "proposal is not awaiting approval")
	}
	if record.Status != ApprovalPending {
		return ApprovalOutcome{}, nil, policy(StageApproval, "approval has already been decided")
	}
	chain, err := tx.GetApprovalChain(ctx, p.TenantID, p.ID)
	if err != nil {
		return ApprovalOutcome{}, nil, fmt.Errorf("load approval chain: %w", err)
	}
	before, err := tx.ListApprovals(ctx, p.TenantID, p.ID)
	if err != nil {
		return ApprovalOutcome{}, nil, fmt.Errorf("list approvals: %w", err)
	}
	if e.levelComplete(chain, before, record.Level) {
		return ApprovalOutcome{}, nil, policy(StageApproval, fmt.Sprintf("level %d is already complete", record.Level))
	}
	now := e.clock.Now()
	status := ApprovalApproved
	if decision == DecisionReject {
		status = ApprovalRejected
	}
	if err := tx.DecideApproval(ctx, p.TenantID, approvalID, status, comment, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return ApprovalOutcome{}, nil, policy(StageApproval, "approval has already been decided")
		}
		return ApprovalOutcome{}, nil, fmt.Errorf("record decision: %w", err)
	}
	record.Status = status
	record.Comment = comment
	record.DecidedAt = &now
	outcome := ApprovalOutcome{Decided: &record}

	all, err := tx.ListApprovals(ctx, p.TenantID, p.ID)
	if err != nil {
		return ApprovalOutcome{}, nil, fmt.Errorf("list approvals: %w", err)
	}

	if status == ApprovalRejected {
		reason := strings.TrimSpace(comment)
		if reason == "" {
			reason = fmt.Sprintf("rejected at level %d", record.Level)
		}
		if err := e.transition(ctx, tx, &p, EventReject, reason); err != nil {
			return ApprovalOutcome{}, nil, err
		}
		p.RejectedAt = &now
		p.RejectionReason = reason
		outcome.Proposal = p
		return outcome, []domainEvent{ProposalRejectedEvent{
			Proposal:   refOf(p),
			Stage:      StageApproval,
			Reason:     reason,
			Recipients: approverEmails(all),
			RejectedAt: now,
		}}, nil
	}

	outcome.LevelComplete = e.levelComplete(chain, all, record.Level)
	if !outcome.LevelComplete {
		outcome.Proposal = p
		return outcome, nil, nil
	}

	if !chain.Parallel {
		if next, ok := nextLevel(chain, record.Level); ok {
			records := e.newRecords(p, next)
			if err := tx.CreateApprovals(ctx, records); err != nil {
				return ApprovalOutcome{}, nil, fmt.Errorf("activate level %d: %w", next.Level, err)
			}
			if err := e.transition(ctx, tx, &p, EventLevelApproved, ""); err != nil {
				return ApprovalOutcome{}, nil, err
			}
			outcome.Proposal = p
			outcome.Activated = records
			return outcome, approvalRequests(refOf(p), records), nil
		}
	} else {
		for _, lvl := range chain.Levels {
			if !e.levelComplete(chain, all, lvl.Level) {
				outcome.Proposal = p
				return outcome, nil, nil
			}
		}
	}

	if err := e.transition(ctx, tx, &p, EventApprovalsComplete, ""); err != nil {
		return ApprovalOutcome{}, nil, err
	}
	p.ApprovedAt = &now
	outcome.Proposal = p
	return outcome, []domainEvent{ProposalApprovedEvent{
		Proposal:   refOf(p),
		Recipients: approverEmails(all),
		ApprovedAt: now,
	}}, nil
}

// staleSlot reports whether a pending record belongs to a level that no
// longer needs it.
func (e *Engine) staleSlot(ctx context.Context, r Reader, rec ApprovalRecord) (bool, error) {
	chain, err := r.GetApprovalChain(ctx, rec.TenantID, rec.ProposalID)
	if err != nil {
		return false, err
	}
	all, err := r.ListApprovals(ctx, rec.TenantID, rec.ProposalID)
	if err != nil {
		return false, err
	}
	return e.levelComplete(chain, all, rec.Level), nil
}

// levelComplete applies the configured threshold, or 1 in legacy mode.
func (e *Engine) levelComplete(chain ApprovalChain, records []ApprovalRecord, level int) bool {
	threshold := 1
	if !e.cfg.LegacySingleApproval {
		if lvl, ok := chain.Level(level); ok && lvl.RequiredApprovals > 0 {
			threshold = lvl.RequiredApprovals
		}
	}
	approved := 0
	for _, r := range records {
		if r.Level == level && r.Status == ApprovalApproved {
			approved++
		}
	}
	return approved >= threshold
}

func (e *Engine) newRecords(p Proposal, lvl ApprovalLevel) []ApprovalRecord {
	now := e.clock.Now()
	records := make([]ApprovalRecord, 0, len(lvl.Approvers))
	for _, a := range lvl.Approvers {
		records = append(records, ApprovalRecord{
			ID:            uuid.New(),
			TenantID:      p.TenantID,
			ProposalID:    p.ID,
			ApproverID:    a.UserID,
			ApproverEmail: a.Email,
			ApproverName:  a.Name,
			Level:         lvl.Level,
			Status:        ApprovalPending,
			TimeoutAt:     now.Add(lvl.Timeout),
			CreatedAt:     now,
		})
	}
	return records
}

func nextLevel(chain ApprovalChain, current int) (ApprovalLevel, bool) {
	var (
		best  ApprovalLevel
		found bool
	)
	for _, lvl := range chain.Levels {
		if lvl.Level > current && (!found || lvl.Level < best.Level) {
			best = lvl
			found = true
		}
	}
	return best, found
}

func sortedLevels(chain ApprovalChain) []int {
	levels := make([]int, 0, len(chain.Levels))
	for _, lvl := range chain.Levels {
		levels = append(levels, lvl.Level)
	}
	sort.Ints(levels)
	return levels
}

func approvalRequests(ref ProposalRef, records []ApprovalRecord) []domainEvent {
	events := make([]domainEvent, 0, len(records))
	for _, r := range records {
		events = append(events, ApprovalRequestedEvent{
			Proposal:      ref,
			ApprovalID:    r.ID,
			ApproverID:    r.ApproverID,
			ApproverEmail: r.ApproverEmail,
			ApproverName:  r.ApproverName,
			Level:         r.Level,
			TimeoutAt:     r.TimeoutAt,
		})
	}
	return events
}

func approverEmails(records []ApprovalRecord) []string {
	seen := make(map[string]struct{}, len(records))
	var emails []string
	for _, r := range records {
		if r.ApproverEmail == "" {
			continue
		}
		if _, ok := seen[r.ApproverEmail]; ok {
			continue
		}
		seen[r.ApproverEmail] = struct{}{}
		emails = append(emails, r.ApproverEmail)
	}
	return emails
}

func draftOf(p Proposal) Draft {
	return Draft{
		Title:      p.Title,
		ClientID:   p.ClientID,
		Content:    p.Content,
		ValidUntil: p.ValidUntil,
		Pricing:    PricingOptions{TaxRatePercent: p.TaxRatePercent, GlobalDiscountPercent: p.GlobalDiscountPercent},
	}
}
