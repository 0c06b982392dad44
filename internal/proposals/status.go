package proposals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LevelSummary counts decisions for one approval level.
type LevelSummary struct {
	Level    int `json:"level"`
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Pending  int `json:"pending"`
}

// ApprovalSummary aggregates the approval rows of a proposal.
type ApprovalSummary struct {
	Total        int            `json:"total"`
	Approved     int            `json:"approved"`
	Rejected     int            `json:"rejected"`
	Pending      int            `json:"pending"`
	Overdue      int            `json:"overdue"`
	CurrentLevel int            `json:"current_level"`
	Levels       []LevelSummary `json:"levels,omitempty"`
}

// SignatureSummary aggregates the signature rows of a proposal.
type SignatureSummary struct {
	Total    int `json:"total"`
	Signed   int `json:"signed"`
	Pending  int `json:"pending"`
	Expired  int `json:"expired"`
	Declined int `json:"declined"`
	Voided   int `json:"voided"`
}

// WorkflowStatus is a read-only projection of a proposal's workflow.
type WorkflowStatus struct {
	ProposalID   uuid.UUID        `json:"proposal_id"`
	Status       Status           `json:"status"`
	CurrentStage Stage            `json:"current_stage"`
	Approvals    ApprovalSummary  `json:"approvals"`
	Signatures   SignatureSummary `json:"signatures"`
	AsOf         time.Time        `json:"as_of"`
}

// WorkflowStatus recomputes the projection from stored rows on every call.
func (e *Engine) WorkflowStatus(ctx context.Context, tenantID int64, proposalID uuid.UUID) (WorkflowStatus, error) {
	p, err := e.repo.GetProposal(ctx, tenantID, proposalID)
	if err != nil {
		return WorkflowStatus{}, err
	}
	approvals, err := e.repo.ListApprovals(ctx, tenantID, proposalID)
	if err != nil {
		return WorkflowStatus{}, fmt.Errorf("list approvals: %w", err)
	}
	signatures, err := e.repo.ListSignatures(ctx, tenantID, proposalID)
	if err != nil {
		return WorkflowStatus{}, fmt.Errorf("list signatures: %w", err)
	}
	return Project(p, approvals, signatures, e.clock.Now()), nil
}

// Project derives the workflow status from a proposal and its rows.
func Project(p Proposal, approvals []ApprovalRecord, signatures []SignatureRequest, now time.Time) WorkflowStatus {
	ws := WorkflowStatus{ProposalID: p.ID, Status: p.Status, AsOf: now}
	switch {
	case p.Status == StatusRejected:
		ws.CurrentStage = StageRejected
	case p.Status == StatusAccepted:
		ws.CurrentStage = StageAccepted
	case len(signatures) > 0:
		ws.CurrentStage = StageSignature
	case len(approvals) > 0:
		ws.CurrentStage = StageApproval
	default:
		ws.CurrentStage = StageDraft
	}

	levels := make(map[int]*LevelSummary)
	for _, a := range approvals {
		lvl, ok := levels[a.Level]
		if !ok {
			lvl = &LevelSummary{Level: a.Level}
			levels[a.Level] = lvl
		}
		lvl.Total++
		ws.Approvals.Total++
		switch a.Status {
		case ApprovalApproved:
			lvl.Approved++
			ws.Approvals.Approved++
		case ApprovalRejected:
			lvl.Rejected++
			ws.Approvals.Rejected++
		default:
			lvl.Pending++
			ws.Approvals.Pending++
			if !now.Before(a.TimeoutAt) {
				ws.Approvals.Overdue++
			}
		}
	}
	for _, lvl := range levels {
		ws.Approvals.Levels = append(ws.Approvals.Levels, *lvl)
	}
	sort.Slice(ws.Approvals.Levels, func(i, j int) bool { return ws.Approvals.Levels[i].Level < ws.Approvals.Levels[j].Level })
	for _, lvl := range ws.Approvals.Levels {
		if lvl.Pending > 0 && (ws.Approvals.CurrentLevel == 0 || lvl.Level < ws.Approvals.CurrentLevel) {
			ws.Approvals.CurrentLevel = lvl.Level
		}
	}
	if ws.Approvals.CurrentLevel == 0 && len(ws.Approvals.Levels) > 0 {
		ws.Approvals.CurrentLevel = ws.Approvals.Levels[len(ws.Approvals.Levels)-1].Level
	}

	for _, s := range signatures {
		ws.Signatures.Total++
		switch {
		case s.SignedAt != nil:
			ws.Signatures.Signed++
		case s.VoidedAt != nil:
			ws.Signatures.Voided++
		case s.DeclinedAt != nil:
			ws.Signatures.Declined++
		case !now.Before(s.ExpiresAt):
			ws.Signatures.Expired++
		default:
			ws.Signatures.Pending++
		}
	}
	return ws
}
