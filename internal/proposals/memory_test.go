package proposals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type memoryState struct {
	proposals  map[uuid.UUID]Proposal
	items      map[uuid.UUID][]Item
	templates  map[uuid.UUID]Template
	chains     map[uuid.UUID]ApprovalChain
	approvals  map[uuid.UUID]ApprovalRecord
	signatures map[uuid.UUID]SignatureRequest
	sequences  map[string]int
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		proposals:  make(map[uuid.UUID]Proposal, len(s.proposals)),
		items:      make(map[uuid.UUID][]Item, len(s.items)),
		templates:  make(map[uuid.UUID]Template, len(s.templates)),
		chains:     make(map[uuid.UUID]ApprovalChain, len(s.chains)),
		approvals:  make(map[uuid.UUID]ApprovalRecord, len(s.approvals)),
		signatures: make(map[uuid.UUID]SignatureRequest, len(s.signatures)),
		sequences:  make(map[string]int, len(s.sequences)),
	}
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]Item(nil), v...)
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.chains {
		c.chains[k] = v
	}
	for k, v := range s.approvals {
		c.approvals[k] = v
	}
	for k, v := range s.signatures {
		c.signatures[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

// memoryRepo is an in-memory Repository. WithTx restores the previous
// state when the callback fails.
type memoryRepo struct {
	mu    sync.Mutex
	state memoryState
	txs   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: memoryState{}.clone()}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	r.txs++
	r.mu.Unlock()
	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.state = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) GetProposal(_ context.Context, tenantID int64, id uuid.UUID) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.proposals[id]
	if !ok || p.TenantID != tenantID {
		return Proposal{}, ErrNotFound
	}
	p.Items = append([]Item(nil), r.state.items[id]...)
	return p, nil
}

func (r *memoryRepo) ListItems(_ context.Context, tenantID int64, proposalID uuid.UUID) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.state.proposals[proposalID]; !ok || p.TenantID != tenantID {
		return nil, nil
	}
	return append([]Item(nil), r.state.items[proposalID]...), nil
}

func (r *memoryRepo) GetTemplate(_ context.Context, tenantID int64, id uuid.UUID) (Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.templates[id]
	if !ok || t.TenantID != tenantID {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (r *memoryRepo) GetApprovalChain(_ context.Context, tenantID int64, proposalID uuid.UUID) (ApprovalChain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.state.chains[proposalID]
	if !ok || c.TenantID != tenantID {
		return ApprovalChain{}, ErrNotFound
	}
	return c, nil
}

func (r *memoryRepo) GetApproval(_ context.Context, tenantID int64, id uuid.UUID) (ApprovalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.approvals[id]
	if !ok || a.TenantID != tenantID {
		return ApprovalRecord{}, ErrNotFound
	}
	return a, nil
}

func (r *memoryRepo) ListApprovals(_ context.Context, tenantID int64, proposalID uuid.UUID) ([]ApprovalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ApprovalRecord
	for _, a := range r.state.approvals {
		if a.TenantID == tenantID && a.ProposalID == proposalID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ApproverID < out[j].ApproverID
	})
	return out, nil
}

func (r *memoryRepo) GetSignature(_ context.Context, tenantID int64, id uuid.UUID) (SignatureRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.signatures[id]
	if !ok || s.TenantID != tenantID {
		return SignatureRequest{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepo) ListSignatures(_ context.Context, tenantID int64, proposalID uuid.UUID) ([]SignatureRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SignatureRequest
	for _, s := range r.state.signatures {
		if s.TenantID == tenantID && s.ProposalID == proposalID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) ListOverdueApprovals(_ context.Context, cutoff time.Time) ([]ApprovalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ApprovalRecord
	for _, a := range r.state.approvals {
		p := r.state.proposals[a.ProposalID]
		if a.Status == ApprovalPending && !a.TimeoutAt.After(cutoff) && a.OverdueNotifiedAt == nil && p.Status == StatusPendingApproval {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApproverID < out[j].ApproverID })
	return out, nil
}

func (r *memoryRepo) ListExpiredSignatures(_ context.Context, cutoff time.Time) ([]SignatureRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SignatureRequest
	for _, s := range r.state.signatures {
		if s.SignedAt == nil && s.VoidedAt == nil && s.DeclinedAt == nil && s.ExpiryNotifiedAt == nil && !s.ExpiresAt.After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memoryRepo) NextNumber(_ context.Context, tenantID int64, at time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%d:%s", tenantID, at.Format("200601"))
	r.state.sequences[key]++
	return fmt.Sprintf("PRP-%s-%04d", at.Format("0601"), r.state.sequences[key]), nil
}

func (r *memoryRepo) CreateProposal(_ context.Context, p Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.Items = nil
	r.state.proposals[p.ID] = p
	return nil
}

func (r *memoryRepo) UpdateDraft(_ context.Context, p Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.state.proposals[p.ID]
	if !ok || cur.Status != StatusDraft {
		return ErrConflict
	}
	p.Items = nil
	r.state.proposals[p.ID] = p
	return nil
}

func (r *memoryRepo) ReplaceItems(_ context.Context, _ int64, proposalID uuid.UUID, items []Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.items[proposalID] = append([]Item(nil), items...)
	return nil
}

func (r *memoryRepo) TransitionStatus(_ context.Context, change StatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.proposals[change.ProposalID]
	if !ok || p.TenantID != change.TenantID || p.Status != change.From {
		return ErrConflict
	}
	p.Status = change.To
	p.UpdatedAt = change.At
	at := change.At
	switch change.To {
	case StatusPendingApproval:
		if p.SubmittedAt == nil {
			p.SubmittedAt = &at
		}
	case StatusApproved:
		p.ApprovedAt = &at
	case StatusRejected:
		p.RejectedAt = &at
		p.RejectionReason = change.Reason
	case StatusAccepted:
		p.AcceptedAt = &at
	}
	r.state.proposals[p.ID] = p
	return nil
}

func (r *memoryRepo) SaveApprovalChain(_ context.Context, chain ApprovalChain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.chains[chain.ProposalID] = chain
	return nil
}

func (r *memoryRepo) CreateApprovals(_ context.Context, records []ApprovalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range records {
		r.state.approvals[a.ID] = a
	}
	return nil
}

func (r *memoryRepo) DecideApproval(_ context.Context, tenantID int64, id uuid.UUID, status ApprovalStatus, comment string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.approvals[id]
	if !ok || a.TenantID != tenantID || a.Status != ApprovalPending {
		return ErrConflict
	}
	a.Status = status
	a.Comment = comment
	a.DecidedAt = &at
	r.state.approvals[id] = a
	return nil
}

func (r *memoryRepo) MarkOverdueNotified(_ context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.approvals[id]
	if !ok || a.TenantID != tenantID || a.Status != ApprovalPending || a.OverdueNotifiedAt != nil {
		return ErrConflict
	}
	a.OverdueNotifiedAt = &at
	r.state.approvals[id] = a
	return nil
}

func (r *memoryRepo) MarkExpiryNotified(_ context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	return r.updateSignature(tenantID, id, func(s *SignatureRequest) bool {
		if s.SignedAt != nil || s.VoidedAt != nil || s.DeclinedAt != nil || s.ExpiryNotifiedAt != nil {
			return false
		}
		s.ExpiryNotifiedAt = &at
		return true
	})
}

func (r *memoryRepo) CreateSignature(_ context.Context, sig SignatureRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.signatures[sig.ID] = sig
	return nil
}

func (r *memoryRepo) updateSignature(tenantID int64, id uuid.UUID, fn func(*SignatureRequest) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.signatures[id]
	if !ok || s.TenantID != tenantID || !fn(&s) {
		return ErrConflict
	}
	r.state.signatures[id] = s
	return nil
}

func (r *memoryRepo) MarkSigned(_ context.Context, tenantID int64, id uuid.UUID, data SignatureData, at time.Time) error {
	return r.updateSignature(tenantID, id, func(s *SignatureRequest) bool {
		if s.SignedAt != nil || s.VoidedAt != nil || s.DeclinedAt != nil {
			return false
		}
		s.SignedAt = &at
		s.SignatureData = &data
		return true
	})
}

func (r *memoryRepo) MarkDeclined(_ context.Context, tenantID int64, id uuid.UUID, reason string, at time.Time) error {
	return r.updateSignature(tenantID, id, func(s *SignatureRequest) bool {
		if s.SignedAt != nil || s.VoidedAt != nil || s.DeclinedAt != nil {
			return false
		}
		s.DeclinedAt = &at
		s.DeclineReason = reason
		return true
	})
}

func (r *memoryRepo) VoidSignature(_ context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	return r.updateSignature(tenantID, id, func(s *SignatureRequest) bool {
		if s.SignedAt != nil || s.VoidedAt != nil {
			return false
		}
		s.VoidedAt = &at
		return true
	})
}

func (r *memoryRepo) approvalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.approvals)
}

func (r *memoryRepo) putTemplate(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.templates[t.ID] = t
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixedTokens struct {
	codes []string
	next  int
}

func (f *fixedTokens) VerificationCode() (string, error) {
	code := f.codes[f.next%len(f.codes)]
	f.next++
	return code, nil
}

// recordingHandler captures dispatched events and can be told to fail.
type recordingHandler struct {
	mu     sync.Mutex
	events []string
	fail   error

	approvalRequests []ApprovalRequestedEvent
	overdue          []ApprovalOverdueEvent
	approved         []ProposalApprovedEvent
	rejected         []ProposalRejectedEvent
	sigRequests      []SignatureRequestedEvent
	sigExpired       []SignatureExpiredEvent
	accepted         []ProposalAcceptedEvent
}

func (h *recordingHandler) add(name string) error {
	h.events = append(h.events, name)
	return h.fail
}

func (h *recordingHandler) HandleApprovalRequested(_ context.Context, evt ApprovalRequestedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approvalRequests = append(h.approvalRequests, evt)
	return h.add("approval_requested")
}

func (h *recordingHandler) HandleApprovalOverdue(_ context.Context, evt ApprovalOverdueEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overdue = append(h.overdue, evt)
	return h.add("approval_overdue")
}

func (h *recordingHandler) HandleProposalApproved(_ context.Context, evt ProposalApprovedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approved = append(h.approved, evt)
	return h.add("proposal_approved")
}

func (h *recordingHandler) HandleProposalRejected(_ context.Context, evt ProposalRejectedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, evt)
	return h.add("proposal_rejected")
}

func (h *recordingHandler) HandleSignatureRequested(_ context.Context, evt SignatureRequestedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigRequests = append(h.sigRequests, evt)
	return h.add("signature_requested")
}

func (h *recordingHandler) HandleSignatureExpired(_ context.Context, evt SignatureExpiredEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sigExpired = append(h.sigExpired, evt)
	return h.add("signature_expired")
}

func (h *recordingHandler) HandleProposalAccepted(_ context.Context, evt ProposalAcceptedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted = append(h.accepted, evt)
	return h.add("proposal_accepted")
}

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type harness struct {
	repo    *memoryRepo
	clock   *fakeClock
	handler *recordingHandler
	engine  *Engine
}

func newHarness(cfg Config) *harness {
	cfg.HashCost = bcrypt.MinCost
	h := &harness{
		repo:    newMemoryRepo(),
		clock:   &fakeClock{now: testNow},
		handler: &recordingHandler{},
	}
	h.engine = NewEngine(Deps{
		Repo:    h.repo,
		Handler: h.handler,
		Clock:   h.clock,
		Tokens:  &fixedTokens{codes: []string{"CODE234567", "CODE765432", "CODEABCDEF"}},
		Config:  cfg,
	})
	return h
}

func validInput() CreateInput {
	until := testNow.AddDate(0, 1, 0)
	return CreateInput{
		ClientID: 42,
		Title:    "Managed Network Refresh",
		Content: Content{
			Overview: "Refresh of the branch network.",
			Scope:    Scope{"Replace core switches", "Configure monitoring"},
			Pricing:  &PricingSection{Notes: "Fixed price."},
		},
		ValidUntil: &until,
		Items: []Item{
			{Name: "Switch", Quantity: 2, UnitPrice: 100},
		},
		CreatedBy: 9,
	}
}

func singleLevelChain(approvers ...Approver) ApprovalChain {
	return ApprovalChain{Levels: []ApprovalLevel{{
		Level:             1,
		Approvers:         approvers,
		RequiredApprovals: 1,
		Timeout:           48 * time.Hour,
	}}}
}

func approver(id int64) Approver {
	return Approver{UserID: id, Email: fmt.Sprintf("approver%d@example.com", id), Name: fmt.Sprintf("Approver %d", id)}
}
