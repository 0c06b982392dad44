package proposals

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reader exposes the read side of proposal persistence.
type Reader interface {
	GetProposal(ctx context.Context, tenantID int64, id uuid.UUID) (Proposal, error)
	ListItems(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]Item, error)
	GetTemplate(ctx context.Context, tenantID int64, id uuid.UUID) (Template, error)
	GetApprovalChain(ctx context.Context, tenantID int64, proposalID uuid.UUID) (ApprovalChain, error)
	GetApproval(ctx context.Context, tenantID int64, id uuid.UUID) (ApprovalRecord, error)
	ListApprovals(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]ApprovalRecord, error)
	GetSignature(ctx context.Context, tenantID int64, id uuid.UUID) (SignatureRequest, error)
	ListSignatures(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]SignatureRequest, error)
}

// TxRepository is the transactional write side. Status and decision updates
// are conditional and return ErrConflict when the expected state is gone.
type TxRepository interface {
	Reader
	NextNumber(ctx context.Context, tenantID int64, at time.Time) (string, error)
	CreateProposal(ctx context.Context, p Proposal) error
	UpdateDraft(ctx context.Context, p Proposal) error
	ReplaceItems(ctx context.Context, tenantID int64, proposalID uuid.UUID, items []Item) error
	TransitionStatus(ctx context.Context, change StatusChange) error
	SaveApprovalChain(ctx context.Context, chain ApprovalChain) error
	CreateApprovals(ctx context.Context, records []ApprovalRecord) error
	DecideApproval(ctx context.Context, tenantID int64, id uuid.UUID, status ApprovalStatus, comment string, at time.Time) error
	MarkOverdueNotified(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error
	CreateSignature(ctx context.Context, sig SignatureRequest) error
	MarkSigned(ctx context.Context, tenantID int64, id uuid.UUID, data SignatureData, at time.Time) error
	MarkDeclined(ctx context.Context, tenantID int64, id uuid.UUID, reason string, at time.Time) error
	VoidSignature(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error
	MarkExpiryNotified(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error
}

// Repository is the persistence collaborator consumed by the engine.
type Repository interface {
	Reader
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListOverdueApprovals(ctx context.Context, cutoff time.Time) ([]ApprovalRecord, error)
	ListExpiredSignatures(ctx context.Context, cutoff time.Time) ([]SignatureRequest, error)
}

// StatusChange is a status transition guarded by the expected current status.
type StatusChange struct {
	TenantID   int64
	ProposalID uuid.UUID
	From       Status
	To         Status
	At         time.Time
	Reason     string
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// TokenGenerator produces signer verification codes.
type TokenGenerator interface {
	VerificationCode() (string, error)
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandomTokens draws codes from crypto/rand.
type RandomTokens struct {
	Length int
}

// VerificationCode returns Length (default 10) characters without ambiguous
// glyphs.
func (g RandomTokens) VerificationCode() (string, error) {
	n := g.Length
	if n < 8 {
		n = 10
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("proposals: read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// Locker serialises mutations of one proposal.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LockKey names the per-proposal critical section.
func LockKey(tenantID int64, proposalID uuid.UUID) string {
	return fmt.Sprintf("proposal:%d:%s:lock", tenantID, proposalID)
}
