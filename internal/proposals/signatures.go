package proposals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// SignatureInput describes a signer to invite.
type SignatureInput struct {
	SignerEmail   string
	SignerName    string
	SignatureType SignatureType
	ExpiresInDays int
}

// SignatureOutcome reports the effect of a signature operation.
type SignatureOutcome struct {
	Proposal  Proposal         `json:"proposal"`
	Signature SignatureRequest `json:"signature"`
	// VerificationCode is only populated when the request is created.
	VerificationCode string `json:"verification_code,omitempty"`
	Accepted         bool   `json:"accepted"`
	Remaining        int    `json:"remaining"`
}

// RequestSignature invites a signer. The proposal must be approved.
func (e *Engine) RequestSignature(ctx context.Context, tenantID int64, proposalID uuid.UUID, in SignatureInput) (SignatureOutcome, error) {
	email := strings.ToLower(strings.TrimSpace(in.SignerEmail))
	var fieldErrs ValidationErrors
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "signer_email", Message: "a valid signer email is required"})
	}
	if strings.TrimSpace(in.SignerName) == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "signer_name", Message: "signer name is required"})
	}
	if in.SignatureType == "" {
		in.SignatureType = SignatureElectronic
	}
	switch in.SignatureType {
	case SignatureTyped, SignatureDrawn, SignatureElectronic:
	default:
		fieldErrs = append(fieldErrs, FieldError{Field: "signature_type", Message: "signature type must be typed, drawn or electronic"})
	}
	if len(fieldErrs) > 0 {
		return SignatureOutcome{}, fieldErrs
	}
	days := in.ExpiresInDays
	if days <= 0 {
		days = e.cfg.SignatureExpiryDays
	}

	code, err := e.tokens.VerificationCode()
	if err != nil {
		return SignatureOutcome{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), e.cfg.HashCost)
	if err != nil {
		return SignatureOutcome{}, fmt.Errorf("hash verification code: %w", err)
	}

	var (
		outcome SignatureOutcome
		events  []domainEvent
	)
	err = e.withLock(ctx, tenantID, proposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			p, err := tx.GetProposal(ctx, tenantID, proposalID)
			if err != nil {
				return err
			}
			if p.Status != StatusApproved {
				return policy(StageSignature, "proposal must be approved first")
			}
			now := e.clock.Now()
			existing, err := tx.ListSignatures(ctx, tenantID, proposalID)
			if err != nil {
				return fmt.Errorf("list signatures: %w", err)
			}
			voided := 0
			for _, sig := range existing {
				if sig.SignerEmail != email || !sig.Outstanding() {
					continue
				}
				if sig.Open(now) {
					return policy(StageSignature, fmt.Sprintf("a signature from %s is already pending", email))
				}
				if sig.DeclinedAt == nil {
					if err := tx.VoidSignature(ctx, tenantID, sig.ID, now); err != nil {
						return fmt.Errorf("void expired signature: %w", err)
					}
					voided++
				}
			}
			sig := SignatureRequest{
				ID:               uuid.New(),
				TenantID:         tenantID,
				ProposalID:       proposalID,
				SignerEmail:      email,
				SignerName:       strings.TrimSpace(in.SignerName),
				SignatureType:    in.SignatureType,
				VerificationHash: hash,
				ExpiresAt:        now.AddDate(0, 0, days),
				CreatedAt:        now,
			}
			if err := tx.CreateSignature(ctx, sig); err != nil {
				return fmt.Errorf("create signature request: %w", err)
			}
			outcome = SignatureOutcome{Proposal: p, Signature: sig, VerificationCode: code, Remaining: countOutstanding(existing) - voided + 1}
			events = []domainEvent{SignatureRequestedEvent{
				Proposal:         refOf(p),
				SignatureID:      sig.ID,
				SignerEmail:      sig.SignerEmail,
				SignerName:       sig.SignerName,
				VerificationCode: code,
				ExpiresAt:        sig.ExpiresAt,
			}}
			return nil
		})
	})
	if err != nil {
		return SignatureOutcome{}, err
	}
	e.publish(ctx, events)
	return outcome, nil
}

// SignInput carries the signer's proof and evidence.
type SignInput struct {
	VerificationCode string
	Data             SignatureData
}

// ProcessSignature records a signature and accepts the proposal once no
// request remains unsigned.
func (e *Engine) ProcessSignature(ctx context.Context, tenantID int64, signatureID uuid.UUID, in SignInput) (SignatureOutcome, error) {
	if strings.TrimSpace(in.Data.Signature) == "" {
		return SignatureOutcome{}, ValidationErrors{{Field: "signature", Message: "signature is required"}}
	}
	sig, err := e.repo.GetSignature(ctx, tenantID, signatureID)
	if err != nil {
		return SignatureOutcome{}, err
	}

	var (
		outcome SignatureOutcome
		events  []domainEvent
	)
	err = e.withLock(ctx, tenantID, sig.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sig, p, err := e.openSignature(ctx, tx, tenantID, signatureID, in.VerificationCode)
			if err != nil {
				return err
			}
			now := e.clock.Now()
			if err := tx.MarkSigned(ctx, tenantID, sig.ID, in.Data, now); err != nil {
				if errors.Is(err, ErrConflict) {
					return policy(StageSignature, "signature request is no longer open")
				}
				return fmt.Errorf("mark signed: %w", err)
			}
			data := in.Data
			sig.SignedAt = &now
			sig.SignatureData = &data

			all, err := tx.ListSignatures(ctx, tenantID, p.ID)
			if err != nil {
				return fmt.Errorf("list signatures: %w", err)
			}
			remaining := countOutstanding(all)
			outcome = SignatureOutcome{Proposal: p, Signature: sig, Remaining: remaining}
			if remaining > 0 {
				return nil
			}
			if err := e.transition(ctx, tx, &p, EventAllSigned, ""); err != nil {
				return err
			}
			p.AcceptedAt = &now
			outcome.Proposal = p
			outcome.Accepted = true
			events = []domainEvent{ProposalAcceptedEvent{
				Proposal:   refOf(p),
				Recipients: signerEmails(all),
				AcceptedAt: now,
			}}
			return nil
		})
	})
	if err != nil {
		return SignatureOutcome{}, err
	}
	if outcome.Accepted {
		e.logger.Info("proposal accepted", slog.String("proposal_id", outcome.Proposal.ID.String()))
	}
	e.publish(ctx, events)
	return outcome, nil
}

// DeclineSignature lets a signer refuse; the proposal is rejected.
func (e *Engine) DeclineSignature(ctx context.Context, tenantID int64, signatureID uuid.UUID, code, reason string) (SignatureOutcome, error) {
	sig, err := e.repo.GetSignature(ctx, tenantID, signatureID)
	if err != nil {
		return SignatureOutcome{}, err
	}
	var (
		outcome SignatureOutcome
		events  []domainEvent
	)
	err = e.withLock(ctx, tenantID, sig.ProposalID, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			sig, p, err := e.openSignature(ctx, tx, tenantID, signatureID, code)
			if err != nil {
				return err
			}
			now := e.clock.Now()
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = "declined by " + sig.SignerEmail
			}
			if err := tx.MarkDeclined(ctx, tenantID, sig.ID, reason, now); err != nil {
				if errors.Is(err, ErrConflict) {
					return policy(StageSignature, "signature request is no longer open")
				}
				return fmt.Errorf("mark declined: %w", err)
			}
			sig.DeclinedAt = &now
			sig.DeclineReason = reason
			if err := e.transition(ctx, tx, &p, EventReject, reason); err != nil {
				return err
			}
			p.RejectedAt = &now
			p.RejectionReason = reason
			all, err := tx.ListSignatures(ctx, tenantID, p.ID)
			if err != nil {
				return fmt.Errorf("list signatures: %w", err)
			}
			outcome = SignatureOutcome{Proposal: p, Signature: sig, Remaining: countOutstanding(all)}
			events = []domainEvent{ProposalRejectedEvent{
				Proposal:   refOf(p),
				Stage:      StageSignature,
				Reason:     reason,
				Recipients: signerEmails(all),
				RejectedAt: now,
			}}
			return nil
		})
	})
	if err != nil {
		return SignatureOutcome{}, err
	}
	e.publish(ctx, events)
	return outcome, nil
}

// openSignature loads a signable request and its approved proposal and
// checks the verification code.
func (e *Engine) openSignature(ctx context.Context, tx TxRepository, tenantID int64, signatureID uuid.UUID, code string) (SignatureRequest, Proposal, error) {
	sig, err := tx.GetSignature(ctx, tenantID, signatureID)
	if err != nil {
		return SignatureRequest{}, Proposal{}, err
	}
	p, err := tx.GetProposal(ctx, tenantID, sig.ProposalID)
	if err != nil {
		return SignatureRequest{}, Proposal{}, err
	}
	if p.Status != StatusApproved {
		return SignatureRequest{}, Proposal{}, policy(stageOf(p.Status), "proposal is not awaiting signatures")
	}
	switch {
	case sig.SignedAt != nil:
		return SignatureRequest{}, Proposal{}, policy(StageSignature, "signature request has already been signed")
	case sig.VoidedAt != nil || sig.DeclinedAt != nil:
		return SignatureRequest{}, Proposal{}, policy(StageSignature, "signature request is no longer open")
	case !e.clock.Now().Before(sig.ExpiresAt):
		return SignatureRequest{}, Proposal{}, policy(StageSignature, "signature request has expired")
	}
	if bcrypt.CompareHashAndPassword(sig.VerificationHash, []byte(strings.ToUpper(strings.TrimSpace(code)))) != nil {
		return SignatureRequest{}, Proposal{}, ValidationErrors{{Field: "verification_code", Message: "verification code does not match"}}
	}
	return sig, p, nil
}

func countOutstanding(sigs []SignatureRequest) int {
	n := 0
	for _, s := range sigs {
		if s.Outstanding() {
			n++
		}
	}
	return n
}

func signerEmails(sigs []SignatureRequest) []string {
	var emails []string
	seen := make(map[string]struct{}, len(sigs))
	for _, s := range sigs {
		if s.VoidedAt != nil {
			continue
		}
		if _, ok := seen[s.SignerEmail]; ok {
			continue
		}
		seen[s.SignerEmail] = struct{}{}
		emails = append(emails, s.SignerEmail)
	}
	return emails
}
