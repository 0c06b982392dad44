package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-msp/internal/platform/db"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

// PGRepository persists proposals in PostgreSQL.
type PGRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a pgx backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool, pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PGRepository{db: tx, pool: r.pool})
	})
}

const proposalColumns = `id, tenant_id, number, client_id, template_id, title, description, content, status,
	currency, tax_rate_percent, global_discount_percent, total_amount, tax_amount, discount_amount, final_amount,
	valid_until, terms_and_conditions, payment_terms, delivery_terms, created_by,
	submitted_at, approved_at, rejected_at, accepted_at, rejection_reason, created_at, updated_at`

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p       Proposal
		content []byte
		status  string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Number, &p.ClientID, &p.TemplateID, &p.Title, &p.Description, &content, &status,
		&p.Currency, &p.TaxRatePercent, &p.GlobalDiscountPercent, &p.TotalAmount, &p.TaxAmount, &p.DiscountAmount, &p.FinalAmount,
		&p.ValidUntil, &p.TermsAndConditions, &p.PaymentTerms, &p.DeliveryTerms, &p.CreatedBy,
		&p.SubmittedAt, &p.ApprovedAt, &p.RejectedAt, &p.AcceptedAt, &p.RejectionReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Proposal{}, notFound(err)
	}
	p.Status = Status(status)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &p.Content); err != nil {
			return Proposal{}, fmt.Errorf("decode proposal content: %w", err)
		}
	}
	return p, nil
}

// GetProposal loads a proposal with its items.
func (r *PGRepository) GetProposal(ctx context.Context, tenantID int64, id uuid.UUID) (Proposal, error) {
	p, err := scanProposal(r.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return Proposal{}, err
	}
	items, err := r.ListItems(ctx, tenantID, id)
	if err != nil {
		return Proposal{}, err
	}
	p.Items = items
	return p, nil
}

// ListItems returns proposal items in line order.
func (r *PGRepository) ListItems(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]Item, error) {
	rows, err := r.db.Query(ctx, `
		SELECT i.id, i.proposal_id, i.name, i.description, i.quantity, i.unit_price, i.discount_percent, i.total_price, i.line_order
		FROM proposal_items i
		JOIN proposals p ON p.id = i.proposal_id
		WHERE p.tenant_id = $1 AND i.proposal_id = $2
		ORDER BY i.line_order, i.name`, tenantID, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ProposalID, &it.Name, &it.Description, &it.Quantity, &it.UnitPrice, &it.DiscountPercent, &it.TotalPrice, &it.LineOrder); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetTemplate loads a proposal template.
func (r *PGRepository) GetTemplate(ctx context.Context, tenantID int64, id uuid.UUID) (Template, error) {
	var (
		t            Template
		content      []byte
		defaultItems []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, content, default_items, currency, tax_rate_percent,
			global_discount_percent, validity_days, terms_and_conditions, payment_terms, delivery_terms, active
		FROM proposal_templates WHERE tenant_id = $1 AND id = $2`, tenantID, id).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Description, &content, &defaultItems, &t.Currency, &t.TaxRatePercent,
		&t.GlobalDiscountPercent, &t.ValidityDays, &t.TermsAndConditions, &t.PaymentTerms, &t.DeliveryTerms, &t.Active)
	if err != nil {
		return Template{}, notFound(err)
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &t.Content); err != nil {
			return Template{}, fmt.Errorf("decode template content: %w", err)
		}
	}
	if len(defaultItems) > 0 {
		if err := json.Unmarshal(defaultItems, &t.DefaultItems); err != nil {
			return Template{}, fmt.Errorf("decode template items: %w", err)
		}
	}
	return t, nil
}

// GetApprovalChain loads the chain configured at submission.
func (r *PGRepository) GetApprovalChain(ctx context.Context, tenantID int64, proposalID uuid.UUID) (ApprovalChain, error) {
	var (
		chain  ApprovalChain
		levels []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT proposal_id, tenant_id, parallel_approval, levels
		FROM proposal_approval_chains WHERE tenant_id = $1 AND proposal_id = $2`, tenantID, proposalID).Scan(
		&chain.ProposalID, &chain.TenantID, &chain.Parallel, &levels)
	if err != nil {
		return ApprovalChain{}, notFound(err)
	}
	if err := json.Unmarshal(levels, &chain.Levels); err != nil {
		return ApprovalChain{}, fmt.Errorf("decode approval levels: %w", err)
	}
	return chain, nil
}

const approvalColumns = `id, tenant_id, proposal_id, approver_id, approver_email, approver_name, level, status, comment, timeout_at, decided_at, overdue_notified_at, created_at`

func scanApproval(row pgx.Row) (ApprovalRecord, error) {
	var (
		a      ApprovalRecord
		status string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.ProposalID, &a.ApproverID, &a.ApproverEmail, &a.ApproverName, &a.Level, &status, &a.Comment, &a.TimeoutAt, &a.DecidedAt, &a.OverdueNotifiedAt, &a.CreatedAt); err != nil {
		return ApprovalRecord{}, notFound(err)
	}
	a.Status = ApprovalStatus(status)
	return a, nil
}

func (r *PGRepository) queryApprovals(ctx context.Context, sql string, args ...interface{}) ([]ApprovalRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetApproval loads one approval record.
func (r *PGRepository) GetApproval(ctx context.Context, tenantID int64, id uuid.UUID) (ApprovalRecord, error) {
	return scanApproval(r.db.QueryRow(ctx, `SELECT `+approvalColumns+` FROM proposal_approvals WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

// ListApprovals returns approval records ordered by level.
func (r *PGRepository) ListApprovals(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]ApprovalRecord, error) {
	return r.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM proposal_approvals
		WHERE tenant_id = $1 AND proposal_id = $2 ORDER BY level, created_at, id`, tenantID, proposalID)
}

// ListOverdueApprovals returns pending approvals whose deadline passed and
// that no sweep has reported yet.
func (r *PGRepository) ListOverdueApprovals(ctx context.Context, cutoff time.Time) ([]ApprovalRecord, error) {
	return r.queryApprovals(ctx, `SELECT `+approvalColumnsPrefixed+` FROM proposal_approvals a
		JOIN proposals p ON p.id = a.proposal_id
		WHERE a.status = 'pending' AND a.timeout_at <= $1 AND a.overdue_notified_at IS NULL
			AND p.status = 'pending_approval'
		ORDER BY a.timeout_at, a.id`, cutoff)
}

const approvalColumnsPrefixed = `a.id, a.tenant_id, a.proposal_id, a.approver_id, a.approver_email, a.approver_name, a.level, a.status, a.comment, a.timeout_at, a.decided_at, a.overdue_notified_at, a.created_at`

const signatureColumns = `id, tenant_id, proposal_id, signer_email, signer_name, signature_type, verification_hash,
	expires_at, signed_at, signature_data, voided_at, declined_at, decline_reason, expiry_notified_at, created_at`

func scanSignature(row pgx.Row) (SignatureRequest, error) {
	var (
		s    SignatureRequest
		typ  string
		data []byte
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.ProposalID, &s.SignerEmail, &s.SignerName, &typ, &s.VerificationHash,
		&s.ExpiresAt, &s.SignedAt, &data, &s.VoidedAt, &s.DeclinedAt, &s.DeclineReason, &s.ExpiryNotifiedAt, &s.CreatedAt); err != nil {
		return SignatureRequest{}, notFound(err)
	}
	s.SignatureType = SignatureType(typ)
	if len(data) > 0 {
		var sd SignatureData
		if err := json.Unmarshal(data, &sd); err != nil {
			return SignatureRequest{}, fmt.Errorf("decode signature data: %w", err)
		}
		s.SignatureData = &sd
	}
	return s, nil
}

func (r *PGRepository) querySignatures(ctx context.Context, sql string, args ...interface{}) ([]SignatureRequest, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignatureRequest
	for rows.Next() {
		s, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSignature loads one signature request.
func (r *PGRepository) GetSignature(ctx context.Context, tenantID int64, id uuid.UUID) (SignatureRequest, error) {
	return scanSignature(r.db.QueryRow(ctx, `SELECT `+signatureColumns+` FROM proposal_signatures WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

// ListSignatures returns signature requests in creation order.
func (r *PGRepository) ListSignatures(ctx context.Context, tenantID int64, proposalID uuid.UUID) ([]SignatureRequest, error) {
	return r.querySignatures(ctx, `SELECT `+signatureColumns+` FROM proposal_signatures
		WHERE tenant_id = $1 AND proposal_id = $2 ORDER BY created_at, id`, tenantID, proposalID)
}

// ListExpiredSignatures returns unsigned live requests past expiry whose
// lapse has not been reported yet.
func (r *PGRepository) ListExpiredSignatures(ctx context.Context, cutoff time.Time) ([]SignatureRequest, error) {
	return r.querySignatures(ctx, `SELECT `+signatureColumns+` FROM proposal_signatures
		WHERE signed_at IS NULL AND voided_at IS NULL AND declined_at IS NULL AND expires_at <= $1
			AND expiry_notified_at IS NULL
		ORDER BY expires_at, id`, cutoff)
}

// NextNumber allocates PRP-YYMM-NNNN from the per-tenant monthly sequence.
func (r *PGRepository) NextNumber(ctx context.Context, tenantID int64, at time.Time) (string, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO document_sequences (company_id, doc_type, period, seq)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (company_id, doc_type, period)
		DO UPDATE SET seq = document_sequences.seq + 1
		RETURNING seq
	`, tenantID, "PRP", at.Format("200601")).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("next proposal number: %w", err)
	}
	return fmt.Sprintf("PRP-%s-%04d", at.Format("0601"), seq), nil
}

// CreateProposal inserts the proposal header.
func (r *PGRepository) CreateProposal(ctx context.Context, p Proposal) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Errorf("encode proposal content: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		p.ID, p.TenantID, p.Number, p.ClientID, p.TemplateID, p.Title, p.Description, content, string(p.Status),
		p.Currency, p.TaxRatePercent, p.GlobalDiscountPercent, p.TotalAmount, p.TaxAmount, p.DiscountAmount, p.FinalAmount,
		p.ValidUntil, p.TermsAndConditions, p.PaymentTerms, p.DeliveryTerms, p.CreatedBy,
		p.SubmittedAt, p.ApprovedAt, p.RejectedAt, p.AcceptedAt, p.RejectionReason, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateDraft rewrites the editable fields of a draft.
func (r *PGRepository) UpdateDraft(ctx context.Context, p Proposal) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return fmt.Errorf("encode proposal content: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE proposals SET client_id = $3, title = $4, description = $5, content = $6, currency = $7,
			tax_rate_percent = $8, global_discount_percent = $9, total_amount = $10, tax_amount = $11,
			discount_amount = $12, final_amount = $13, valid_until = $14, terms_and_conditions = $15,
			payment_terms = $16, delivery_terms = $17, updated_at = $18
		WHERE tenant_id = $1 AND id = $2 AND status = 'draft'`,
		p.TenantID, p.ID, p.ClientID, p.Title, p.Description, content, p.Currency,
		p.TaxRatePercent, p.GlobalDiscountPercent, p.TotalAmount, p.TaxAmount,
		p.DiscountAmount, p.FinalAmount, p.ValidUntil, p.TermsAndConditions,
		p.PaymentTerms, p.DeliveryTerms, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ReplaceItems swaps the item set of a proposal.
func (r *PGRepository) ReplaceItems(ctx context.Context, tenantID int64, proposalID uuid.UUID, items []Item) error {
	if _, err := r.db.Exec(ctx, `
		DELETE FROM proposal_items i USING proposals p
		WHERE p.id = i.proposal_id AND p.tenant_id = $1 AND i.proposal_id = $2`, tenantID, proposalID); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO proposal_items (id, proposal_id, name, description, quantity, unit_price, discount_percent, total_price, line_order)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			it.ID, proposalID, it.Name, it.Description, it.Quantity, it.UnitPrice, it.DiscountPercent, it.TotalPrice, it.LineOrder)
	}
	return execBatch(ctx, r.db, batch)
}

// TransitionStatus moves a proposal only if it is still in change.From.
func (r *PGRepository) TransitionStatus(ctx context.Context, change StatusChange) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposals SET status = $4, updated_at = $5,
			submitted_at = CASE WHEN $4 = 'pending_approval' AND submitted_at IS NULL THEN $5 ELSE submitted_at END,
			approved_at = CASE WHEN $4 = 'approved' THEN $5 ELSE approved_at END,
			rejected_at = CASE WHEN $4 = 'rejected' THEN $5 ELSE rejected_at END,
			accepted_at = CASE WHEN $4 = 'accepted' THEN $5 ELSE accepted_at END,
			rejection_reason = CASE WHEN $4 = 'rejected' THEN $6 ELSE rejection_reason END
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		change.TenantID, change.ProposalID, string(change.From), string(change.To), change.At, change.Reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// SaveApprovalChain stores the chain configuration for the proposal.
func (r *PGRepository) SaveApprovalChain(ctx context.Context, chain ApprovalChain) error {
	levels, err := json.Marshal(chain.Levels)
	if err != nil {
		return fmt.Errorf("encode approval levels: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO proposal_approval_chains (proposal_id, tenant_id, parallel_approval, levels)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id) DO UPDATE SET parallel_approval = EXCLUDED.parallel_approval, levels = EXCLUDED.levels`,
		chain.ProposalID, chain.TenantID, chain.Parallel, levels)
	return err
}

// CreateApprovals inserts approval records in one batch.
func (r *PGRepository) CreateApprovals(ctx context.Context, records []ApprovalRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range records {
		batch.Queue(`INSERT INTO proposal_approvals (`+approvalColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			a.ID, a.TenantID, a.ProposalID, a.ApproverID, a.ApproverEmail, a.ApproverName, a.Level,
			string(a.Status), a.Comment, a.TimeoutAt, a.DecidedAt, a.OverdueNotifiedAt, a.CreatedAt)
	}
	return execBatch(ctx, r.db, batch)
}

// DecideApproval records a decision on a still-pending approval.
func (r *PGRepository) DecideApproval(ctx context.Context, tenantID int64, id uuid.UUID, status ApprovalStatus, comment string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposal_approvals SET status = $3, comment = $4, decided_at = $5
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`,
		tenantID, id, string(status), comment, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkOverdueNotified flags a pending approval as reported by the sweep.
func (r *PGRepository) MarkOverdueNotified(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposal_approvals SET overdue_notified_at = $3
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending' AND overdue_notified_at IS NULL`,
		tenantID, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CreateSignature inserts a signature request.
func (r *PGRepository) CreateSignature(ctx context.Context, s SignatureRequest) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO proposal_signatures (id, tenant_id, proposal_id, signer_email, signer_name, signature_type,
			verification_hash, expires_at, decline_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'',$9)`,
		s.ID, s.TenantID, s.ProposalID, s.SignerEmail, s.SignerName, string(s.SignatureType),
		s.VerificationHash, s.ExpiresAt, s.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// MarkSigned records the signature on an open request.
func (r *PGRepository) MarkSigned(ctx context.Context, tenantID int64, id uuid.UUID, data SignatureData, at time.Time) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode signature data: %w", err)
	}
	return r.closeSignature(ctx, `UPDATE proposal_signatures SET signed_at = $3, signature_data = $4
		WHERE tenant_id = $1 AND id = $2 AND signed_at IS NULL AND voided_at IS NULL AND declined_at IS NULL`,
		tenantID, id, at, payload)
}

// MarkDeclined records a refusal on an open request.
func (r *PGRepository) MarkDeclined(ctx context.Context, tenantID int64, id uuid.UUID, reason string, at time.Time) error {
	return r.closeSignature(ctx, `UPDATE proposal_signatures SET declined_at = $3, decline_reason = $4
		WHERE tenant_id = $1 AND id = $2 AND signed_at IS NULL AND voided_at IS NULL AND declined_at IS NULL`,
		tenantID, id, at, reason)
}

// VoidSignature retires an unsigned request.
func (r *PGRepository) VoidSignature(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	return r.closeSignature(ctx, `UPDATE proposal_signatures SET voided_at = $3
		WHERE tenant_id = $1 AND id = $2 AND signed_at IS NULL AND voided_at IS NULL`,
		tenantID, id, at)
}

// MarkExpiryNotified flags a lapsed request as reported by the sweep.
func (r *PGRepository) MarkExpiryNotified(ctx context.Context, tenantID int64, id uuid.UUID, at time.Time) error {
	return r.closeSignature(ctx, `UPDATE proposal_signatures SET expiry_notified_at = $3
		WHERE tenant_id = $1 AND id = $2 AND signed_at IS NULL AND voided_at IS NULL AND declined_at IS NULL
			AND expiry_notified_at IS NULL`,
		tenantID, id, at)
}

func (r *PGRepository) closeSignature(ctx context.Context, sql string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func execBatch(ctx context.Context, conn dbtx, batch *pgx.Batch) error {
	results := conn.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
