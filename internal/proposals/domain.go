package proposals

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status enumerates proposal lifecycle states.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusAccepted        Status = "accepted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// ApprovalStatus enumerates the decision state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// SignatureType describes how the signer produced the signature.
type SignatureType string

const (
	SignatureTyped      SignatureType = "typed"
	SignatureDrawn      SignatureType = "drawn"
	SignatureElectronic SignatureType = "electronic"
)

// Proposal is a priced offer sent to a client.
type Proposal struct {
	ID                    uuid.UUID  `json:"id"`
	TenantID              int64      `json:"tenant_id"`
	Number                string     `json:"number"`
	ClientID              int64      `json:"client_id"`
	TemplateID            *uuid.UUID `json:"template_id,omitempty"`
	Title                 string     `json:"title"`
	Description           string     `json:"description,omitempty"`
	Content               Content    `json:"content"`
	Status                Status     `json:"status"`
	Currency              string     `json:"currency"`
	TaxRatePercent        float64    `json:"tax_rate_percent"`
	GlobalDiscountPercent float64    `json:"global_discount_percent"`
	TotalAmount           float64    `json:"total_amount"`
	TaxAmount             float64    `json:"tax_amount"`
	DiscountAmount        float64    `json:"discount_amount"`
	FinalAmount           float64    `json:"final_amount"`
	ValidUntil            *time.Time `json:"valid_until,omitempty"`
	TermsAndConditions    string     `json:"terms_and_conditions,omitempty"`
	PaymentTerms          string     `json:"payment_terms,omitempty"`
	DeliveryTerms         string     `json:"delivery_terms,omitempty"`
	CreatedBy             int64      `json:"created_by"`
	SubmittedAt           *time.Time `json:"submitted_at,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
	RejectedAt            *time.Time `json:"rejected_at,omitempty"`
	AcceptedAt            *time.Time `json:"accepted_at,omitempty"`
	RejectionReason       string     `json:"rejection_reason,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	Items                 []Item     `json:"items,omitempty"`
}

// Item is a priced line owned by a proposal.
type Item struct {
	ID              uuid.UUID `json:"id"`
	ProposalID      uuid.UUID `json:"proposal_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Quantity        float64   `json:"quantity"`
	UnitPrice       float64   `json:"unit_price"`
	DiscountPercent float64   `json:"discount_percent"`
	TotalPrice      float64   `json:"total_price"`
	LineOrder       int       `json:"line_order"`
}

// Content holds the structured body of a proposal or template.
type Content struct {
	Overview string          `json:"overview,omitempty"`
	Scope    Scope           `json:"scope,omitempty"`
	Pricing  *PricingSection `json:"pricing,omitempty"`
	Sections []Section       `json:"sections,omitempty"`
}

// IsEmpty reports whether the content carries nothing at all.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Overview) == "" && c.Scope.IsEmpty() && c.Pricing == nil && len(c.Sections) == 0
}

// Scope accepts either a single string or a list of strings in JSON.
type Scope []string

// IsEmpty reports whether every scope entry is blank.
func (s Scope) IsEmpty() bool {
	for _, entry := range s {
		if strings.TrimSpace(entry) != "" {
			return false
		}
	}
	return true
}

// UnmarshalJSON decodes a string or a string list.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
			return nil
		}
		*s = Scope{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// PricingSection is the pricing table rendered inside the proposal body.
type PricingSection struct {
	Table []PricingRow `json:"table,omitempty"`
	Notes string       `json:"notes,omitempty"`
}

// PricingRow is a display row of the pricing table.
type PricingRow struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Section is a free-form titled block.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Template is a reusable proposal skeleton.
type Template struct {
	ID                    uuid.UUID `json:"id"`
	TenantID              int64     `json:"tenant_id"`
	Name                  string    `json:"name"`
	Description           string    `json:"description,omitempty"`
	Content               Content   `json:"content"`
	DefaultItems          []Item    `json:"default_items,omitempty"`
	Currency              string    `json:"currency"`
	TaxRatePercent        *float64  `json:"tax_rate_percent,omitempty"`
	GlobalDiscountPercent float64   `json:"global_discount_percent"`
	ValidityDays          int       `json:"validity_days"`
	TermsAndConditions    string    `json:"terms_and_conditions,omitempty"`
	PaymentTerms          string    `json:"payment_terms,omitempty"`
	DeliveryTerms         string    `json:"delivery_terms,omitempty"`
	Active                bool      `json:"active"`
}

// Approver is a user allowed to decide on a level.
type Approver struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ApprovalLevel is one stage of internal sign-off.
type ApprovalLevel struct {
	Level             int           `json:"level"`
	Approvers         []Approver    `json:"approvers"`
	RequiredApprovals int           `json:"required_approvals"`
	Timeout           time.Duration `json:"timeout"`
}

// ApprovalChain is the approval configuration bound to one proposal.
type ApprovalChain struct {
	ProposalID uuid.UUID       `json:"proposal_id"`
	TenantID   int64           `json:"tenant_id"`
	Parallel   bool            `json:"parallel_approval"`
	Levels     []ApprovalLevel `json:"levels"`
}

// Level returns the configuration of the given level number.
func (c ApprovalChain) Level(n int) (ApprovalLevel, bool) {
	for _, lvl := range c.Levels {
		if lvl.Level == n {
			return lvl, true
		}
	}
	return ApprovalLevel{}, false
}

// ApprovalRecord is one approver's slot at one level.
type ApprovalRecord struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          int64          `json:"tenant_id"`
	ProposalID        uuid.UUID      `json:"proposal_id"`
	ApproverID        int64          `json:"approver_id"`
	ApproverEmail     string         `json:"approver_email"`
	ApproverName      string         `json:"approver_name,omitempty"`
	Level             int            `json:"level"`
	Status            ApprovalStatus `json:"status"`
	Comment           string         `json:"comment,omitempty"`
	TimeoutAt         time.Time      `json:"timeout_at"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	OverdueNotifiedAt *time.Time     `json:"overdue_notified_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SignatureData is the opaque evidence captured with a signature.
type SignatureData struct {
	Signature string            `json:"signature"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Geo       map[string]string `json:"geo,omitempty"`
}

// SignatureRequest is an outstanding ask for a party to sign.
type SignatureRequest struct {
	ID               uuid.UUID      `json:"id"`
	TenantID         int64          `json:"tenant_id"`
	ProposalID       uuid.UUID      `json:"proposal_id"`
	SignerEmail      string         `json:"signer_email"`
	SignerName       string         `json:"signer_name"`
	SignatureType    SignatureType  `json:"signature_type"`
	VerificationHash []byte         `json:"-"`
	ExpiresAt        time.Time      `json:"expires_at"`
	SignedAt         *time.Time     `json:"signed_at,omitempty"`
	SignatureData    *SignatureData `json:"signature_data,omitempty"`
	VoidedAt         *time.Time     `json:"voided_at,omitempty"`
	DeclinedAt       *time.Time     `json:"declined_at,omitempty"`
	DeclineReason    string         `json:"decline_reason,omitempty"`
	ExpiryNotifiedAt *time.Time     `json:"expiry_notified_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Open reports whether the request can still be signed at the given time.
func (s SignatureRequest) Open(now time.Time) bool {
	return s.SignedAt == nil && s.VoidedAt == nil && s.DeclinedAt == nil && now.Before(s.ExpiresAt)
}

// Outstanding reports whether the request still blocks acceptance.
func (s SignatureRequest) Outstanding() bool {
	return s.SignedAt == nil && s.VoidedAt == nil
}
