package proposalhttp

import (
	"time"

	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

type itemRequest struct {
	Name            string  `json:"name" validate:"max=200"`
	Description     string  `json:"description" validate:"max=2000"`
	Quantity        float64 `json:"quantity"`
	UnitPrice       float64 `json:"unit_price"`
	DiscountPercent float64 `json:"discount_percent"`
	LineOrder       int     `json:"line_order" validate:"gte=0"`
}

// proposalRequest leaves presence and pricing rules to the domain validator
// so they are reported together; only shape is checked here.
type proposalRequest struct {
	ClientID              int64             `json:"client_id" validate:"gte=0"`
	Title                 string            `json:"title" validate:"max=200"`
	Description           string            `json:"description" validate:"max=5000"`
	Content               proposals.Content `json:"content"`
	Currency              string            `json:"currency" validate:"omitempty,len=3,alpha"`
	TaxRatePercent        *float64          `json:"tax_rate_percent" validate:"omitempty,gte=0,lte=100"`
	GlobalDiscountPercent *float64          `json:"global_discount_percent" validate:"omitempty,gte=0,lte=100"`
	ValidUntil            *time.Time        `json:"valid_until"`
	TermsAndConditions    string            `json:"terms_and_conditions" validate:"max=20000"`
	PaymentTerms          string            `json:"payment_terms" validate:"max=2000"`
	DeliveryTerms         string            `json:"delivery_terms" validate:"max=2000"`
	Items                 []itemRequest     `json:"items" validate:"max=500,dive"`
}

func (req proposalRequest) input(actorID int64) proposals.CreateInput {
	items := make([]proposals.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, proposals.Item{
			Name:            it.Name,
			Description:     it.Description,
			Quantity:        it.Quantity,
			UnitPrice:       it.UnitPrice,
			DiscountPercent: it.DiscountPercent,
			LineOrder:       it.LineOrder,
		})
	}
	if len(items) == 0 {
		items = nil
	}
	return proposals.CreateInput{
		ClientID:              req.ClientID,
		Title:                 req.Title,
		Description:           req.Description,
		Content:               req.Content,
		Currency:              req.Currency,
		TaxRatePercent:        req.TaxRatePercent,
		GlobalDiscountPercent: req.GlobalDiscountPercent,
		ValidUntil:            req.ValidUntil,
		TermsAndConditions:    req.TermsAndConditions,
		PaymentTerms:          req.PaymentTerms,
		DeliveryTerms:         req.DeliveryTerms,
		Items:                 items,
		CreatedBy:             actorID,
	}
}

type approverRequest struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email" validate:"omitempty,email"`
	Name   string `json:"name" validate:"max=200"`
}

type levelRequest struct {
	Level             int               `json:"level"`
	Approvers         []approverRequest `json:"approvers" validate:"dive"`
	RequiredApprovals int               `json:"required_approvals"`
	TimeoutHours      float64           `json:"timeout_hours"`
}

type chainRequest struct {
	Parallel bool           `json:"parallel_approval"`
	Levels   []levelRequest `json:"levels" validate:"max=20,dive"`
}

func (req chainRequest) chain() proposals.ApprovalChain {
	chain := proposals.ApprovalChain{Parallel: req.Parallel}
	for _, lvl := range req.Levels {
		approvers := make([]proposals.Approver, 0, len(lvl.Approvers))
		for _, a := range lvl.Approvers {
			approvers = append(approvers, proposals.Approver{UserID: a.UserID, Email: a.Email, Name: a.Name})
		}
		chain.Levels = append(chain.Levels, proposals.ApprovalLevel{
			Level:             lvl.Level,
			Approvers:         approvers,
			RequiredApprovals: lvl.RequiredApprovals,
			Timeout:           time.Duration(lvl.TimeoutHours * float64(time.Hour)),
		})
	}
	return chain
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string `json:"comment" validate:"max=2000"`
}

type signatureRequest struct {
	SignerEmail   string `json:"signer_email" validate:"required,email"`
	SignerName    string `json:"signer_name" validate:"required,max=200"`
	SignatureType string `json:"signature_type" validate:"omitempty,oneof=typed drawn electronic"`
	ExpiresInDays int    `json:"expires_in_days" validate:"gte=0,lte=90"`
}

type signRequest struct {
	VerificationCode string            `json:"verification_code" validate:"required,max=32"`
	Signature        string            `json:"signature" validate:"required,max=100000"`
	Geo              map[string]string `json:"geo" validate:"max=10"`
}

type declineRequest struct {
	VerificationCode string `json:"verification_code" validate:"required,max=32"`
	Reason           string `json:"reason" validate:"max=2000"`
}

type proposalResponse struct {
	Proposal proposals.Proposal      `json:"proposal"`
	Pricing  proposals.PricingResult `json:"pricing"`
	Warnings []string                `json:"warnings,omitempty"`
}
