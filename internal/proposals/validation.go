package proposals

import (
	"strings"
	"time"
)

const maxValidityWindow = 365 * 24 * time.Hour

// Draft is the subset of proposal fields the validator inspects.
type Draft struct {
	Title      string
	ClientID   int64
	Content    Content
	ValidUntil *time.Time
	Pricing    PricingOptions
}

// ValidationResult is the verdict of one validator pass.
type ValidationResult struct {
	IsValid  bool             `json:"is_valid"`
	Errors   ValidationErrors `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
	Pricing  PricingResult    `json:"pricing"`
	Checks   ContentChecks    `json:"content_checks"`
}

// Err returns the field errors as an error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return r.Errors
}

// ProposalValidator composes field rules, pricing and content lint.
type ProposalValidator struct {
	calculator PricingCalculator
	content    ContentValidator
}

// NewProposalValidator wires the validator to a pricing calculator.
func NewProposalValidator(calculator PricingCalculator) ProposalValidator {
	return ProposalValidator{calculator: calculator}
}

// Validate evaluates every rule; errors accumulate and nothing short-circuits.
func (v ProposalValidator) Validate(d Draft, items []Item, now time.Time) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(d.Title) == "" {
		res.Errors = append(res.Errors, FieldError{Field: "title", Message: "title is required"})
	}
	if d.ClientID <= 0 {
		res.Errors = append(res.Errors, FieldError{Field: "client_id", Message: "client is required"})
	}
	if d.Content.IsEmpty() {
		res.Errors = append(res.Errors, FieldError{Field: "content", Message: "content is required"})
	}
	if len(items) == 0 {
		res.Errors = append(res.Errors, FieldError{Field: "items", Message: "at least one item is required"})
	}

	res.Checks = v.content.Check(d.Content)
	res.Warnings = append(res.Warnings, res.Checks.Warnings()...)

	res.Pricing = v.calculator.Calculate(items, d.Pricing)
	for _, msg := range res.Pricing.Errors {
		res.Errors = append(res.Errors, FieldError{Field: "pricing", Message: msg})
	}
	if res.Pricing.FinalAmount <= 0 {
		res.Errors = append(res.Errors, FieldError{Field: "pricing", Message: "final amount must be greater than 0"})
	}

	if d.ValidUntil != nil {
		if !d.ValidUntil.After(now) {
			res.Errors = append(res.Errors, FieldError{Field: "valid_until", Message: "valid until must be in the future"})
		} else if d.ValidUntil.Sub(now) > maxValidityWindow {
			res.Warnings = append(res.Warnings, "valid until is more than 365 days away")
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
