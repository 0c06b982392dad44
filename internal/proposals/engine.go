package proposals

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-msp/internal/shared"
)

// TimeoutPolicy decides what the sweep does with overdue approvals.
type TimeoutPolicy string

const (
	// TimeoutReject decides overdue approvals as rejected.
	TimeoutReject TimeoutPolicy = "reject"
	// TimeoutNotify only raises ApprovalOverdueEvent.
	TimeoutNotify TimeoutPolicy = "notify"
)

// Config tunes engine behaviour.
type Config struct {
	// TaxRatePercent falls back to DefaultTaxRatePercent when nil, so an
	// explicit zero rate stays possible.
	TaxRatePercent      *float64
	MaxFinalAmount      float64
	DefaultCurrency     string
	SignatureExpiryDays int
	// LegacySingleApproval completes a level on its first approval regardless
	// of RequiredApprovals.
	LegacySingleApproval bool
	TimeoutPolicy        TimeoutPolicy
	HashCost             int
}

func (c Config) withDefaults() Config {
	if c.TaxRatePercent == nil || *c.TaxRatePercent < 0 {
		rate := DefaultTaxRatePercent
		c.TaxRatePercent = &rate
	}
	if c.MaxFinalAmount <= 0 {
		c.MaxFinalAmount = DefaultMaxFinalAmount
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "USD"
	}
	if c.SignatureExpiryDays <= 0 {
		c.SignatureExpiryDays = 7
	}
	if c.TimeoutPolicy == "" {
		c.TimeoutPolicy = TimeoutReject
	}
	if c.HashCost == 0 {
		c.HashCost = bcrypt.DefaultCost
	}
	return c
}

// DefaultConfig mirrors the platform defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) taxRate() float64 {
	if c.TaxRatePercent == nil {
		return DefaultTaxRatePercent
	}
	return *c.TaxRatePercent
}

// Deps groups the collaborators of the engine.
type Deps struct {
	Repo    Repository
	Locker  Locker
	Handler WorkflowHandler
	Clock   Clock
	Tokens  TokenGenerator
	Logger  *slog.Logger
	Metrics *Metrics
	Config  Config
}

// Engine drives proposals from draft through approval and signature.
type Engine struct {
	repo      Repository
	locker    Locker
	handler   WorkflowHandler
	clock     Clock
	tokens    TokenGenerator
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config
	validator ProposalValidator
}

// NewEngine constructs the engine, filling optional collaborators.
func NewEngine(deps Deps) *Engine {
	cfg := deps.Config.withDefaults()
	e := &Engine{
		repo:      deps.Repo,
		locker:    deps.Locker,
		handler:   deps.Handler,
		clock:     deps.Clock,
		tokens:    deps.Tokens,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		cfg:       cfg,
		validator: NewProposalValidator(NewPricingCalculator(cfg.MaxFinalAmount)),
	}
	if e.locker == nil {
		e.locker = shared.NewKeyedMutex()
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.tokens == nil {
		e.tokens = RandomTokens{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Validator exposes the validator bound to the engine configuration.
func (e *Engine) Validator() ProposalValidator {
	return e.validator
}

// CreateInput describes a new proposal.
type CreateInput struct {
	ClientID              int64
	TemplateID            *uuid.UUID
	Title                 string
	Description           string
	Content               Content
	Currency              string
	TaxRatePercent        *float64
	GlobalDiscountPercent *float64
	ValidUntil            *time.Time
	TermsAndConditions    string
	PaymentTerms          string
	DeliveryTerms         string
	Items                 []Item
	CreatedBy             int64
}

func (in CreateInput) pricingOptions(defaultTax float64) PricingOptions {
	opts := PricingOptions{TaxRatePercent: defaultTax}
	if in.TaxRatePercent != nil {
		opts.TaxRatePercent = *in.TaxRatePercent
	}
	if in.GlobalDiscountPercent != nil {
		opts.GlobalDiscountPercent = *in.GlobalDiscountPercent
	}
	return opts
}

func (in CreateInput) draft(defaultTax float64) Draft {
	return Draft{
		Title:      in.Title,
		ClientID:   in.ClientID,
		Content:    in.Content,
		ValidUntil: in.ValidUntil,
		Pricing:    in.pricingOptions(defaultTax),
	}
}

// ValidateDraft runs the validator without persisting anything.
func (e *Engine) ValidateDraft(in CreateInput) ValidationResult {
	return e.validator.Validate(in.draft(e.cfg.taxRate()), in.Items, e.clock.Now())
}

// CreateProposal validates and persists a new draft proposal with its items.
func (e *Engine) CreateProposal(ctx context.Context, tenantID int64, in CreateInput) (Proposal, ValidationResult, error) {
	now := e.clock.Now()
	verdict := e.validator.Validate(in.draft(e.cfg.taxRate()), in.Items, now)
	if err := verdict.Err(); err != nil {
		return Proposal{}, verdict, err
	}
	opts := in.pricingOptions(e.cfg.taxRate())
	p := Proposal{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		ClientID:              in.ClientID,
		TemplateID:            in.TemplateID,
		Title:                 strings.TrimSpace(in.Title),
		Description:           in.Description,
		Content:               in.Content,
		Status:                StatusDraft,
		Currency:              defaultString(in.Currency, e.cfg.DefaultCurrency),
		TaxRatePercent:        opts.TaxRatePercent,
		GlobalDiscountPercent: opts.GlobalDiscountPercent,
		ValidUntil:            in.ValidUntil,
		TermsAndConditions:    in.TermsAndConditions,
		PaymentTerms:          in.PaymentTerms,
		DeliveryTerms:         in.DeliveryTerms,
		CreatedBy:             in.CreatedBy,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	applyPricing(&p, verdict.Pricing)
	p.Items = buildItems(p.ID, in.Items, verdict.Pricing)

	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, tenantID, now)
		if err != nil {
			return fmt.Errorf("next proposal number: %w", err)
		}
		p.Number = number
		if err := tx.CreateProposal(ctx, p); err != nil {
			return fmt.Errorf("create proposal: %w", err)
		}
		if err := tx.ReplaceItems(ctx, tenantID, p.ID, p.Items); err != nil {
			return fmt.Errorf("insert proposal items: %w", err)
		}
		return nil
	})
	if err != nil {
		return Proposal{}, verdict, err
	}
	e.logger.Info("proposal created", slog.String("proposal_id", p.ID.String()), slog.String("number", p.Number), slog.Int64("tenant_id", tenantID))
	return p, verdict, nil
}

// CreateFromTemplate merges a template's defaults into the input, then
// creates the proposal. Explicit input values win over template values.
func (e *Engine) CreateFromTemplate(ctx context.Context, tenantID int64, templateID uuid.UUID, in CreateInput) (Proposal, ValidationResult, error) {
	tpl, err := e.repo.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return Proposal{}, ValidationResult{}, err
	}
	if !tpl.Active {
		return Proposal{}, ValidationResult{}, policy(StageDraft, fmt.Sprintf("template %q is inactive", tpl.Name))
	}
	return e.CreateProposal(ctx, tenantID, ApplyTemplate(tpl, in, e.clock.Now()))
}

// ApplyTemplate fills empty fields of the input from the template.
func ApplyTemplate(tpl Template, in CreateInput, now time.Time) CreateInput {
	id := tpl.ID
	in.TemplateID = &id
	if in.Content.IsEmpty() {
		in.Content = tpl.Content
	}
	if len(in.Items) == 0 {
		in.Items = append([]Item(nil), tpl.DefaultItems...)
	}
	if in.Currency == "" {
		in.Currency = tpl.Currency
	}
	if in.TaxRatePercent == nil && tpl.TaxRatePercent != nil {
		rate := *tpl.TaxRatePercent
		in.TaxRatePercent = &rate
	}
	if in.GlobalDiscountPercent == nil {
		discount := tpl.GlobalDiscountPercent
		in.GlobalDiscountPercent = &discount
	}
	if in.ValidUntil == nil && tpl.ValidityDays > 0 {
		until := now.AddDate(0, 0, tpl.ValidityDays)
		in.ValidUntil = &until
	}
	if in.TermsAndConditions == "" {
		in.TermsAndConditions = tpl.TermsAndConditions
	}
	if in.PaymentTerms == "" {
		in.PaymentTerms = tpl.PaymentTerms
	}
	if in.DeliveryTerms == "" {
		in.DeliveryTerms = tpl.DeliveryTerms
	}
	return in
}

// UpdateDraft replaces the editable fields and items of a draft proposal.
func (e *Engine) UpdateDraft(ctx context.Context, tenantID int64, id uuid.UUID, in CreateInput) (Proposal, ValidationResult, error) {
	var (
		updated Proposal
		verdict ValidationResult
	)
	err := e.withLock(ctx, tenantID, id, func() error {
		return e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetProposal(ctx, tenantID, id)
			if err != nil {
				return err
			}
			if !CanEdit(current.Status) {
				return policy(stageOf(current.Status), "only draft proposals can be edited")
			}
			now := e.clock.Now()
			verdict = e.validator.Validate(in.draft(e.cfg.taxRate()), in.Items, now)
			if err := verdict.Err(); err != nil {
				return err
			}
			opts := in.pricingOptions(e.cfg.taxRate())
			current.ClientID = in.ClientID
			current.Title = strings.TrimSpace(in.Title)
			current.Description = in.Description
			current.Content = in.Content
			current.Currency = defaultString(in.Currency, current.Currency)
			current.TaxRatePercent = opts.TaxRatePercent
			current.GlobalDiscountPercent = opts.GlobalDiscountPercent
			current.ValidUntil = in.ValidUntil
			current.TermsAndConditions = in.TermsAndConditions
			current.PaymentTerms = in.PaymentTerms
			current.DeliveryTerms = in.DeliveryTerms
			current.UpdatedAt = now
			applyPricing(&current, verdict.Pricing)
			current.Items = buildItems(current.ID, in.Items, verdict.Pricing)
			if err := tx.UpdateDraft(ctx, current); err != nil {
				return fmt.Errorf("update proposal: %w", err)
			}
			if err := tx.ReplaceItems(ctx, tenantID, id, current.Items); err != nil {
				return fmt.Errorf("replace proposal items: %w", err)
			}
			updated = current
			return nil
		})
	})
	if err != nil {
		return Proposal{}, verdict, err
	}
	return updated, verdict, nil
}

// Get loads a proposal with its items.
func (e *Engine) Get(ctx context.Context, tenantID int64, id uuid.UUID) (Proposal, error) {
	p, err := e.repo.GetProposal(ctx, tenantID, id)
	if err != nil {
		return Proposal{}, err
	}
	items, err := e.repo.ListItems(ctx, tenantID, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("list proposal items: %w", err)
	}
	p.Items = items
	return p, nil
}

func (e *Engine) withLock(ctx context.Context, tenantID int64, proposalID uuid.UUID, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, LockKey(tenantID, proposalID))
	if err != nil {
		return fmt.Errorf("lock proposal %s: %w", proposalID, err)
	}
	defer unlock()
	return fn()
}

// publish hands committed events to the handler. Failures are logged only.
func (e *Engine) publish(ctx context.Context, events []domainEvent) {
	for _, evt := range events {
		if e.handler == nil {
			e.metrics.observeEvent(evt.name(), nil)
			continue
		}
		err := evt.dispatch(ctx, e.handler)
		e.metrics.observeEvent(evt.name(), err)
		if err != nil {
			e.logger.Warn("dispatch proposal event", slog.String("event", evt.name()), slog.Any("error", err))
		}
	}
}

func (e *Engine) transition(ctx context.Context, tx TxRepository, p *Proposal, event Event, reason string) error {
	to, err := Transition(p.Status, event)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	if err := tx.TransitionStatus(ctx, StatusChange{
		TenantID:   p.TenantID,
		ProposalID: p.ID,
		From:       p.Status,
		To:         to,
		At:         now,
		Reason:     reason,
	}); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", p.Status, to, err)
	}
	e.metrics.observeTransition(p.Status, to)
	p.Status = to
	p.UpdatedAt = now
	return nil
}

func applyPricing(p *Proposal, pricing PricingResult) {
	p.TotalAmount = pricing.Subtotal
	p.TaxAmount = pricing.TaxAmount
	p.DiscountAmount = pricing.DiscountAmount
	p.FinalAmount = pricing.FinalAmount
}

func buildItems(proposalID uuid.UUID, in []Item, pricing PricingResult) []Item {
	items := make([]Item, len(in))
	for i, item := range in {
		item.ID = uuid.New()
		item.ProposalID = proposalID
		if i < len(pricing.ItemTotals) {
			item.TotalPrice = pricing.ItemTotals[i]
		}
		if item.LineOrder == 0 {
			item.LineOrder = i + 1
		}
		items[i] = item
	}
	return items
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
