package proposalhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-msp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
	"github.com/odyssey-erp/odyssey-msp/internal/shared"
)

const pdfTimeout = 45 * time.Second

// Service is the proposal workflow contract consumed by the handler.
type Service interface {
	ValidateDraft(in proposals.CreateInput) proposals.ValidationResult
	CreateProposal(ctx context.Context, tenantID int64, in proposals.CreateInput) (proposals.Proposal, proposals.ValidationResult, error)
	CreateFromTemplate(ctx context.Context, tenantID int64, templateID uuid.UUID, in proposals.CreateInput) (proposals.Proposal, proposals.ValidationResult, error)
	UpdateDraft(ctx context.Context, tenantID int64, id uuid.UUID, in proposals.CreateInput) (proposals.Proposal, proposals.ValidationResult, error)
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (proposals.Proposal, error)
	StartApproval(ctx context.Context, tenantID int64, proposalID uuid.UUID, chain proposals.ApprovalChain, actorID int64) (proposals.ApprovalOutcome, error)
	DecideApproval(ctx context.Context, tenantID int64, approvalID uuid.UUID, approverID int64, decision proposals.Decision, comment string) (proposals.ApprovalOutcome, error)
	RequestSignature(ctx context.Context, tenantID int64, proposalID uuid.UUID, in proposals.SignatureInput) (proposals.SignatureOutcome, error)
	ProcessSignature(ctx context.Context, tenantID int64, signatureID uuid.UUID, in proposals.SignInput) (proposals.SignatureOutcome, error)
	DeclineSignature(ctx context.Context, tenantID int64, signatureID uuid.UUID, code, reason string) (proposals.SignatureOutcome, error)
	WorkflowStatus(ctx context.Context, tenantID int64, proposalID uuid.UUID) (proposals.WorkflowStatus, error)
}

// PDFRenderer renders a proposal document.
type PDFRenderer interface {
	RenderProposal(ctx context.Context, p proposals.Proposal) ([]byte, error)
}

// Handler serves the proposal JSON API.
type Handler struct {
	service  Service
	pdf      PDFRenderer
	logger   *slog.Logger
	validate *validator.Validate
	renders  singleflight.Group
}

// NewHandler constructs the proposal handler. pdf may be nil, in which case
// the export endpoint answers 503.
func NewHandler(service Service, pdf PDFRenderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{service: service, pdf: pdf, logger: logger, validate: v}
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.ValidateDraft(req.input(0)))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req proposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, verdict, err := h.service.CreateProposal(r.Context(), p.TenantID, req.input(p.UserID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, proposalResponse{Proposal: created, Pricing: verdict.Pricing, Warnings: verdict.Warnings})
}

func (h *Handler) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	templateID, ok := uuidParam(w, r, "templateID")
	if !ok {
		return
	}
	var req proposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, verdict, err := h.service.CreateFromTemplate(r.Context(), p.TenantID, templateID, req.input(p.UserID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, proposalResponse{Proposal: created, Pricing: verdict.Pricing, Warnings: verdict.Warnings})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	proposal, err := h.service.Get(r.Context(), p.TenantID, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, proposal)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req proposalRequest
	if !h.decode(w, r, &req) {
		return
	}
	updated, verdict, err := h.service.UpdateDraft(r.Context(), p.TenantID, id, req.input(p.UserID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, proposalResponse{Proposal: updated, Pricing: verdict.Pricing, Warnings: verdict.Warnings})
}

func (h *Handler) handleStartApproval(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req chainRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.StartApproval(r.Context(), p.TenantID, id, req.chain(), p.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	approvalID, ok := uuidParam(w, r, "approvalID")
	if !ok {
		return
	}
	var req decisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.DecideApproval(r.Context(), p.TenantID, approvalID, p.UserID, proposals.Decision(req.Decision), req.Comment)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleRequestSignature(w http.ResponseWriter, r *http.Request) {
	p, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req signatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.RequestSignature(r.Context(), p.TenantID, id, proposals.SignatureInput{
		SignerEmail:   req.SignerEmail,
		SignerName:    req.SignerName,
		SignatureType: proposals.SignatureType(req.SignatureType),
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	// The code reaches the signer by email only.
	out.VerificationCode = ""
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	signatureID, ok := uuidParam(w, r, "signatureID")
	if !ok {
		return
	}
	var req signRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.ProcessSignature(r.Context(), p.TenantID, signatureID, proposals.SignInput{
		VerificationCode: req.VerificationCode,
		Data: proposals.SignatureData{
			Signature: req.Signature,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
			Geo:       req.Geo,
		},
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleDecline(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	signatureID, ok := uuidParam(w, r, "signatureID")
	if !ok {
		return
	}
	var req declineRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.service.DeclineSignature(r.Context(), p.TenantID, signatureID, req.VerificationCode, req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	status, err := h.service.WorkflowStatus(r.Context(), p.TenantID, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *Handler) handlePDF(w http.ResponseWriter, r *http.Request) {
	if h.pdf == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "pdf export is not configured")
		return
	}
	p := principal(r)
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	proposal, err := h.service.Get(r.Context(), p.TenantID, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	// Concurrent downloads of the same revision share one render.
	key := fmt.Sprintf("%d:%s:%d", p.TenantID, proposal.ID, proposal.UpdatedAt.UnixNano())
	result, err, _ := h.renders.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), pdfTimeout)
		defer cancel()
		return h.pdf.RenderProposal(ctx, proposal)
	})
	if err != nil {
		h.logger.Error("render proposal pdf", slog.String("proposal_id", id.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "pdf rendering failed")
		return
	}
	pdf := result.([]byte)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", proposal.Number+".pdf"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
			return false
		}
		fields := make(proposals.ValidationErrors, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, proposals.FieldError{Field: fieldPath(fe), Message: fieldMessage(fe)})
		}
		httpx.ProblemWithErrors(w, http.StatusUnprocessableEntity, "Validation Failed", "", fields)
		return false
	}
	return true
}

// respondError maps proposal errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs  proposals.ValidationErrors
		cfgErr *proposals.ConfigurationError
		pv     *proposals.PolicyViolation
	)
	switch {
	case errors.As(err, &verrs):
		httpx.ProblemWithErrors(w, http.StatusUnprocessableEntity, "Validation Failed", "", []proposals.FieldError(verrs))
	case errors.As(err, &cfgErr):
		httpx.ProblemWithErrors(w, http.StatusUnprocessableEntity, "Invalid Approval Chain", "", cfgErr.Problems)
	case errors.As(err, &pv):
		httpx.ProblemWithErrors(w, http.StatusConflict, "Policy Violation", pv.Error(), map[string]string{
			"stage":  string(pv.Stage),
			"reason": pv.Reason,
		})
	case errors.Is(err, proposals.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, proposals.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "the proposal changed concurrently, retry the request")
	case errors.Is(err, shared.ErrLockNotAcquired):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "the proposal is busy, retry shortly")
	default:
		h.logger.Error("proposal request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", fmt.Sprintf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
