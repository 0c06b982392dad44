package proposalhttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-msp/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-msp/internal/shared"
)

// Headers set by the identity proxy in front of the service.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// MountRoutes registers proposal endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(10, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "pdf export limit reached")
		}),
	)

	r.Use(PrincipalFromHeaders)
	r.Post("/validate", h.handleValidate)
	r.Post("/", h.handleCreate)
	r.Post("/from-template/{templateID}", h.handleCreateFromTemplate)
	r.Post("/approvals/{approvalID}/decision", h.handleDecide)
	r.Post("/signatures/{signatureID}/sign", h.handleSign)
	r.Post("/signatures/{signatureID}/decline", h.handleDecline)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Post("/approvals", h.handleStartApproval)
		r.Post("/signatures", h.handleRequestSignature)
		r.Get("/workflow", h.handleWorkflow)
		r.With(limiter).Get("/pdf", h.handlePDF)
	})
}

// PrincipalFromHeaders reads the tenant and the optional user id forwarded
// by the identity proxy. Requests without a tenant are refused.
func PrincipalFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := positiveHeader(r, HeaderTenantID)
		if err != nil || tenantID == 0 {
			httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, shared.ErrMissingTenant))
			return
		}
		userID, err := positiveHeader(r, HeaderUserID)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrBadRequest, err))
			return
		}
		ctx := shared.ContextWithPrincipal(r.Context(), shared.Principal{TenantID: tenantID, UserID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func positiveHeader(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return v, nil
}

func principal(r *http.Request) shared.Principal {
	p, _ := shared.PrincipalFromContext(r.Context())
	return p
}

// requireActor enforces a user id for internal mutations.
func requireActor(w http.ResponseWriter, r *http.Request) (shared.Principal, bool) {
	p := principal(r)
	if p.UserID == 0 {
		httpx.RespondError(w, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, shared.ErrMissingActor))
		return p, false
	}
	return p, true
}

func rateLimitKey(r *http.Request) (string, error) {
	if p := principal(r); p.UserID != 0 {
		return fmt.Sprintf("user:%d:%d", p.TenantID, p.UserID), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
