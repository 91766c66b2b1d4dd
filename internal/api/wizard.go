package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/identity"
	"github.com/logen-app/logen/internal/queue"
	"github.com/logen-app/logen/internal/uniqueness"
	"github.com/logen-app/logen/internal/wizard"
)

// aiRequestsKey is the wizardData key holding the client's tracked request IDs.
const aiRequestsKey = "aiRequests"

// DuplicateChecker is the interactive uniqueness check.
type DuplicateChecker interface {
	Check(ctx context.Context, name, excludeSessionID string) (uniqueness.Result, error)
}

// WizardHandler serves the customer's wizard session endpoints.
type WizardHandler struct {
	wizard   *wizard.Service
	queue    *queue.Service
	checker  DuplicateChecker
	maxBytes int64
}

// NewWizardHandler creates a wizard handler.
func NewWizardHandler(wiz *wizard.Service, q *queue.Service, checker DuplicateChecker, maxBytes int64) *WizardHandler {
	return &WizardHandler{wizard: wiz, queue: q, checker: checker, maxBytes: maxBytes}
}

// RegisterRoutes registers customer wizard routes. The caller mounts them
// behind customer authentication.
func (h *WizardHandler) RegisterRoutes(r chi.Router) {
	r.Get("/wizard-sessions", h.List)
	r.Route("/wizard-sessions/{sessionId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/", h.Upsert)
		r.Post("/abandon", h.Abandon)
		r.Post("/finalize", h.Finalize)
		r.Get("/ai-requests", h.ListRequests)
	})
	r.Get("/check-duplicate", h.CheckDuplicate)
}

type upsertSessionRequest struct {
	SiteName     *string           `json:"siteName"`
	SiteID       *string           `json:"siteId"`
	Domain       *string           `json:"domain"`
	BusinessType *string           `json:"businessType"`
	CurrentStep  *int              `json:"currentStep"`
	WizardData   domain.WizardData `json:"wizardData"`
	AIRequests   json.RawMessage   `json:"aiRequests"`
	Version      *int64            `json:"version"`
}

// Upsert creates or updates a wizard session from one step write.
func (h *WizardHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var body upsertSessionRequest
	if err := decodeJSON(w, r, h.maxBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}

	data := body.WizardData
	if body.AIRequests != nil {
		if data == nil {
			data = domain.WizardData{}
		}
		data[aiRequestsKey] = body.AIRequests
	}

	session, err := h.wizard.Upsert(r.Context(), chi.URLParam(r, "sessionId"), identity.SubjectFromContext(r.Context()), wizard.StepUpdate{
		SiteName:     body.SiteName,
		SiteID:       body.SiteID,
		Domain:       body.Domain,
		BusinessType: body.BusinessType,
		CurrentStep:  body.CurrentStep,
		WizardData:   data,
		Version:      body.Version,
	})
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}

// Get returns one of the caller's sessions.
func (h *WizardHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.wizard.Get(r.Context(), chi.URLParam(r, "sessionId"), identity.SubjectFromContext(r.Context()))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}

// List returns the caller's sessions for the "My Sites" view.
func (h *WizardHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.wizard.List(r.Context(), identity.SubjectFromContext(r.Context()))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessions": sessions})
}

// Abandon flags a session as abandoned.
func (h *WizardHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	session, err := h.wizard.Abandon(r.Context(), chi.URLParam(r, "sessionId"), identity.SubjectFromContext(r.Context()))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}

// Finalize runs the authoritative uniqueness check and reserves the site ID.
func (h *WizardHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	session, err := h.wizard.Finalize(r.Context(), chi.URLParam(r, "sessionId"), identity.SubjectFromContext(r.Context()))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}

// ListRequests returns the AI requests of one of the caller's sessions.
func (h *WizardHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.queue.ListForSession(r.Context(), identity.SubjectFromContext(r.Context()), chi.URLParam(r, "sessionId"))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "requests": reqs})
}

// CheckDuplicate is the advisory uniqueness check run while the customer
// types a site name.
func (h *WizardHandler) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := identity.SubjectFromContext(ctx)
	name := r.URL.Query().Get("name")

	// Only the caller's own session may be excluded from the check.
	exclude := r.URL.Query().Get("sessionId")
	if exclude != "" {
		if _, err := h.wizard.Get(ctx, exclude, customerID); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				ErrorFrom(w, r, err)
				return
			}
			slog.Debug("Ignoring unknown session in duplicate check", "session_id", exclude, "customer_id", customerID)
			exclude = ""
		}
	}

	res, err := h.checker.Check(ctx, name, exclude)
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"success":     true,
		"isDuplicate": res.IsDuplicate,
		"siteId":      res.SiteID,
	}
	if res.IsDuplicate {
		resp["suggestion"] = res.Suggestion
	}
	JSON(w, http.StatusOK, resp)
}
