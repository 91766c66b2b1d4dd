package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/identity"
	"github.com/logen-app/logen/internal/queue"
	"github.com/logen-app/logen/internal/store"
	"github.com/logen-app/logen/internal/wizard"
)

// AdminHandler serves the operator queue and the materializer callback.
type AdminHandler struct {
	queue    *queue.Service
	wizard   *wizard.Service
	maxBytes int64
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(q *queue.Service, wiz *wizard.Service, maxBytes int64) *AdminHandler {
	return &AdminHandler{queue: q, wizard: wiz, maxBytes: maxBytes}
}

// RegisterRoutes registers admin routes. The caller mounts them behind
// admin authentication.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/queue", h.ListQueue)
	r.Route("/queue/{id}", func(r chi.Router) {
		r.Put("/assign", h.Assign)
		r.Put("/start", h.Start)
		r.Put("/complete", h.Complete)
		r.Put("/fail", h.Fail)
	})
	r.Put("/wizard-sessions/{sessionId}/complete", h.CompleteSession)
}

// ListQueue lists requests filtered by status, kind, session, holder and limit.
func (h *AdminHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RequestFilter{
		Status:    domain.RequestStatus(q.Get("status")),
		Kind:      domain.RequestKind(q.Get("kind")),
		SessionID: q.Get("sessionId"),
	}
	if q.Get("mine") == "true" {
		filter.AdminID = identity.SubjectFromContext(r.Context())
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	reqs, err := h.queue.List(r.Context(), filter)
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "requests": reqs})
}

// Assign claims a pending request for the calling admin.
func (h *AdminHandler) Assign(w http.ResponseWriter, r *http.Request) {
	req, err := h.queue.Claim(r.Context(), chi.URLParam(r, "id"), identity.SubjectFromContext(r.Context()))
	h.respond(w, r, req, err)
}

// Start marks a held request as being worked on.
func (h *AdminHandler) Start(w http.ResponseWriter, r *http.Request) {
	req, err := h.queue.Start(r.Context(), chi.URLParam(r, "id"), identity.SubjectFromContext(r.Context()))
	h.respond(w, r, req, err)
}

type completeRequest struct {
	Result     json.RawMessage `json:"result"`
	ActualCost float64         `json:"actualCost"`
	Notes      string          `json:"notes"`
}

// Complete records the result of a held request.
func (h *AdminHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var body completeRequest
	if err := decodeJSON(w, r, h.maxBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	req, err := h.queue.Complete(r.Context(), chi.URLParam(r, "id"), identity.SubjectFromContext(r.Context()), store.Completion{
		Result:     body.Result,
		ActualCost: body.ActualCost,
		Notes:      body.Notes,
	})
	h.respond(w, r, req, err)
}

type failRequest struct {
	Reason string `json:"reason"`
}

// Fail marks a request as failed with a reason shown to the customer.
func (h *AdminHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var body failRequest
	if err := decodeJSON(w, r, h.maxBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	req, err := h.queue.Fail(r.Context(), chi.URLParam(r, "id"), identity.SubjectFromContext(r.Context()), body.Reason)
	h.respond(w, r, req, err)
}

// CompleteSession is called once the site for a finalized session exists.
func (h *AdminHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.wizard.MarkCompleted(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "session": session})
}

func (h *AdminHandler) respond(w http.ResponseWriter, r *http.Request, req *domain.AIRequest, err error) {
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "request": req})
}
