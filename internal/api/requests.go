package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/identity"
	"github.com/logen-app/logen/internal/notify"
	"github.com/logen-app/logen/internal/queue"
)

const watchWriteTimeout = 10 * time.Second

// RequestHandler serves the customer side of the AI request queue.
type RequestHandler struct {
	queue          *queue.Service
	hub            *notify.Hub
	pollInterval   time.Duration
	originPatterns []string
	maxBytes       int64
}

// NewRequestHandler creates a request handler. pollInterval is how often a
// watch stream re-reads the request to catch changes made by other
// processes; allowedOrigins gates WebSocket upgrades.
func NewRequestHandler(q *queue.Service, hub *notify.Hub, pollInterval time.Duration, allowedOrigins []string, maxBytes int64) *RequestHandler {
	return &RequestHandler{
		queue:          q,
		hub:            hub,
		pollInterval:   pollInterval,
		originPatterns: originPatterns(allowedOrigins),
		maxBytes:       maxBytes,
	}
}

// RegisterRoutes registers customer AI request routes.
func (h *RequestHandler) RegisterRoutes(r chi.Router) {
	r.Post("/ai-requests", h.Create)
	r.Get("/ai-requests/{id}", h.Status)
	r.Get("/ai-requests/{id}/watch", h.Watch)
}

type createAIRequest struct {
	SessionID      string             `json:"sessionId"`
	Kind           domain.RequestKind `json:"kind"`
	Prompt         string             `json:"prompt"`
	ExpectedFields []string           `json:"expectedFields"`
	TargetField    string             `json:"targetField"`
}

// Create queues a new AI request.
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createAIRequest
	if err := decodeJSON(w, r, h.maxBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	req, err := h.queue.Create(r.Context(), identity.SubjectFromContext(r.Context()), queue.CreateRequest{
		SessionID:      body.SessionID,
		Kind:           body.Kind,
		Prompt:         body.Prompt,
		ExpectedFields: body.ExpectedFields,
		TargetField:    body.TargetField,
	})
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]interface{}{"success": true, "request": req})
}

// Status is the polled read of one request.
func (h *RequestHandler) Status(w http.ResponseWriter, r *http.Request) {
	req, err := h.queue.Status(r.Context(), identity.SubjectFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"success": true, "request": req})
}

// Watch streams a request's state over a WebSocket: the current state
// first, then every change, closing after a terminal state.
func (h *RequestHandler) Watch(w http.ResponseWriter, r *http.Request) {
	customerID := identity.SubjectFromContext(r.Context())
	requestID := chi.URLParam(r, "id")

	// Subscribe before the first read so no transition slips between them.
	updates, cancel := h.hub.Subscribe(requestID)
	defer cancel()

	current, err := h.queue.Status(r.Context(), customerID, requestID)
	if err != nil {
		ErrorFrom(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("Failed to accept watch WebSocket", "error", err, "request_id", requestID)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			slog.Debug("Failed to close watch WebSocket", "error", closeErr, "request_id", requestID)
		}
	}()

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())
	slog.Debug("AI request watch started", "request_id", requestID, "customer_id", customerID)

	interval := h.pollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := current
	if err := writeRequest(ctx, ws, current); err != nil {
		return
	}
	for !last.Status.Terminal() {
		var next *domain.AIRequest
		select {
		case <-ctx.Done():
			return
		case req, ok := <-updates:
			if !ok {
				return
			}
			next = req
		case <-ticker.C:
			req, err := h.queue.Status(ctx, customerID, requestID)
			if err != nil {
				slog.Debug("Watch poll failed", "request_id", requestID, "error", err)
				continue
			}
			next = req
		}
		if !changed(last, next) {
			continue
		}
		if err := writeRequest(ctx, ws, next); err != nil {
			return
		}
		last = next
	}

	if err := ws.Close(websocket.StatusNormalClosure, string(last.Status)); err != nil {
		slog.Debug("Watch close handshake failed", "request_id", requestID, "error", err)
	}
}

func writeRequest(ctx context.Context, ws *websocket.Conn, req *domain.AIRequest) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, req); err != nil {
		slog.Debug("Watch write failed", "request_id", req.ID, "error", err)
		return err
	}
	return nil
}

func changed(prev, next *domain.AIRequest) bool {
	if prev.Status != next.Status || !prev.UpdatedAt.Equal(next.UpdatedAt) {
		return true
	}
	return (prev.MergedAt == nil) != (next.MergedAt == nil)
}

// originPatterns turns configured origins into host patterns for the
// WebSocket origin check.
func originPatterns(allowed []string) []string {
	patterns := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
