// Package queue implements the admin-mediated AI content and image request
// queue. Every state transition is a single conditional update in the store;
// when it matches no row the current state decides which error to report.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/shared"
	"github.com/logen-app/logen/internal/store"
)

// SessionMerger is the slice of the wizard service the queue needs.
type SessionMerger interface {
	Get(ctx context.Context, sessionID, customerID string) (*domain.WizardSession, error)
	MergeResult(ctx context.Context, sessionID, key string, value []byte) (*domain.WizardSession, error)
}

// Publisher receives every request after a state change.
type Publisher interface {
	Publish(req *domain.AIRequest)
}

// CreateRequest is a customer's ask for generated content or an image.
type CreateRequest struct {
	SessionID      string
	Kind           domain.RequestKind
	Prompt         string
	ExpectedFields []string
	TargetField    string
}

// Service runs the AI request state machine.
type Service struct {
	repo     store.RequestRepository
	sessions SessionMerger
	pub      Publisher
	retry    shared.RetryPolicy
	now      func() time.Time
	newID    func() string
}

// NewService creates a queue service. pub may be nil.
func NewService(repo store.RequestRepository, sessions SessionMerger, pub Publisher, retry shared.RetryPolicy) *Service {
	return &Service{
		repo:     repo,
		sessions: sessions,
		pub:      pub,
		retry:    retry,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Create queues a new pending request for one of the customer's sessions.
func (s *Service) Create(ctx context.Context, customerID string, in CreateRequest) (*domain.AIRequest, error) {
	if customerID == "" {
		return nil, domain.ErrUnauthorized
	}
	if !in.Kind.Valid() {
		return nil, domain.Validationf("kind must be %q or %q", domain.KindContent, domain.KindImage)
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, domain.Validationf("prompt is required")
	}
	if in.SessionID == "" {
		return nil, domain.Validationf("sessionId is required")
	}

	session, err := s.sessions.Get(ctx, in.SessionID, customerID)
	if err != nil {
		return nil, err
	}
	if !session.IsOpen() {
		return nil, domain.InvalidStatef("session is %s", session.Status)
	}

	id := s.newID()
	target := strings.TrimSpace(in.TargetField)
	if target == "" {
		target = fmt.Sprintf("ai_%s_%s", in.Kind, shortID(id))
	}
	fields := make([]string, 0, len(in.ExpectedFields))
	for _, f := range in.ExpectedFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}

	now := s.now()
	req := &domain.AIRequest{
		ID:             id,
		SessionID:      session.SessionID,
		CustomerID:     customerID,
		Kind:           in.Kind,
		Prompt:         prompt,
		ExpectedFields: fields,
		TargetField:    target,
		Status:         domain.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.withRetry(ctx, "create ai request", func() error {
		return s.repo.CreateAIRequest(ctx, req)
	}); err != nil {
		return nil, domain.Transient("create ai request", err)
	}

	slog.Info("AI request queued", "request_id", id, "session_id", req.SessionID, "customer_id", customerID, "kind", req.Kind)
	s.publish(req)
	return req, nil
}

// Status returns the customer's request. A completed result that has not
// reached the session yet is merged here.
func (s *Service) Status(ctx context.Context, customerID, requestID string) (*domain.AIRequest, error) {
	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.CustomerID != customerID {
		return nil, fmt.Errorf("ai request %s: %w", requestID, domain.ErrNotFound)
	}
	if req.NeedsMerge() {
		if err := s.merge(ctx, req); err != nil {
			slog.Warn("Retrying result merge failed", "request_id", req.ID, "session_id", req.SessionID, "error", err)
		}
	}
	return req, nil
}

// List returns queue entries matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter domain.RequestFilter) ([]*domain.AIRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validationf("unknown status %q", filter.Status)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, domain.Validationf("unknown kind %q", filter.Kind)
	}
	if filter.Limit < 0 {
		return nil, domain.Validationf("limit must not be negative")
	}

	var reqs []*domain.AIRequest
	err := s.withRetry(ctx, "list ai requests", func() error {
		var err error
		reqs, err = s.repo.ListAIRequests(ctx, filter)
		return err
	})
	if err != nil {
		return nil, domain.Transient("list ai requests", err)
	}
	return reqs, nil
}

// ListForSession returns the requests of one of the customer's sessions.
func (s *Service) ListForSession(ctx context.Context, customerID, sessionID string) ([]*domain.AIRequest, error) {
	if _, err := s.sessions.Get(ctx, sessionID, customerID); err != nil {
		return nil, err
	}
	return s.List(ctx, domain.RequestFilter{SessionID: sessionID})
}

// Claim assigns a pending request to adminID. Claiming a request the
// admin already holds succeeds without changes.
func (s *Service) Claim(ctx context.Context, requestID, adminID string) (*domain.AIRequest, error) {
	if adminID == "" {
		return nil, domain.ErrUnauthorized
	}
	ok, err := s.transition(ctx, "claim ai request", func() (bool, error) {
		return s.repo.ClaimAIRequest(ctx, requestID, adminID, s.now())
	})
	if err != nil {
		return nil, err
	}

	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if ok {
		slog.Info("AI request claimed", "request_id", requestID, "admin_id", adminID)
		s.publish(req)
		return req, nil
	}

	switch {
	case req.Status.Terminal():
		return nil, domain.InvalidStatef("request is already %s", req.Status)
	case req.AssignedAdminID == adminID:
		return req, nil
	case req.AssignedAdminID != "":
		slog.Info("AI request claim lost", "request_id", requestID, "admin_id", adminID, "holder", req.AssignedAdminID)
		return nil, fmt.Errorf("%w: request is held by another admin", domain.ErrConflict)
	default:
		// Returned to pending between the update and the read.
		return nil, fmt.Errorf("%w: request changed while claiming, retry", domain.ErrConflict)
	}
}

// Start moves an assigned request to processing.
func (s *Service) Start(ctx context.Context, requestID, adminID string) (*domain.AIRequest, error) {
	if adminID == "" {
		return nil, domain.ErrUnauthorized
	}
	ok, err := s.transition(ctx, "start ai request", func() (bool, error) {
		return s.repo.StartAIRequest(ctx, requestID, adminID, s.now())
	})
	if err != nil {
		return nil, err
	}

	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if ok {
		slog.Info("AI request processing", "request_id", requestID, "admin_id", adminID)
		s.publish(req)
		return req, nil
	}

	switch {
	case req.Status == domain.RequestProcessing && req.AssignedAdminID == adminID:
		return req, nil
	case !req.Status.Terminal() && req.AssignedAdminID != "" && req.AssignedAdminID != adminID:
		return nil, fmt.Errorf("%w: request is held by another admin", domain.ErrConflict)
	default:
		return nil, domain.InvalidStatef("cannot start a %s request", req.Status)
	}
}

// Complete records the result of a held request and merges it into the
// owning session.
func (s *Service) Complete(ctx context.Context, requestID, adminID string, c store.Completion) (*domain.AIRequest, error) {
	if adminID == "" {
		return nil, domain.ErrUnauthorized
	}
	result := bytes.TrimSpace(c.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, domain.Validationf("result is required")
	}
	if !json.Valid(result) {
		return nil, domain.Validationf("result must be valid JSON")
	}
	if c.ActualCost < 0 {
		return nil, domain.Validationf("actualCost must not be negative")
	}

	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := checkExpectedFields(req, result); err != nil {
		return nil, err
	}

	c.Result = result
	ok, err := s.transition(ctx, "complete ai request", func() (bool, error) {
		return s.repo.CompleteAIRequest(ctx, requestID, adminID, c, s.now())
	})
	if err != nil {
		return nil, err
	}

	req, err = s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		switch {
		case !req.Status.Terminal() && req.AssignedAdminID != "" && req.AssignedAdminID != adminID:
			return nil, fmt.Errorf("%w: request is held by another admin", domain.ErrConflict)
		default:
			return nil, domain.InvalidStatef("cannot complete a %s request", req.Status)
		}
	}

	slog.Info("AI request completed", "request_id", requestID, "admin_id", adminID, "actual_cost", c.ActualCost)
	if err := s.merge(ctx, req); err != nil {
		// The next status poll retries the merge.
		slog.Warn("Merging AI result into session failed", "request_id", requestID, "session_id", req.SessionID, "error", err)
	}
	s.publish(req)
	return req, nil
}

// Fail moves a non-terminal request to failed with a reason the customer
// can see. A held request can only be failed by its holder.
func (s *Service) Fail(ctx context.Context, requestID, adminID, reason string) (*domain.AIRequest, error) {
	if adminID == "" {
		return nil, domain.ErrUnauthorized
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Validationf("reason is required")
	}

	ok, err := s.transition(ctx, "fail ai request", func() (bool, error) {
		return s.repo.FailAIRequest(ctx, requestID, adminID, reason, s.now())
	})
	if err != nil {
		return nil, err
	}

	req, err := s.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if ok {
		slog.Info("AI request failed", "request_id", requestID, "admin_id", adminID, "reason", reason)
		s.publish(req)
		return req, nil
	}

	if req.Status.Terminal() {
		return nil, domain.InvalidStatef("request is already %s", req.Status)
	}
	return nil, fmt.Errorf("%w: request is held by another admin", domain.ErrConflict)
}

// ReclaimStale returns requests held without progress for olderThan to
// the pending pool.
func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	if olderThan <= 0 {
		return nil, domain.Validationf("reclaim age must be positive")
	}
	now := s.now()
	cutoff := now.Add(-olderThan)

	var ids []string
	err := s.withRetry(ctx, "reclaim ai requests", func() error {
		var err error
		ids, err = s.repo.ReclaimStaleAIRequests(ctx, cutoff, now, limit)
		return err
	})
	if err != nil {
		return nil, domain.Transient("reclaim ai requests", err)
	}

	for _, id := range ids {
		req, err := s.get(ctx, id)
		if err != nil {
			slog.Warn("Reclaimed AI request vanished", "request_id", id, "error", err)
			continue
		}
		slog.Info("AI request reclaimed", "request_id", id, "reclaim_count", req.ReclaimCount)
		s.publish(req)
	}
	return ids, nil
}

func (s *Service) merge(ctx context.Context, req *domain.AIRequest) error {
	if _, err := s.sessions.MergeResult(ctx, req.SessionID, req.TargetField, req.Result); err != nil {
		return fmt.Errorf("merge into session: %w", err)
	}
	at := s.now()
	if err := s.withRetry(ctx, "mark ai request merged", func() error {
		return s.repo.MarkAIRequestMerged(ctx, req.ID, at)
	}); err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	req.MergedAt = &at
	slog.Info("AI result merged into session", "request_id", req.ID, "session_id", req.SessionID, "target_field", req.TargetField)
	return nil
}

func (s *Service) get(ctx context.Context, requestID string) (*domain.AIRequest, error) {
	var req *domain.AIRequest
	err := s.withRetry(ctx, "get ai request", func() error {
		var err error
		req, err = s.repo.GetAIRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, domain.Transient("get ai request", err)
	}
	if req == nil {
		return nil, fmt.Errorf("ai request %s: %w", requestID, domain.ErrNotFound)
	}
	return req, nil
}

func (s *Service) transition(ctx context.Context, op string, fn func() (bool, error)) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, op, func() error {
		var err error
		ok, err = fn()
		return err
	})
	if err != nil {
		return false, domain.Transient(op, err)
	}
	return ok, nil
}

func (s *Service) publish(req *domain.AIRequest) {
	if s.pub != nil {
		s.pub.Publish(req)
	}
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	return shared.WithRetry(ctx, s.retry, op, fn)
}

// checkExpectedFields requires content results to be an object carrying
// every expected key.
func checkExpectedFields(req *domain.AIRequest, result json.RawMessage) error {
	if req.Kind != domain.KindContent || len(req.ExpectedFields) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil || obj == nil {
		return domain.Validationf("content result must be a JSON object")
	}
	var missing []string
	for _, f := range req.ExpectedFields {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return domain.Validationf("result is missing expected fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
