// Package wizard implements the resumable wizard session store.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/logen-app/logen/internal/domain"
	"github.com/logen-app/logen/internal/shared"
	"github.com/logen-app/logen/internal/siteid"
	"github.com/logen-app/logen/internal/store"
	"github.com/logen-app/logen/internal/uniqueness"
)

// maxWriteAttempts bounds read-merge-write retries on version mismatches.
const maxWriteAttempts = 8

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SiteChecker is the authoritative uniqueness check used by Finalize.
type SiteChecker interface {
	CheckID(ctx context.Context, id, excludeSessionID string) (uniqueness.Result, error)
}

// StepUpdate is one wizard write. Nil fields are left untouched.
type StepUpdate struct {
	SiteName     *string
	SiteID       *string
	Domain       *string
	BusinessType *string
	CurrentStep  *int
	WizardData   domain.WizardData
	// Version, when set, must equal the stored version.
	Version *int64
}

// Service manages wizard sessions.
type Service struct {
	repo    store.SessionRepository
	checker SiteChecker
	retry   shared.RetryPolicy
	maxLen  int
	now     func() time.Time
}

// NewService creates a wizard service.
func NewService(repo store.SessionRepository, checker SiteChecker, retry shared.RetryPolicy, siteIDMaxLen int) *Service {
	if siteIDMaxLen <= 0 {
		siteIDMaxLen = siteid.DefaultMaxLength
	}
	return &Service{repo: repo, checker: checker, retry: retry, maxLen: siteIDMaxLen, now: utcNow}
}

// Upsert creates the session on first write and merges later writes.
func (s *Service) Upsert(ctx context.Context, sessionID, customerID string, u StepUpdate) (*domain.WizardSession, error) {
	if customerID == "" {
		return nil, domain.ErrUnauthorized
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, domain.Validationf("invalid session id")
	}
	if u.CurrentStep != nil && (*u.CurrentStep < 0 || *u.CurrentStep > domain.MaxStep) {
		return nil, domain.Validationf("currentStep must be between 0 and %d", domain.MaxStep)
	}
	explicitID := ""
	if u.SiteID != nil && *u.SiteID != "" {
		id, err := siteid.Normalize(*u.SiteID, s.maxLen)
		if err != nil {
			return nil, err
		}
		explicitID = id
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		now := s.now()

		if current == nil {
			session := &domain.WizardSession{
				SessionID:    sessionID,
				CustomerID:   customerID,
				WizardData:   domain.WizardData{},
				Status:       domain.SessionInProgress,
				Version:      1,
				CreatedAt:    now,
				LastActiveAt: now,
			}
			s.apply(session, u, explicitID)
			err := s.withRetry(ctx, "create session", func() error {
				return s.repo.CreateSession(ctx, session)
			})
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, domain.Transient("create session", err)
			}
			slog.Info("Wizard session created", "session_id", sessionID, "customer_id", customerID)
			return session, nil
		}

		if current.CustomerID != customerID {
			slog.Warn("Wizard write for foreign session", "session_id", sessionID, "customer_id", customerID)
			return nil, domain.ErrUnauthorized
		}
		if !current.IsOpen() {
			return nil, domain.InvalidStatef("session is %s", current.Status)
		}
		if u.Version != nil && *u.Version != current.Version {
			return nil, fmt.Errorf("%w: session version is %d, write was based on %d",
				domain.ErrConflict, current.Version, *u.Version)
		}

		next := current.Clone()
		s.apply(next, u, explicitID)
		next.LastActiveAt = now

		err = s.save(ctx, next, current.Version)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, store.ErrVersionMismatch):
			if u.Version != nil {
				return nil, fmt.Errorf("%w: session changed concurrently", domain.ErrConflict)
			}
			slog.Debug("Wizard session changed underneath write, retrying", "session_id", sessionID, "attempt", attempt+1)
			continue
		case errors.Is(err, store.ErrDuplicate):
			return nil, fmt.Errorf("%w: site id %q is reserved", domain.ErrConflict, next.SiteID)
		default:
			return nil, err
		}
	}
	return nil, domain.Transient("upsert session", errors.New("too many concurrent writes"))
}

// apply copies the fields present in u onto session.
func (s *Service) apply(session *domain.WizardSession, u StepUpdate, explicitID string) {
	prevID := session.SiteID
	if u.SiteName != nil {
		session.SiteName = *u.SiteName
	}
	switch {
	case explicitID != "":
		session.SiteID = explicitID
	case u.SiteID != nil && *u.SiteID == "" && u.SiteName == nil:
		session.SiteID = ""
	case u.SiteName != nil:
		// A name with no usable characters leaves the site ID empty until
		// finalize rejects it.
		id, err := siteid.Normalize(*u.SiteName, s.maxLen)
		if err != nil {
			id = ""
		}
		session.SiteID = id
	}
	if session.SiteID != prevID {
		session.ReservedAt = nil
	}
	if u.Domain != nil {
		session.Domain = *u.Domain
	}
	if u.BusinessType != nil {
		session.BusinessType = *u.BusinessType
	}
	if u.CurrentStep != nil {
		session.CurrentStep = *u.CurrentStep
	}
	if len(u.WizardData) > 0 {
		session.WizardData = session.WizardData.Merge(u.WizardData)
	}
}

// Get returns the caller's session.
func (s *Service) Get(ctx context.Context, sessionID, customerID string) (*domain.WizardSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.CustomerID != customerID {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return session, nil
}

// List returns the caller's sessions, most recently active first.
func (s *Service) List(ctx context.Context, customerID string) ([]*domain.WizardSession, error) {
	if customerID == "" {
		return nil, domain.ErrUnauthorized
	}
	var sessions []*domain.WizardSession
	err := s.withRetry(ctx, "list sessions", func() error {
		var err error
		sessions, err = s.repo.ListSessions(ctx, customerID)
		return err
	})
	if err != nil {
		return nil, domain.Transient("list sessions", err)
	}
	return sessions, nil
}

// Abandon flags the caller's session as abandoned. Abandoning twice is a no-op.
func (s *Service) Abandon(ctx context.Context, sessionID, customerID string) (*domain.WizardSession, error) {
	return s.mutate(ctx, sessionID, func(session *domain.WizardSession) (bool, error) {
		if session.CustomerID != customerID {
			return false, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
		}
		switch session.Status {
		case domain.SessionAbandoned:
			return false, nil
		case domain.SessionCompleted:
			return false, domain.InvalidStatef("completed sessions cannot be abandoned")
		}
		session.Status = domain.SessionAbandoned
		session.LastActiveAt = s.now()
		return true, nil
	})
}

// Finalize runs the authoritative uniqueness check and reserves the
// session's site ID. A collision returns *domain.DuplicateSiteError.
func (s *Service) Finalize(ctx context.Context, sessionID, customerID string) (*domain.WizardSession, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		session, err := s.Get(ctx, sessionID, customerID)
		if err != nil {
			return nil, err
		}
		if !session.IsOpen() {
			return nil, domain.InvalidStatef("session is %s", session.Status)
		}
		if session.IsReserved() {
			return session, nil
		}

		id := session.SiteID
		if id == "" {
			if id, err = siteid.Normalize(session.SiteName, s.maxLen); err != nil {
				return nil, err
			}
		}

		res, err := s.checker.CheckID(ctx, id, sessionID)
		if err != nil {
			return nil, err
		}
		if res.IsDuplicate {
			slog.Info("Finalize rejected duplicate site ID", "session_id", sessionID, "site_id", id, "sources", res.Collisions)
			return nil, &domain.DuplicateSiteError{SiteID: id, Suggestion: res.Suggestion, Sources: res.Collisions}
		}

		next := session.Clone()
		now := s.now()
		next.SiteID = id
		next.ReservedAt = &now
		next.LastActiveAt = now

		err = s.save(ctx, next, session.Version)
		switch {
		case err == nil:
			slog.Info("Site ID reserved", "session_id", sessionID, "site_id", id)
			return next, nil
		case errors.Is(err, store.ErrVersionMismatch):
			continue
		case errors.Is(err, store.ErrDuplicate):
			// Lost the race to another finalize between check and commit.
			res, cerr := s.checker.CheckID(ctx, id, sessionID)
			if cerr != nil {
				return nil, cerr
			}
			return nil, &domain.DuplicateSiteError{SiteID: id, Suggestion: res.Suggestion, Sources: res.Collisions}
		default:
			return nil, err
		}
	}
	return nil, domain.Transient("finalize session", errors.New("too many concurrent writes"))
}

// MarkCompleted records that the site for a finalized session was
// materialized. Completing twice is a no-op.
func (s *Service) MarkCompleted(ctx context.Context, sessionID string) (*domain.WizardSession, error) {
	return s.mutate(ctx, sessionID, func(session *domain.WizardSession) (bool, error) {
		switch {
		case session.Status == domain.SessionCompleted:
			return false, nil
		case session.Status == domain.SessionAbandoned:
			return false, domain.InvalidStatef("session was abandoned")
		case !session.IsReserved():
			return false, domain.InvalidStatef("session has not been finalized")
		}
		now := s.now()
		session.Status = domain.SessionCompleted
		session.CompletedAt = &now
		return true, nil
	})
}

// MergeResult stores value under key in the session's wizard data.
func (s *Service) MergeResult(ctx context.Context, sessionID, key string, value []byte) (*domain.WizardSession, error) {
	if key == "" {
		return nil, domain.Validationf("merge key is required")
	}
	return s.mutate(ctx, sessionID, func(session *domain.WizardSession) (bool, error) {
		session.WizardData = session.WizardData.Merge(domain.WizardData{key: value})
		return true, nil
	})
}

// mutate applies fn to a fresh copy of the session and writes it with a
// compare-and-swap, retrying on version mismatches. fn returns false to
// skip the write.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*domain.WizardSession) (bool, error)) (*domain.WizardSession, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
		}

		next := current.Clone()
		changed, err := fn(next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		err = s.save(ctx, next, current.Version)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: site id %q is reserved", domain.ErrConflict, next.SiteID)
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, domain.Transient("update session", errors.New("too many concurrent writes"))
}

func (s *Service) load(ctx context.Context, sessionID string) (*domain.WizardSession, error) {
	var session *domain.WizardSession
	err := s.withRetry(ctx, "get session", func() error {
		var err error
		session, err = s.repo.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, domain.Transient("get session", err)
	}
	return session, nil
}

// save passes ErrVersionMismatch and ErrDuplicate through and wraps
// everything else as transient.
func (s *Service) save(ctx context.Context, session *domain.WizardSession, expectedVersion int64) error {
	err := s.withRetry(ctx, "update session", func() error {
		return s.repo.UpdateSession(ctx, session, expectedVersion)
	})
	if err == nil || errors.Is(err, store.ErrVersionMismatch) || errors.Is(err, store.ErrDuplicate) {
		return err
	}
	return domain.Transient("update session", err)
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	return shared.WithRetry(ctx, s.retry, op, fn)
}

func utcNow() time.Time { return time.Now().UTC() }
