// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/logen-app/logen/internal/domain"
)

var (
	// ErrVersionMismatch is returned when a conditional update finds a
	// newer row than the one the caller read.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDuplicate is returned when an insert or update violates a
	// uniqueness constraint.
	ErrDuplicate = errors.New("duplicate key")
)

// Repository defines the interface for persisting wizard sessions and the
// AI request queue.
type Repository interface {
	SessionRepository
	RequestRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// SessionRepository persists wizard sessions.
type SessionRepository interface {
	// GetSession retrieves a session by ID. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.WizardSession, error)

	// CreateSession inserts a new session. Returns ErrDuplicate if the ID exists.
	CreateSession(ctx context.Context, session *domain.WizardSession) error

	// UpdateSession writes all mutable columns of session if the stored
	// version equals expectedVersion, and sets version to expectedVersion+1.
	// Returns ErrVersionMismatch when the row changed or vanished and
	// ErrDuplicate when a reserved site ID collides.
	UpdateSession(ctx context.Context, session *domain.WizardSession, expectedVersion int64) error

	// ListSessions returns a customer's sessions, most recently active first.
	ListSessions(ctx context.Context, customerID string) ([]*domain.WizardSession, error)

	// SiteIDInUse reports whether a non-abandoned session other than
	// excludeSessionID carries siteID.
	SiteIDInUse(ctx context.Context, siteID, excludeSessionID string) (bool, error)
}

// RequestRepository persists the AI request queue. Every transition is a
// single conditional UPDATE and reports whether a row matched.
type RequestRepository interface {
	// CreateAIRequest inserts a new pending request.
	CreateAIRequest(ctx context.Context, req *domain.AIRequest) error

	// GetAIRequest retrieves a request by ID. Returns nil, nil when absent.
	GetAIRequest(ctx context.Context, requestID string) (*domain.AIRequest, error)

	// ListAIRequests returns requests matching filter, oldest first.
	ListAIRequests(ctx context.Context, filter domain.RequestFilter) ([]*domain.AIRequest, error)

	// ClaimAIRequest moves pending -> assigned only while no admin holds it.
	ClaimAIRequest(ctx context.Context, requestID, adminID string, at time.Time) (bool, error)

	// StartAIRequest moves assigned -> processing for the holding admin.
	StartAIRequest(ctx context.Context, requestID, adminID string, at time.Time) (bool, error)

	// CompleteAIRequest moves assigned|processing -> completed for the holding admin.
	CompleteAIRequest(ctx context.Context, requestID, adminID string, c Completion, at time.Time) (bool, error)

	// FailAIRequest moves any non-terminal request to failed. A held
	// request can only be failed by its holder.
	FailAIRequest(ctx context.Context, requestID, adminID, reason string, at time.Time) (bool, error)

	// MarkAIRequestMerged records that a completed result reached the session.
	MarkAIRequestMerged(ctx context.Context, requestID string, at time.Time) error

	// ReclaimStaleAIRequests returns assigned|processing requests not
	// updated since cutoff to pending and reports their IDs.
	ReclaimStaleAIRequests(ctx context.Context, cutoff, at time.Time, limit int) ([]string, error)
}

// Completion is the operator-supplied outcome of an AI request.
type Completion struct {
	Result     json.RawMessage
	ActualCost float64
	Notes      string
}
