package domain

import (
	"encoding/json"
	"time"
)

// RequestKind is the type of generated artifact an AI request asks for.
type RequestKind string

const (
	KindContent RequestKind = "content"
	KindImage   RequestKind = "image"
)

// Valid reports whether k is a known request kind.
func (k RequestKind) Valid() bool {
	return k == KindContent || k == KindImage
}

// RequestStatus is the queue state of an AI request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAssigned, RequestProcessing, RequestCompleted, RequestFailed:
		return true
	}
	return false
}

// AIRequest is a queued unit of work asking an operator to produce content
// or an image for a wizard session.
type AIRequest struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	CustomerID      string          `json:"customerId"`
	Kind            RequestKind     `json:"kind"`
	Prompt          string          `json:"prompt"`
	ExpectedFields  []string        `json:"expectedFields,omitempty"`
	TargetField     string          `json:"targetField"`
	Status          RequestStatus   `json:"status"`
	AssignedAdminID string          `json:"assignedAdminId,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ActualCost      float64         `json:"actualCost"`
	Notes           string          `json:"notes,omitempty"`
	ErrorReason     string          `json:"errorReason,omitempty"`
	ReclaimCount    int             `json:"reclaimCount"`
	CreatedAt       time.Time       `json:"createdAt"`
	AssignedAt      *time.Time      `json:"assignedAt,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	MergedAt        *time.Time      `json:"mergedAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NeedsMerge reports whether a completed result has not yet been written
// back into the owning session.
func (r *AIRequest) NeedsMerge() bool {
	return r.Status == RequestCompleted && r.MergedAt == nil
}

// RequestFilter narrows admin queue listings. Zero values match everything.
type RequestFilter struct {
	Status    RequestStatus
	Kind      RequestKind
	SessionID string
	AdminID   string
	Limit     int
}
