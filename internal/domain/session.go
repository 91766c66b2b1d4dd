// Package domain contains core domain types for the Logen wizard service.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a wizard session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionAbandoned  SessionStatus = "abandoned"
)

// MaxStep is the index of the last wizard step. Steps run 0..MaxStep.
const MaxStep = 7

// WizardData holds the UI-owned form state keyed by top-level field.
type WizardData map[string]json.RawMessage

// WizardSession is a customer's in-progress, resumable site-creation form.
type WizardSession struct {
	SessionID    string        `json:"sessionId"`
	CustomerID   string        `json:"customerId"`
	SiteName     string        `json:"siteName"`
	SiteID       string        `json:"siteId"`
	Domain       string        `json:"domain,omitempty"`
	BusinessType string        `json:"businessType,omitempty"`
	CurrentStep  int           `json:"currentStep"`
	WizardData   WizardData    `json:"wizardData"`
	Status       SessionStatus `json:"status"`
	Version      int64         `json:"version"`
	ReservedAt   *time.Time    `json:"reservedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActiveAt time.Time     `json:"lastActiveAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// Progress returns the completion percentage derived from CurrentStep.
func (s *WizardSession) Progress() int {
	step := s.CurrentStep
	if step < 0 {
		step = 0
	}
	if step > MaxStep {
		step = MaxStep
	}
	return step * 100 / MaxStep
}

// IsOpen reports whether the session still accepts step writes.
func (s *WizardSession) IsOpen() bool {
	return s.Status == SessionInProgress
}

// IsReserved reports whether the authoritative uniqueness check has
// reserved the session's site ID.
func (s *WizardSession) IsReserved() bool {
	return s.ReservedAt != nil
}

// MarshalJSON adds the derived progress field.
func (s WizardSession) MarshalJSON() ([]byte, error) {
	type plain WizardSession
	return json.Marshal(struct {
		plain
		Progress int `json:"progress"`
	}{plain: plain(s), Progress: s.Progress()})
}

// Clone returns a deep copy safe to mutate.
func (s *WizardSession) Clone() *WizardSession {
	c := *s
	c.WizardData = s.WizardData.Clone()
	if s.ReservedAt != nil {
		t := *s.ReservedAt
		c.ReservedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Clone returns a copy of the map. Values are copied byte for byte.
func (d WizardData) Clone() WizardData {
	out := make(WizardData, len(d))
	for k, v := range d {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Merge applies patch on top of d at the top level only. A JSON null in
// the patch removes the key. Nested objects are replaced, not merged.
func (d WizardData) Merge(patch WizardData) WizardData {
	out := d.Clone()
	for k, v := range patch {
		if isJSONNull(v) {
			delete(out, k)
			continue
		}
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func isJSONNull(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}
