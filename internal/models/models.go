// Package models defines the entities shared across the pipeline: customers,
// journeys, segments, events and the job payloads carried on the queue fabric.
package models

import (
	"encoding/json"
	"time"
)

// Customer is a document-store record scoped by workspace. The workspace
// configures which attribute acts as the primary key; everything else is
// free-form typed attributes.
type Customer struct {
	ID          string         `json:"_id"`
	WorkspaceID string         `json:"workspaceId"`
	CreatedAt   time.Time      `json:"createdAt"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// PrimaryKeyValue returns the value of the workspace's primary-key attribute,
// or nil if the customer does not carry it.
func (c *Customer) PrimaryKeyValue(pkKey string) any {
	if c.Attributes == nil {
		return nil
	}
	return c.Attributes[pkKey]
}

// Account identifies the acting user and the workspace it belongs to.
// Account resolution itself is an upstream concern; jobs carry the already
// resolved account.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	WorkspaceID string `json:"workspaceId"`
}

// MaxEntries caps how many customers may enter a journey per enrollment.
type MaxEntries struct {
	Enabled    bool  `json:"enabled"`
	MaxEntries int64 `json:"maxEntries"`
}

// JourneySettings holds per-journey tunables relevant to enrollment.
type JourneySettings struct {
	MaxEntries MaxEntries `json:"maxEntries"`
}

// Journey is the relational workflow entity. Only journeys with
// IsActive && !IsPaused && !IsStopped && !IsDeleted participate in fan-out
// or enrollment. IsEnrolling is a mutex flag held while an enrollment
// computation is in flight.
type Journey struct {
	ID                string          `json:"id"`
	WorkspaceID       string          `json:"workspaceId"`
	Name              string          `json:"name"`
	IsActive          bool            `json:"isActive"`
	IsPaused          bool            `json:"isPaused"`
	IsStopped         bool            `json:"isStopped"`
	IsDeleted         bool            `json:"isDeleted"`
	IsEnrolling       bool            `json:"isEnrolling"`
	InclusionCriteria json.RawMessage `json:"inclusionCriteria,omitempty"`
	VisualLayout      json.RawMessage `json:"visualLayout,omitempty"`
	Settings          JourneySettings `json:"journeySettings"`
}

// Eligible reports whether the journey participates in fan-out and enrollment.
func (j *Journey) Eligible() bool {
	return j.IsActive && !j.IsPaused && !j.IsStopped && !j.IsDeleted
}

// Snapshot returns a copy suitable for fan-out payloads: the visual layout
// and inclusion criteria are stripped to keep the job payload small.
func (j *Journey) Snapshot() Journey {
	s := *j
	s.VisualLayout = json.RawMessage(`{"edges":[],"nodes":[]}`)
	s.InclusionCriteria = json.RawMessage(`{}`)
	return s
}

// Event is a durable, write-once record of an inbound behavioral event.
// It exists for audit and visibility; dispatch decisions are made before
// it is written.
type Event struct {
	WorkspaceID string         `json:"workspaceId"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Segment groups customer ids within a workspace.
type Segment struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	IsUpdating  bool   `json:"isUpdating"`
}

// SegmentMembership records one customer's membership in a segment.
// Membership rows are append-only from the reconciler's perspective.
type SegmentMembership struct {
	CustomerID  string `json:"customerId"`
	SegmentID   string `json:"segmentId"`
	WorkspaceID string `json:"workspaceId"`
}

// Step is the minimal view of a journey step the enrollment processor needs:
// the entry point of a journey's workflow.
type Step struct {
	ID        string `json:"id"`
	JourneyID string `json:"journeyId"`
	Type      string `json:"type"`
}
