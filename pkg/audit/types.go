package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Decision events
	EventTypePermissionCheck EventType = "authz.permission_check"

	// Mutation events
	EventTypeRoleChange       EventType = "rbac.role_change"
	EventTypePermissionChange EventType = "rbac.permission_change"
	EventTypeHierarchyChange  EventType = "rbac.hierarchy_change"
	EventTypeAssignmentChange EventType = "rbac.assignment_change"
	EventTypeElevationChange  EventType = "rbac.elevation_change"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusGranted EventStatus = "granted"
	EventStatusDenied  EventStatus = "denied"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// Record is a single audit log entry. Permission checks fill the decision
// fields; mutations fill Action, ResourceType, ResourceID and ActorUserID.
type Record struct {
	ID        int64       `json:"id,omitempty"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`
	RequestID string      `json:"request_id,omitempty"`

	// Subject of a permission check
	UserID       string `json:"user_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Action       string `json:"action,omitempty"`

	AttemptedAt  time.Time  `json:"attempted_at"`
	GrantedAt    *time.Time `json:"granted_at,omitempty"`
	DeniedReason string     `json:"denied_reason,omitempty"`

	// RoleAtTime is the role whose permission decided the check.
	RoleAtTime   string   `json:"role_at_time,omitempty"`
	PermissionID string   `json:"permission_id,omitempty"`
	AssignmentID string   `json:"assignment_id,omitempty"`
	Chain        []string `json:"chain,omitempty"`

	// ActorUserID is who performed a mutation.
	ActorUserID string                 `json:"actor_user_id,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the record to JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON parses a record from JSON
func FromJSON(data []byte) (*Record, error) {
	var record Record
	err := json.Unmarshal(data, &record)
	return &record, err
}

// RetentionPolicy defines how long audit records should be kept
type RetentionPolicy struct {
	// RetentionDays is the number of days to keep records
	RetentionDays int
}

// DefaultRetentionPolicy returns a default retention policy (90 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}

// Cutoff returns the instant before which records fall out of retention.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}
