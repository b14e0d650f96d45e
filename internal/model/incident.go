package model

import (
	"time"

	"gorm.io/gorm"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	StatusTriggered    IncidentStatus = "triggered"
	StatusAcknowledged IncidentStatus = "acknowledged"
	StatusResolved     IncidentStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusTriggered, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Severity orders incidents from p1 (most severe) to p4.
type Severity string

const (
	SeverityP1 Severity = "p1"
	SeverityP2 Severity = "p2"
	SeverityP3 Severity = "p3"
	SeverityP4 Severity = "p4"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{SeverityP1, SeverityP2, SeverityP3, SeverityP4}

// Rank returns 1 for p1 through 4 for p4, and 0 for unknown values.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is one of p1..p4.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// Incident is the GORM model for the incidents table. Timestamps are set by
// the lifecycle service rather than by GORM so that a single clock drives
// created, updated and resolved times.
type Incident struct {
	ID          string         `gorm:"type:text;primaryKey" json:"id"`
	Title       string         `gorm:"type:text;not null" json:"title"`
	Description string         `gorm:"type:text;not null;default:''" json:"description,omitempty"`
	Status      IncidentStatus `gorm:"type:text;not null;index" json:"status"`
	Severity    Severity       `gorm:"type:text;not null;index" json:"severity"`
	Source      string         `gorm:"type:text;not null;index" json:"source"`
	AssigneeID  *string        `gorm:"type:text;index" json:"assignee_id,omitempty"`
	Metadata    Metadata       `gorm:"type:text;not null;default:'{}';serializer:json" json:"metadata"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;autoUpdateTime:false" json:"updated_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// BeforeCreate generates a UUID primary key if not set.
func (i *Incident) BeforeCreate(_ *gorm.DB) error {
	if i.ID == "" {
		i.ID = newID()
	}
	return nil
}

// TimelineType enumerates the kinds of timeline entries.
type TimelineType string

const (
	TimelineCreated          TimelineType = "created"
	TimelineAcknowledged     TimelineType = "acknowledged"
	TimelineResolved         TimelineType = "resolved"
	TimelineComment          TimelineType = "comment"
	TimelineStatusChange     TimelineType = "status_change"
	TimelineAssignmentChange TimelineType = "assignment_change"
	TimelineSeverityChange   TimelineType = "severity_change"
	TimelineNotificationSent TimelineType = "notification_sent"
)

// TimelineEntry is one immutable record in an incident's history.
//
// Seq is assigned by the store on insert and is strictly increasing, so it
// breaks ties between entries that share a timestamp.
type TimelineEntry struct {
	Seq        int64        `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID         string       `gorm:"type:text;not null;uniqueIndex" json:"id"`
	IncidentID string       `gorm:"type:text;not null;index:idx_timeline_incident_ts,priority:1" json:"incident_id"`
	Type       TimelineType `gorm:"type:text;not null" json:"type"`
	Message    string       `gorm:"type:text;not null;default:''" json:"message"`
	AuthorID   *string      `gorm:"type:text" json:"author_id,omitempty"`
	Timestamp  time.Time    `gorm:"not null;index:idx_timeline_incident_ts,priority:2" json:"timestamp"`
	Metadata   Metadata     `gorm:"type:text;not null;default:'{}';serializer:json" json:"metadata,omitempty"`
}

// TableName pins the timeline table name.
func (TimelineEntry) TableName() string { return "incident_timeline_entries" }

// BeforeCreate generates a UUID if not set.
func (e *TimelineEntry) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}

// Notification log statuses. A row written by the inline path is sent or
// failed at once; a queued row is settled by the worker.
const (
	NotificationQueued   = "queued"
	NotificationRetrying = "retrying"
	NotificationSent     = "sent"
	NotificationFailed   = "failed"
)

// NotificationLog records the outcome of one notification fan-out.
type NotificationLog struct {
	ID         string      `gorm:"type:text;primaryKey"`
	IncidentID string      `gorm:"type:text;not null;index"`
	Transition string      `gorm:"type:text;not null"`
	Recipients StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	Status     string      `gorm:"type:text;not null"`
	Error      string      `gorm:"type:text;not null;default:''"`
	CreatedAt  time.Time   `gorm:"not null"`
	UpdatedAt  time.Time   `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (n *NotificationLog) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = newID()
	}
	return nil
}
