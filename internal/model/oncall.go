package model

import (
	"time"

	"gorm.io/gorm"
)

// DefaultRotation is the OnCallShift source that covers every incident source
// without a more specific shift.
const DefaultRotation = "*"

// OnCallShift assigns a user as the on-call owner for a source over
// [StartsAt, EndsAt).
type OnCallShift struct {
	ID        string    `gorm:"type:text;primaryKey"`
	UserID    string    `gorm:"type:text;not null;index"`
	User      User      `gorm:"foreignKey:UserID"`
	Source    string    `gorm:"type:text;not null;index"`
	StartsAt  time.Time `gorm:"not null;index"`
	EndsAt    time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *OnCallShift) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = newID()
	}
	return nil
}

// Covers reports whether the shift is active at t.
func (s *OnCallShift) Covers(t time.Time) bool {
	return !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}
