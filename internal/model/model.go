// Package model contains GORM model definitions shared across packages.
// All models are driver-agnostic: they work with both PostgreSQL and SQLite.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StringSlice is a []string that GORM serialises as JSON into a TEXT column
// on both SQLite and PostgreSQL.
type StringSlice []string

// Metadata is a free-form JSON object stored in a TEXT column.
type Metadata map[string]any

// newID returns a random UUID string for primary keys.
func newID() string { return uuid.New().String() }

// User is the GORM model for the users table.
type User struct {
	ID                   string      `gorm:"type:text;primaryKey"`
	Email                string      `gorm:"type:text;not null;uniqueIndex"`
	Name                 string      `gorm:"type:text;not null;default:''"`
	PasswordHash         string      `gorm:"type:text;not null;default:''"`
	Roles                StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"`
	NotificationChannels StringSlice `gorm:"type:text;not null;default:'[]';serializer:json"` // empty means every channel
	BillingCustomerID    *string     `gorm:"type:text;uniqueIndex"`
	DeactivatedAt        *time.Time
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = newID()
	}
	return nil
}

// RefreshToken is the GORM model for the refresh_tokens table.
type RefreshToken struct {
	ID        string    `gorm:"type:text;primaryKey"`
	UserID    string    `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"type:text;not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null"`
	RevokedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a UUID primary key if not set.
func (rt *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if rt.ID == "" {
		rt.ID = newID()
	}
	return nil
}
