package model

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionStatus mirrors the payment provider's subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCancelled         SubscriptionStatus = "cancelled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Subscription is the local copy of a provider subscription. Rows are only
// written by webhook reconciliation and are never deleted.
type Subscription struct {
	ID                     string             `gorm:"type:text;primaryKey" json:"id"`
	UserID                 *string            `gorm:"type:text;index" json:"user_id,omitempty"`
	CustomerID             string             `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_provider,priority:1" json:"customer_id"`
	ProviderSubscriptionID string             `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_provider,priority:2" json:"provider_subscription_id"`
	Status                 SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	Plan                   string             `gorm:"type:text;not null;default:'free'" json:"plan"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	CreatedAt              time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time          `gorm:"not null" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Subscription) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = newID()
	}
	return nil
}

// WebhookEvent stores each verified provider event for audit and exact-replay
// detection. ProcessedAt is set only after the handler succeeded.
type WebhookEvent struct {
	ID              string     `gorm:"type:text;primaryKey"`
	ProviderEventID string     `gorm:"type:text;not null;uniqueIndex"`
	Type            string     `gorm:"type:text;not null;index"`
	Payload         string     `gorm:"type:text;not null"`
	ProviderCreated time.Time  `gorm:"not null"`
	ProcessedAt     *time.Time
	Error           string    `gorm:"type:text;not null;default:''"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

// TableName pins the webhook log table name.
func (WebhookEvent) TableName() string { return "billing_webhook_events" }

// BeforeCreate generates a UUID primary key if not set.
func (e *WebhookEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = newID()
	}
	return nil
}
