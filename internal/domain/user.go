// Package domain contains core domain types for the Hearthly application.
package domain

import (
	"time"
)

// Subscription levels stored on a profile.
const (
	SubscriptionFree = "free"
)

// UserProfile is the persisted per-user record that owns the session quota.
type UserProfile struct {
	UserID            string    `json:"user_id"`
	Email             string    `json:"email,omitempty"`
	RemainingSessions int       `json:"remaining_sessions"`
	SubscriptionLevel string    `json:"subscription_level"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CanStartSession reports whether the profile still has quota left.
func (p *UserProfile) CanStartSession() bool {
	return p.RemainingSessions > 0
}
