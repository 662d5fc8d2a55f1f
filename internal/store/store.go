// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
)

// Repository defines the interface for persisting profiles, sessions and messages.
type Repository interface {
	// GetProfile retrieves a profile by user ID. Returns nil, nil if none exists.
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)

	// UpsertProfile creates a profile or updates its descriptive fields.
	// An existing remaining_sessions value is never overwritten.
	UpsertProfile(ctx context.Context, profile *domain.UserProfile) error

	// SetRemainingSessions overwrites the remaining session count, creating the
	// profile if needed.
	SetRemainingSessions(ctx context.Context, userID string, remaining int) error

	// ChargeChatSession lowers the owner's count by one, floored at 0, and marks
	// the session charged in the same transaction. A session that is already
	// charged is left alone and charged=false is returned. A missing profile is
	// created with seed. Returns the resulting count.
	ChargeChatSession(ctx context.Context, sessionID, userID string, seed int) (remaining int, charged bool, err error)

	// CreateChatSession inserts a new session record.
	CreateChatSession(ctx context.Context, session *domain.ChatSession) error

	// GetChatSession retrieves a session by ID. Returns nil, nil if none exists.
	GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error)

	// GetOpenChatSession returns the newest session of a user that has not ended.
	GetOpenChatSession(ctx context.Context, userID string) (*domain.ChatSession, error)

	// EndChatSession marks a session as ended. Returns false if it was already
	// ended or does not exist.
	EndChatSession(ctx context.Context, id string, endedAt time.Time, completed bool, summary *string) (bool, error)

	// ListChatSessions returns a user's sessions, newest first.
	ListChatSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error)

	// ListOpenChatSessions returns open sessions started before the given time.
	ListOpenChatSessions(ctx context.Context, startedBefore time.Time) ([]*domain.ChatSession, error)

	// AddChatMessage appends a message to a session's log and sets its ID.
	AddChatMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListChatMessages returns a session's messages in insertion order.
	ListChatMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
