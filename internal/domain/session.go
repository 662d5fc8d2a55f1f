package domain

import (
	"time"
)

// Status is the phase of a single interaction with the agent.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusResponding Status = "responding"
)

// State is what the UI renders: the current phase and its display text.
type State struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// IsIdle returns true if no interaction is in progress.
func (s State) IsIdle() bool {
	return s.Status == StatusIdle
}

// ChatSession is the persisted record of one bounded session.
type ChatSession struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Completed bool       `json:"completed"`
	Summary   *string    `json:"session_summary,omitempty"`
	// Charged is set once the session has consumed a unit of its owner's quota.
	Charged bool `json:"charged"`
}

// IsOpen returns true if the session has not been ended yet.
func (s *ChatSession) IsOpen() bool {
	return s.EndedAt == nil
}

// Duration returns how long the session ran, or has been running as of now.
func (s *ChatSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// ChatMessage is one row of a session's message log.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"message"`
	AudioRef  *string   `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
