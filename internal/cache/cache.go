// Package cache provides the local key/value tier used in front of the
// persistent store: the active session handle and the last known quota.
package cache

import (
	"context"
	"strconv"
	"time"
)

// Redis key namespace and expiry used by the server and the admin CLI.
const (
	KeyPrefix  = "hearthly"
	DefaultTTL = 24 * time.Hour
)

// Store is a minimal string key/value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ActiveSessionKey is the key remembering a user's in-progress session ID.
func ActiveSessionKey(userID string) string {
	return "activeSession:" + userID
}

// RemainingSessionsKey is the key holding a user's last known quota.
func RemainingSessionsKey(userID string) string {
	return "remainingSessions:" + userID
}

// GetInt reads an integer value. Missing or malformed values report false.
func GetInt(ctx context.Context, s Store, key string) (int, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// SetInt stores an integer value.
func SetInt(ctx context.Context, s Store, key string, value int) error {
	return s.Set(ctx, key, strconv.Itoa(value))
}
