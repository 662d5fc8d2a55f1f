package session

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrInvalidTransition is returned when an action is not allowed from the current status.
	ErrInvalidTransition = fmt.Errorf("%w: invalid session transition", errdefs.ErrFailedPrecondition)

	// ErrQuotaExhausted is the upgrade signal: the user has no sessions left.
	ErrQuotaExhausted = fmt.Errorf("%w: no sessions remaining", errdefs.ErrResourceExhausted)

	// ErrMicrophoneDenied is returned when a voice session starts without microphone access.
	ErrMicrophoneDenied = fmt.Errorf("%w: microphone access denied", errdefs.ErrPermissionDenied)

	// ErrEmptyInput is returned when a turn is submitted without audio or text.
	ErrEmptyInput = fmt.Errorf("%w: empty input", errdefs.ErrInvalidArgument)

	// ErrInvalidMode is returned when a start names a mode other than voice or text.
	ErrInvalidMode = fmt.Errorf("%w: unknown session mode", errdefs.ErrInvalidArgument)

	// ErrRateLimited is returned when a user sends backend-bound turns too quickly.
	ErrRateLimited = fmt.Errorf("%w: too many requests", errdefs.ErrUnavailable)
)

// Client-facing error codes.
const (
	CodeQuotaExhausted    = "quota_exhausted"
	CodeMicrophoneDenied  = "microphone_denied"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidInput      = "invalid_input"
	CodeUnavailable       = "unavailable"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// ErrorCode classifies err into a stable code for API and WebSocket clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errdefs.IsResourceExhausted(err):
		return CodeQuotaExhausted
	case errdefs.IsPermissionDenied(err):
		return CodeMicrophoneDenied
	case errdefs.IsFailedPrecondition(err):
		return CodeInvalidTransition
	case errdefs.IsInvalidArgument(err):
		return CodeInvalidInput
	case errdefs.IsUnavailable(err):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
