package dispatch

import (
	"errors"

	"github.com/ent0n29/voicerag/internal/realtime"
)

var (
	// ErrSession matches any *SessionError.
	ErrSession = errors.New("session error")
	// ErrStreamClosed means the update stream ended before a final response.
	ErrStreamClosed = errors.New("update stream closed before final response")
)

// SessionError reports an error update received from the session.
type SessionError struct {
	Update realtime.ErrorUpdate
}

func (e *SessionError) Error() string {
	return "session error: " + e.Update.String()
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSession
}
