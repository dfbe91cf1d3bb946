package session

import (
	coorderrors "github.com/coordcore/sessioncore/internal/errors"
)

// SessionError wraps the CoordError taxonomy with the session id every
// session-subsystem caller wants attached, per spec §4.5's uniform
// SessionError{code, sessionId, context}.
type SessionError struct {
	*coorderrors.CoordError
	SessionID string
}

func newSessionError(code coorderrors.Code, sessionID, message string) *SessionError {
	return &SessionError{
		CoordError: coorderrors.New(code, message).WithContext(map[string]interface{}{"sessionId": sessionID}),
		SessionID:  sessionID,
	}
}

func wrapSessionError(code coorderrors.Code, sessionID, message string, cause error) *SessionError {
	return &SessionError{
		CoordError: coorderrors.Wrap(code, message, cause).WithContext(map[string]interface{}{"sessionId": sessionID}),
		SessionID:  sessionID,
	}
}

func ErrSessionNotFound(sessionID string) *SessionError {
	return newSessionError(coorderrors.CodeNotFound, sessionID, "SESSION_NOT_FOUND")
}

func ErrSessionExpired(sessionID string) *SessionError {
	return newSessionError(coorderrors.CodeFailedPrecondition, sessionID, "SESSION_EXPIRED")
}

func ErrSessionExists(sessionID string) *SessionError {
	return newSessionError(coorderrors.CodeAlreadyExists, sessionID, "SESSION_EXISTS")
}

func ErrEventAddFailed(sessionID string, cause error) *SessionError {
	return wrapSessionError(coorderrors.CodeInternal, sessionID, "EVENT_ADD_FAILED", cause)
}

func ErrCheckpointFailed(sessionID string, cause error) *SessionError {
	return wrapSessionError(coorderrors.CodeInternal, sessionID, "CHECKPOINT_FAILED", cause)
}
