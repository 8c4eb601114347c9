package errs

import (
	"errors"
	"fmt"
)

// Error is a client-facing failure with a stable numeric code. Sentinels
// below are matched with errors.Is; wrap sites use WithMessage to attach
// detail without losing identity.
type Error struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

// Is matches by code so derived messages still compare equal to sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithMessage returns a copy of e carrying a formatted detail message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Code: e.Code, Name: e.Name, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrRoomNotFound          = &Error{Code: 4001, Name: "ROOM_NOT_FOUND", Message: "room not found"}
	ErrUserNotFound          = &Error{Code: 4002, Name: "USER_NOT_FOUND", Message: "user not found"}
	ErrMediaNotFound         = &Error{Code: 4003, Name: "MEDIA_NOT_FOUND", Message: "media not found"}
	ErrMediaInvalidType      = &Error{Code: 4005, Name: "MEDIA_INVALID_TYPE", Message: "invalid media type"}
	ErrMediaInvalidOperation = &Error{Code: 4006, Name: "MEDIA_INVALID_OPERATION", Message: "invalid media operation"}
	ErrMediaNoAvailableCodec = &Error{Code: 4007, Name: "MEDIA_NO_AVAILABLE_CODEC", Message: "no available codec"}
	ErrServerRequestTimeout  = &Error{Code: 5001, Name: "MEDIA_SERVER_REQUEST_TIMEOUT", Message: "media server request timed out"}
	ErrServerGenericError    = &Error{Code: 5002, Name: "MEDIA_SERVER_GENERIC_ERROR", Message: "media server error"}
	ErrConnectionError       = &Error{Code: 5003, Name: "CONNECTION_ERROR", Message: "connection error"}
)

// AsError extracts the taxonomy error from err, falling back to the generic
// media-server failure so callers always get a stable code.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrServerGenericError.WithMessage("%v", err)
}
