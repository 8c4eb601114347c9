package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithMessageKeepsIdentity(t *testing.T) {
	err := ErrRoomNotFound.WithMessage("room %s", "r-1")
	require.ErrorIs(t, err, ErrRoomNotFound)
	require.NotErrorIs(t, err, ErrUserNotFound)
	require.Contains(t, err.Error(), "r-1")
	require.Equal(t, 4001, err.Code)
}

func TestWrappedMatch(t *testing.T) {
	err := fmt.Errorf("negotiation: %w", ErrMediaNoAvailableCodec)
	require.ErrorIs(t, err, ErrMediaNoAvailableCodec)

	var e *Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, "MEDIA_NO_AVAILABLE_CODEC", e.Name)
}

func TestAsErrorFallback(t *testing.T) {
	e := AsError(errors.New("boom"))
	require.Equal(t, ErrServerGenericError.Code, e.Code)
	require.Contains(t, e.Message, "boom")

	e = AsError(ErrMediaNotFound.WithMessage("media m-1"))
	require.Equal(t, ErrMediaNotFound.Code, e.Code)
}
