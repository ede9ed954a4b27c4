package faults

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireNames(t *testing.T) {
	require.Equal(t, "ValidationError", Validation.String())
	require.Equal(t, "NotFound", NotFound.String())
	require.Equal(t, "Conflict", Conflict.String())
	require.Equal(t, "IntegrityViolation", Integrity.String())
	require.Equal(t, "StorageIO", StorageIO.String())
	require.Equal(t, "RateLimited", RateLimited.String())
	require.Equal(t, "Internal", Internal.String())
}

func TestRetriable(t *testing.T) {
	require.True(t, StorageIO.Retriable())
	require.True(t, Indexing.Retriable())
	require.False(t, Validation.Retriable())
	require.False(t, Integrity.Retriable())
}

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(NotFound, "note %s", "note_x")
	wrapped := fmt.Errorf("handler: %w", base)
	require.Equal(t, NotFound, KindOf(wrapped))
	require.True(t, Is(wrapped, NotFound))
	require.False(t, Is(wrapped, Conflict))

	require.Equal(t, Internal, KindOf(io.EOF))
	require.Equal(t, Internal, KindOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageIO, cause, "put note")
	require.ErrorIs(t, err, cause)
	require.Equal(t, StorageIO, KindOf(err))
	require.Contains(t, err.Error(), "put note")
	require.Contains(t, err.Error(), "disk full")
}

func TestNotFoundf(t *testing.T) {
	err := NotFoundf("note", "note_x")
	require.True(t, Is(err, NotFound))
	require.Contains(t, err.Error(), "note_x")
}
