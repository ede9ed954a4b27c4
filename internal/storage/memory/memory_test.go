package memory_test

import (
	"context"
	"testing"

	"github.com/foliant-labs/folio/internal/storage"
	"github.com/foliant-labs/folio/internal/storage/memory"
	"github.com/foliant-labs/folio/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return memory.Open()
	})
}

func TestMemoryHealth(t *testing.T) {
	s := memory.Open()
	defer s.Close()

	h, err := s.Health(context.Background())
	require.NoError(t, err)
	require.True(t, h.OK)
	require.Equal(t, "memory", h.Backend)
	require.Zero(t, h.Notes)
}
