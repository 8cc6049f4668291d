package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/internal/store/storetest"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(context.Background(), WithPath(filepath.Join(t.TempDir(), "refsets.db")))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "refsets.db")

	s, err := New(ctx, WithPath(path))
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
		return tx.AddVersion(&types.RefsetVersion{
			InternalID:     "v1",
			RefsetID:       "r1",
			Name:           "Asthma",
			VersionDate:    types.InDevelopment,
			WorkflowStatus: types.StatusInDevelopment,
			WorkflowType:   types.WorkflowSimplePath,
			DefinitionType: types.DefinitionExtensional,
			Finishers:      []string{"alice"},
		})
	}))
	require.NoError(t, s.Close())

	s, err = New(ctx, WithPath(path))
	require.NoError(t, err)
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		v, err := tx.GetVersion("v1")
		require.NoError(t, err)
		assert.Equal(t, "Asthma", v.Name)
		assert.Equal(t, []string{"alice"}, v.Finishers)
		return nil
	}))

	require.NoError(t, s.Close())
	s, err = New(ctx, WithPath(path), WithDestructive())
	require.NoError(t, err)
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		_, err := tx.GetVersion("v1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
	require.NoError(t, s.Close())
}
