// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store.
type Factory func(t *testing.T) store.Store

func draft(refset types.RefsetID) *types.RefsetVersion {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &types.RefsetVersion{
		InternalID:     types.NewVersionID(),
		RefsetID:       refset,
		Name:           "Diabetes",
		VersionDate:    types.InDevelopment,
		WorkflowStatus: types.StatusInDevelopment,
		WorkflowType:   types.WorkflowSimplePath,
		DefinitionType: types.DefinitionIntensional,
		Definition: types.Definition{
			Clauses: []types.DefinitionClause{{Value: "<<73211009", Type: types.ClauseInclusion}},
		},
		ProjectID:    "p1",
		Branch:       "MAIN/2024-01-31",
		ModuleID:     "32506021000036107",
		Created:      now,
		LastModified: now,
	}
}

// Run exercises the whole contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("one draft per refset", func(t *testing.T) {
		s := newStore(t)
		first := draft("r1")
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.AddVersion(first)
		}))
		err := store.Update(ctx, s, func(tx store.Tx) error {
			return tx.AddVersion(draft("r1"))
		})
		require.ErrorIs(t, err, store.ErrAlreadyExists)

		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			got, err := tx.Draft("r1")
			require.NoError(t, err)
			assert.Equal(t, first.InternalID, got.InternalID)
			assert.Equal(t, first.Definition.Clauses, got.Definition.Clauses)
			assert.True(t, first.Created.Equal(got.Created))
			return nil
		}))
	})

	t.Run("concurrent drafts keep one", func(t *testing.T) {
		s := newStore(t)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Update(ctx, s, func(tx store.Tx) error {
					return tx.AddVersion(draft("r1"))
				})
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, success)
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			versions, total, err := tx.FindVersions(types.VersionQuery{RefsetID: "r1"})
			require.NoError(t, err)
			assert.Equal(t, 1, total)
			assert.Len(t, versions, 1)
			return nil
		}))
	})

	t.Run("published versions are immutable", func(t *testing.T) {
		s := newStore(t)
		v := draft("r1")
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			if err := tx.AddVersion(v); err != nil {
				return err
			}
			return tx.PutMembers([]types.RefsetMember{{ConceptCode: "A", RefsetInternalID: v.InternalID, Active: true, LastModified: v.Created}})
		}))

		published := v.Clone()
		published.VersionDate = "2024-02-01"
		published.WorkflowStatus = types.StatusPublished
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.UpdateVersion(published)
		}))

		err := store.Update(ctx, s, func(tx store.Tx) error {
			again := published.Clone()
			again.Name = "changed"
			return tx.UpdateVersion(again)
		})
		assert.ErrorIs(t, err, store.ErrImmutable)

		err = store.Update(ctx, s, func(tx store.Tx) error {
			return tx.PutMembers([]types.RefsetMember{{ConceptCode: "B", RefsetInternalID: v.InternalID, Active: true, LastModified: v.Created}})
		})
		assert.ErrorIs(t, err, store.ErrImmutable)

		err = store.Update(ctx, s, func(tx store.Tx) error {
			return tx.DeleteVersion(v.InternalID)
		})
		assert.ErrorIs(t, err, store.ErrImmutable)

		// the draft slot is free again once the draft is published
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.AddVersion(draft("r1"))
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			latest, err := tx.LatestPublished("r1")
			require.NoError(t, err)
			assert.Equal(t, v.InternalID, latest.InternalID)
			members, err := tx.Members(v.InternalID, true)
			require.NoError(t, err)
			assert.Equal(t, []string{"A"}, types.ActiveCodes(members))
			return nil
		}))
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		s := newStore(t)
		tx, err := s.Begin(ctx, true)
		require.NoError(t, err)
		require.NoError(t, tx.AddVersion(draft("r1")))
		require.NoError(t, tx.Rollback())
		require.NoError(t, tx.Rollback())

		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			_, err := tx.Draft("r1")
			assert.ErrorIs(t, err, store.ErrNotFound)
			return nil
		}))
	})

	t.Run("read transactions reject writes", func(t *testing.T) {
		s := newStore(t)
		err := store.View(ctx, s, func(tx store.Tx) error {
			return tx.AddVersion(draft("r1"))
		})
		assert.ErrorIs(t, err, store.ErrReadOnly)
	})

	t.Run("members upsert and soft delete", func(t *testing.T) {
		s := newStore(t)
		v := draft("r1")
		now := v.Created
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			if err := tx.AddVersion(v); err != nil {
				return err
			}
			return tx.PutMembers([]types.RefsetMember{
				{ConceptCode: "B", RefsetInternalID: v.InternalID, Active: true, Provenance: types.ProvenanceManual, LastModified: now},
				{ConceptCode: "A", RefsetInternalID: v.InternalID, Active: true, Provenance: types.ProvenanceDefinition, LastModified: now},
			})
		}))
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.PutMembers([]types.RefsetMember{
				{ConceptCode: "B", RefsetInternalID: v.InternalID, Active: false, Provenance: types.ProvenanceManual, LastModified: now},
			})
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			all, err := tx.Members(v.InternalID, false)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "A", all[0].ConceptCode)
			active, err := tx.Members(v.InternalID, true)
			require.NoError(t, err)
			assert.Equal(t, []string{"A"}, types.ActiveCodes(active))

			b, err := tx.Member(v.InternalID, "B")
			require.NoError(t, err)
			assert.False(t, b.Active)
			assert.Equal(t, types.ProvenanceManual, b.Provenance)

			_, err = tx.Member(v.InternalID, "Z")
			assert.ErrorIs(t, err, store.ErrNotFound)
			return nil
		}))
	})

	t.Run("history keeps append order", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC()
		actions := []types.WorkflowAction{types.ActionCreate, types.ActionEdit, types.ActionFinishEdit}
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			for i, a := range actions {
				if err := tx.AppendHistory(types.WorkflowHistory{
					ID:        string(types.NewVersionID()),
					RefsetID:  "r1",
					VersionID: "v1",
					Action:    a,
					Actor:     "alice",
					Timestamp: now.Add(time.Duration(i) * time.Second),
				}); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			history, err := tx.History("r1")
			require.NoError(t, err)
			require.Len(t, history, 3)
			for i, h := range history {
				assert.Equal(t, actions[i], h.Action)
			}
			other, err := tx.History("r2")
			require.NoError(t, err)
			assert.Empty(t, other)
			return nil
		}))
	})

	t.Run("upgrade concepts", func(t *testing.T) {
		s := newStore(t)
		v := draft("r1")
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			if err := tx.AddVersion(v); err != nil {
				return err
			}
			return tx.PutUpgradeConcepts([]types.UpgradeInactiveConcept{
				{
					RefsetInternalID: v.InternalID,
					Code:             "X",
					TargetBranch:     "MAIN/2024-07-31",
					Replacements: []types.UpgradeReplacementConcept{
						{Code: "Y", Association: types.AssociationReplacedBy, Rank: 0},
					},
				},
				{RefsetInternalID: v.InternalID, Code: "W", TargetBranch: "MAIN/2024-07-31"},
			})
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			concepts, err := tx.UpgradeConcepts(v.InternalID)
			require.NoError(t, err)
			require.Len(t, concepts, 2)
			assert.Equal(t, "W", concepts[0].Code)
			assert.Equal(t, "Y", concepts[1].Suggested())
			return nil
		}))
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcept(v.InternalID, "X")
		}))
		err := store.Update(ctx, s, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcept(v.InternalID, "X")
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.DeleteUpgradeConcepts(v.InternalID)
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			concepts, err := tx.UpgradeConcepts(v.InternalID)
			require.NoError(t, err)
			assert.Empty(t, concepts)
			return nil
		}))
	})

	t.Run("find with paging", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			for i, name := range []string{"c", "a", "b"} {
				v := draft(types.RefsetID(name))
				v.Name = name
				v.ProjectID = types.ProjectID([]string{"p1", "p1", "p2"}[i])
				if err := tx.AddVersion(v); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			page, total, err := tx.FindVersions(types.VersionQuery{
				Page: types.PageRequest{SortField: "name", Ascending: true, Offset: 1, Limit: 1},
			})
			require.NoError(t, err)
			assert.Equal(t, 3, total)
			require.Len(t, page, 1)
			assert.Equal(t, "b", page[0].Name)

			_, total, err = tx.FindVersions(types.VersionQuery{ProjectID: "p1"})
			require.NoError(t, err)
			assert.Equal(t, 2, total)
			return nil
		}))
	})

	t.Run("delete draft", func(t *testing.T) {
		s := newStore(t)
		v := draft("r1")
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			if err := tx.AddVersion(v); err != nil {
				return err
			}
			return tx.PutMembers([]types.RefsetMember{{ConceptCode: "A", RefsetInternalID: v.InternalID, Active: true, LastModified: v.Created}})
		}))
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.DeleteVersion(v.InternalID)
		}))
		require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
			_, err := tx.GetVersion(v.InternalID)
			assert.ErrorIs(t, err, store.ErrNotFound)
			members, err := tx.Members(v.InternalID, false)
			require.NoError(t, err)
			assert.Empty(t, members)
			return nil
		}))
		require.NoError(t, store.Update(ctx, s, func(tx store.Tx) error {
			return tx.AddVersion(draft("r1"))
		}))
	})
}
