// Package memdb is the in-memory VersionStore on hashicorp/go-memdb.
// Write transactions are serialized by memdb, so the draft slot check and
// insert of AddVersion are atomic.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/davidroman0O/refsetlite/internal/store"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/hashicorp/go-memdb"
)

const (
	tableVersions = "versions"
	tableDrafts   = "drafts"
	tableMembers  = "members"
	tableHistory  = "history"
	tableUpgrade  = "upgrade"
)

// draftSlot holds the single mutable version of a refset.
type draftSlot struct {
	RefsetID   types.RefsetID
	InternalID types.VersionID
}

type historyRow struct {
	types.WorkflowHistory
	Seq uint64
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableVersions: {
				Name: tableVersions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "InternalID"},
					},
					"refset": {
						Name:    "refset",
						Indexer: &memdb.StringFieldIndex{Field: "RefsetID"},
					},
				},
			},
			tableDrafts: {
				Name: tableDrafts,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "RefsetID"},
					},
				},
			},
			tableMembers: {
				Name: tableMembers,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "RefsetInternalID"},
								&memdb.StringFieldIndex{Field: "ConceptCode"},
							},
						},
					},
					"version": {
						Name:    "version",
						Indexer: &memdb.StringFieldIndex{Field: "RefsetInternalID"},
					},
				},
			},
			tableHistory: {
				Name: tableHistory,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"refset": {
						Name:    "refset",
						Indexer: &memdb.StringFieldIndex{Field: "RefsetID"},
					},
				},
			},
			tableUpgrade: {
				Name: tableUpgrade,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "RefsetInternalID"},
								&memdb.StringFieldIndex{Field: "Code"},
							},
						},
					},
					"version": {
						Name:    "version",
						Indexer: &memdb.StringFieldIndex{Field: "RefsetInternalID"},
					},
				},
			},
		},
	}
}

type Store struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Begin(ctx context.Context, write bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{txn: s.db.Txn(write), write: write, seq: &s.seq}, nil
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	txn   *memdb.Txn
	seq   *atomic.Uint64
	write bool
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrTransactionDone
	}
	t.done = true
	if t.write {
		t.txn.Commit()
	} else {
		t.txn.Abort()
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Abort()
	return nil
}

func (t *tx) writable() error {
	if t.done {
		return store.ErrTransactionDone
	}
	if !t.write {
		return store.ErrReadOnly
	}
	return nil
}

func (t *tx) GetVersion(id types.VersionID) (*types.RefsetVersion, error) {
	raw, err := t.txn.First(tableVersions, "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("version %s: %w", id, store.ErrNotFound)
	}
	return raw.(*types.RefsetVersion).Clone(), nil
}

func (t *tx) all(q types.VersionQuery) ([]*types.RefsetVersion, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if q.RefsetID != "" {
		it, err = t.txn.Get(tableVersions, "refset", string(q.RefsetID))
	} else {
		it, err = t.txn.Get(tableVersions, "id")
	}
	if err != nil {
		return nil, err
	}
	var out []*types.RefsetVersion
	for raw := it.Next(); raw != nil; raw = it.Next() {
		v := raw.(*types.RefsetVersion)
		if store.Matches(v, q) {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

func (t *tx) FindSingleVersion(q types.VersionQuery) (*types.RefsetVersion, error) {
	versions, err := t.all(q)
	if err != nil {
		return nil, err
	}
	switch len(versions) {
	case 0:
		return nil, fmt.Errorf("version query: %w", store.ErrNotFound)
	case 1:
		return versions[0], nil
	default:
		return nil, fmt.Errorf("version query matched %d versions", len(versions))
	}
}

func (t *tx) FindVersions(q types.VersionQuery) ([]*types.RefsetVersion, int, error) {
	versions, err := t.all(q)
	if err != nil {
		return nil, 0, err
	}
	page, total := store.SortAndPage(versions, q.Page)
	return page, total, nil
}

func (t *tx) Draft(refsetID types.RefsetID) (*types.RefsetVersion, error) {
	raw, err := t.txn.First(tableDrafts, "id", string(refsetID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("draft of %s: %w", refsetID, store.ErrNotFound)
	}
	return t.GetVersion(raw.(*draftSlot).InternalID)
}

func (t *tx) LatestPublished(refsetID types.RefsetID) (*types.RefsetVersion, error) {
	versions, err := t.all(types.VersionQuery{RefsetID: refsetID})
	if err != nil {
		return nil, err
	}
	latest := store.LatestOf(versions)
	if latest == nil {
		return nil, fmt.Errorf("published version of %s: %w", refsetID, store.ErrNotFound)
	}
	return latest, nil
}

func (t *tx) AddVersion(v *types.RefsetVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, err := t.txn.First(tableVersions, "id", string(v.InternalID))
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("version %s: %w", v.InternalID, store.ErrAlreadyExists)
	}
	if v.IsDraft() {
		slot, err := t.txn.First(tableDrafts, "id", string(v.RefsetID))
		if err != nil {
			return err
		}
		if slot != nil {
			return fmt.Errorf("draft of %s: %w", v.RefsetID, store.ErrAlreadyExists)
		}
		if err := t.txn.Insert(tableDrafts, &draftSlot{RefsetID: v.RefsetID, InternalID: v.InternalID}); err != nil {
			return err
		}
	}
	return t.txn.Insert(tableVersions, v.Clone())
}

func (t *tx) UpdateVersion(v *types.RefsetVersion) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, err := t.GetVersion(v.InternalID)
	if err != nil {
		return err
	}
	if !stored.IsDraft() {
		return fmt.Errorf("version %s: %w", v.InternalID, store.ErrImmutable)
	}
	if stored.RefsetID != v.RefsetID {
		return fmt.Errorf("version %s cannot move to refset %s", v.InternalID, v.RefsetID)
	}
	if !v.IsDraft() {
		// promotion frees the draft slot
		if _, err := t.txn.DeleteAll(tableDrafts, "id", string(v.RefsetID)); err != nil {
			return err
		}
	}
	return t.txn.Insert(tableVersions, v.Clone())
}

func (t *tx) DeleteVersion(id types.VersionID) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored, err := t.GetVersion(id)
	if err != nil {
		return err
	}
	if !stored.IsDraft() {
		return fmt.Errorf("version %s: %w", id, store.ErrImmutable)
	}
	if _, err := t.txn.DeleteAll(tableDrafts, "id", string(stored.RefsetID)); err != nil {
		return err
	}
	if _, err := t.txn.DeleteAll(tableMembers, "version", string(id)); err != nil {
		return err
	}
	if _, err := t.txn.DeleteAll(tableUpgrade, "version", string(id)); err != nil {
		return err
	}
	if _, err := t.txn.DeleteAll(tableVersions, "id", string(id)); err != nil {
		return err
	}
	return nil
}

func (t *tx) Members(id types.VersionID, activeOnly bool) ([]types.RefsetMember, error) {
	it, err := t.txn.Get(tableMembers, "version", string(id))
	if err != nil {
		return nil, err
	}
	var out []types.RefsetMember
	for raw := it.Next(); raw != nil; raw = it.Next() {
		m := raw.(*types.RefsetMember)
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConceptCode < out[j].ConceptCode })
	return out, nil
}

func (t *tx) Member(id types.VersionID, code string) (*types.RefsetMember, error) {
	raw, err := t.txn.First(tableMembers, "id", string(id), code)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("member %s of %s: %w", code, id, store.ErrNotFound)
	}
	m := *raw.(*types.RefsetMember)
	return &m, nil
}

func (t *tx) requireDraft(id types.VersionID, checked map[types.VersionID]bool) error {
	if checked[id] {
		return nil
	}
	v, err := t.GetVersion(id)
	if err != nil {
		return err
	}
	if !v.IsDraft() {
		return fmt.Errorf("members of %s: %w", id, store.ErrImmutable)
	}
	checked[id] = true
	return nil
}

func (t *tx) PutMembers(members []types.RefsetMember) error {
	if err := t.writable(); err != nil {
		return err
	}
	checked := map[types.VersionID]bool{}
	for i := range members {
		if err := t.requireDraft(members[i].RefsetInternalID, checked); err != nil {
			return err
		}
		m := members[i]
		if err := t.txn.Insert(tableMembers, &m); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) AppendHistory(h types.WorkflowHistory) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, err := t.txn.First(tableHistory, "id", h.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("history %s: %w", h.ID, store.ErrAlreadyExists)
	}
	return t.txn.Insert(tableHistory, &historyRow{WorkflowHistory: h, Seq: t.seq.Add(1)})
}

func (t *tx) History(refsetID types.RefsetID) ([]types.WorkflowHistory, error) {
	it, err := t.txn.Get(tableHistory, "refset", string(refsetID))
	if err != nil {
		return nil, err
	}
	var rows []*historyRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*historyRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	out := make([]types.WorkflowHistory, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.WorkflowHistory)
	}
	return out, nil
}

func (t *tx) PutUpgradeConcepts(concepts []types.UpgradeInactiveConcept) error {
	if err := t.writable(); err != nil {
		return err
	}
	checked := map[types.VersionID]bool{}
	for i := range concepts {
		if err := t.requireDraft(concepts[i].RefsetInternalID, checked); err != nil {
			return err
		}
		c := concepts[i]
		c.Replacements = append([]types.UpgradeReplacementConcept(nil), c.Replacements...)
		if err := t.txn.Insert(tableUpgrade, &c); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) UpgradeConcepts(id types.VersionID) ([]types.UpgradeInactiveConcept, error) {
	it, err := t.txn.Get(tableUpgrade, "version", string(id))
	if err != nil {
		return nil, err
	}
	var out []types.UpgradeInactiveConcept
	for raw := it.Next(); raw != nil; raw = it.Next() {
		c := *raw.(*types.UpgradeInactiveConcept)
		c.Replacements = append([]types.UpgradeReplacementConcept(nil), c.Replacements...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (t *tx) DeleteUpgradeConcept(id types.VersionID, code string) error {
	if err := t.writable(); err != nil {
		return err
	}
	n, err := t.txn.DeleteAll(tableUpgrade, "id", string(id), code)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("upgrade concept %s of %s: %w", code, id, store.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteUpgradeConcepts(id types.VersionID) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.txn.DeleteAll(tableUpgrade, "version", string(id))
	return err
}
