// Package store defines the VersionStore contract consumed by every component:
// versions, members, workflow history and staged upgrade data behind explicit
// transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/davidroman0O/refsetlite/types"
)

// Store errors
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrImmutable       = errors.New("published versions are immutable")
	ErrReadOnly        = errors.New("write in a read-only transaction")
	ErrTransactionDone = errors.New("transaction already finished")
)

// TransactionMode selects how bulk member writes are grouped into transactions.
type TransactionMode int

const (
	// TransactionBatch commits a whole materialization at once.
	TransactionBatch TransactionMode = iota
	// TransactionPerOperation commits every chunk of member writes separately.
	TransactionPerOperation
)

func ParseTransactionMode(s string) (TransactionMode, error) {
	switch strings.ToLower(s) {
	case "", "batch":
		return TransactionBatch, nil
	case "operation", "per_operation":
		return TransactionPerOperation, nil
	default:
		return TransactionBatch, fmt.Errorf("unknown transaction mode %q", s)
	}
}

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context, write bool) (Tx, error)
	Close() error
}

// Tx is one unit of durable mutation. Rollback after Commit is a no-op.
type Tx interface {
	Commit() error
	Rollback() error

	GetVersion(id types.VersionID) (*types.RefsetVersion, error)
	FindSingleVersion(q types.VersionQuery) (*types.RefsetVersion, error)
	FindVersions(q types.VersionQuery) ([]*types.RefsetVersion, int, error)
	Draft(refsetID types.RefsetID) (*types.RefsetVersion, error)
	LatestPublished(refsetID types.RefsetID) (*types.RefsetVersion, error)
	AddVersion(v *types.RefsetVersion) error
	UpdateVersion(v *types.RefsetVersion) error
	DeleteVersion(id types.VersionID) error

	Members(id types.VersionID, activeOnly bool) ([]types.RefsetMember, error)
	Member(id types.VersionID, code string) (*types.RefsetMember, error)
	PutMembers(members []types.RefsetMember) error

	AppendHistory(h types.WorkflowHistory) error
	History(refsetID types.RefsetID) ([]types.WorkflowHistory, error)

	PutUpgradeConcepts(concepts []types.UpgradeInactiveConcept) error
	UpgradeConcepts(id types.VersionID) ([]types.UpgradeInactiveConcept, error)
	DeleteUpgradeConcept(id types.VersionID, code string) error
	DeleteUpgradeConcepts(id types.VersionID) error
}

// View runs fn in a read transaction.
func View(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a write transaction and commits when fn succeeds.
func Update(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return tx.Commit()
}

// Matches reports whether v satisfies the filter part of q.
func Matches(v *types.RefsetVersion, q types.VersionQuery) bool {
	if q.RefsetID != "" && v.RefsetID != q.RefsetID {
		return false
	}
	if q.ProjectID != "" && v.ProjectID != q.ProjectID {
		return false
	}
	if q.Status != "" && v.WorkflowStatus != q.Status {
		return false
	}
	if q.DraftOnly && !v.IsDraft() {
		return false
	}
	return true
}

// SortAndPage orders and slices an already filtered result. It returns the page and the total.
func SortAndPage(versions []*types.RefsetVersion, page types.PageRequest) ([]*types.RefsetVersion, int) {
	less := func(a, b *types.RefsetVersion) bool {
		switch page.SortField {
		case "name":
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case "versionDate":
			if a.VersionDate != b.VersionDate {
				return a.VersionDate < b.VersionDate
			}
		case "lastModified":
			if !a.LastModified.Equal(b.LastModified) {
				return a.LastModified.Before(b.LastModified)
			}
		}
		return a.InternalID < b.InternalID
	}
	sort.SliceStable(versions, func(i, j int) bool {
		if page.Ascending || page.SortField == "" {
			return less(versions[i], versions[j])
		}
		return less(versions[j], versions[i])
	})

	total := len(versions)
	start := page.Offset
	if start > total {
		start = total
	}
	end := total
	if page.Limit > 0 && start+page.Limit < total {
		end = start + page.Limit
	}
	return versions[start:end], total
}

// LatestOf picks the published version with the greatest version date.
func LatestOf(versions []*types.RefsetVersion) *types.RefsetVersion {
	var latest *types.RefsetVersion
	for _, v := range versions {
		if v.IsDraft() {
			continue
		}
		if latest == nil || v.VersionDate > latest.VersionDate ||
			(v.VersionDate == latest.VersionDate && v.Created.After(latest.Created)) {
			latest = v
		}
	}
	return latest
}
