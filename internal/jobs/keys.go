package jobs

import (
	"strings"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/google/uuid"
)

// Key kinds. A key is "<kind>:<rest>".
const (
	KindRefset     = "refset"
	KindBatch      = "batch"
	KindComparison = "comparison"
)

func RefsetKey(id types.RefsetID) Key {
	return Key(KindRefset + ":" + string(id))
}

// BatchKey is a fresh key for a job spanning several refsets, bound to owner.
func BatchKey(owner string) Key {
	return Key(KindBatch + ":" + uuid.NewString() + ":" + owner)
}

// ComparisonKey scopes session to owner so two users never share a slot.
func ComparisonKey(owner, session string) Key {
	return Key(KindComparison + ":" + session + ":" + owner)
}

// Parse splits key into its kind, its id and, for batch and comparison
// keys, the user that owns it.
func Parse(key Key) (kind, id, owner string, ok bool) {
	kind, rest, ok := strings.Cut(string(key), ":")
	if !ok || rest == "" {
		return "", "", "", false
	}
	switch kind {
	case KindRefset:
		return kind, rest, "", true
	case KindBatch, KindComparison:
		id, owner, ok = strings.Cut(rest, ":")
		if !ok || id == "" || owner == "" {
			return "", "", "", false
		}
		return kind, id, owner, true
	}
	return "", "", "", false
}

// Poll reports locked while key is held, otherwise drains its result.
func Poll(c *Coordinator[types.JobStatus], key Key) types.PollResult {
	if c.IsBusy(key) {
		return types.PollResult{State: types.PollStateLocked}
	}
	if payload, ok := c.DrainResult(key); ok {
		return types.PollResult{State: types.PollStateResult, Payload: &payload}
	}
	return types.PollResult{State: types.PollStateIdle}
}

// ErrorStatus is the payload published when a job fails.
func ErrorStatus(err error) types.JobStatus {
	return types.JobStatus{Error: types.PublicMessage(err)}
}
