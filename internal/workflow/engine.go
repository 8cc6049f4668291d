// Package workflow drives a refset version through its review lifecycle.
// A state machine is built for every request on top of a private copy of the
// version; the caller persists the outcome.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
)

// Observer is told about every applied transition.
type Observer interface {
	Transition(action types.WorkflowAction, from, to types.WorkflowStatus)
}

type engineConfig struct {
	logger   logger.Logger
	clock    func() time.Time
	observer Observer
}

type Option func(*engineConfig)

func WithLogger(l logger.Logger) Option {
	return func(c *engineConfig) {
		c.logger = l
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *engineConfig) {
		c.clock = clock
	}
}

func WithObserver(o Observer) Option {
	return func(c *engineConfig) {
		c.observer = o
	}
}

type Engine struct {
	logger   logger.Logger
	clock    func() time.Time
	observer Observer
}

func New(opts ...Option) *Engine {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return &Engine{
		logger:   cfg.logger,
		clock:    cfg.clock,
		observer: cfg.observer,
	}
}

// Request asks to fire Action on Version.
type Request struct {
	Version *types.RefsetVersion
	Actor   types.Actor
	Action  types.WorkflowAction
	Notes   string
	// Changed tells whether the active membership differs from the baseline.
	Changed bool
}

// Outcome is what the caller has to persist.
type Outcome struct {
	From types.WorkflowStatus
	To   types.WorkflowStatus
	// Version is the updated copy. When SpawnDraft is set it is the seed of the new draft.
	Version    *types.RefsetVersion
	SpawnDraft bool
	History    types.WorkflowHistory
}

// transition is the state the machine reads and writes for one request.
type transition struct {
	req     Request
	version *types.RefsetVersion
	now     time.Time
}

func (t *transition) getState(ctx context.Context) (stateless.State, error) {
	return t.version.WorkflowStatus, nil
}

func (t *transition) setState(ctx context.Context, state stateless.State) error {
	t.version.WorkflowStatus = state.(types.WorkflowStatus)
	return nil
}

func (t *transition) is(workflowTypes ...types.WorkflowType) stateless.GuardFunc {
	return func(ctx context.Context, args ...any) bool {
		return slices.Contains(workflowTypes, t.version.WorkflowType)
	}
}

func (t *transition) finishedBy(username string) bool {
	return slices.Contains(t.version.Finishers, username)
}

// secondFinisher holds when another specialist already finished the draft.
func (t *transition) secondFinisher(ctx context.Context, args ...any) bool {
	return len(t.version.Finishers) > 0 && !t.finishedBy(t.req.Actor.Username)
}

func (t *transition) recordFinisher(ctx context.Context, args ...any) error {
	if !t.finishedBy(t.req.Actor.Username) {
		t.version.Finishers = append(t.version.Finishers, t.req.Actor.Username)
	}
	return nil
}

func (t *transition) changed(ctx context.Context, args ...any) bool {
	return t.req.Changed
}

func (t *transition) machine() *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(t.getState, t.setState, stateless.FiringImmediate)

	conflictTypes := []types.WorkflowType{types.WorkflowConflictProject, types.WorkflowConflictAndReviewPath}
	conditional := t.is(types.WorkflowConditionalReviewPath)
	unchanged := func(ctx context.Context, args ...any) bool {
		return !t.req.Changed
	}

	for _, state := range []types.WorkflowStatus{types.StatusInDevelopment, types.StatusEditing} {
		cfg := sm.Configure(state).
			Permit(types.ActionFinishEdit, types.StatusReadyForPublication, t.is(types.WorkflowSimplePath, types.WorkflowLegacyPath)).
			Permit(types.ActionFinishEdit, types.StatusLeadReview, t.is(types.WorkflowReviewProject)).
			Permit(types.ActionFinishEdit, types.StatusReadyForPublication, conditional, unchanged).
			Permit(types.ActionFinishEdit, types.StatusLeadReview, conditional, t.changed).
			InternalTransition(types.ActionFinishEdit, t.recordFinisher, t.is(conflictTypes...), func(ctx context.Context, args ...any) bool {
				return !t.secondFinisher(ctx)
			}).
			Permit(types.ActionFinishEdit, types.StatusConflictReview, t.is(conflictTypes...), t.secondFinisher).
			Permit(types.ActionRequestReview, types.StatusLeadReview, t.is(types.WorkflowLegacyPath))
		if state == types.StatusEditing {
			cfg.Permit(types.ActionCancelEdit, types.StatusReadyForEdit)
		}
	}

	sm.Configure(types.StatusReadyForEdit).
		OnEntry(func(ctx context.Context, args ...any) error {
			t.version.Finishers = nil
			return nil
		}).
		Permit(types.ActionEdit, types.StatusEditing)

	sm.Configure(types.StatusConflictReview).
		Permit(types.ActionResolveConflict, types.StatusReadyForPublication, t.is(types.WorkflowConflictProject)).
		Permit(types.ActionResolveConflict, types.StatusLeadReview, t.is(types.WorkflowConflictAndReviewPath)).
		Permit(types.ActionReject, types.StatusReadyForEdit)

	sm.Configure(types.StatusLeadReview).
		Permit(types.ActionApprove, types.StatusReadyForPublication).
		Permit(types.ActionReject, types.StatusReadyForEdit)

	sm.Configure(types.StatusReadyForPublication).
		Permit(types.ActionFailValidation, types.StatusFailsRVF).
		Permit(types.ActionReopen, types.StatusReadyForEdit).
		Permit(types.ActionPublish, types.StatusPublished)

	sm.Configure(types.StatusFailsRVF).
		Permit(types.ActionReopen, types.StatusReadyForEdit)

	sm.Configure(types.StatusPublished).
		OnEntryFrom(types.ActionPublish, func(ctx context.Context, args ...any) error {
			t.version.VersionDate = t.now.UTC().Format(types.VersionDateLayout)
			t.version.Finishers = nil
			return nil
		}).
		// copy-on-write: the caller clones a new draft, the published row stays as is
		Permit(types.ActionEdit, types.StatusInDevelopment)

	sm.Configure(types.StatusInDevelopment).
		OnEntryFrom(types.ActionEdit, func(ctx context.Context, args ...any) error {
			t.version.VersionDate = types.InDevelopment
			t.version.BasedOnLatestVersion = true
			t.version.Finishers = nil
			return nil
		})

	return sm
}

// Apply checks the actor's role, fires the action and returns the resulting
// state. Nothing is persisted.
func (e *Engine) Apply(ctx context.Context, req Request) (*Outcome, error) {
	if req.Version == nil {
		return nil, fmt.Errorf("%w: no version", types.ErrValidation)
	}
	role, ok := RequiredRole(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow action %q", types.ErrValidation, req.Action)
	}
	if !req.Actor.Has(role) {
		return nil, fmt.Errorf("%w: %s requires %s", types.ErrForbidden, req.Action, role)
	}
	if req.Action == types.ActionFinishEdit &&
		req.Version.WorkflowType == types.WorkflowConditionalReviewPath &&
		req.Changed && strings.TrimSpace(req.Notes) == "" {
		return nil, fmt.Errorf("%w: membership changed, a note for the reviewer is required", types.ErrValidation)
	}

	t := &transition{
		req:     req,
		version: req.Version.Clone(),
		now:     e.clock(),
	}
	from := t.version.WorkflowStatus
	sm := t.machine()

	can, err := sm.CanFireCtx(ctx, req.Action)
	if err != nil {
		return nil, errors.Join(types.ErrInternal, err)
	}
	if !can {
		e.logger.Debug(ctx, "Workflow action refused", "version.id", t.version.InternalID, "action", req.Action, "status", from)
		return nil, fmt.Errorf("%w: %s is not allowed from %s on %s", types.ErrForbidden, req.Action, from, t.version.WorkflowType)
	}
	if err := sm.FireCtx(ctx, req.Action); err != nil {
		return nil, errors.Join(types.ErrInternal, err)
	}

	to := t.version.WorkflowStatus
	t.version.LastModified = t.now
	t.version.LastModifiedBy = req.Actor.Username

	out := &Outcome{
		From:       from,
		To:         to,
		Version:    t.version,
		SpawnDraft: from == types.StatusPublished && req.Action == types.ActionEdit,
		History: types.WorkflowHistory{
			ID:        uuid.NewString(),
			RefsetID:  t.version.RefsetID,
			VersionID: t.version.InternalID,
			Action:    req.Action,
			Actor:     req.Actor.Username,
			Timestamp: t.now,
			Notes:     req.Notes,
			From:      from,
			To:        to,
		},
	}
	if e.observer != nil {
		e.observer.Transition(req.Action, from, to)
	}
	e.logger.Info(ctx, "Workflow transition", "refset.id", t.version.RefsetID, "version.id", t.version.InternalID, "action", req.Action, "from", from, "to", to)
	return out, nil
}

// Available lists the actions actor may fire on v right now.
func (e *Engine) Available(ctx context.Context, actor types.Actor, v *types.RefsetVersion, changed bool) ([]types.WorkflowAction, error) {
	t := &transition{
		req:     Request{Version: v, Actor: actor, Changed: changed},
		version: v.Clone(),
		now:     e.clock(),
	}
	triggers, err := t.machine().PermittedTriggersCtx(ctx)
	if err != nil {
		return nil, errors.Join(types.ErrInternal, err)
	}
	var out []types.WorkflowAction
	for _, trigger := range triggers {
		action := trigger.(types.WorkflowAction)
		if role, ok := RequiredRole(action); ok && actor.Has(role) {
			out = append(out, action)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
