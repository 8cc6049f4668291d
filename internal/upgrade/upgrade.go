// Package upgrade finds members that became inactive in a newer edition and
// ranks replacement candidates for them.
package upgrade

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/davidroman0O/refsetlite/internal/definition"
	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"golang.org/x/sync/errgroup"
)

type config struct {
	preference    []types.AssociationType
	ancestorLimit int
	parallelism   int
	logger        logger.Logger
}

type Option func(*config)

// WithPreference overrides the association ranking, best first.
func WithPreference(p ...types.AssociationType) Option {
	return func(c *config) {
		c.preference = p
	}
}

// WithAncestorLimit caps the ancestor suggestions offered when no association target is active.
func WithAncestorLimit(n int) Option {
	return func(c *config) {
		c.ancestorLimit = n
	}
}

func WithParallelism(n int) Option {
	return func(c *config) {
		c.parallelism = n
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

type Engine struct {
	server        terminology.Server
	rank          map[types.AssociationType]int
	ancestorLimit int
	parallelism   int
	logger        logger.Logger
}

func New(server terminology.Server, opts ...Option) *Engine {
	cfg := config{
		preference:    types.DefaultAssociationPreference(),
		ancestorLimit: 3,
		parallelism:   8,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}
	rank := make(map[types.AssociationType]int, len(cfg.preference))
	for i, a := range cfg.preference {
		if _, ok := rank[a]; !ok {
			rank[a] = i
		}
	}
	if _, ok := rank[types.AssociationAncestor]; !ok {
		rank[types.AssociationAncestor] = len(cfg.preference)
	}
	return &Engine{
		server:        server,
		rank:          rank,
		ancestorLimit: cfg.ancestorLimit,
		parallelism:   max(cfg.parallelism, 1),
		logger:        cfg.logger,
	}
}

// Request describes one version to compile.
type Request struct {
	VersionID    types.VersionID
	SourceBranch string
	TargetBranch string
	Members      []types.RefsetMember
}

// Compile returns one record per active member that is inactive, or gone,
// in the target branch.
func (e *Engine) Compile(ctx context.Context, req Request) ([]types.UpgradeInactiveConcept, error) {
	codes := types.ActiveCodes(req.Members)
	if len(codes) == 0 {
		return nil, nil
	}
	concepts, err := e.server.Concepts(ctx, req.TargetBranch, codes)
	if err != nil {
		return nil, fmt.Errorf("looking up members on %s: %w", req.TargetBranch, err)
	}

	var inactive []string
	for _, code := range codes {
		if c, ok := concepts[code]; !ok || !c.Active {
			inactive = append(inactive, code)
		}
	}
	if len(inactive) == 0 {
		return nil, nil
	}

	records := make([]types.UpgradeInactiveConcept, len(inactive))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, code := range inactive {
		g.Go(func() error {
			replacements, err := e.candidates(gctx, req, code)
			if err != nil {
				return err
			}
			records[i] = types.UpgradeInactiveConcept{
				RefsetInternalID: req.VersionID,
				Code:             code,
				Name:             concepts[code].Term,
				TargetBranch:     req.TargetBranch,
				Replacements:     replacements,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "Upgrade compiled", "version.id", req.VersionID, "target", req.TargetBranch, "members", len(codes), "inactive", len(records))
	return records, nil
}

func (e *Engine) candidates(ctx context.Context, req Request, code string) ([]types.UpgradeReplacementConcept, error) {
	associations, err := e.server.HistoricalAssociations(ctx, req.TargetBranch, code)
	if err != nil {
		return nil, fmt.Errorf("associations of %s: %w", code, err)
	}
	var proposed []types.UpgradeReplacementConcept
	for _, a := range associations {
		rank, ok := e.rank[a.Type]
		if !ok {
			continue
		}
		proposed = append(proposed, types.UpgradeReplacementConcept{Code: a.Target, Association: a.Type, Rank: rank})
	}
	out, err := e.keepActive(ctx, req.TargetBranch, proposed)
	if err != nil {
		return nil, err
	}
	if len(out) > 0 || e.ancestorLimit <= 0 {
		return out, nil
	}

	ancestors, err := e.server.Ancestors(ctx, req.SourceBranch, code)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", code, err)
	}
	proposed = proposed[:0]
	for _, a := range ancestors {
		proposed = append(proposed, types.UpgradeReplacementConcept{Code: a, Association: types.AssociationAncestor, Rank: e.rank[types.AssociationAncestor]})
	}
	out, err = e.keepActive(ctx, req.TargetBranch, proposed)
	if err != nil {
		return nil, err
	}
	if len(out) > e.ancestorLimit {
		out = out[:e.ancestorLimit]
	}
	return out, nil
}

// keepActive drops inactive targets and duplicates, keeping the best rank.
// The input order breaks ties.
func (e *Engine) keepActive(ctx context.Context, branch string, proposed []types.UpgradeReplacementConcept) ([]types.UpgradeReplacementConcept, error) {
	if len(proposed) == 0 {
		return nil, nil
	}
	codes := make([]string, 0, len(proposed))
	for _, p := range proposed {
		codes = append(codes, p.Code)
	}
	concepts, err := e.server.Concepts(ctx, branch, codes)
	if err != nil {
		return nil, fmt.Errorf("looking up candidates on %s: %w", branch, err)
	}

	best := map[string]int{}
	var out []types.UpgradeReplacementConcept
	for _, p := range proposed {
		c, ok := concepts[p.Code]
		if !ok || !c.Active {
			continue
		}
		p.Name = c.Term
		if i, seen := best[p.Code]; seen {
			if p.Rank < out[i].Rank {
				out[i] = p
			}
			continue
		}
		best[p.Code] = len(out)
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Replacement picks the code that replaces c: the manual choice when given,
// otherwise the best suggestion.
func Replacement(c types.UpgradeInactiveConcept, manual string) (string, error) {
	if manual != "" {
		return manual, nil
	}
	if s := c.Suggested(); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%w: no replacement for %s", types.ErrValidation, c.Code)
}

// AcceptPlan inactivates c and activates replacement, touching only those two codes.
func AcceptPlan(current []types.RefsetMember, c types.UpgradeInactiveConcept, replacement string, target definition.Target) definition.Plan {
	return definition.Materialize(current,
		definition.Desired([]string{replacement}, types.ProvenanceUpgrade),
		[]string{c.Code, replacement},
		target)
}

// RemovePlan inactivates c without a replacement.
func RemovePlan(current []types.RefsetMember, c types.UpgradeInactiveConcept, target definition.Target) definition.Plan {
	return definition.Materialize(current, nil, []string{c.Code}, target)
}

// AcceptAllPlan applies every suggestion. Concepts without one are returned as skipped.
func AcceptAllPlan(current []types.RefsetMember, concepts []types.UpgradeInactiveConcept, target definition.Target) (definition.Plan, []types.UpgradeInactiveConcept, []string) {
	desired := map[string]types.Provenance{}
	var (
		scope    []string
		accepted []types.UpgradeInactiveConcept
		skipped  []string
	)
	for _, c := range concepts {
		replacement := c.Suggested()
		if replacement == "" {
			skipped = append(skipped, c.Code)
			continue
		}
		desired[replacement] = types.ProvenanceUpgrade
		scope = append(scope, c.Code, replacement)
		accepted = append(accepted, c)
	}
	// a replacement may itself be an inactive member of another record
	for _, c := range accepted {
		delete(desired, c.Code)
	}
	if len(scope) == 0 {
		return definition.Plan{}, nil, skipped
	}
	return definition.Materialize(current, desired, scope, target), accepted, skipped
}

// RemoveAllPlan inactivates every recorded concept.
func RemoveAllPlan(current []types.RefsetMember, concepts []types.UpgradeInactiveConcept, target definition.Target) definition.Plan {
	scope := make([]string, 0, len(concepts))
	for _, c := range concepts {
		scope = append(scope, c.Code)
	}
	if len(scope) == 0 {
		return definition.Plan{}
	}
	return definition.Materialize(current, nil, scope, target)
}

// Find returns the record for code.
func Find(concepts []types.UpgradeInactiveConcept, code string) (types.UpgradeInactiveConcept, error) {
	i := slices.IndexFunc(concepts, func(c types.UpgradeInactiveConcept) bool { return c.Code == code })
	if i < 0 {
		return types.UpgradeInactiveConcept{}, fmt.Errorf("%w: no upgrade record for %s", types.ErrNotFound, code)
	}
	return concepts[i], nil
}
