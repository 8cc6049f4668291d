// Package definition turns intensional definitions and member sources into
// concrete code sets and the member writes that materialize them.
package definition

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/davidroman0O/refsetlite/internal/terminology"
	"github.com/davidroman0O/refsetlite/logger"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/go-playground/validator/v10"
)

type config struct {
	logger logger.Logger
}

type Option func(*config)

func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

type Resolver struct {
	server   terminology.Server
	validate *validator.Validate
	logger   logger.Logger
}

func New(server terminology.Server, opts ...Option) *Resolver {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewNopLogger()
	}
	return &Resolver{
		server:   server,
		validate: validator.New(),
		logger:   cfg.logger,
	}
}

// Resolution is the authoritative membership computed from a definition.
type Resolution struct {
	// Members maps every resolved code to the reason it is in the set.
	Members map[string]types.Provenance
	// Failed lists manual inclusions unknown to the terminology server.
	Failed []string
}

func (r Resolution) Codes() []string {
	codes := make([]string, 0, len(r.Members))
	for c := range r.Members {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Validate checks the shape of a definition for the given definition type.
func (r *Resolver) Validate(defType types.DefinitionType, def types.Definition) error {
	if defType != types.DefinitionIntensional {
		if len(def.Clauses) > 0 {
			return fmt.Errorf("%w: extensional refsets have no definition clauses", types.ErrValidation)
		}
		return nil
	}
	if len(def.Inclusions()) == 0 {
		return fmt.Errorf("%w: an intensional definition needs at least one inclusion clause", types.ErrValidation)
	}
	for i, c := range def.Clauses {
		if err := r.validate.Struct(c); err != nil {
			return fmt.Errorf("%w: clause %d: %v", types.ErrValidation, i, err)
		}
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("%w: clause %d is blank", types.ErrValidation, i)
		}
	}
	seen := map[string]bool{}
	for i, e := range def.Exceptions {
		if err := r.validate.Struct(e); err != nil {
			return fmt.Errorf("%w: exception %d: %v", types.ErrValidation, i, err)
		}
		if seen[e.Code] {
			return fmt.Errorf("%w: duplicate exception for %s", types.ErrValidation, e.Code)
		}
		seen[e.Code] = true
	}
	return nil
}

// Resolve evaluates def on branch: union of inclusion clauses, minus the
// exception clauses, then the manual exceptions on top.
func (r *Resolver) Resolve(ctx context.Context, branch string, defType types.DefinitionType, def types.Definition) (*Resolution, error) {
	if defType != types.DefinitionIntensional {
		return nil, fmt.Errorf("%w: only intensional refsets can be recalculated", types.ErrValidation)
	}
	if err := r.Validate(defType, def); err != nil {
		return nil, err
	}

	members := map[string]types.Provenance{}
	for _, c := range def.Clauses {
		if c.Type != types.ClauseInclusion {
			continue
		}
		codes, err := r.server.EvaluateQuery(ctx, branch, c.Value)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", c.Value, err)
		}
		for _, code := range codes {
			members[code] = types.ProvenanceDefinition
		}
	}
	for _, c := range def.Clauses {
		if c.Type != types.ClauseException {
			continue
		}
		codes, err := r.server.EvaluateQuery(ctx, branch, c.Value)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", c.Value, err)
		}
		for _, code := range codes {
			delete(members, code)
		}
	}

	res := &Resolution{Members: members}

	var includes []string
	for _, e := range def.Exceptions {
		switch e.Type {
		case types.ExceptionInclude:
			includes = append(includes, e.Code)
		case types.ExceptionExclude:
			delete(members, e.Code)
		}
	}
	if len(includes) > 0 {
		known, unknown, err := r.Check(ctx, branch, includes)
		if err != nil {
			return nil, err
		}
		for _, code := range known {
			members[code] = types.ProvenanceDefinitionException
		}
		res.Failed = unknown
	}

	r.logger.Debug(ctx, "Definition resolved", "branch", branch, "clauses", len(def.Clauses), "members", len(members), "failed", len(res.Failed))
	return res, nil
}

// Check splits codes into those active on branch and the rest.
func (r *Resolver) Check(ctx context.Context, branch string, codes []string) (known, unknown []string, err error) {
	if len(codes) == 0 {
		return nil, nil, nil
	}
	concepts, err := r.server.Concepts(ctx, branch, codes)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up concepts: %w", err)
	}
	for _, code := range codes {
		if c, ok := concepts[code]; ok && c.Active {
			known = append(known, code)
		} else {
			unknown = append(unknown, code)
		}
	}
	return known, unknown, nil
}
