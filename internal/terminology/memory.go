package terminology

import (
	"context"
	"fmt"
	"sort"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/sasha-s/go-deadlock"
)

type edition struct {
	concepts     map[string]Concept
	parents      map[string][]string
	children     map[string][]string
	associations map[string][]Association
}

func newEdition() *edition {
	return &edition{
		concepts:     map[string]Concept{},
		parents:      map[string][]string{},
		children:     map[string][]string{},
		associations: map[string][]Association{},
	}
}

func (e *edition) clone() *edition {
	c := newEdition()
	for k, v := range e.concepts {
		c.concepts[k] = v
	}
	for k, v := range e.parents {
		c.parents[k] = append([]string(nil), v...)
	}
	for k, v := range e.children {
		c.children[k] = append([]string(nil), v...)
	}
	for k, v := range e.associations {
		c.associations[k] = append([]Association(nil), v...)
	}
	return c
}

func (e *edition) active(code string) bool {
	c, ok := e.concepts[code]
	return ok && c.Active
}

func (e *edition) all() map[string]struct{} {
	out := map[string]struct{}{}
	for code, c := range e.concepts {
		if c.Active {
			out[code] = struct{}{}
		}
	}
	return out
}

func (e *edition) walk(start string, edges map[string][]string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var order []string
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		next := append([]string(nil), edges[code]...)
		sort.Strings(next)
		for _, n := range next {
			if seen[n] {
				continue
			}
			seen[n] = true
			order = append(order, n)
			queue = append(queue, n)
		}
	}
	return order
}

func (e *edition) activeSet(codes []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, c := range codes {
		if e.active(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

func (e *edition) descendants(code string) map[string]struct{} {
	return e.activeSet(e.walk(code, e.children))
}

func (e *edition) ancestors(code string) map[string]struct{} {
	return e.activeSet(e.walk(code, e.parents))
}

// Memory is an in-process terminology server holding one edition per branch.
type Memory struct {
	mu       deadlock.RWMutex
	editions map[string]*edition
}

func NewMemory() *Memory {
	return &Memory{editions: map[string]*edition{}}
}

func (m *Memory) edition(branch string) *edition {
	e, ok := m.editions[branch]
	if !ok {
		e = newEdition()
		m.editions[branch] = e
	}
	return e
}

// AddConcept creates or replaces a concept on branch under the given parents.
func (m *Memory) AddConcept(branch string, c Concept, parents ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.edition(branch)
	for _, p := range e.parents[c.Code] {
		e.children[p] = remove(e.children[p], c.Code)
	}
	e.concepts[c.Code] = c
	e.parents[c.Code] = append([]string(nil), parents...)
	for _, p := range parents {
		e.children[p] = append(e.children[p], c.Code)
	}
}

// Inactivate marks code inactive on branch and records its historical associations.
func (m *Memory) Inactivate(branch, code string, associations ...Association) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.edition(branch)
	c, ok := e.concepts[code]
	if !ok {
		return fmt.Errorf("%w: concept %s on %s", types.ErrNotFound, code, branch)
	}
	c.Active = false
	e.concepts[code] = c
	e.associations[code] = append(e.associations[code], associations...)
	return nil
}

// Branch copies the edition of from into to, replacing it.
func (m *Memory) Branch(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editions[to] = m.edition(from).clone()
}

func (m *Memory) EvaluateQuery(ctx context.Context, branch, ecl string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.editions[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", types.ErrNotFound, branch)
	}
	set, err := evaluate(e, ecl)
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

func (m *Memory) Concepts(ctx context.Context, branch string, codes []string) (map[string]Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.editions[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", types.ErrNotFound, branch)
	}
	out := make(map[string]Concept, len(codes))
	for _, code := range codes {
		if c, ok := e.concepts[code]; ok {
			out[code] = c
		}
	}
	return out, nil
}

func (m *Memory) HistoricalAssociations(ctx context.Context, branch, code string) ([]Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.editions[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", types.ErrNotFound, branch)
	}
	return append([]Association(nil), e.associations[code]...), nil
}

func (m *Memory) Ancestors(ctx context.Context, branch, code string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.editions[branch]
	if !ok {
		return nil, fmt.Errorf("%w: branch %s", types.ErrNotFound, branch)
	}
	return e.walk(code, e.parents), nil
}

func remove(codes []string, code string) []string {
	out := codes[:0]
	for _, c := range codes {
		if c != code {
			out = append(out, c)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Server = (*Memory)(nil)
