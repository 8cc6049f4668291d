package terminology

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/davidroman0O/refsetlite/types"
)

// The supported expression subset:
//
//	expr  := term (("AND" | "OR" | "MINUS") term)*
//	term  := "*" | ["<" | "<<" | ">" | ">>"] code ["|" text "|"] | "(" expr ")"
//
// Binary operators associate to the left.

type tokenKind int

const (
	tokCode tokenKind = iota
	tokOp
	tokWildcard
	tokOpen
	tokClose
	tokAnd
	tokOr
	tokMinus
	tokEOF
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

func tokenize(ecl string) ([]token, error) {
	var tokens []token
	r := []rune(ecl)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '|':
			end := i + 1
			for end < len(r) && r[end] != '|' {
				end++
			}
			if end == len(r) {
				return nil, fmt.Errorf("%w: unterminated term at %d", types.ErrValidation, i)
			}
			i = end + 1
		case c == '<' || c == '>':
			op := string(c)
			if i+1 < len(r) && r[i+1] == c {
				op += string(c)
			}
			tokens = append(tokens, token{kind: tokOp, value: op, pos: i})
			i += len(op)
		case c == '*':
			tokens = append(tokens, token{kind: tokWildcard, pos: i})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokOpen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokClose, pos: i})
			i++
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			start := i
			for i < len(r) && (unicode.IsLetter(r[i]) || unicode.IsDigit(r[i]) || r[i] == '-' || r[i] == '_' || r[i] == '.') {
				i++
			}
			word := string(r[start:i])
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{kind: tokAnd, pos: start})
			case "OR":
				tokens = append(tokens, token{kind: tokOr, pos: start})
			case "MINUS":
				tokens = append(tokens, token{kind: tokMinus, pos: start})
			default:
				tokens = append(tokens, token{kind: tokCode, value: word, pos: start})
			}
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", types.ErrValidation, c, i)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(r)}), nil
}

// graph is what an expression is evaluated against.
type graph interface {
	all() map[string]struct{}
	descendants(code string) map[string]struct{}
	ancestors(code string) map[string]struct{}
	active(code string) bool
}

type parser struct {
	tokens []token
	pos    int
	g      graph
}

func evaluate(g graph, ecl string) (map[string]struct{}, error) {
	if strings.TrimSpace(ecl) == "" {
		return nil, fmt.Errorf("%w: empty expression", types.ErrValidation)
	}
	tokens, err := tokenize(ecl)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, g: g}
	set, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected token at %d", types.ErrValidation, p.peek().pos)
	}
	return set, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr() (map[string]struct{}, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek().kind
		if op != tokAnd && op != tokOr && op != tokMinus {
			return left, nil
		}
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = combine(op, left, right)
	}
}

func combine(op tokenKind, left, right map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	switch op {
	case tokAnd:
		for c := range left {
			if _, ok := right[c]; ok {
				out[c] = struct{}{}
			}
		}
	case tokOr:
		for c := range left {
			out[c] = struct{}{}
		}
		for c := range right {
			out[c] = struct{}{}
		}
	case tokMinus:
		for c := range left {
			if _, ok := right[c]; !ok {
				out[c] = struct{}{}
			}
		}
	}
	return out
}

func (p *parser) term() (map[string]struct{}, error) {
	t := p.next()
	switch t.kind {
	case tokWildcard:
		return p.g.all(), nil
	case tokOpen:
		set, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokClose {
			return nil, fmt.Errorf("%w: missing ')' for '(' at %d", types.ErrValidation, t.pos)
		}
		return set, nil
	case tokOp:
		code := p.next()
		if code.kind != tokCode {
			return nil, fmt.Errorf("%w: expected a code after %q at %d", types.ErrValidation, t.value, t.pos)
		}
		return p.constrain(t.value, code.value), nil
	case tokCode:
		out := map[string]struct{}{}
		if p.g.active(t.value) {
			out[t.value] = struct{}{}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token at %d", types.ErrValidation, t.pos)
	}
}

func (p *parser) constrain(op, code string) map[string]struct{} {
	var set map[string]struct{}
	switch op {
	case "<", "<<":
		set = p.g.descendants(code)
	default:
		set = p.g.ancestors(code)
	}
	if (op == "<<" || op == ">>") && p.g.active(code) {
		set[code] = struct{}{}
	}
	return set
}
