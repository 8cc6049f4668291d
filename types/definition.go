package types

import "io"

type ClauseType string

const (
	// ClauseInclusion results are unioned into the candidate set.
	ClauseInclusion ClauseType = "INCLUSION"
	// ClauseException results are subtracted from the union of inclusions.
	ClauseException ClauseType = "EXCEPTION"
)

// DefinitionClause is one query expression of an intensional definition.
type DefinitionClause struct {
	Value string     `json:"value" validate:"required"`
	Type  ClauseType `json:"type" validate:"required,oneof=INCLUSION EXCEPTION"`
}

type ExceptionType string

const (
	ExceptionInclude ExceptionType = "INCLUDE"
	ExceptionExclude ExceptionType = "EXCLUDE"
)

// DefinitionException is a manual override layered on the computed set.
type DefinitionException struct {
	Code string        `json:"code" validate:"required"`
	Type ExceptionType `json:"type" validate:"required,oneof=INCLUDE EXCLUDE"`
}

type Definition struct {
	Clauses    []DefinitionClause    `json:"clauses"`
	Exceptions []DefinitionException `json:"exceptions"`
}

func (d Definition) Clone() Definition {
	c := Definition{}
	if d.Clauses != nil {
		c.Clauses = append([]DefinitionClause(nil), d.Clauses...)
	}
	if d.Exceptions != nil {
		c.Exceptions = append([]DefinitionException(nil), d.Exceptions...)
	}
	return c
}

func (d Definition) Inclusions() []DefinitionClause {
	var out []DefinitionClause
	for _, c := range d.Clauses {
		if c.Type == ClauseInclusion {
			out = append(out, c)
		}
	}
	return out
}

type SourceKind string

const (
	SourceCodes SourceKind = "CODES"
	SourceQuery SourceKind = "QUERY"
	SourceFile  SourceKind = "FILE"
)

type FileFormat string

const (
	FormatDelimited FileFormat = "DELIMITED"
	FormatRF2       FileFormat = "RF2"
)

// MemberSource is where a list of codes for an add/remove job comes from.
type MemberSource struct {
	Kind   SourceKind
	Codes  string // comma separated
	Query  string
	File   io.Reader
	Format FileFormat
}

func CodesSource(codes string) MemberSource {
	return MemberSource{Kind: SourceCodes, Codes: codes}
}

func QuerySource(expression string) MemberSource {
	return MemberSource{Kind: SourceQuery, Query: expression}
}

func FileSource(r io.Reader, format FileFormat) MemberSource {
	return MemberSource{Kind: SourceFile, File: r, Format: format}
}
