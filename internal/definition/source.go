package definition

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/davidroman0O/refsetlite/types"
)

var headerNames = map[string]bool{
	"code":                  true,
	"conceptid":             true,
	"concept_id":            true,
	"conceptcode":           true,
	"referencedcomponentid": true,
}

// Codes normalizes a member source into an ordered, duplicate free code list.
func (r *Resolver) Codes(ctx context.Context, branch string, src types.MemberSource) ([]string, error) {
	var (
		codes []string
		err   error
	)
	switch src.Kind {
	case types.SourceCodes:
		codes = splitCodes(src.Codes)
	case types.SourceQuery:
		if strings.TrimSpace(src.Query) == "" {
			return nil, fmt.Errorf("%w: empty query", types.ErrValidation)
		}
		codes, err = r.server.EvaluateQuery(ctx, branch, src.Query)
	case types.SourceFile:
		if src.File == nil {
			return nil, fmt.Errorf("%w: no file", types.ErrValidation)
		}
		switch src.Format {
		case types.FormatRF2:
			codes, err = readRF2(src.File)
		case types.FormatDelimited, "":
			codes, err = readDelimited(src.File)
		default:
			return nil, fmt.Errorf("%w: unknown file format %q", types.ErrValidation, src.Format)
		}
	default:
		return nil, fmt.Errorf("%w: unknown member source %q", types.ErrValidation, src.Kind)
	}
	if err != nil {
		return nil, err
	}
	codes = dedupe(codes)
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no codes in %s source", types.ErrValidation, strings.ToLower(string(src.Kind)))
	}
	return codes, nil
}

func splitCodes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// readDelimited takes the first column of a comma, semicolon or tab
// separated file. A header row is skipped.
func readDelimited(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)
	peek, _ := br.Peek(4096)
	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(peek)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var codes []string
	for first := true; ; first = false {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return codes, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading delimited file: %v", types.ErrValidation, err)
		}
		if len(record) == 0 {
			continue
		}
		field := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if first && headerNames[strings.ToLower(field)] {
			continue
		}
		codes = append(codes, field)
	}
}

func sniffDelimiter(sample []byte) rune {
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	switch {
	case bytes.ContainsRune(line, '\t'):
		return '\t'
	case bytes.ContainsRune(line, ';'):
		return ';'
	default:
		return ','
	}
}

// readRF2 reads a simple refset release file. A snapshot or full file may
// hold several rows per component; the one with the latest effectiveTime
// decides whether it is a member.
func readRF2(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading RF2 header: %v", types.ErrValidation, err)
	}
	active, component, effective := -1, -1, -1
	for i, h := range header {
		switch strings.TrimPrefix(strings.TrimSpace(h), "\ufeff") {
		case "active":
			active = i
		case "referencedComponentId":
			component = i
		case "effectiveTime":
			effective = i
		}
	}
	if active < 0 || component < 0 {
		return nil, fmt.Errorf("%w: RF2 file needs active and referencedComponentId columns", types.ErrValidation)
	}

	type row struct {
		effectiveTime string
		active        bool
	}
	var order []string
	latest := map[string]row{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading RF2 file: %v", types.ErrValidation, err)
		}
		if len(record) <= max(active, component, effective) {
			return nil, fmt.Errorf("%w: short RF2 row %v", types.ErrValidation, record)
		}
		code := strings.TrimSpace(record[component])
		next := row{active: strings.TrimSpace(record[active]) == "1"}
		if effective >= 0 {
			next.effectiveTime = strings.TrimSpace(record[effective])
		}
		prev, seen := latest[code]
		if !seen {
			order = append(order, code)
		}
		if !seen || newerRow(next.effectiveTime, prev.effectiveTime) {
			latest[code] = next
		}
	}

	var codes []string
	for _, code := range order {
		if latest[code].active {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// newerRow orders RF2 effective times. A blank time is an unreleased change
// and wins; a later row wins a tie.
func newerRow(candidate, current string) bool {
	switch {
	case candidate == "":
		return true
	case current == "":
		return false
	}
	return candidate >= current
}
