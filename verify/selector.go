package verify

import (
	"fmt"
	"strings"

	"github.com/predicatelabs/predicate-go/snapshot"
)

// The selector grammar is a space-separated list of field predicates:
//
//	role=button
//	role=button text~'continue'
//	role=textbox name~'email'
//
// `=` matches exactly; `~` matches case-insensitive containment. Values may
// be single- or double-quoted to include spaces.

type selectorOp int

const (
	opExact selectorOp = iota
	opContains
)

type selectorClause struct {
	field string
	op    selectorOp
	value string
}

// Selector is a parsed selector expression.
type Selector struct {
	raw     string
	clauses []selectorClause
}

// ParseSelector parses a selector expression.
func ParseSelector(expr string) (*Selector, error) {
	tokens, err := tokenizeSelector(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty selector %q", expr)
	}

	sel := &Selector{raw: expr}
	for _, tok := range tokens {
		var op selectorOp
		var idx int
		if i := strings.IndexAny(tok, "=~"); i > 0 {
			if tok[i] == '=' {
				op = opExact
			} else {
				op = opContains
			}
			idx = i
		} else {
			return nil, fmt.Errorf("invalid selector clause %q in %q", tok, expr)
		}
		field := strings.ToLower(strings.TrimSpace(tok[:idx]))
		value := unquote(strings.TrimSpace(tok[idx+1:]))
		switch field {
		case "role", "text", "name", "href", "value", "input_type":
		default:
			return nil, fmt.Errorf("unknown selector field %q in %q", field, expr)
		}
		sel.clauses = append(sel.clauses, selectorClause{field: field, op: op, value: value})
	}
	return sel, nil
}

// tokenizeSelector splits on spaces while honoring quoted values.
func tokenizeSelector(expr string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in selector %q", expr)
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// String returns the original expression.
func (s *Selector) String() string { return s.raw }

func elementField(el *snapshot.Element, field string) string {
	switch field {
	case "role":
		return el.Role
	case "text":
		return el.Text
	case "name":
		return el.Name
	case "href":
		return el.Href
	case "value":
		if el.Value != nil {
			return *el.Value
		}
		return ""
	case "input_type":
		return el.InputType
	}
	return ""
}

// Matches reports whether the element satisfies every clause.
func (s *Selector) Matches(el *snapshot.Element) bool {
	for _, c := range s.clauses {
		got := elementField(el, c.field)
		switch c.op {
		case opExact:
			if got != c.value {
				return false
			}
		case opContains:
			if !strings.Contains(strings.ToLower(got), strings.ToLower(c.value)) {
				return false
			}
		}
	}
	return true
}

// FindFirst walks the snapshot's elements in order and returns the first
// match.
func (s *Selector) FindFirst(snap *snapshot.Snapshot) (*snapshot.Element, bool) {
	if snap == nil {
		return nil, false
	}
	for i := range snap.Elements {
		if s.Matches(&snap.Elements[i]) {
			return &snap.Elements[i], true
		}
	}
	return nil, false
}

// FindAll returns every matching element in snapshot order.
func (s *Selector) FindAll(snap *snapshot.Snapshot) []*snapshot.Element {
	if snap == nil {
		return nil
	}
	var out []*snapshot.Element
	for i := range snap.Elements {
		if s.Matches(&snap.Elements[i]) {
			out = append(out, &snap.Elements[i])
		}
	}
	return out
}
