package oplogquery

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Query is a node of a parsed search query.
//
// This is a sealed interface - only types in this package implement it.
//
// Query types:
//   - Term: a word, phrase or regular expression, optionally field-scoped
//   - And: every child matches
//   - Or: at least one child matches
//   - Not: the child does not match
type Query interface {
	queryNode() // Marker method - seals interface to this package
	String() string
}

// TermKind selects how a Term compares against field values.
type TermKind int

const (
	// Word is a bare token.
	Word TermKind = iota
	// Phrase is a double-quoted string.
	Phrase
	// Regex is a /slash-delimited/ regular expression.
	Regex
)

func (k TermKind) String() string {
	switch k {
	case Word:
		return "word"
	case Phrase:
		return "phrase"
	case Regex:
		return "regex"
	default:
		return fmt.Sprintf("term(%d)", int(k))
	}
}

// Term matches a single value.
//
// An empty Field searches every field of the document. Value holds the
// word, the unquoted phrase, or the regular expression source without its
// slashes.
type Term struct {
	Field string
	Kind  TermKind
	Value string

	re *regexp.Regexp // compiled by Validate for Regex terms
}

func (*Term) queryNode() {}

func (t *Term) String() string {
	var v string
	switch t.Kind {
	case Phrase:
		v = strconv.Quote(t.Value)
	case Regex:
		v = "/" + strings.ReplaceAll(t.Value, "/", `\/`) + "/"
	default:
		v = t.Value
	}
	if t.Field != "" {
		return t.Field + ":" + v
	}
	return v
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Queries []Query
}

func (*And) queryNode() {}

func (a *And) String() string { return join(a.Queries, " AND ") }

// Or matches when at least one child matches. An empty Or matches nothing.
type Or struct {
	Queries []Query
}

func (*Or) queryNode() {}

func (o *Or) String() string { return join(o.Queries, " OR ") }

// Not inverts its child.
type Not struct {
	Query Query
}

func (*Not) queryNode() {}

func (n *Not) String() string { return "NOT " + wrap(n.Query) }

func join(qs []Query, sep string) string {
	parts := make([]string, len(qs))
	for i, q := range qs {
		parts[i] = wrap(q)
	}
	return strings.Join(parts, sep)
}

func wrap(q Query) string {
	switch q.(type) {
	case *And, *Or:
		return "(" + q.String() + ")"
	default:
		return q.String()
	}
}

// Document is something a query can be evaluated against.
type Document interface {
	// FieldValues returns the values of a named field. Unknown fields and
	// fields without a value return nil.
	FieldValues(field string) []string

	// AllValues returns every value searched by an unscoped term.
	AllValues() []string
}

// Matches evaluates q against doc.
//
// q must have been returned by Parse or passed through Validate; an
// unvalidated regular expression term never matches.
func Matches(q Query, doc Document) bool {
	switch q := q.(type) {
	case *Term:
		values := doc.AllValues()
		if q.Field != "" {
			values = doc.FieldValues(q.Field)
		}
		for _, v := range values {
			if q.match(v) {
				return true
			}
		}
		return false
	case *And:
		for _, child := range q.Queries {
			if !Matches(child, doc) {
				return false
			}
		}
		return true
	case *Or:
		for _, child := range q.Queries {
			if Matches(child, doc) {
				return true
			}
		}
		return false
	case *Not:
		return !Matches(q.Query, doc)
	default:
		return false
	}
}

func (t *Term) match(value string) bool {
	switch t.Kind {
	case Regex:
		return t.re != nil && t.re.MatchString(value)
	default:
		return containsFold(value, t.Value)
	}
}

// containsFold reports whether substr is within s, ignoring case.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
