package oplogquery

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Keywords must be upper case; lower-case "and" is an ordinary word.
var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Keyword", Pattern: `(?:AND|OR|NOT)\b`},
	{Name: "Regex", Pattern: `/(?:\\.|[^/\\])*/`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Ident", Pattern: `[^\s():"/\-][^\s():"]*`},
	{Name: "Punct", Pattern: `[():\-]`},
})

type orExpr struct {
	Terms []*andExpr `parser:"@@ ( 'OR' @@ )*"`
}

type andExpr struct {
	Terms []*notExpr `parser:"@@ ( 'AND'? @@ )*"`
}

type notExpr struct {
	Negated bool      `parser:"@( 'NOT' | '-' )?"`
	Group   *orExpr   `parser:"( '(' @@ ')'"`
	Term    *termExpr `parser:"| @@ )"`
}

type termExpr struct {
	Field  string  `parser:"( @Ident ':' )?"`
	Regex  *string `parser:"( @Regex"`
	Phrase *string `parser:"| @String"`
	Word   *string `parser:"| @Ident )"`
}

var queryParser = participle.MustBuild[orExpr](
	participle.Lexer(queryLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

// Parse parses and validates a query. fields lists the names a term may
// be scoped to; with no fields any name is accepted. A blank query
// matches everything.
func Parse(input string, fields ...string) (Query, error) {
	if strings.TrimSpace(input) == "" {
		return &And{}, nil
	}
	ast, err := queryParser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", input, err)
	}
	q := ast.query()
	if err := Validate(q, fields...); err != nil {
		return nil, err
	}
	return q, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level queries.
func MustParse(input string, fields ...string) Query {
	q, err := Parse(input, fields...)
	if err != nil {
		panic(err)
	}
	return q
}

func (e *orExpr) query() Query {
	if len(e.Terms) == 1 {
		return e.Terms[0].query()
	}
	or := &Or{Queries: make([]Query, len(e.Terms))}
	for i, t := range e.Terms {
		or.Queries[i] = t.query()
	}
	return or
}

func (e *andExpr) query() Query {
	if len(e.Terms) == 1 {
		return e.Terms[0].query()
	}
	and := &And{Queries: make([]Query, len(e.Terms))}
	for i, t := range e.Terms {
		and.Queries[i] = t.query()
	}
	return and
}

func (e *notExpr) query() Query {
	var q Query
	if e.Group != nil {
		q = e.Group.query()
	} else {
		q = e.Term.query()
	}
	if e.Negated {
		return &Not{Query: q}
	}
	return q
}

func (e *termExpr) query() Query {
	switch {
	case e.Regex != nil:
		src := strings.TrimSuffix(strings.TrimPrefix(*e.Regex, "/"), "/")
		return &Term{Field: e.Field, Kind: Regex, Value: strings.ReplaceAll(src, `\/`, "/")}
	case e.Phrase != nil:
		return &Term{Field: e.Field, Kind: Phrase, Value: *e.Phrase}
	default:
		return &Term{Field: e.Field, Kind: Word, Value: *e.Word}
	}
}

// ValidationError reports an invalid query node.
type ValidationError struct {
	Term    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query term %s: %s", e.Term, e.Message)
}

// Validate checks field names against fields (when given) and compiles
// regular expressions. It must be called on queries not built by Parse.
func Validate(q Query, fields ...string) error {
	switch q := q.(type) {
	case nil:
		return &ValidationError{Term: "<nil>", Message: "empty query node"}
	case *Term:
		if q.Field != "" && len(fields) > 0 && !slices.Contains(fields, q.Field) {
			return &ValidationError{
				Term:    q.String(),
				Message: fmt.Sprintf("unknown field %q (known: %s)", q.Field, strings.Join(fields, ", ")),
			}
		}
		if q.Kind == Regex {
			re, err := regexp.Compile(q.Value)
			if err != nil {
				return &ValidationError{Term: q.String(), Message: err.Error()}
			}
			q.re = re
		} else if q.Value == "" {
			return &ValidationError{Term: q.String(), Message: "empty term"}
		}
		return nil
	case *And:
		for _, child := range q.Queries {
			if err := Validate(child, fields...); err != nil {
				return err
			}
		}
		return nil
	case *Or:
		for _, child := range q.Queries {
			if err := Validate(child, fields...); err != nil {
				return err
			}
		}
		return nil
	case *Not:
		return Validate(q.Query, fields...)
	default:
		return &ValidationError{Term: fmt.Sprintf("%T", q), Message: "unknown query node"}
	}
}
