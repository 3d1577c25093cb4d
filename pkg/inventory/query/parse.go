package query

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

// Filter expressions are the compact form accepted in URL query strings:
//
//	provider = "aws" and state in ("ACTIVE", "DISCONNECTED") and data.size > 10

type filterExpr struct {
	Terms []*filterTerm `parser:"@@ ( 'and' @@ )*"`
}

type filterTerm struct {
	Key   string       `parser:"@Ident"`
	Op    string       `parser:"@( 'not_contains' | 'contains' | 'not_in' | 'in' | '!=' | '>=' | '<=' | '=' | '>' | '<' )"`
	Value *filterValue `parser:"@@"`
}

type filterValue struct {
	List   []*filterScalar `parser:"  '(' ( @@ ( ',' @@ )* )? ')'"`
	Scalar *filterScalar   `parser:"| @@"`
}

type filterScalar struct {
	String *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	Bool   *string  `parser:"| @( 'true' | 'false' )"`
	Null   bool     `parser:"| @'null'"`
	Ident  *string  `parser:"| @Ident"`
}

func (s *filterScalar) value() any {
	switch {
	case s.String != nil:
		return *s.String
	case s.Number != nil:
		return *s.Number
	case s.Bool != nil:
		b, _ := strconv.ParseBool(strings.ToLower(*s.Bool))
		return b
	case s.Null:
		return nil
	case s.Ident != nil:
		return *s.Ident
	}
	return nil
}

var (
	filterLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "String", Pattern: `"(?:\\.|[^"])*"|'(?:\\.|[^'])*'`},
		{Name: "Number", Pattern: `[-+]?\d+(?:\.\d+)?`},
		{Name: "Op", Pattern: `!=|>=|<=|=|>|<`},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_\-.:]*`},
		{Name: "Punct", Pattern: `[(),]`},
		{Name: "Whitespace", Pattern: `\s+`},
	})

	filterParser = participle.MustBuild[filterExpr](
		participle.Lexer(filterLexer),
		participle.CaseInsensitive("Ident"),
		participle.Unquote("String"),
		participle.Elide("Whitespace"),
		participle.UseLookahead(2),
	)
)

var filterOps = map[string]string{
	"=":            OpEq,
	"!=":           OpNot,
	">":            OpGt,
	">=":           OpGte,
	"<":            OpLt,
	"<=":           OpLte,
	"in":           OpIn,
	"not_in":       OpNotIn,
	"contains":     OpContain,
	"not_contains": OpNotContain,
}

// ParseFilter parses a filter expression into conditions. An empty
// expression yields no conditions.
func ParseFilter(expr string) ([]Condition, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	parsed, err := filterParser.ParseString("", expr)
	if err != nil {
		return nil, errs.InvalidParameter("filter", err.Error())
	}

	out := make([]Condition, 0, len(parsed.Terms))
	for _, term := range parsed.Terms {
		op := filterOps[strings.ToLower(term.Op)]
		cond := Condition{Key: term.Key, Operator: op}
		switch {
		case term.Value.Scalar != nil:
			if op == OpIn || op == OpNotIn {
				cond.Value = []any{term.Value.Scalar.value()}
			} else {
				cond.Value = term.Value.Scalar.value()
			}
		default:
			if op != OpIn && op != OpNotIn {
				return nil, errs.InvalidParameter("filter", "list values require in or not_in: "+term.Key)
			}
			vals := make([]any, 0, len(term.Value.List))
			for _, s := range term.Value.List {
				vals = append(vals, s.value())
			}
			cond.Value = vals
		}
		out = append(out, cond)
	}
	return out, nil
}
