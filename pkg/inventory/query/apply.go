package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
)

var (
	pathSegmentRe = regexp.MustCompile(`^[A-Za-z0-9_\-:@/]+$`)
	identifierRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Schema maps query keys of one resource to its storage columns.
type Schema struct {
	// PrimaryKey is always selected when a projection is requested.
	PrimaryKey string
	// Columns maps a query key to a plain column.
	Columns map[string]string
	// JSONColumns maps a key prefix to a JSON column; "data.vpc" addresses
	// the "vpc" member of the column mapped by "data".
	JSONColumns map[string]string
	// DefaultSort is applied when a query carries no sort.
	DefaultSort []Sort
}

type target struct {
	column string
	path   []string
}

func (t target) isJSON() bool { return len(t.path) > 0 }

func (s Schema) resolve(key string) (target, error) {
	if col, ok := s.Columns[key]; ok {
		return target{column: col}, nil
	}
	if col, ok := s.JSONColumns[key]; ok {
		return target{column: col}, nil
	}
	prefix, rest, found := strings.Cut(key, ".")
	if col, ok := s.JSONColumns[prefix]; ok && found && rest != "" {
		path := strings.Split(rest, ".")
		for _, seg := range path {
			if !pathSegmentRe.MatchString(seg) {
				return target{}, errs.InvalidParameter("query", fmt.Sprintf("invalid key segment %q in %s", seg, key))
			}
		}
		return target{column: col, path: path}, nil
	}
	return target{}, errs.InvalidParameter("query", fmt.Sprintf("unsupported key: %s", key))
}

func (s Schema) isJSONColumn(col string) bool {
	for _, c := range s.JSONColumns {
		if c == col {
			return true
		}
	}
	return false
}

// Apply adds q's filter, sort and projection to db. Paging is not applied.
func Apply(db *gorm.DB, q Query, s Schema) (*gorm.DB, error) {
	db, err := ApplyFilter(db, q, s)
	if err != nil {
		return nil, err
	}
	db, err = applySort(db, q.Sort, s)
	if err != nil {
		return nil, err
	}
	return applyOnly(db, q.Only, s)
}

// ApplyFilter adds q's Filter (AND) and FilterOr (OR) conditions to db.
func ApplyFilter(db *gorm.DB, q Query, s Schema) (*gorm.DB, error) {
	dialect := db.Dialector.Name()
	for _, c := range q.Filter {
		expr, err := s.conditionExpr(dialect, c)
		if err != nil {
			return nil, err
		}
		db = db.Where(expr)
	}
	if len(q.FilterOr) > 0 {
		exprs := make([]clause.Expression, 0, len(q.FilterOr))
		for _, c := range q.FilterOr {
			expr, err := s.conditionExpr(dialect, c)
			if err != nil {
				return nil, err
			}
			exprs = append(exprs, expr)
		}
		db = db.Where(clause.Or(exprs...))
	}
	return db, nil
}

func (s Schema) conditionExpr(dialect string, c Condition) (clause.Expression, error) {
	t, err := s.resolve(c.Key)
	if err != nil {
		return nil, err
	}
	op := c.Operator
	if op == "" {
		op = OpEq
	}

	if t.isJSON() {
		switch op {
		case OpEq:
			if c.Value != nil {
				return datatypes.JSONQuery(t.column).Equals(c.Value, t.path...), nil
			}
		case OpExists:
			exists, _ := c.Value.(bool)
			if exists {
				return datatypes.JSONQuery(t.column).HasKey(t.path...), nil
			}
		}
	}

	lhs := s.columnSQL(dialect, t)
	switch op {
	case OpEq:
		if c.Value == nil {
			return clause.Expr{SQL: lhs + " IS NULL"}, nil
		}
		return clause.Expr{SQL: lhs + " = ?", Vars: []any{c.Value}}, nil
	case OpNot:
		if c.Value == nil {
			return clause.Expr{SQL: lhs + " IS NOT NULL"}, nil
		}
		return clause.Expr{SQL: lhs + " <> ?", Vars: []any{c.Value}}, nil
	case OpIn, OpNotIn:
		vals, err := valueList(c.Value)
		if err != nil {
			return nil, errs.InvalidParameter("query.filter."+c.Key, err.Error())
		}
		sqlOp := " IN ?"
		if op == OpNotIn {
			sqlOp = " NOT IN ?"
		}
		return clause.Expr{SQL: lhs + sqlOp, Vars: []any{vals}}, nil
	case OpContain, OpNotContain:
		sqlOp := " LIKE ?"
		if op == OpNotContain {
			sqlOp = " NOT LIKE ?"
		}
		return clause.Expr{SQL: "LOWER(" + s.textSQL(dialect, t, lhs) + ")" + sqlOp, Vars: []any{likePattern(c.Value)}}, nil
	case OpContainIn:
		vals, err := valueList(c.Value)
		if err != nil {
			return nil, errs.InvalidParameter("query.filter."+c.Key, err.Error())
		}
		if len(vals) == 0 {
			return clause.Expr{SQL: "1 = 0"}, nil
		}
		parts := make([]string, len(vals))
		vars := make([]any, len(vals))
		text := "LOWER(" + s.textSQL(dialect, t, lhs) + ")"
		for i, v := range vals {
			parts[i] = text + " LIKE ?"
			vars[i] = likePattern(v)
		}
		return clause.Expr{SQL: "(" + strings.Join(parts, " OR ") + ")", Vars: vars}, nil
	case OpGt:
		return clause.Expr{SQL: lhs + " > ?", Vars: []any{c.Value}}, nil
	case OpGte:
		return clause.Expr{SQL: lhs + " >= ?", Vars: []any{c.Value}}, nil
	case OpLt:
		return clause.Expr{SQL: lhs + " < ?", Vars: []any{c.Value}}, nil
	case OpLte:
		return clause.Expr{SQL: lhs + " <= ?", Vars: []any{c.Value}}, nil
	case OpExists:
		if exists, _ := c.Value.(bool); exists {
			return clause.Expr{SQL: lhs + " IS NOT NULL"}, nil
		}
		return clause.Expr{SQL: lhs + " IS NULL"}, nil
	default:
		return nil, errs.InvalidParameter("query.filter."+c.Key, fmt.Sprintf("unsupported operator %q", op))
	}
}

// columnSQL renders a column or a JSON member extraction for the dialect.
// Column names come from the schema and path segments are validated.
func (s Schema) columnSQL(dialect string, t target) string {
	if !t.isJSON() {
		return t.column
	}
	switch dialect {
	case "postgres":
		return fmt.Sprintf("(%s #>> '{%s}')", t.column, strings.Join(t.path, ","))
	case "mysql":
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, '%s'))", t.column, jsonPath(t.path))
	default:
		return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", t.column, jsonPath(t.path))
	}
}

func (s Schema) textSQL(dialect string, t target, lhs string) string {
	if t.isJSON() || !s.isJSONColumn(t.column) {
		return lhs
	}
	if dialect == "mysql" {
		return "CAST(" + lhs + " AS CHAR)"
	}
	return "CAST(" + lhs + " AS TEXT)"
}

func jsonPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String()
}

func likePattern(v any) string {
	return "%" + strings.ToLower(fmt.Sprint(v)) + "%"
}

func applySort(db *gorm.DB, sorts []Sort, s Schema) (*gorm.DB, error) {
	if len(sorts) == 0 {
		sorts = s.DefaultSort
	}
	dialect := db.Dialector.Name()
	for _, srt := range sorts {
		t, err := s.resolve(srt.Key)
		if err != nil {
			return nil, err
		}
		if t.isJSON() {
			db = db.Order(clause.Expr{SQL: s.columnSQL(dialect, t) + direction(srt.Desc)})
			continue
		}
		db = db.Order(clause.OrderByColumn{Column: clause.Column{Name: t.column}, Desc: srt.Desc})
	}
	return db, nil
}

func direction(desc bool) string {
	if desc {
		return " DESC"
	}
	return " ASC"
}

func applyOnly(db *gorm.DB, only []string, s Schema) (*gorm.DB, error) {
	if len(only) == 0 {
		return db, nil
	}
	seen := map[string]bool{}
	cols := make([]string, 0, len(only)+1)
	if s.PrimaryKey != "" {
		cols = append(cols, s.PrimaryKey)
		seen[s.PrimaryKey] = true
	}
	for _, key := range only {
		t, err := s.resolve(key)
		if err != nil {
			return nil, err
		}
		if !seen[t.column] {
			cols = append(cols, t.column)
			seen[t.column] = true
		}
	}
	return db.Select(cols), nil
}

// Paginate applies p to db. Start is 1-based.
func Paginate(db *gorm.DB, p Page) *gorm.DB {
	if p.Limit > 0 {
		db = db.Limit(p.Limit)
	}
	if p.Start > 1 {
		db = db.Offset(p.Start - 1)
	}
	return db
}

// Find runs q against the table of T and returns one page of rows together
// with the total number of rows matching the filter.
func Find[T any](ctx context.Context, db *gorm.DB, q Query, s Schema) ([]T, int64, error) {
	var model T
	base := db.WithContext(ctx).Model(&model)

	filtered, err := ApplyFilter(base, q, s)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := filtered.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	full, err := Apply(db.WithContext(ctx).Model(&model), q, s)
	if err != nil {
		return nil, 0, err
	}
	var rows []T
	if err := Paginate(full, q.Page).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("find rows: %w", err)
	}
	return rows, total, nil
}

// Stat runs a grouped count over the table of model.
func Stat(ctx context.Context, db *gorm.DB, model any, sq StatQuery, s Schema) ([]map[string]any, error) {
	countAs := sq.CountAs
	if countAs == "" {
		countAs = "count"
	}
	if !identifierRe.MatchString(countAs) {
		return nil, errs.InvalidParameter("query.count_as", "must be an identifier")
	}

	groupCols := make([]string, 0, len(sq.GroupBy))
	for _, key := range sq.GroupBy {
		t, err := s.resolve(key)
		if err != nil {
			return nil, err
		}
		if t.isJSON() {
			return nil, errs.InvalidParameter("query.group_by", fmt.Sprintf("cannot group by nested key %s", key))
		}
		groupCols = append(groupCols, t.column)
	}

	tx, err := ApplyFilter(db.WithContext(ctx).Model(model), Query{Filter: sq.Filter}, s)
	if err != nil {
		return nil, err
	}

	selectCols := append(append([]string(nil), groupCols...), "COUNT(*) AS "+countAs)
	tx = tx.Select(strings.Join(selectCols, ", "))
	if len(groupCols) > 0 {
		tx = tx.Group(strings.Join(groupCols, ", "))
	}
	for _, srt := range sq.Sort {
		if srt.Key == countAs {
			tx = tx.Order(countAs + direction(srt.Desc))
			continue
		}
		t, err := s.resolve(srt.Key)
		if err != nil || t.isJSON() {
			return nil, errs.InvalidParameter("query.sort", fmt.Sprintf("unsupported key: %s", srt.Key))
		}
		tx = tx.Order(t.column + direction(srt.Desc))
	}
	if sq.Limit > 0 {
		tx = tx.Limit(sq.Limit)
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("stat rows: %w", err)
	}
	return rows, nil
}
