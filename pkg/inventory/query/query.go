// Package query implements the search and statistics query model shared by
// every inventory resource and its translation to gorm clauses.
package query

import (
	"encoding/json"
	"fmt"
)

// Supported filter operators.
const (
	OpEq         = "eq"
	OpNot        = "not"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpContain    = "contain"
	OpNotContain = "not_contain"
	OpContainIn  = "contain_in"
	OpGt         = "gt"
	OpGte        = "gte"
	OpLt         = "lt"
	OpLte        = "lte"
	OpExists     = "exists"
)

// Condition is one filter clause. It accepts both long (key/value/operator)
// and short (k/v/o) JSON field names.
type Condition struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Operator string `json:"operator"`
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var raw struct {
		Key      *string `json:"key"`
		K        *string `json:"k"`
		Value    any     `json:"value"`
		V        any     `json:"v"`
		Operator *string `json:"operator"`
		O        *string `json:"o"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.Key != nil:
		c.Key = *raw.Key
	case raw.K != nil:
		c.Key = *raw.K
	}
	c.Value = raw.Value
	if c.Value == nil {
		c.Value = raw.V
	}
	switch {
	case raw.Operator != nil:
		c.Operator = *raw.Operator
	case raw.O != nil:
		c.Operator = *raw.O
	}
	if c.Operator == "" {
		c.Operator = OpEq
	}
	return nil
}

// Sort orders results by Key.
type Sort struct {
	Key  string `json:"key"`
	Desc bool   `json:"desc"`
}

// Page limits results. Start is 1-based; zero means the first row.
type Page struct {
	Start int `json:"start"`
	Limit int `json:"limit"`
}

// Query is a search query.
type Query struct {
	Filter   []Condition `json:"filter,omitempty"`
	FilterOr []Condition `json:"filter_or,omitempty"`
	Sort     []Sort      `json:"sort,omitempty"`
	Only     []string    `json:"only,omitempty"`
	Page     Page        `json:"page,omitempty"`
	Keyword  string      `json:"keyword,omitempty"`
}

// Clone returns a copy of q whose slices can be modified independently.
func (q Query) Clone() Query {
	out := q
	out.Filter = append([]Condition(nil), q.Filter...)
	out.FilterOr = append([]Condition(nil), q.FilterOr...)
	out.Sort = append([]Sort(nil), q.Sort...)
	out.Only = append([]string(nil), q.Only...)
	return out
}

// ToMap converts q to a generic map, for forwarding to remote services.
func (q Query) ToMap() map[string]any {
	b, err := json.Marshal(q)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Filter is a convenience constructor for a Condition.
func Filter(key, operator string, value any) Condition {
	return Condition{Key: key, Value: value, Operator: operator}
}

// StatQuery is a grouped count aggregation.
type StatQuery struct {
	Filter  []Condition `json:"filter,omitempty"`
	GroupBy []string    `json:"group_by"`
	// CountAs names the count column in each result row. Defaults to "count".
	CountAs string `json:"count_as,omitempty"`
	Sort    []Sort `json:"sort,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func valueList(v any) ([]any, error) {
	switch vals := v.(type) {
	case []any:
		return vals, nil
	case []string:
		out := make([]any, len(vals))
		for i, s := range vals {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list value, got %T", v)
	}
}
