// Package pipeline prepares list and stat requests before they reach a
// service: tenant checks, parameter filters, keyword search and paging.
package pipeline

import (
	"context"
	"slices"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// Request is a list request on its way to a service. Params are the plain
// request parameters; FilterExpr is an optional textual filter.
type Request struct {
	Params     map[string]any
	Query      query.Query
	FilterExpr string
}

// Stage transforms a request. A stage may replace the context.
type Stage func(ctx context.Context, req *Request) (context.Context, *Request, error)

// Chain runs stages in order and stops at the first error.
func Chain(stages ...Stage) Stage {
	return func(ctx context.Context, req *Request) (context.Context, *Request, error) {
		var err error
		for _, stage := range stages {
			ctx, req, err = stage(ctx, req)
			if err != nil {
				return ctx, req, err
			}
		}
		return ctx, req, nil
	}
}

// RequireTenant rejects requests without a domain.
func RequireTenant(ctx context.Context, req *Request) (context.Context, *Request, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return ctx, req, errs.RequiredParameter("domain_id")
	}
	return ctx, req, nil
}

// AppendQueryFilter turns the set request parameters named by keys into
// query conditions. List values match any element.
func AppendQueryFilter(keys ...string) Stage {
	return func(ctx context.Context, req *Request) (context.Context, *Request, error) {
		for _, key := range keys {
			v, ok := req.Params[key]
			if !ok || v == nil || v == "" {
				continue
			}
			switch vals := v.(type) {
			case []string:
				list := make([]any, len(vals))
				for i, s := range vals {
					list[i] = s
				}
				req.Query.Filter = append(req.Query.Filter, query.Filter(key, query.OpIn, list))
			case []any:
				req.Query.Filter = append(req.Query.Filter, query.Filter(key, query.OpIn, vals))
			default:
				req.Query.Filter = append(req.Query.Filter, query.Filter(key, query.OpEq, v))
			}
		}
		return ctx, req, nil
	}
}

// AppendKeywordFilter searches the query keyword in keys. Any key may
// match.
func AppendKeywordFilter(keys ...string) Stage {
	return func(ctx context.Context, req *Request) (context.Context, *Request, error) {
		if req.Query.Keyword == "" {
			return ctx, req, nil
		}
		for _, key := range keys {
			req.Query.FilterOr = append(req.Query.FilterOr, query.Filter(key, query.OpContain, req.Query.Keyword))
		}
		req.Query.Keyword = ""
		return ctx, req, nil
	}
}

// SetPageLimit caps the page size at limit and uses it when none is set.
func SetPageLimit(limit int) Stage {
	return func(ctx context.Context, req *Request) (context.Context, *Request, error) {
		if req.Query.Page.Limit <= 0 || req.Query.Page.Limit > limit {
			req.Query.Page.Limit = limit
		}
		return ctx, req, nil
	}
}

// AppendWorkspaceWildcard widens a workspace_id parameter, or the caller's
// workspace, to also match domain-wide records.
func AppendWorkspaceWildcard(ctx context.Context, req *Request) (context.Context, *Request, error) {
	ws, _ := req.Params["workspace_id"].(string)
	if ws == "" {
		tc, _ := tenancy.TenantFromContext(ctx)
		ws = tc.WorkspaceID
	}
	if ws == "" {
		return ctx, req, nil
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	req.Params["workspace_id"] = []any{ws, "*"}
	return ctx, req, nil
}

// ParseFilterExpression appends the conditions of the textual filter.
func ParseFilterExpression(ctx context.Context, req *Request) (context.Context, *Request, error) {
	if req.FilterExpr == "" {
		return ctx, req, nil
	}
	conds, err := query.ParseFilter(req.FilterExpr)
	if err != nil {
		return ctx, req, err
	}
	req.Query.Filter = append(slices.Clone(req.Query.Filter), conds...)
	req.FilterExpr = ""
	return ctx, req, nil
}

// List is the stage chain shared by list endpoints: tenant check, textual
// filter, parameter filters, keyword search and page cap.
func List(pageLimit int, filterKeys, keywordKeys []string) Stage {
	return Chain(
		RequireTenant,
		ParseFilterExpression,
		AppendQueryFilter(filterKeys...),
		AppendKeywordFilter(keywordKeys...),
		SetPageLimit(pageLimit),
	)
}
