package collectorrule

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/cloudforet-io/inventory/pkg/cache"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// conditionAliases maps condition keys kept for older rules to the fields
// they address in an asset record.
var conditionAliases = map[string]string{
	"reference.resource_id": "resource_id",
	"cloud_service_group":   "asset_group_id",
	"cloud_service_type":    "asset_type_id",
}

// Engine applies the rules of a collector to records the collector reports.
// Rule sets are cached per (domain, collector) until Invalidate is called
// or the catalog TTL passes.
type Engine struct {
	store    *Store
	identity identity.Client
	cache    *cache.LRUCache[[]Rule]
	logger   *slog.Logger
}

// NewEngine creates an Engine. A nil cfg or a disabled cache reads the
// rules on every call.
func NewEngine(store *Store, idc identity.Client, cfg *cache.CacheConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, identity: idc, logger: logger}
	if cfg != nil && cfg.Enabled {
		e.cache = cache.NewLRUCache[[]Rule](cfg.MaxSize, cfg.CatalogTTL)
	}
	return e
}

// Invalidate drops the cached rules of one collector.
func (e *Engine) Invalidate(domainID, collectorID string) {
	if e.cache != nil {
		e.cache.Invalidate(domainID + "|" + collectorID)
	}
}

func (e *Engine) rules(ctx context.Context, collectorID, domainID string) ([]Rule, error) {
	key := domainID + "|" + collectorID
	if e.cache != nil {
		if rules, ok := e.cache.Get(key); ok {
			return rules, nil
		}
	}
	rules, err := e.store.ForCollector(ctx, collectorID, domainID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, rules)
	}
	return rules, nil
}

// ChangeAssetData runs the MANAGED and then the CUSTOM rules of the
// collector against fields and returns the rewritten copy. A matching rule
// with stop_processing ends evaluation.
func (e *Engine) ChangeAssetData(ctx context.Context, collectorID, domainID string, fields map[string]any) (map[string]any, error) {
	rules, err := e.rules(ctx, collectorID, domainID)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(fields)
	for _, r := range rules {
		if !Matches(r, out) {
			continue
		}
		if err := e.apply(ctx, r, domainID, out); err != nil {
			return nil, fmt.Errorf("apply collector rule %s: %w", r.CollectorRuleID, err)
		}
		e.logger.Debug("collector rule applied", "collectorRuleID", r.CollectorRuleID, "collectorID", collectorID)
		if r.Options.Data().StopProcessing {
			break
		}
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, r Rule, domainID string, out map[string]any) error {
	a := r.Actions.Data()
	if a.ChangeProject != "" {
		out["project_id"] = a.ChangeProject
	}
	if a.MatchProject != nil {
		if err := e.matchProject(ctx, *a.MatchProject, domainID, out); err != nil {
			return err
		}
	}
	if a.MatchServiceAccount != nil {
		if err := e.matchServiceAccount(ctx, *a.MatchServiceAccount, domainID, out); err != nil {
			return err
		}
	}
	if len(a.AddAdditionalInfo) > 0 {
		data, _ := out["data"].(map[string]any)
		merged := maps.Clone(data)
		if merged == nil {
			merged = map[string]any{}
		}
		maps.Copy(merged, a.AddAdditionalInfo)
		out["data"] = merged
	}
	return nil
}

func (e *Engine) matchProject(ctx context.Context, m MatchAction, domainID string, out map[string]any) error {
	value, ok := lookup(out, m.Source)
	if !ok {
		return nil
	}
	target := m.Target
	if target == "" {
		target = "project_id"
	}
	projects, err := e.identity.ListProjects(ctx, query.Query{
		Filter: []query.Condition{query.Filter(target, query.OpEq, value)},
		Page:   query.Page{Limit: 1},
	}, domainID)
	if err != nil {
		return err
	}
	if len(projects) > 0 {
		out["project_id"] = projects[0].ProjectID
	}
	return nil
}

func (e *Engine) matchServiceAccount(ctx context.Context, m MatchAction, domainID string, out map[string]any) error {
	value, ok := lookup(out, m.Source)
	if !ok {
		return nil
	}
	target := m.Target
	if target == "" {
		target = "service_account_id"
	}
	accounts, err := e.identity.ListServiceAccounts(ctx, query.Query{
		Filter: []query.Condition{query.Filter(target, query.OpEq, value)},
		Page:   query.Page{Limit: 1},
	}, domainID)
	if err != nil {
		return err
	}
	if len(accounts) > 0 {
		out["service_account_id"] = accounts[0].ServiceAccountID
		if accounts[0].ProjectID != "" {
			out["project_id"] = accounts[0].ProjectID
		}
	}
	return nil
}

// Matches reports whether the conditions of r hold for fields.
func Matches(r Rule, fields map[string]any) bool {
	switch r.ConditionsPolicy {
	case PolicyAlways:
		return true
	case PolicyAny:
		for _, c := range r.Conditions {
			if evaluate(c, fields) {
				return true
			}
		}
		return false
	default:
		if len(r.Conditions) == 0 {
			return false
		}
		for _, c := range r.Conditions {
			if !evaluate(c, fields) {
				return false
			}
		}
		return true
	}
}

// evaluate is false whenever the key is absent, whatever the operator.
func evaluate(c Condition, fields map[string]any) bool {
	v, ok := lookup(fields, c.Key)
	if !ok {
		return false
	}
	actual := fmt.Sprint(v)
	switch c.Operator {
	case "eq":
		return actual == c.Value
	case "not":
		return actual != c.Value
	case "contain":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case "not_contain":
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	}
	return false
}

// lookup resolves a condition or match source key. Tag keys may contain
// dots, so everything after "tags." names one tag.
func lookup(fields map[string]any, key string) (any, bool) {
	if alias, ok := conditionAliases[key]; ok {
		if v, found := fields[alias]; found && v != nil {
			return v, true
		}
	}
	if tag, ok := strings.CutPrefix(key, "tags."); ok {
		tags, _ := fields["tags"].(map[string]any)
		v, found := tags[tag]
		return v, found && v != nil
	}
	var cur any = fields
	for _, seg := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
