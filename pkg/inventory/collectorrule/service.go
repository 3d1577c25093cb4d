package collectorrule

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/identity"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

var (
	conditionKeys = mapset.NewThreadUnsafeSet(
		"provider",
		"cloud_service_group",
		"cloud_service_type",
		"region_code",
		"account",
		"reference.resource_id",
	)
	conditionOperators = mapset.NewThreadUnsafeSet("eq", "contain", "not", "not_contain")
)

// CreateRequest holds the fields of a new CUSTOM rule.
type CreateRequest struct {
	CollectorID      string           `json:"collector_id" validate:"required"`
	Name             string           `json:"name"`
	Conditions       []Condition      `json:"conditions"`
	ConditionsPolicy ConditionsPolicy `json:"conditions_policy" validate:"required,oneof=ALL ANY ALWAYS"`
	Actions          Actions          `json:"actions"`
	Options          Options          `json:"options"`
	Tags             map[string]any   `json:"tags"`
	ResourceGroup    ResourceGroup    `json:"resource_group" validate:"omitempty,oneof=DOMAIN WORKSPACE"`
}

// UpdateRequest changes the set fields of a CUSTOM rule.
type UpdateRequest struct {
	CollectorRuleID  string           `json:"collector_rule_id" validate:"required"`
	Name             *string          `json:"name"`
	Conditions       []Condition      `json:"conditions"`
	ConditionsPolicy ConditionsPolicy `json:"conditions_policy" validate:"omitempty,oneof=ALL ANY ALWAYS"`
	Actions          *Actions         `json:"actions"`
	Options          *Options         `json:"options"`
	Tags             map[string]any   `json:"tags"`
}

// Service implements the collector rule operations.
type Service struct {
	store    *Store
	identity identity.Client
	engine   *Engine
	logger   *slog.Logger
}

// NewService creates a Service. engine may be nil; when set, its cached
// rule sets are dropped after every write.
func NewService(store *Store, idc identity.Client, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, identity: idc, engine: engine, logger: logger}
}

func tenantOf(ctx context.Context) (tenancy.TenantContext, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return tc, errs.RequiredParameter("domain_id")
	}
	return tc, nil
}

// Create appends a CUSTOM rule after the existing ones of its collector.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Rule, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if req.CollectorID == "" {
		return nil, errs.RequiredParameter("collector_id")
	}
	if !req.ConditionsPolicy.valid() {
		return nil, errs.InvalidParameter("conditions_policy", "must be one of ALL, ANY, ALWAYS")
	}

	r := &Rule{
		CollectorRuleID:  newRuleID(),
		Name:             req.Name,
		RuleType:         RuleTypeCustom,
		ConditionsPolicy: req.ConditionsPolicy,
		Options:          datatypes.NewJSONType(req.Options),
		Tags:             datatypes.JSONMap(orEmpty(req.Tags)),
		CollectorID:      req.CollectorID,
		ResourceGroup:    req.ResourceGroup,
		DomainID:         tc.DomainID,
	}
	if r.ResourceGroup == "" {
		r.ResourceGroup = ResourceGroupDomain
	}
	if err := s.checkResourceGroup(ctx, r, tc); err != nil {
		return nil, err
	}
	conds, err := conditionsFor(req.ConditionsPolicy, req.Conditions)
	if err != nil {
		return nil, err
	}
	r.Conditions = conds
	if err := s.checkActions(ctx, req.Actions, tc.DomainID); err != nil {
		return nil, err
	}
	r.Actions = datatypes.NewJSONType(req.Actions)

	err = s.store.Transaction(ctx, func(tx *Store) error {
		n, err := tx.Count(ctx, r.CollectorID, RuleTypeCustom, r.DomainID)
		if err != nil {
			return err
		}
		r.Order = n + 1
		return tx.Create(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(r)
	return r, nil
}

// Update changes a CUSTOM rule. MANAGED rules are read-only.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*Rule, error) {
	r, tc, err := s.getMutable(ctx, req.CollectorRuleID, "update")
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.ConditionsPolicy != "" {
		if !req.ConditionsPolicy.valid() {
			return nil, errs.InvalidParameter("conditions_policy", "must be one of ALL, ANY, ALWAYS")
		}
		conds, err := conditionsFor(req.ConditionsPolicy, req.Conditions)
		if err != nil {
			return nil, err
		}
		r.ConditionsPolicy = req.ConditionsPolicy
		r.Conditions = conds
	} else if req.Conditions != nil {
		if err := checkConditions(req.Conditions); err != nil {
			return nil, err
		}
		r.Conditions = req.Conditions
	}
	if req.Actions != nil {
		if err := s.checkActions(ctx, *req.Actions, tc.DomainID); err != nil {
			return nil, err
		}
		r.Actions = datatypes.NewJSONType(*req.Actions)
	}
	if req.Options != nil {
		r.Options = datatypes.NewJSONType(*req.Options)
	}
	if req.Tags != nil {
		r.Tags = datatypes.JSONMap(req.Tags)
	}
	if err := s.store.Save(ctx, r); err != nil {
		return nil, err
	}
	s.invalidate(r)
	return r, nil
}

// ChangeOrder moves a CUSTOM rule to position order and renumbers the rest
// of its group so orders stay 1..N.
func (s *Service) ChangeOrder(ctx context.Context, ruleID string, order int) (*Rule, error) {
	target, _, err := s.getMutable(ctx, ruleID, "change order of")
	if err != nil {
		return nil, err
	}
	if order <= 0 {
		return nil, errs.InvalidParameter("order", "the order must be greater than 0")
	}
	if target.Order == order {
		return target, nil
	}

	err = s.store.Transaction(ctx, func(tx *Store) error {
		group, err := tx.Group(ctx, target.CollectorID, target.RuleType, target.DomainID)
		if err != nil {
			return err
		}
		if order > len(group) {
			return errs.InvalidParameter("order", fmt.Sprintf("there are no collector rules greater than order %d", order))
		}
		others := slices.DeleteFunc(group, func(r Rule) bool { return r.CollectorRuleID == target.CollectorRuleID })
		ordered := slices.Insert(others, order-1, *target)
		return renumber(ctx, tx, ordered)
	})
	if err != nil {
		return nil, err
	}
	target.Order = order
	s.invalidate(target)
	return target, nil
}

// Delete removes a CUSTOM rule and closes the gap it leaves in its group.
func (s *Service) Delete(ctx context.Context, ruleID string) error {
	r, _, err := s.getMutable(ctx, ruleID, "delete")
	if err != nil {
		return err
	}
	err = s.store.Transaction(ctx, func(tx *Store) error {
		if err := tx.Delete(ctx, r.CollectorRuleID); err != nil {
			return err
		}
		rest, err := tx.Group(ctx, r.CollectorID, r.RuleType, r.DomainID)
		if err != nil {
			return err
		}
		return renumber(ctx, tx, rest)
	})
	if err != nil {
		return err
	}
	s.invalidate(r)
	return nil
}

// Get returns one rule visible to the caller.
func (s *Service) Get(ctx context.Context, ruleID string) (*Rule, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.store.Get(ctx, ruleID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errs.NotFound("collector_rule_id", ruleID)
	}
	return r, nil
}

// List returns the rules matching q within the caller's scope.
func (s *Service) List(ctx context.Context, q query.Query) ([]Rule, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.store.Query(ctx, scoped(q, tc))
}

// Stat runs sq within the caller's scope.
func (s *Service) Stat(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.store.Stat(ctx, sq)
}

// ReplaceManaged swaps the MANAGED rules of a collector for rules, which a
// plugin reports at init. They are domain-wide and numbered in the given
// order.
func (s *Service) ReplaceManaged(ctx context.Context, collectorID, domainID string, rules []CreateRequest) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, req := range rules {
		if !req.ConditionsPolicy.valid() {
			return nil, errs.InvalidParameter(fmt.Sprintf("collector_rules[%d].conditions_policy", i), "must be one of ALL, ANY, ALWAYS")
		}
		conds, err := conditionsFor(req.ConditionsPolicy, req.Conditions)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{
			CollectorRuleID:  newRuleID(),
			Name:             req.Name,
			RuleType:         RuleTypeManaged,
			Order:            i + 1,
			Conditions:       conds,
			ConditionsPolicy: req.ConditionsPolicy,
			Actions:          datatypes.NewJSONType(req.Actions),
			Options:          datatypes.NewJSONType(req.Options),
			Tags:             datatypes.JSONMap(orEmpty(req.Tags)),
			CollectorID:      collectorID,
			ResourceGroup:    ResourceGroupDomain,
			WorkspaceID:      "*",
			DomainID:         domainID,
		})
	}
	err := s.store.Transaction(ctx, func(tx *Store) error {
		if err := tx.DeleteGroup(ctx, collectorID, RuleTypeManaged, domainID); err != nil {
			return err
		}
		for i := range out {
			if err := tx.Create(ctx, &out[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.engine != nil {
		s.engine.Invalidate(domainID, collectorID)
	}
	s.logger.Info("replaced managed collector rules", "collectorID", collectorID, "domainID", domainID, "count", len(out))
	return out, nil
}

func (s *Service) getMutable(ctx context.Context, ruleID, verb string) (*Rule, tenancy.TenantContext, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, tc, err
	}
	r, err := s.store.Get(ctx, ruleID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, tc, err
	}
	if r == nil {
		return nil, tc, errs.NotFound("collector_rule_id", ruleID)
	}
	if r.RuleType == RuleTypeManaged {
		return nil, tc, errs.PermissionDenied(fmt.Sprintf("cannot %s a managed collector rule", verb))
	}
	return r, tc, nil
}

func (s *Service) checkResourceGroup(ctx context.Context, r *Rule, tc tenancy.TenantContext) error {
	switch r.ResourceGroup {
	case ResourceGroupWorkspace:
		if tc.WorkspaceID == "" {
			return errs.RequiredParameter("workspace_id")
		}
		if err := s.identity.CheckWorkspace(ctx, tc.WorkspaceID, tc.DomainID); err != nil {
			return err
		}
		r.WorkspaceID = tc.WorkspaceID
	case ResourceGroupDomain:
		r.WorkspaceID = "*"
	default:
		return errs.InvalidParameter("resource_group", "must be DOMAIN or WORKSPACE")
	}
	return nil
}

func (s *Service) checkActions(ctx context.Context, a Actions, domainID string) error {
	if a.empty() {
		return errs.RequiredParameter("actions")
	}
	if a.ChangeProject != "" {
		if _, err := s.identity.GetProject(ctx, a.ChangeProject, domainID); err != nil {
			return err
		}
	}
	if a.MatchProject != nil && a.MatchProject.Source == "" {
		return errs.RequiredParameter("actions.match_project.source")
	}
	if a.MatchServiceAccount != nil && a.MatchServiceAccount.Source == "" {
		return errs.RequiredParameter("actions.match_service_account.source")
	}
	return nil
}

func (s *Service) invalidate(r *Rule) {
	if s.engine != nil {
		s.engine.Invalidate(r.DomainID, r.CollectorID)
	}
}

func renumber(ctx context.Context, tx *Store, rules []Rule) error {
	for i, r := range rules {
		if r.Order == i+1 {
			continue
		}
		if err := tx.SetOrder(ctx, r.CollectorRuleID, i+1); err != nil {
			return err
		}
	}
	return nil
}

func conditionsFor(policy ConditionsPolicy, conds []Condition) ([]Condition, error) {
	if policy == PolicyAlways {
		return []Condition{}, nil
	}
	if len(conds) == 0 {
		return nil, errs.RequiredParameter("conditions")
	}
	if err := checkConditions(conds); err != nil {
		return nil, err
	}
	return conds, nil
}

func checkConditions(conds []Condition) error {
	for _, c := range conds {
		if c.Key == "" || c.Value == "" || c.Operator == "" {
			return errs.InvalidParameter("conditions", "condition should have key, value and operator")
		}
		if !conditionKeys.Contains(c.Key) && !hasFieldPrefix(c.Key, "tags") && !hasFieldPrefix(c.Key, "data") {
			return errs.InvalidParameter("conditions.key", fmt.Sprintf("unsupported key %q", c.Key))
		}
		if !conditionOperators.Contains(c.Operator) {
			return errs.InvalidParameter("conditions.operator", fmt.Sprintf("unsupported operator %q", c.Operator))
		}
	}
	return nil
}

func hasFieldPrefix(key, prefix string) bool {
	rest, ok := strings.CutPrefix(key, prefix+".")
	return ok && rest != ""
}

func scopeFilters(tc tenancy.TenantContext) []query.Condition {
	conds := []query.Condition{query.Filter("domain_id", query.OpEq, tc.DomainID)}
	if tc.WorkspaceID != "" {
		conds = append(conds, query.Filter("workspace_id", query.OpIn, []any{tc.WorkspaceID, "*"}))
	}
	return conds
}

func scoped(q query.Query, tc tenancy.TenantContext) query.Query {
	q = q.Clone()
	q.Filter = append(q.Filter, scopeFilters(tc)...)
	return q
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
