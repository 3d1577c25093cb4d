package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"gorm.io/datatypes"

	"github.com/cloudforet-io/inventory/pkg/inventory/collectorrule"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// SecretResolver returns the credentials a plugin collects with.
type SecretResolver interface {
	SecretData(ctx context.Context, secretID, domainID string) (map[string]any, error)
}

// StaticSecrets resolves secrets from memory, keyed by secret id.
type StaticSecrets map[string]map[string]any

// SecretData returns the stored credentials of secretID.
func (s StaticSecrets) SecretData(_ context.Context, secretID, _ string) (map[string]any, error) {
	data, ok := s[secretID]
	if !ok {
		return nil, errs.NotFound("secret_id", secretID)
	}
	return data, nil
}

// SecretRef is one secret a collection runs with.
type SecretRef struct {
	SecretID         string `json:"secret_id" validate:"required"`
	ServiceAccountID string `json:"service_account_id"`
	ProjectID        string `json:"project_id"`
	Provider         string `json:"provider"`
}

// CreateRequest starts a collection.
type CreateRequest struct {
	CollectorID    string         `json:"collector_id" validate:"required"`
	PluginID       string         `json:"plugin_id" validate:"required"`
	PluginEndpoint string         `json:"plugin_endpoint" validate:"required"`
	Options        map[string]any `json:"options"`
	Secrets        []SecretRef    `json:"secrets" validate:"required,min=1,dive"`
	SecretID       string         `json:"secret_id"`
}

// Service implements the job and job task operations.
type Service struct {
	store   *Store
	gateway *plugin.Gateway
	rules   *collectorrule.Service
	secrets SecretResolver
	logger  *slog.Logger
}

// NewService creates a Service. rules may be nil, in which case plugin
// initialization does not install managed collector rules.
func NewService(store *Store, gateway *plugin.Gateway, rules *collectorrule.Service, secrets SecretResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gateway: gateway, rules: rules, secrets: secrets, logger: logger}
}

func tenantOf(ctx context.Context) (tenancy.TenantContext, error) {
	tc, ok := tenancy.TenantFromContext(ctx)
	if !ok || tc.DomainID == "" {
		return tc, errs.RequiredParameter("domain_id")
	}
	return tc, nil
}

// Create starts a collection. Every secret is split into the tasks the
// plugin reports for it; a secret the plugin reports no tasks for gets a
// single task without task options.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, []Task, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, nil, err
	}
	if req.CollectorID == "" {
		return nil, nil, errs.RequiredParameter("collector_id")
	}
	if req.PluginEndpoint == "" {
		return nil, nil, errs.RequiredParameter("plugin_endpoint")
	}
	if len(req.Secrets) == 0 {
		return nil, nil, errs.RequiredParameter("secrets")
	}

	j := &Job{
		JobID:          newID("job"),
		Status:         StatusInProgress,
		CollectorID:    req.CollectorID,
		PluginID:       req.PluginID,
		PluginEndpoint: req.PluginEndpoint,
		Options:        datatypes.JSONMap(orEmpty(req.Options)),
		SecretID:       req.SecretID,
		ResourceGroup:  "DOMAIN",
		WorkspaceID:    "*",
		DomainID:       tc.DomainID,
	}
	if tc.WorkspaceID != "" {
		j.ResourceGroup, j.WorkspaceID = "WORKSPACE", tc.WorkspaceID
	}

	var tasks []Task
	for _, ref := range req.Secrets {
		secretData, err := s.secrets.SecretData(ctx, ref.SecretID, tc.DomainID)
		if err != nil {
			return nil, nil, err
		}
		resp, err := s.gateway.GetTasks(ctx, req.PluginEndpoint, req.Options, secretData)
		if err != nil {
			return nil, nil, err
		}
		options := taskOptions(resp)
		if len(options) == 0 {
			options = []map[string]any{nil}
		}
		for _, opts := range options {
			tasks = append(tasks, Task{
				JobTaskID:        newID("job-task"),
				Status:           TaskPending,
				TaskOptions:      datatypes.JSONMap(opts),
				JobID:            j.JobID,
				SecretID:         ref.SecretID,
				CollectorID:      req.CollectorID,
				ServiceAccountID: ref.ServiceAccountID,
				ProjectID:        ref.ProjectID,
				Provider:         ref.Provider,
				WorkspaceID:      j.WorkspaceID,
				DomainID:         tc.DomainID,
			})
		}
	}
	j.TotalTasks = len(tasks)
	j.RemainedTasks = len(tasks)

	if err := s.store.Create(ctx, j, tasks); err != nil {
		return nil, nil, err
	}
	s.logger.Info("collection job created", "jobID", j.JobID, "collectorID", j.CollectorID, "tasks", len(tasks))
	return j, tasks, nil
}

// taskOptions extracts the task_options of every task in a get_tasks
// response.
func taskOptions(resp map[string]any) []map[string]any {
	list, _ := resp["tasks"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		task, ok := item.(map[string]any)
		if !ok {
			continue
		}
		opts, _ := task["task_options"].(map[string]any)
		out = append(out, opts)
	}
	return out
}

// InitPlugin initializes a collector's plugin and installs the collector
// rules the plugin ships as the collector's MANAGED rules.
func (s *Service) InitPlugin(ctx context.Context, collectorID, endpoint string, options map[string]any) (map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.gateway.Init(ctx, endpoint, options)
	if err != nil {
		return nil, err
	}
	metadata, _ := resp["metadata"].(map[string]any)
	raw, ok := metadata["collector_rules"]
	if !ok || s.rules == nil {
		return resp, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.InvalidParameter("metadata.collector_rules", err.Error())
	}
	var rules []collectorrule.CreateRequest
	if err := json.Unmarshal(b, &rules); err != nil {
		return nil, errs.InvalidParameter("metadata.collector_rules", err.Error())
	}
	for i := range rules {
		rules[i].CollectorID = collectorID
	}
	installed, err := s.rules.ReplaceManaged(ctx, collectorID, tc.DomainID, rules)
	if err != nil {
		return nil, fmt.Errorf("install managed collector rules: %w", err)
	}
	s.logger.Info("managed collector rules installed", "collectorID", collectorID, "rules", len(installed))
	return resp, nil
}

// GetJob returns one job visible to the caller.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	j, err := s.store.GetJob(ctx, jobID, tc.DomainID, tc.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errs.NotFound("job_id", jobID)
	}
	return j, nil
}

// ListJobs lists the jobs matching q.
func (s *Service) ListJobs(ctx context.Context, q query.Query) ([]Job, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	q = q.Clone()
	q.Filter = append(q.Filter, scopeFilters(tc)...)
	return s.store.QueryJobs(ctx, q)
}

// PageJobs lists the caller's jobs newest first with token paging.
func (s *Service) PageJobs(ctx context.Context, f ListFilter, pageSize int, pageToken string) ([]Job, string, int, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, "", 0, err
	}
	f.DomainID, f.WorkspaceID = tc.DomainID, tc.WorkspaceID
	return s.store.ListJobs(ctx, f, pageSize, pageToken)
}

// StatJobs runs sq over the caller's jobs.
func (s *Service) StatJobs(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), scopeFilters(tc)...)
	return s.store.StatJobs(ctx, sq)
}

// CancelJob stops a running job. Pending tasks are canceled.
func (s *Service) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.store.CancelJob(ctx, j.JobID, j.DomainID)
}

// DeleteJob removes a job with all of its tasks.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return s.store.DeleteJob(ctx, j.JobID, j.DomainID)
}

// GetTask returns one job task visible to the caller.
func (s *Service) GetTask(ctx context.Context, taskID string) (*Task, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(ctx, taskID, tc.DomainID, tc.WorkspaceID, tc.UserProjects)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errs.NotFound("job_task_id", taskID)
	}
	return t, nil
}

// GetTaskDetail returns what one job task did to individual resources.
func (s *Service) GetTaskDetail(ctx context.Context, taskID string) (*Detail, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	d, err := s.store.GetDetail(ctx, taskID, tc.DomainID, tc.WorkspaceID, tc.UserProjects)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errs.NotFound("job_task_id", taskID)
	}
	return d, nil
}

// ListTasks lists the job tasks matching q.
func (s *Service) ListTasks(ctx context.Context, q query.Query) ([]Task, int64, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, 0, err
	}
	q = q.Clone()
	q.Filter = append(q.Filter, taskScope(tc)...)
	return s.store.QueryTasks(ctx, q)
}

// StatTasks runs sq over the caller's job tasks.
func (s *Service) StatTasks(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	tc, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	sq.Filter = append(slices.Clone(sq.Filter), taskScope(tc)...)
	return s.store.StatTasks(ctx, sq)
}

// DeleteTask removes one job task.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, t.JobTaskID, t.DomainID)
}

func scopeFilters(tc tenancy.TenantContext) []query.Condition {
	conds := []query.Condition{query.Filter("domain_id", query.OpEq, tc.DomainID)}
	if tc.WorkspaceID != "" {
		conds = append(conds, query.Filter("workspace_id", query.OpIn, []any{tc.WorkspaceID, "*"}))
	}
	return conds
}

func taskScope(tc tenancy.TenantContext) []query.Condition {
	conds := scopeFilters(tc)
	if len(tc.UserProjects) > 0 {
		projects := make([]any, len(tc.UserProjects))
		for i, p := range tc.UserProjects {
			projects[i] = p
		}
		conds = append(conds, query.Filter("project_id", query.OpIn, projects))
	}
	return conds
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
