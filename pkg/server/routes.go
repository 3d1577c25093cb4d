package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cloudforet-io/inventory/pkg/inventory/asset"
	"github.com/cloudforet-io/inventory/pkg/inventory/assettype"
	"github.com/cloudforet-io/inventory/pkg/inventory/collectorrule"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/job"
	"github.com/cloudforet-io/inventory/pkg/inventory/namespace"
	"github.com/cloudforet-io/inventory/pkg/inventory/pipeline"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
	"github.com/cloudforet-io/inventory/pkg/inventory/region"
)

// listStage builds the list pipeline of one resource. Resources with
// domain-wide records also match "*" when filtered by workspace.
func (s *Server) listStage(wildcard bool, filterKeys, keywordKeys []string) pipeline.Stage {
	list := pipeline.List(s.opts.PageLimit, filterKeys, keywordKeys)
	if !wildcard {
		return list
	}
	return pipeline.Chain(pipeline.RequireTenant, pipeline.AppendWorkspaceWildcard, list)
}

func (s *Server) assetRoutes(r chi.Router) {
	m := s.svc.Assets
	r.Post("/assets", s.createAssetHandler)
	r.Post("/assets:list", listHandler(s, s.listStage(false,
		[]string{"asset_id", "name", "state", "asset_type_id", "provider", "account", "region_code",
			"project_id", "workspace_id", "collector_id", "service_account_id", "secret_id"},
		[]string{"asset_id", "name", "resource_id", "account"}), m.List))
	r.Post("/assets:stat", statHandler(s, m.Stat))
	r.Get("/assets/{assetId}", getHandler(s, "assetId", m.Get))
	r.Patch("/assets/{assetId}", s.updateAssetHandler)
	r.Delete("/assets/{assetId}", deleteHandler(s, "assetId", m.Delete))
	r.Post("/assets/{assetId}/history:list", s.assetHistoryHandler)
}

func (s *Server) createAssetHandler(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decode(r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Assets.Create(r.Context(), fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) updateAssetHandler(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decode(r, &fields); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Assets.Update(r.Context(), chi.URLParam(r, "assetId"), fields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) assetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetId")
	stage := s.listStage(false, []string{"action", "updated_by", "collector_id", "job_id", "user_id"}, nil)
	listHandler(s, stage, func(ctx context.Context, q query.Query) ([]asset.History, int64, error) {
		return s.svc.Assets.History(ctx, assetID, q)
	}).ServeHTTP(w, r)
}

func (s *Server) assetTypeRoutes(r chi.Router) {
	svc := s.svc.AssetTypes
	r.Post("/asset-types:list", listHandler(s, s.listStage(true,
		[]string{"asset_type_id", "name", "provider", "resource_type", "is_managed", "workspace_id"},
		[]string{"asset_type_id", "name", "provider"}), svc.List))
	r.Post("/asset-types:stat", statHandler(s, svc.Stat))
	r.Group(func(r chi.Router) {
		r.Use(s.opts.Cache.CatalogMiddleware())
		r.Post("/asset-types", createHandler(s, svc.Create))
		r.Get("/asset-types/{assetTypeId}", getHandler(s, "assetTypeId", svc.Get))
		r.Patch("/asset-types/{assetTypeId}", updateHandler(s, "assetTypeId",
			func(req *assettype.UpdateRequest, id string) { req.AssetTypeID = id }, svc.Update))
		r.Delete("/asset-types/{assetTypeId}", deleteHandler(s, "assetTypeId", svc.Delete))
	})
}

func (s *Server) regionRoutes(r chi.Router) {
	svc := s.svc.Regions
	r.Post("/regions:list", listHandler(s, s.listStage(true,
		[]string{"region_id", "name", "region_code", "provider", "workspace_id"},
		[]string{"region_id", "name", "region_code"}), svc.List))
	r.Post("/regions:stat", statHandler(s, svc.Stat))
	r.Group(func(r chi.Router) {
		r.Use(s.opts.Cache.CatalogMiddleware())
		r.Post("/regions", createHandler(s, svc.Create))
		r.Get("/regions/{regionId}", getHandler(s, "regionId", svc.Get))
		r.Patch("/regions/{regionId}", updateHandler(s, "regionId",
			func(req *region.UpdateRequest, id string) { req.RegionID = id }, svc.Update))
		r.Delete("/regions/{regionId}", deleteHandler(s, "regionId", svc.Delete))
	})
}

func (s *Server) namespaceRoutes(r chi.Router) {
	svc := s.svc.Namespaces
	r.Post("/namespace-groups:list", listHandler(s, s.listStage(true,
		[]string{"namespace_group_id", "name", "is_managed", "workspace_id"},
		[]string{"namespace_group_id", "name"}), svc.ListGroups))
	r.Post("/namespace-groups:stat", statHandler(s, svc.StatGroups))
	r.Post("/namespaces:list", listHandler(s, s.listStage(true,
		[]string{"namespace_id", "name", "category", "namespace_group_id", "is_managed", "workspace_id"},
		[]string{"namespace_id", "name"}), svc.ListNamespaces))
	r.Post("/namespaces:stat", statHandler(s, svc.StatNamespaces))
	r.Post("/metrics:list", listHandler(s, s.listStage(true,
		[]string{"metric_id", "name", "metric_type", "resource_type", "namespace_id", "is_managed", "workspace_id"},
		[]string{"metric_id", "name"}), svc.ListMetrics))
	r.Post("/metrics:stat", statHandler(s, svc.StatMetrics))

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Cache.CatalogMiddleware())
		r.Post("/namespace-groups", createHandler(s, svc.CreateGroup))
		r.Get("/namespace-groups/{namespaceGroupId}", getHandler(s, "namespaceGroupId", svc.GetGroup))
		r.Patch("/namespace-groups/{namespaceGroupId}", updateHandler(s, "namespaceGroupId",
			func(req *namespace.GroupUpdateRequest, id string) { req.NamespaceGroupID = id }, svc.UpdateGroup))
		r.Delete("/namespace-groups/{namespaceGroupId}", deleteHandler(s, "namespaceGroupId", svc.DeleteGroup))

		r.Post("/namespaces", createHandler(s, svc.CreateNamespace))
		r.Get("/namespaces/{namespaceId}", getHandler(s, "namespaceId", svc.GetNamespace))
		r.Patch("/namespaces/{namespaceId}", updateHandler(s, "namespaceId",
			func(req *namespace.NamespaceUpdateRequest, id string) { req.NamespaceID = id }, svc.UpdateNamespace))
		r.Delete("/namespaces/{namespaceId}", deleteHandler(s, "namespaceId", svc.DeleteNamespace))

		r.Get("/metrics/{metricId}", getHandler(s, "metricId", svc.GetMetric))
	})
}

func (s *Server) ruleRoutes(r chi.Router) {
	svc := s.svc.Rules
	r.Post("/collector-rules", createHandler(s, svc.Create))
	r.Post("/collector-rules:list", listHandler(s, s.listStage(true,
		[]string{"collector_rule_id", "name", "rule_type", "collector_id", "workspace_id"},
		[]string{"collector_rule_id", "name"}), svc.List))
	r.Post("/collector-rules:stat", statHandler(s, svc.Stat))
	r.Get("/collector-rules/{collectorRuleId}", getHandler(s, "collectorRuleId", svc.Get))
	r.Patch("/collector-rules/{collectorRuleId}", updateHandler(s, "collectorRuleId",
		func(req *collectorrule.UpdateRequest, id string) { req.CollectorRuleID = id }, svc.Update))
	r.Delete("/collector-rules/{collectorRuleId}", deleteHandler(s, "collectorRuleId", svc.Delete))
	r.Post("/collector-rules/{collectorRuleId}:change-order", s.changeOrderHandler)
}

func (s *Server) changeOrderHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order *int `json:"order"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Order == nil {
		s.writeError(w, r, errs.RequiredParameter("order"))
		return
	}
	rule, err := s.svc.Rules.ChangeOrder(r.Context(), chi.URLParam(r, "collectorRuleId"), *body.Order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) jobRoutes(r chi.Router) {
	svc := s.svc.Jobs
	r.Post("/jobs", s.createJobHandler)
	r.Get("/jobs", s.pageJobsHandler)
	r.Post("/jobs:list", listHandler(s, s.listStage(false,
		[]string{"job_id", "status", "collector_id", "plugin_id", "workspace_id"}, nil), svc.ListJobs))
	r.Post("/jobs:stat", statHandler(s, svc.StatJobs))
	r.Get("/jobs/{jobId}", getHandler(s, "jobId", svc.GetJob))
	r.Post("/jobs/{jobId}:cancel", s.cancelJobHandler)
	r.Delete("/jobs/{jobId}", deleteHandler(s, "jobId", svc.DeleteJob))

	r.Post("/job-tasks:list", listHandler(s, s.listStage(false,
		[]string{"job_task_id", "status", "job_id", "secret_id", "collector_id", "provider",
			"project_id", "service_account_id", "workspace_id"}, nil), svc.ListTasks))
	r.Post("/job-tasks:stat", statHandler(s, svc.StatTasks))
	r.Get("/job-tasks/{jobTaskId}", getHandler(s, "jobTaskId", svc.GetTask))
	r.Get("/job-tasks/{jobTaskId}/detail", getHandler(s, "jobTaskId", svc.GetTaskDetail))
	r.Delete("/job-tasks/{jobTaskId}", deleteHandler(s, "jobTaskId", svc.DeleteTask))

	r.Post("/collectors/{collectorId}:init", s.initPluginHandler)
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req job.CreateRequest
	if err := decodeStruct(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	j, tasks, err := s.svc.Jobs.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": j, "tasks": tasks})
}

// pageJobsHandler handles GET /jobs.
// Query params: collector_id, status, page_size, page_token
func (s *Server) pageJobsHandler(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	f := job.ListFilter{
		CollectorID: params.Get("collector_id"),
		Status:      job.Status(params.Get("status")),
	}
	pageSize := 20
	if ps := params.Get("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 {
			pageSize = min(v, s.opts.PageLimit)
		}
	}
	jobs, next, total, err := s.svc.Jobs.PageJobs(r.Context(), f, pageSize, params.Get("page_token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":         jobs,
		"next_page_token": next,
		"total_count":     total,
	})
}

func (s *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Jobs.CancelJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type initPluginRequest struct {
	PluginEndpoint string         `json:"plugin_endpoint" validate:"required"`
	Options        map[string]any `json:"options"`
}

func (s *Server) initPluginHandler(w http.ResponseWriter, r *http.Request) {
	var req initPluginRequest
	if err := decodeStruct(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	metadata, err := s.svc.Jobs.InitPlugin(r.Context(), chi.URLParam(r, "collectorId"), req.PluginEndpoint, req.Options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metadata": metadata})
}
