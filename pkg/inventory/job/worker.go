package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudforet-io/inventory/pkg/inventory/adapter"
	"github.com/cloudforet-io/inventory/pkg/inventory/asset"
	"github.com/cloudforet-io/inventory/pkg/inventory/assettype"
	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/plugin"
	"github.com/cloudforet-io/inventory/pkg/inventory/region"
	"github.com/cloudforet-io/inventory/pkg/metrics"
	"github.com/cloudforet-io/inventory/pkg/tenancy"
)

// AssetWriter stores collected assets.
type AssetWriter interface {
	Match(ctx context.Context, rules map[string][]string, fields map[string]any) (*asset.Asset, error)
	Create(ctx context.Context, fields map[string]any) (*asset.Asset, error)
	Update(ctx context.Context, assetID string, fields map[string]any) (*asset.Asset, error)
}

// AssetTypeWriter stores collected asset types.
type AssetTypeWriter interface {
	Upsert(ctx context.Context, res *adapter.Resource) (*assettype.AssetType, bool, error)
}

// RegionWriter stores collected regions.
type RegionWriter interface {
	Upsert(ctx context.Context, payload map[string]any) (*region.Region, bool, error)
}

// DisconnectTracker counts the assets a collection task did not report.
type DisconnectTracker interface {
	IncrementDisconnected(ctx context.Context, collectorID, secretID, domainID, jobTaskID string) (int64, error)
}

// WorkerDeps are the collaborators of a WorkerPool. States and Metrics may
// be nil.
type WorkerDeps struct {
	Store      *Store
	Gateway    *plugin.Gateway
	Secrets    SecretResolver
	Assets     AssetWriter
	AssetTypes AssetTypeWriter
	Regions    RegionWriter
	States     DisconnectTracker
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// WorkerPool runs pending collection tasks using a pool of goroutines.
type WorkerPool struct {
	store      *Store
	gateway    *plugin.Gateway
	secrets    SecretResolver
	assets     AssetWriter
	assetTypes AssetTypeWriter
	regions    RegionWriter
	states     DisconnectTracker
	cfg        *Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(d WorkerDeps, cfg *Config) *WorkerPool {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &WorkerPool{
		store:      d.Store,
		gateway:    d.Gateway,
		secrets:    d.Secrets,
		assets:     d.Assets,
		assetTypes: d.AssetTypes,
		regions:    d.Regions,
		states:     d.States,
		cfg:        cfg,
		logger:     logger,
		metrics:    d.Metrics,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines, each
// polling for pending tasks. It blocks until the context is cancelled,
// then waits for all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("collection worker pool disabled")
		return
	}

	wp.logger.Info("collection worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("collection worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("collection worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for ctx.Err() == nil && wp.ProcessOne(ctx, workerID) {
			}
		}
	}
}

// ProcessOne claims and runs a single pending task. It reports whether a
// task was claimed.
func (wp *WorkerPool) ProcessOne(ctx context.Context, workerID int) bool {
	task, err := wp.store.ClaimTask(ctx)
	if err != nil {
		wp.logger.Error("failed to claim job task", "workerID", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}
	logger := wp.logger.With("workerID", workerID, "jobID", task.JobID, "jobTaskID", task.JobTaskID)
	logger.Info("processing job task", "secretID", task.SecretID, "collectorID", task.CollectorID)

	status := wp.run(ctx, task, logger)
	wp.finish(ctx, task, status, logger)
	return true
}

// run collects one task and returns the status the task finishes with.
func (wp *WorkerPool) run(ctx context.Context, task *Task, logger *slog.Logger) TaskStatus {
	j, err := wp.store.GetJob(ctx, task.JobID, task.DomainID, "")
	if err != nil {
		logger.Error("failed to load job", "error", err)
		return TaskFailure
	}
	if j == nil || j.Status.IsTerminal() {
		logger.Info("job is no longer running, canceling task")
		return TaskCanceled
	}

	secretData, err := wp.secrets.SecretData(ctx, task.SecretID, task.DomainID)
	if err != nil {
		logger.Error("failed to resolve secret", "error", err)
		wp.record(ctx, task, Counts{Failure: 1}, detailBatch{InfoFailure: {failureInfo("", err)}})
		return TaskFailure
	}

	ctx = collectorContext(ctx, j, task)
	stream, err := wp.gateway.Collect(ctx, j.PluginEndpoint, j.Options, secretData, task.TaskOptions)
	if err != nil {
		logger.Error("failed to start collection", "error", err)
		wp.record(ctx, task, Counts{Failure: 1}, detailBatch{InfoFailure: {failureInfo("", err)}})
		return TaskFailure
	}

	var (
		counts    Counts
		details   = detailBatch{}
		streamErr error
	)
	for res, err := range stream.All() {
		if err != nil {
			if errs.IsKind(err, errs.KindValidation) {
				counts.Failure++
				counts.Total++
				details.add(InfoFailure, failureInfo("", err))
				continue
			}
			streamErr = err
			break
		}
		counts.Total++
		outcome, info, err := wp.storeResource(ctx, res)
		switch {
		case err != nil:
			counts.Failure++
			details.add(InfoFailure, failureInfo(res.ResourceType, err))
			logger.Warn("failed to store collected resource", "resourceType", res.ResourceType, "error", err)
		case outcome == outcomeCreated:
			counts.Created++
			details.add(InfoCreated, info)
		case outcome == outcomeUpdated:
			counts.Updated++
			details.add(InfoUpdated, info)
		}
		if err != nil {
			outcome = outcomeFailure
		}
		wp.metrics.CollectedRecord(res.ResourceType, outcome)
	}

	if streamErr != nil {
		logger.Error("collection stream failed", "error", streamErr)
		counts.Failure++
		details.add(InfoFailure, failureInfo("", streamErr))
	} else if wp.states != nil {
		n, err := wp.states.IncrementDisconnected(context.WithoutCancel(ctx), task.CollectorID, task.SecretID, task.DomainID, task.JobTaskID)
		if err != nil {
			logger.Error("failed to count disconnected assets", "error", err)
		}
		counts.Disconnected = int(n)
	}

	wp.record(ctx, task, counts, details)
	logger.Info("job task collected",
		"total", counts.Total,
		"created", counts.Created,
		"updated", counts.Updated,
		"failure", counts.Failure,
		"disconnected", counts.Disconnected)
	if streamErr != nil || counts.Failure > 0 {
		return TaskFailure
	}
	return TaskSuccess
}

const (
	outcomeCreated = "created"
	outcomeUpdated = "updated"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// storeResource stores one collected resource and returns what happened to it.
func (wp *WorkerPool) storeResource(ctx context.Context, res *adapter.Resource) (string, map[string]any, error) {
	if res.ResourceType == adapter.TypeErrorResource || res.State == "FAILURE" {
		msg := res.Message
		if msg == "" {
			msg = "collector reported an error resource"
		}
		return "", nil, errs.New(errs.KindUpstream, "ERROR_COLLECTOR_RESOURCE", "%s", msg)
	}
	switch res.ResourceType {
	case adapter.TypeAsset:
		return wp.storeAsset(ctx, res)
	case adapter.TypeAssetType:
		at, created, err := wp.assetTypes.Upsert(ctx, res)
		if err != nil {
			return "", nil, err
		}
		return outcomeOf(created), map[string]any{
			"resource_type": res.ResourceType,
			"asset_type_id": at.AssetTypeID,
			"name":          at.Name,
		}, nil
	case adapter.TypeRegion:
		if res.Payload == nil {
			return "", nil, errs.RequiredField("resource")
		}
		r, created, err := wp.regions.Upsert(ctx, res.Payload)
		if err != nil {
			return "", nil, err
		}
		return outcomeOf(created), map[string]any{
			"resource_type": res.ResourceType,
			"region_id":     r.RegionID,
			"name":          r.Name,
		}, nil
	default:
		return outcomeSkipped, nil, nil
	}
}

func (wp *WorkerPool) storeAsset(ctx context.Context, res *adapter.Resource) (string, map[string]any, error) {
	if res.Payload == nil {
		return "", nil, errs.RequiredField("resource")
	}
	current, err := wp.assets.Match(ctx, res.MatchRules, res.Payload)
	if err != nil {
		return "", nil, err
	}
	var (
		a       *asset.Asset
		outcome string
	)
	if current == nil {
		a, err = wp.assets.Create(ctx, res.Payload)
		outcome = outcomeCreated
	} else {
		a, err = wp.assets.Update(ctx, current.AssetID, res.Payload)
		outcome = outcomeUpdated
	}
	if err != nil {
		return "", nil, err
	}
	return outcome, map[string]any{
		"resource_type": res.ResourceType,
		"asset_id":      a.AssetID,
		"name":          a.Name,
	}, nil
}

func outcomeOf(created bool) string {
	if created {
		return outcomeCreated
	}
	return outcomeUpdated
}

// collectorContext scopes ctx to the task's tenant and attributes every
// write to the collection.
func collectorContext(ctx context.Context, j *Job, task *Task) context.Context {
	tc := tenancy.TenantContext{DomainID: task.DomainID}
	if task.WorkspaceID != "*" {
		tc.WorkspaceID = task.WorkspaceID
	}
	ctx = tenancy.WithTenant(ctx, tc)
	return tenancy.WithAttribution(ctx, tenancy.Attribution{
		CollectorID:      task.CollectorID,
		JobID:            task.JobID,
		JobTaskID:        task.JobTaskID,
		PluginID:         j.PluginID,
		SecretID:         task.SecretID,
		ServiceAccountID: task.ServiceAccountID,
		SecretProjectID:  task.ProjectID,
		Provider:         task.Provider,
	})
}

// detailBatch buffers detail entries per info list.
type detailBatch map[string][]map[string]any

func (b detailBatch) add(kind string, entry map[string]any) {
	b[kind] = append(b[kind], entry)
}

func failureInfo(resourceType string, err error) map[string]any {
	info := map[string]any{
		"code":    errs.CodeOf(err),
		"message": err.Error(),
	}
	if resourceType != "" {
		info["resource_type"] = resourceType
	}
	return info
}

// record writes counts and details even when ctx is already cancelled.
func (wp *WorkerPool) record(ctx context.Context, task *Task, c Counts, details detailBatch) {
	ctx = context.WithoutCancel(ctx)
	if err := wp.store.AddCounts(ctx, task.JobTaskID, c); err != nil {
		wp.logger.Error("failed to update job task counts", "jobTaskID", task.JobTaskID, "error", err)
	}
	for _, kind := range []string{InfoCreated, InfoUpdated, InfoDeleted, InfoDisconnected, InfoFailure} {
		if err := wp.store.AppendDetail(ctx, task.JobTaskID, task.JobID, kind, details[kind]...); err != nil {
			wp.logger.Error("failed to update job task detail", "jobTaskID", task.JobTaskID, "error", err)
		}
	}
}

func (wp *WorkerPool) finish(ctx context.Context, task *Task, status TaskStatus, logger *slog.Logger) {
	j, err := wp.store.FinishTask(context.WithoutCancel(ctx), task.JobTaskID, status)
	if err != nil {
		logger.Error("failed to finish job task", "status", status, "error", err)
		return
	}
	wp.metrics.JobTaskFinished(string(status))
	logger.Info("job task finished", "status", status, "jobStatus", j.Status, "remainedTasks", j.RemainedTasks)
}

// cleanupLoop periodically fails stuck tasks and deletes old jobs.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.Cleanup(ctx)
		}
	}
}

// Cleanup fails tasks IN_PROGRESS for longer than the claim timeout and
// deletes jobs finished longer ago than the retention period.
func (wp *WorkerPool) Cleanup(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		ids, err := wp.store.StuckTasks(ctx, time.Now().Add(-wp.cfg.ClaimTimeout))
		if err != nil {
			wp.logger.Error("failed to list stuck job tasks", "error", err)
		}
		failed := 0
		for _, id := range ids {
			_, err := wp.store.FinishTask(ctx, id, TaskFailure)
			if err != nil {
				// Conflict: the task finished after it was listed.
				if !errs.IsKind(err, errs.KindConflict) {
					wp.logger.Error("failed to fail stuck job task", "jobTaskID", id, "error", err)
				}
				continue
			}
			failed++
			wp.metrics.JobTaskFinished(string(TaskFailure))
		}
		if failed > 0 {
			wp.logger.Info("failed stuck job tasks", "count", failed)
		}
	}

	if wp.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -wp.cfg.RetentionDays)
		deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			wp.logger.Error("failed to delete old jobs", "error", err)
		} else if deleted > 0 {
			wp.logger.Info("deleted old jobs", "count", deleted)
		}
	}
}
