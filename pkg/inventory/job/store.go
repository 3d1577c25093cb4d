package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/query"
)

// JobSchema maps job query keys to columns.
var JobSchema = query.Schema{
	PrimaryKey: "job_id",
	Columns: map[string]string{
		"job_id":            "job_id",
		"status":            "status",
		"total_tasks":       "total_tasks",
		"remained_tasks":    "remained_tasks",
		"success_tasks":     "success_tasks",
		"failure_tasks":     "failure_tasks",
		"collector_id":      "collector_id",
		"plugin_id":         "plugin_id",
		"request_secret_id": "request_secret_id",
		"resource_group":    "resource_group",
		"workspace_id":      "workspace_id",
		"domain_id":         "domain_id",
		"created_at":        "created_at",
		"updated_at":        "updated_at",
		"finished_at":       "finished_at",
	},
	JSONColumns: map[string]string{"options": "options"},
	DefaultSort: []query.Sort{{Key: "created_at", Desc: true}},
}

// TaskSchema maps job task query keys to columns.
var TaskSchema = query.Schema{
	PrimaryKey: "job_task_id",
	Columns: map[string]string{
		"job_task_id":        "job_task_id",
		"status":             "status",
		"created_count":      "created_count",
		"updated_count":      "updated_count",
		"deleted_count":      "deleted_count",
		"disconnected_count": "disconnected_count",
		"failure_count":      "failure_count",
		"total_count":        "total_count",
		"job_id":             "job_id",
		"secret_id":          "secret_id",
		"collector_id":       "collector_id",
		"service_account_id": "service_account_id",
		"project_id":         "project_id",
		"user_projects":      "project_id",
		"provider":           "provider",
		"workspace_id":       "workspace_id",
		"domain_id":          "domain_id",
		"created_at":         "created_at",
		"updated_at":         "updated_at",
		"started_at":         "started_at",
		"finished_at":        "finished_at",
	},
	JSONColumns: map[string]string{"task_options": "task_options"},
	DefaultSort: []query.Sort{{Key: "created_at", Desc: true}},
}

// Counts are the per-task tallies a collection adds to.
type Counts struct {
	Created      int
	Updated      int
	Deleted      int
	Disconnected int
	Failure      int
	Total        int
}

func (c Counts) isZero() bool { return c == Counts{} }

// Store provides database operations for jobs, job tasks and their
// details.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the jobs, job_tasks and job_task_details
// tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{}, &Task{}, &Detail{})
}

// Create inserts a job, its tasks and an empty detail per task.
func (s *Store) Create(ctx context.Context, j *Job, tasks []Task) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(j).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		if err := tx.Create(&tasks).Error; err != nil {
			return fmt.Errorf("create job tasks: %w", err)
		}
		details := make([]Detail, len(tasks))
		for i, t := range tasks {
			details[i] = Detail{
				JobTaskID:   t.JobTaskID,
				JobID:       t.JobID,
				ProjectID:   t.ProjectID,
				WorkspaceID: t.WorkspaceID,
				DomainID:    t.DomainID,
			}
		}
		if err := tx.Create(&details).Error; err != nil {
			return fmt.Errorf("create job task details: %w", err)
		}
		return nil
	})
}

// ClaimTask picks the oldest PENDING task and moves it to IN_PROGRESS. It
// returns nil when no task is pending. On PostgreSQL and MySQL the pick
// skips rows locked by other claimers; elsewhere a lost race is detected
// by the conditional update.
func (s *Store) ClaimTask(ctx context.Context) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", TaskPending).Order("created_at ASC").Limit(1)
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&task).Error; err != nil {
			return err
		}
		if task.JobTaskID == "" {
			return nil
		}
		now := time.Now()
		res := tx.Model(&Task{}).
			Where("job_task_id = ? AND status = ?", task.JobTaskID, TaskPending).
			Updates(map[string]any{"status": TaskInProgress, "started_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			task = Task{}
			return nil
		}
		task.Status = TaskInProgress
		task.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job task: %w", err)
	}
	if task.JobTaskID == "" {
		return nil, nil
	}
	return &task, nil
}

// AddCounts increments the task's counters by c.
func (s *Store) AddCounts(ctx context.Context, taskID string, c Counts) error {
	if c.isZero() {
		return nil
	}
	updates := map[string]any{}
	for col, n := range map[string]int{
		"created_count":      c.Created,
		"updated_count":      c.Updated,
		"deleted_count":      c.Deleted,
		"disconnected_count": c.Disconnected,
		"failure_count":      c.Failure,
		"total_count":        c.Total,
	} {
		if n != 0 {
			updates[col] = gorm.Expr(col+" + ?", n)
		}
	}
	err := s.db.WithContext(ctx).Model(&Task{}).Where("job_task_id = ?", taskID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update job task counts: %w", err)
	}
	return nil
}

// AppendDetail adds entries to one info list of a task's detail.
func (s *Store) AppendDetail(ctx context.Context, taskID, jobID, kind string, entries ...map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Detail
		err := tx.Where("job_task_id = ? AND job_id = ?", taskID, jobID).First(&d).Error
		if err != nil {
			return fmt.Errorf("get job task detail: %w", err)
		}
		var list *datatypes.JSONSlice[map[string]any]
		switch kind {
		case InfoCreated:
			list = &d.CreatedInfo
		case InfoUpdated:
			list = &d.UpdatedInfo
		case InfoFailure:
			list = &d.FailureInfo
		case InfoDeleted:
			list = &d.DeletedInfo
		case InfoDisconnected:
			list = &d.DisconnectedInfo
		default:
			return fmt.Errorf("unknown job task detail kind %q", kind)
		}
		*list = append(*list, entries...)
		err = tx.Model(&Detail{}).
			Where("job_task_id = ? AND job_id = ?", taskID, jobID).
			Update(kind, *list).Error
		if err != nil {
			return fmt.Errorf("update job task detail: %w", err)
		}
		return nil
	})
}

// FinishTask moves an IN_PROGRESS task to a terminal status and rolls the
// result up into its job. The job finishes when no task remains: FAILURE
// if any task failed, otherwise SUCCESS. It returns the updated job.
func (s *Store) FinishTask(ctx context.Context, taskID string, to TaskStatus) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.Where("job_task_id = ?", taskID).First(&t).Error; err != nil {
			return fmt.Errorf("get job task: %w", err)
		}
		if !t.Status.CanTransition(to) || !to.IsTerminal() {
			return invalidTransition(t.JobTaskID, t.Status, to)
		}
		now := time.Now()
		res := tx.Model(&Task{}).
			Where("job_task_id = ? AND status = ?", taskID, t.Status).
			Updates(map[string]any{"status": to, "finished_at": now})
		if res.Error != nil {
			return fmt.Errorf("finish job task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return invalidTransition(t.JobTaskID, t.Status, to)
		}

		updates := map[string]any{"remained_tasks": gorm.Expr("remained_tasks - 1")}
		switch to {
		case TaskSuccess:
			updates["success_tasks"] = gorm.Expr("success_tasks + 1")
		case TaskFailure:
			updates["failure_tasks"] = gorm.Expr("failure_tasks + 1")
		}
		if err := tx.Model(&Job{}).Where("job_id = ?", t.JobID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		if err := tx.Where("job_id = ?", t.JobID).First(&j).Error; err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if j.RemainedTasks > 0 || j.Status.IsTerminal() {
			return nil
		}
		return rollUp(tx, &j, now)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func rollUp(tx *gorm.DB, j *Job, now time.Time) error {
	j.Status = StatusSuccess
	if j.FailureTasks > 0 {
		j.Status = StatusFailure
	}
	j.FinishedAt = &now
	err := tx.Model(&Job{}).Where("job_id = ?", j.JobID).
		Updates(map[string]any{"status": j.Status, "finished_at": now}).Error
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func invalidTransition(taskID string, from, to TaskStatus) error {
	return errs.New(errs.KindConflict, "ERROR_JOB_TASK_STATE", "job task %s cannot move from %s to %s", taskID, from, to)
}

// CancelJob cancels every PENDING task of a job and the job itself.
// Tasks already running finish normally but no longer change the job.
func (s *Store) CancelJob(ctx context.Context, jobID, domainID string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ? AND domain_id = ?", jobID, domainID).First(&j).Error; err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if j.Status.IsTerminal() {
			return errs.New(errs.KindConflict, "ERROR_JOB_STATE", "job %s is already %s", jobID, j.Status)
		}
		now := time.Now()
		res := tx.Model(&Task{}).
			Where("job_id = ? AND status = ?", jobID, TaskPending).
			Updates(map[string]any{"status": TaskCanceled, "finished_at": now})
		if res.Error != nil {
			return fmt.Errorf("cancel job tasks: %w", res.Error)
		}
		j.Status = StatusCanceled
		j.FinishedAt = &now
		j.RemainedTasks -= int(res.RowsAffected)
		err := tx.Model(&Job{}).Where("job_id = ?", jobID).Updates(map[string]any{
			"status":         StatusCanceled,
			"finished_at":    now,
			"remained_tasks": j.RemainedTasks,
		}).Error
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob returns the job, or nil if it does not exist. A non-empty
// workspaceID also matches domain-wide jobs.
func (s *Store) GetJob(ctx context.Context, jobID, domainID, workspaceID string) (*Job, error) {
	var j Job
	if err := scope(s.db.WithContext(ctx), domainID, workspaceID).Where("job_id = ?", jobID).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// GetTask returns the task, or nil if it does not exist.
func (s *Store) GetTask(ctx context.Context, taskID, domainID, workspaceID string, userProjects []string) (*Task, error) {
	q := scope(s.db.WithContext(ctx), domainID, workspaceID).Where("job_task_id = ?", taskID)
	if len(userProjects) > 0 {
		q = q.Where("project_id IN ?", userProjects)
	}
	var t Task
	if err := q.First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job task: %w", err)
	}
	return &t, nil
}

// GetDetail returns the detail of a task, or nil if it does not exist.
func (s *Store) GetDetail(ctx context.Context, taskID, domainID, workspaceID string, userProjects []string) (*Detail, error) {
	q := scope(s.db.WithContext(ctx), domainID, workspaceID).Where("job_task_id = ?", taskID)
	if len(userProjects) > 0 {
		q = q.Where("project_id IN ?", userProjects)
	}
	var d Detail
	if err := q.First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job task detail: %w", err)
	}
	return &d, nil
}

func scope(db *gorm.DB, domainID, workspaceID string) *gorm.DB {
	db = db.Where("domain_id = ?", domainID)
	if workspaceID != "" {
		db = db.Where("workspace_id IN ?", []string{workspaceID, "*"})
	}
	return db
}

// QueryJobs returns one page of jobs and the total match count.
func (s *Store) QueryJobs(ctx context.Context, q query.Query) ([]Job, int64, error) {
	return query.Find[Job](ctx, s.db, q, JobSchema)
}

// StatJobs runs a grouped count over jobs.
func (s *Store) StatJobs(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &Job{}, sq, JobSchema)
}

// QueryTasks returns one page of tasks and the total match count.
func (s *Store) QueryTasks(ctx context.Context, q query.Query) ([]Task, int64, error) {
	return query.Find[Task](ctx, s.db, q, TaskSchema)
}

// StatTasks runs a grouped count over tasks.
func (s *Store) StatTasks(ctx context.Context, sq query.StatQuery) ([]map[string]any, error) {
	return query.Stat(ctx, s.db, &Task{}, sq, TaskSchema)
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	DomainID    string
	WorkspaceID string
	CollectorID string
	Status      Status
}

// ListJobs returns jobs newest first, pageSize at a time. The page token is
// the creation time of the last job of the previous page.
func (s *Store) ListJobs(ctx context.Context, f ListFilter, pageSize int, pageToken string) ([]Job, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	build := func() *gorm.DB {
		q := scope(s.db.WithContext(ctx).Model(&Job{}), f.DomainID, f.WorkspaceID)
		if f.CollectorID != "" {
			q = q.Where("collector_id = ?", f.CollectorID)
		}
		if f.Status != "" {
			q = q.Where("status = ?", f.Status)
		}
		return q
	}

	var total int64
	if err := build().Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}
	q := build().Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, errs.InvalidParameter("page_token", err.Error())
		}
		q = q.Where("created_at < ?", t)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}
	var next string
	if len(jobs) > pageSize {
		next = jobs[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		jobs = jobs[:pageSize]
	}
	return jobs, next, int(total), nil
}

// DeleteJob removes a job with its tasks and their details.
func (s *Store) DeleteJob(ctx context.Context, jobID, domainID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ? AND domain_id = ?", jobID, domainID).Delete(&Detail{}).Error; err != nil {
			return fmt.Errorf("delete job task details: %w", err)
		}
		if err := tx.Where("job_id = ? AND domain_id = ?", jobID, domainID).Delete(&Task{}).Error; err != nil {
			return fmt.Errorf("delete job tasks: %w", err)
		}
		if err := tx.Where("job_id = ? AND domain_id = ?", jobID, domainID).Delete(&Job{}).Error; err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return nil
	})
}

// DeleteTask removes one task and its detail.
func (s *Store) DeleteTask(ctx context.Context, taskID, domainID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_task_id = ? AND domain_id = ?", taskID, domainID).Delete(&Detail{}).Error; err != nil {
			return fmt.Errorf("delete job task detail: %w", err)
		}
		if err := tx.Where("job_task_id = ? AND domain_id = ?", taskID, domainID).Delete(&Task{}).Error; err != nil {
			return fmt.Errorf("delete job task: %w", err)
		}
		return nil
	})
}

// StuckTasks returns the ids of tasks IN_PROGRESS since before cutoff.
func (s *Store) StuckTasks(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Task{}).
		Where("status = ? AND started_at < ?", TaskInProgress, cutoff).
		Pluck("job_task_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list stuck job tasks: %w", err)
	}
	return ids, nil
}

// DeleteOlderThan removes finished jobs, with their tasks and details,
// that finished before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&Job{}).
			Where("status IN ? AND finished_at < ?", []Status{StatusSuccess, StatusFailure, StatusCanceled}, cutoff).
			Pluck("job_id", &ids).Error
		if err != nil {
			return fmt.Errorf("list old jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&Detail{}).Error; err != nil {
			return fmt.Errorf("delete old job task details: %w", err)
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&Task{}).Error; err != nil {
			return fmt.Errorf("delete old job tasks: %w", err)
		}
		res := tx.Where("job_id IN ?", ids).Delete(&Job{})
		if res.Error != nil {
			return fmt.Errorf("delete old jobs: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}
