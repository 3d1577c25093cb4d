// Package job runs collections: a job is one collector run, split into
// tasks that workers claim and execute against the collector plugin.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is the state of a job.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusCanceled   Status = "CANCELED"
)

// IsTerminal reports whether no task of the job can change it any more.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCanceled
}

// TaskStatus is the state of a job task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskCanceled   TaskStatus = "CANCELED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskSuccess    TaskStatus = "SUCCESS"
	TaskFailure    TaskStatus = "FAILURE"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskCanceled},
	TaskInProgress: {TaskSuccess, TaskFailure, TaskCanceled},
}

// CanTransition reports whether a task in status s may move to to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task has finished.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskCanceled
}

// Job is one run of a collector.
type Job struct {
	JobID          string            `gorm:"column:job_id;primaryKey;size:40" json:"job_id"`
	Status         Status            `gorm:"column:status;size:20;not null;default:IN_PROGRESS;index" json:"status"`
	TotalTasks     int               `gorm:"column:total_tasks;not null;default:0" json:"total_tasks"`
	RemainedTasks  int               `gorm:"column:remained_tasks;not null;default:0" json:"remained_tasks"`
	SuccessTasks   int               `gorm:"column:success_tasks;not null;default:0" json:"success_tasks"`
	FailureTasks   int               `gorm:"column:failure_tasks;not null;default:0" json:"failure_tasks"`
	CollectorID    string            `gorm:"column:collector_id;size:40;index" json:"collector_id"`
	PluginID       string            `gorm:"column:plugin_id;size:40" json:"plugin_id"`
	PluginEndpoint string            `gorm:"column:plugin_endpoint;size:255" json:"plugin_endpoint"`
	Options        datatypes.JSONMap `gorm:"column:options" json:"options"`
	SecretID       string            `gorm:"column:request_secret_id;size:40" json:"request_secret_id,omitempty"`
	ResourceGroup  string            `gorm:"column:resource_group;size:40" json:"resource_group"`
	WorkspaceID    string            `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	DomainID       string            `gorm:"column:domain_id;size:40;not null;index" json:"domain_id"`
	CreatedAt      time.Time         `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at" json:"updated_at"`
	FinishedAt     *time.Time        `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

// TableName overrides the default.
func (Job) TableName() string { return "jobs" }

// Task is the unit a worker collects: one secret and one set of task
// options of a job.
type Task struct {
	JobTaskID         string            `gorm:"column:job_task_id;primaryKey;size:40" json:"job_task_id"`
	Status            TaskStatus        `gorm:"column:status;size:20;not null;default:PENDING;index:idx_job_task_claim,priority:1" json:"status"`
	CreatedCount      int               `gorm:"column:created_count;not null;default:0" json:"created_count"`
	UpdatedCount      int               `gorm:"column:updated_count;not null;default:0" json:"updated_count"`
	DeletedCount      int               `gorm:"column:deleted_count;not null;default:0" json:"deleted_count"`
	DisconnectedCount int               `gorm:"column:disconnected_count;not null;default:0" json:"disconnected_count"`
	FailureCount      int               `gorm:"column:failure_count;not null;default:0" json:"failure_count"`
	TotalCount        int               `gorm:"column:total_count;not null;default:0" json:"total_count"`
	TaskOptions       datatypes.JSONMap `gorm:"column:task_options" json:"task_options,omitempty"`
	JobID             string            `gorm:"column:job_id;size:40;not null;index" json:"job_id"`
	SecretID          string            `gorm:"column:secret_id;size:40" json:"secret_id"`
	CollectorID       string            `gorm:"column:collector_id;size:40;index" json:"collector_id"`
	ServiceAccountID  string            `gorm:"column:service_account_id;size:40" json:"service_account_id"`
	ProjectID         string            `gorm:"column:project_id;size:40;index" json:"project_id"`
	Provider          string            `gorm:"column:provider;size:40" json:"provider"`
	WorkspaceID       string            `gorm:"column:workspace_id;size:40;index" json:"workspace_id"`
	DomainID          string            `gorm:"column:domain_id;size:40;not null;index" json:"domain_id"`
	CreatedAt         time.Time         `gorm:"column:created_at;index:idx_job_task_claim,priority:2" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at" json:"updated_at"`
	StartedAt         *time.Time        `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt        *time.Time        `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

// TableName overrides the default.
func (Task) TableName() string { return "job_tasks" }

// Detail records what a task did to individual resources. Each info list
// holds one entry per affected resource.
type Detail struct {
	JobTaskID        string                              `gorm:"column:job_task_id;primaryKey;size:40" json:"job_task_id"`
	JobID            string                              `gorm:"column:job_id;primaryKey;size:40" json:"job_id"`
	CreatedInfo      datatypes.JSONSlice[map[string]any] `gorm:"column:created_info" json:"created_info"`
	UpdatedInfo      datatypes.JSONSlice[map[string]any] `gorm:"column:updated_info" json:"updated_info"`
	FailureInfo      datatypes.JSONSlice[map[string]any] `gorm:"column:failure_info" json:"failure_info"`
	DeletedInfo      datatypes.JSONSlice[map[string]any] `gorm:"column:deleted_info" json:"deleted_info"`
	DisconnectedInfo datatypes.JSONSlice[map[string]any] `gorm:"column:disconnected_info" json:"disconnected_info"`
	ProjectID        string                              `gorm:"column:project_id;size:40" json:"project_id"`
	WorkspaceID      string                              `gorm:"column:workspace_id;size:40" json:"workspace_id"`
	DomainID         string                              `gorm:"column:domain_id;size:40;not null" json:"domain_id"`
	CreatedAt        time.Time                           `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default.
func (Detail) TableName() string { return "job_task_details" }

// Info kinds of a Detail.
const (
	InfoCreated      = "created_info"
	InfoUpdated      = "updated_info"
	InfoFailure      = "failure_info"
	InfoDeleted      = "deleted_info"
	InfoDisconnected = "disconnected_info"
)

func newID(prefix string) string {
	id := uuid.New()
	return fmt.Sprintf("%s-%x", prefix, id[:6])
}
