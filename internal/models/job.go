package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects what a migration job does with the enumerated inventory.
type JobType string

const (
	JobFull        JobType = "full"
	JobIncremental JobType = "incremental"
	JobAssessment  JobType = "assessment"
)

// ParseJobType validates s as a JobType.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobFull, JobIncremental, JobAssessment:
		return JobType(s), nil
	}
	return "", &ValidationError{Field: "job_type", Reason: "must be full, incremental or assessment"}
}

// JobStatus is a state of the job lifecycle.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobReady     JobStatus = "ready"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job is mid-run (running or paused).
func (s JobStatus) Active() bool {
	return s == JobRunning || s == JobPaused
}

// JobEvent drives a status transition.
type JobEvent string

const (
	EventEnumerated JobEvent = "enumerated"
	EventStart      JobEvent = "start"
	EventPause      JobEvent = "pause"
	EventResume     JobEvent = "resume"
	EventCancel     JobEvent = "cancel"
	EventFinish     JobEvent = "finish"
	EventFail       JobEvent = "fail"
)

var transitions = map[JobStatus]map[JobEvent]JobStatus{
	JobPending: {
		EventEnumerated: JobReady,
		EventStart:      JobRunning,
		EventCancel:     JobCancelled,
		EventFail:       JobFailed,
	},
	JobReady: {
		EventStart:  JobRunning,
		EventCancel: JobCancelled,
		EventFail:   JobFailed,
	},
	JobRunning: {
		EventPause:  JobPaused,
		EventCancel: JobCancelled,
		EventFinish: JobCompleted,
		EventFail:   JobFailed,
	},
	JobPaused: {
		EventResume: JobRunning,
		EventCancel: JobCancelled,
		EventFail:   JobFailed,
	},
}

// NextStatus applies ev to from using the lifecycle transition table.
func NextStatus(from JobStatus, ev JobEvent) (JobStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, &NotReadyError{Op: string(ev), Status: from}
}

// JobConfig holds per-job options.
type JobConfig struct {
	DryRun       bool     `json:"dry_run"`
	Repositories []string `json:"repositories,omitempty"` // empty = all repositories
}

// Value stores the config as a JSON column.
func (c JobConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads the config from a JSON column.
func (c *JobConfig) Scan(v interface{}) error {
	switch data := v.(type) {
	case nil:
		*c = JobConfig{}
		return nil
	case string:
		return json.Unmarshal([]byte(data), c)
	case []byte:
		return json.Unmarshal(data, c)
	}
	return fmt.Errorf("unsupported job config type %T", v)
}

// Includes reports whether repo passes the repository filter.
func (c JobConfig) Includes(repo string) bool {
	if len(c.Repositories) == 0 {
		return true
	}
	for _, r := range c.Repositories {
		if r == repo {
			return true
		}
	}
	return false
}

// Job is a migration job: a bounded transfer of items from one source connection.
type Job struct {
	ID                 string     `json:"id" gorm:"column:id;primaryKey"`
	SourceConnectionID string     `json:"source_connection_id" gorm:"column:source_connection_id;index"`
	Type               JobType    `json:"job_type" gorm:"column:job_type;not null"`
	Status             JobStatus  `json:"status" gorm:"column:status;not null;index"`
	Config             JobConfig  `json:"config" gorm:"column:config;type:text"`
	ProgressPercent    int        `json:"progress_percent" gorm:"column:progress_percent;not null;default:0"`
	TotalItems         int        `json:"total_items" gorm:"column:total_items;not null;default:0"`
	CompletedItems     int        `json:"completed_items" gorm:"column:completed_items;not null;default:0"`
	FailedItems        int        `json:"failed_items" gorm:"column:failed_items;not null;default:0"`
	SkippedItems       int        `json:"skipped_items" gorm:"column:skipped_items;not null;default:0"`
	TotalBytes         int64      `json:"total_bytes" gorm:"column:total_bytes;not null;default:0"`
	TransferredBytes   int64      `json:"transferred_bytes" gorm:"column:transferred_bytes;not null;default:0"`
	Enumerated         bool       `json:"-" gorm:"column:enumerated;not null;default:false"`
	StartedAt          *time.Time `json:"started_at" gorm:"column:started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty" gorm:"column:finished_at"`
	ErrorSummary       string     `json:"error_summary,omitempty" gorm:"column:error_summary"`
	CreatedAt          time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Job) TableName() string { return "jobs" }

// Detached reports whether the job lost its source connection.
func (j *Job) Detached() bool {
	return j.SourceConnectionID == ""
}

// TerminalItems is the number of items that reached a final state.
func (j *Job) TerminalItems() int {
	return j.CompletedItems + j.FailedItems + j.SkippedItems
}

// ComputeProgress returns the progress percentage implied by the counters,
// never lower than the currently recorded value.
func (j *Job) ComputeProgress() int {
	if j.TotalItems <= 0 {
		return j.ProgressPercent
	}
	p := j.TerminalItems() * 100 / j.TotalItems
	if p > 100 {
		p = 100
	}
	if p < j.ProgressPercent {
		return j.ProgressPercent
	}
	return p
}

// Snapshot is the counter payload shared by job-level progress events.
func (j *Job) Snapshot() JobProgress {
	return JobProgress{
		Status:           j.Status,
		ProgressPercent:  j.ProgressPercent,
		TotalItems:       j.TotalItems,
		CompletedItems:   j.CompletedItems,
		FailedItems:      j.FailedItems,
		SkippedItems:     j.SkippedItems,
		TotalBytes:       j.TotalBytes,
		TransferredBytes: j.TransferredBytes,
		ErrorSummary:     j.ErrorSummary,
	}
}
