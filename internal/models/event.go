package models

// EventType discriminates progress events on the push channel.
type EventType string

const (
	EventItemUpdate  EventType = "item_update"
	EventJobProgress EventType = "job_progress"
	EventJobComplete EventType = "job_complete"
	EventJobFailed   EventType = "job_failed"
)

// Terminal reports whether the event ends a job's stream.
func (t EventType) Terminal() bool {
	return t == EventJobComplete || t == EventJobFailed
}

// ProgressEvent is an ephemeral notification of a job or item state change.
type ProgressEvent struct {
	Type    EventType   `json:"type"`
	JobID   string      `json:"job_id"`
	Payload interface{} `json:"payload"`
}

// ItemUpdate is the payload of an item_update event.
type ItemUpdate struct {
	ItemID       string     `json:"item_id"`
	SourcePath   string     `json:"source_path"`
	TargetPath   string     `json:"target_path,omitempty"`
	Status       ItemStatus `json:"status"`
	SizeBytes    int64      `json:"size_bytes"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// JobProgress is the counter payload of job_progress and terminal events.
type JobProgress struct {
	Status           JobStatus `json:"status"`
	ProgressPercent  int       `json:"progress_percent"`
	TotalItems       int       `json:"total_items"`
	CompletedItems   int       `json:"completed_items"`
	FailedItems      int       `json:"failed_items"`
	SkippedItems     int       `json:"skipped_items"`
	TotalBytes       int64     `json:"total_bytes"`
	TransferredBytes int64     `json:"transferred_bytes"`
	ErrorSummary     string    `json:"error_summary,omitempty"`
}

// EventForStatus is the event type announcing a job that reached status.
func EventForStatus(s JobStatus) EventType {
	switch s {
	case JobCompleted, JobCancelled:
		return EventJobComplete
	case JobFailed:
		return EventJobFailed
	}
	return EventJobProgress
}
