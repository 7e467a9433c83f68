package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RepositorySummary is the per-repository slice of an assessment.
type RepositorySummary struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Items  int    `json:"items"`
	Bytes  int64  `json:"bytes"`
}

// Conflict flags a source entry whose target path cannot be written cleanly.
type Conflict struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	Reason     string `json:"reason"` // duplicate_target, target_exists or invalid_target
}

// AssessmentDetail is the JSON body of an assessment row.
type AssessmentDetail struct {
	Repositories []RepositorySummary `json:"repositories"`
	Conflicts    []Conflict          `json:"conflicts"`
}

func (d AssessmentDetail) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *AssessmentDetail) Scan(v interface{}) error {
	switch data := v.(type) {
	case nil:
		*d = AssessmentDetail{}
		return nil
	case string:
		return json.Unmarshal([]byte(data), d)
	case []byte:
		return json.Unmarshal(data, d)
	}
	return fmt.Errorf("unsupported assessment detail type %T", v)
}

// Assessment is a read-only inventory snapshot of a source registry.
type Assessment struct {
	ID            string           `json:"id" gorm:"column:id;primaryKey"`
	JobID         string           `json:"job_id" gorm:"column:job_id;not null;index"`
	TotalItems    int              `json:"total_items" gorm:"column:total_items"`
	TotalBytes    int64            `json:"total_bytes" gorm:"column:total_bytes"`
	RemoteVersion string           `json:"remote_version,omitempty" gorm:"column:remote_version"`
	Detail        AssessmentDetail `json:"detail" gorm:"column:detail;type:text"`
	CreatedAt     time.Time        `json:"created_at" gorm:"column:created_at"`
}

func (Assessment) TableName() string { return "assessments" }
