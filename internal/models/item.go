package models

import "time"

// ItemType distinguishes artifact content from metadata records.
type ItemType string

const (
	ItemArtifact ItemType = "artifact"
	ItemMetadata ItemType = "metadata"
)

// ItemStatus is the state of a single migration unit.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item reached a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// ParseItemStatus validates s as an ItemStatus.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch ItemStatus(s) {
	case ItemPending, ItemInProgress, ItemCompleted, ItemFailed, ItemSkipped:
		return ItemStatus(s), nil
	}
	return "", &ValidationError{Field: "status", Reason: "unknown item status " + s}
}

// ParseItemType validates s as an ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch ItemType(s) {
	case ItemArtifact, ItemMetadata:
		return ItemType(s), nil
	}
	return "", &ValidationError{Field: "item_type", Reason: "unknown item type " + s}
}

// Item is the smallest unit of migration work: one artifact or one metadata record.
type Item struct {
	ID           string     `json:"id" gorm:"column:id;primaryKey"`
	JobID        string     `json:"job_id" gorm:"column:job_id;not null;index:idx_items_job_seq,priority:1"`
	Sequence     int        `json:"sequence" gorm:"column:sequence;not null;index:idx_items_job_seq,priority:2"`
	Repository   string     `json:"repository" gorm:"column:repository"`
	SourcePath   string     `json:"source_path" gorm:"column:source_path;not null"`
	TargetPath   string     `json:"target_path,omitempty" gorm:"column:target_path"`
	Type         ItemType   `json:"item_type" gorm:"column:item_type;not null"`
	Status       ItemStatus `json:"status" gorm:"column:status;not null;index"`
	SizeBytes    int64      `json:"size_bytes" gorm:"column:size_bytes;not null;default:0"`
	Checksum     string     `json:"checksum,omitempty" gorm:"column:checksum"` // expected sha256
	DownloadURL  string     `json:"-" gorm:"column:download_url"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"column:error_message"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

func (Item) TableName() string { return "items" }
