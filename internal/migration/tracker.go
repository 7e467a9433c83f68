package migration

import (
	"context"

	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/progress"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// ItemFilter selects a page of a job's items.
type ItemFilter struct {
	Status   string
	ItemType string
	Page     int // 1-based
	PageSize int
}

// ItemPage is one page of items in enumeration order.
type ItemPage struct {
	Items    []models.Item `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// Tracker reads item state and applies item transitions for the transfer loop.
// Every mutator commits the item and the job counters together, then
// publishes an item_update followed by a job_progress event.
type Tracker struct {
	store   *store.Store
	broker  *progress.Broker
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewTracker(st *store.Store, broker *progress.Broker, m *metrics.Metrics, log *zap.Logger) *Tracker {
	return &Tracker{store: st, broker: broker, metrics: m, log: log}
}

// List returns a page of a job's items filtered by status and item type.
func (t *Tracker) List(ctx context.Context, jobID string, f ItemFilter) (*ItemPage, error) {
	if _, err := t.store.Jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}

	q := store.ItemQuery{}
	if f.Status != "" {
		st, err := models.ParseItemStatus(f.Status)
		if err != nil {
			return nil, err
		}
		q.Status = st
	}
	if f.ItemType != "" {
		it, err := models.ParseItemType(f.ItemType)
		if err != nil {
			return nil, err
		}
		q.Type = it
	}

	page, size := f.Page, f.PageSize
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = DefaultPageSize
	}
	if page < 1 {
		return nil, &models.ValidationError{Field: "page", Reason: "must be at least 1"}
	}
	if size < 1 || size > MaxPageSize {
		return nil, &models.ValidationError{Field: "page_size", Reason: "must be between 1 and 500"}
	}
	q.Offset = (page - 1) * size
	q.Limit = size

	items, total, err := t.store.Items.List(ctx, jobID, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.Item{}
	}
	return &ItemPage{Items: items, Total: total, Page: page, PageSize: size}, nil
}

func (t *Tracker) MarkInProgress(ctx context.Context, itemID string) (*models.Item, *models.Job, error) {
	return t.apply(ctx, itemID, store.ItemChange{Status: models.ItemInProgress})
}

func (t *Tracker) MarkCompleted(ctx context.Context, itemID, targetPath string, sizeBytes int64) (*models.Item, *models.Job, error) {
	return t.apply(ctx, itemID, store.ItemChange{Status: models.ItemCompleted, TargetPath: targetPath, SizeBytes: sizeBytes})
}

func (t *Tracker) MarkFailed(ctx context.Context, itemID, reason string) (*models.Item, *models.Job, error) {
	return t.apply(ctx, itemID, store.ItemChange{Status: models.ItemFailed, ErrorMessage: reason})
}

// MarkSkipped records why an item was not transferred. targetPath is kept
// when the target already holds the object.
func (t *Tracker) MarkSkipped(ctx context.Context, itemID, reason, targetPath string) (*models.Item, *models.Job, error) {
	return t.apply(ctx, itemID, store.ItemChange{Status: models.ItemSkipped, ErrorMessage: reason, TargetPath: targetPath})
}

// markPending returns an interrupted item to the queue.
func (t *Tracker) markPending(ctx context.Context, itemID string) (*models.Item, *models.Job, error) {
	return t.apply(ctx, itemID, store.ItemChange{Status: models.ItemPending})
}

// SkipPending skips every remaining pending item of a job with reason.
func (t *Tracker) SkipPending(ctx context.Context, jobID, reason string) (*models.Job, error) {
	pending, _, err := t.store.Items.List(ctx, jobID, store.ItemQuery{Status: models.ItemPending})
	if err != nil {
		return nil, err
	}
	job, err := t.store.Items.SkipPending(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	for _, it := range pending {
		t.metrics.ItemFinished(string(models.ItemSkipped), 0)
		t.broker.Publish(models.ProgressEvent{
			Type:  models.EventItemUpdate,
			JobID: jobID,
			Payload: models.ItemUpdate{
				ItemID:       it.ID,
				SourcePath:   it.SourcePath,
				Status:       models.ItemSkipped,
				SizeBytes:    it.SizeBytes,
				ErrorMessage: reason,
			},
		})
	}
	if len(pending) > 0 {
		t.publishProgress(job)
	}
	return job, nil
}

func (t *Tracker) apply(ctx context.Context, itemID string, ch store.ItemChange) (*models.Item, *models.Job, error) {
	item, job, err := t.store.Items.Apply(ctx, itemID, ch)
	if err != nil {
		return nil, nil, err
	}
	if item.Status.Terminal() {
		var bytes int64
		if item.Status == models.ItemCompleted {
			bytes = item.SizeBytes
		}
		t.metrics.ItemFinished(string(item.Status), bytes)
	}
	t.log.Debug("item updated",
		zap.String("job_id", item.JobID),
		zap.String("source_path", item.SourcePath),
		zap.String("status", string(item.Status)),
	)
	t.broker.Publish(models.ProgressEvent{
		Type:  models.EventItemUpdate,
		JobID: item.JobID,
		Payload: models.ItemUpdate{
			ItemID:       item.ID,
			SourcePath:   item.SourcePath,
			TargetPath:   item.TargetPath,
			Status:       item.Status,
			SizeBytes:    item.SizeBytes,
			ErrorMessage: item.ErrorMessage,
		},
	})
	t.publishProgress(job)
	return item, job, nil
}

func (t *Tracker) publishProgress(job *models.Job) {
	t.broker.Publish(models.ProgressEvent{
		Type:    models.EventJobProgress,
		JobID:   job.ID,
		Payload: job.Snapshot(),
	})
}
