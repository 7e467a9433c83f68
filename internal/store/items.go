package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// ItemRepo persists migration items. Every mutation updates the owning job's
// counters in the same transaction.
type ItemRepo struct {
	db *gorm.DB
}

// ItemQuery filters and pages an item listing.
type ItemQuery struct {
	Status models.ItemStatus
	Type   models.ItemType
	Offset int
	Limit  int
}

// ItemChange is the new state of one item.
type ItemChange struct {
	Status       models.ItemStatus
	TargetPath   string
	SizeBytes    int64
	ErrorMessage string
}

// ReplaceInventory stores the enumerated items of a job in enumeration order and
// records the totals. Any previous inventory of the job is discarded.
func (r *ItemRepo) ReplaceInventory(ctx context.Context, jobID string, items []models.Item) (*models.Job, error) {
	var out models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Delete(&models.Item{}, "job_id = ?", jobID).Error; err != nil {
			return err
		}

		var total int64
		now := time.Now()
		for i := range items {
			items[i].ID = uuid.New().String()
			items[i].JobID = jobID
			items[i].Sequence = i
			items[i].Status = models.ItemPending
			items[i].UpdatedAt = now
			total += items[i].SizeBytes
		}
		if len(items) > 0 {
			if err := tx.CreateInBatches(items, 200).Error; err != nil {
				return err
			}
		}

		j.TotalItems = len(items)
		j.TotalBytes = total
		j.CompletedItems, j.FailedItems, j.SkippedItems = 0, 0, 0
		j.TransferredBytes = 0
		j.ProgressPercent = 0
		j.Enumerated = true
		if err := tx.Save(&j).Error; err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a page of a job's items in enumeration order and the total match count.
func (r *ItemRepo) List(ctx context.Context, jobID string, q ItemQuery) ([]models.Item, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Item{}).Where("job_id = ?", jobID)
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Type != "" {
		query = query.Where("item_type = ?", q.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []models.Item
	page := query.Order("sequence asc").Offset(q.Offset)
	if q.Limit > 0 {
		page = page.Limit(q.Limit)
	}
	if err := page.Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// All returns every item of a job in enumeration order.
func (r *ItemRepo) All(ctx context.Context, jobID string) ([]models.Item, error) {
	var items []models.Item
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("sequence asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// NextPending returns the first pending item by enumeration order, or nil when none remain.
func (r *ItemRepo) NextPending(ctx context.Context, jobID string) (*models.Item, error) {
	var items []models.Item
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, models.ItemPending).
		Order("sequence asc").Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// CountOpen counts items that are pending or in progress.
func (r *ItemRepo) CountOpen(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("job_id = ? AND status IN ?", jobID, []models.ItemStatus{models.ItemPending, models.ItemInProgress}).
		Count(&n).Error
	return n, err
}

// Apply moves one item to a new state and adjusts the job counters atomically.
// Items that already reached a terminal state cannot change again.
func (r *ItemRepo) Apply(ctx context.Context, itemID string, ch ItemChange) (*models.Item, *models.Job, error) {
	var outItem models.Item
	var outJob models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var it models.Item
		if err := tx.First(&it, "id = ?", itemID).Error; err != nil {
			return notFound(err)
		}
		if it.Status.Terminal() {
			return fmt.Errorf("item %s already %s", it.ID, it.Status)
		}
		var j models.Job
		if err := tx.First(&j, "id = ?", it.JobID).Error; err != nil {
			return notFound(err)
		}

		it.Status = ch.Status
		it.ErrorMessage = ch.ErrorMessage
		it.UpdatedAt = time.Now()
		switch ch.Status {
		case models.ItemCompleted:
			it.TargetPath = ch.TargetPath
			it.SizeBytes = ch.SizeBytes
			j.CompletedItems++
			j.TransferredBytes += ch.SizeBytes
		case models.ItemFailed:
			j.FailedItems++
		case models.ItemSkipped:
			if ch.TargetPath != "" {
				it.TargetPath = ch.TargetPath
			}
			j.SkippedItems++
		}
		j.ProgressPercent = j.ComputeProgress()

		if err := tx.Save(&it).Error; err != nil {
			return err
		}
		if err := tx.Save(&j).Error; err != nil {
			return err
		}
		outItem, outJob = it, j
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &outItem, &outJob, nil
}

// SkipPending marks every remaining pending item of a job skipped with reason.
func (r *ItemRepo) SkipPending(ctx context.Context, jobID, reason string) (*models.Job, error) {
	var out models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", jobID).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.Item{}).
			Where("job_id = ? AND status = ?", jobID, models.ItemPending).
			Updates(map[string]interface{}{
				"status":        models.ItemSkipped,
				"error_message": reason,
				"updated_at":    time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		j.SkippedItems += int(res.RowsAffected)
		j.ProgressPercent = j.ComputeProgress()
		if err := tx.Save(&j).Error; err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetInProgress returns interrupted items to pending so a later run retries them.
func (r *ItemRepo) ResetInProgress(ctx context.Context, jobID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Item{}).
		Where("job_id = ? AND status = ?", jobID, models.ItemInProgress).
		Updates(map[string]interface{}{"status": models.ItemPending, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}
