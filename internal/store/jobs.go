package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// JobRepo persists migration jobs. Status changes go through Transition so
// the lifecycle table is enforced in one place.
type JobRepo struct {
	db *gorm.DB
}

// Create inserts j in the pending state, assigning it a UUID.
func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	j.ID = uuid.New().String()
	j.Status = models.JobPending
	return r.db.WithContext(ctx).Create(j).Error
}

// Get returns a job by ID.
func (r *JobRepo) Get(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// List returns all jobs, most recent first.
func (r *JobRepo) List(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListByStatus returns jobs in any of the given states.
func (r *JobRepo) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	var jobs []models.Job
	if err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at asc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Delete removes a job together with its items and assessments.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Job{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrNotFound
		}
		if err := tx.Delete(&models.Item{}, "job_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Assessment{}, "job_id = ?", id).Error
	})
}

// Transition applies ev to the job's current status and persists the result.
// apply, when non-nil, may adjust other fields of the job inside the same
// transaction. A disallowed transition returns a NotReadyError and changes nothing.
func (r *JobRepo) Transition(ctx context.Context, id string, ev models.JobEvent, apply func(*models.Job)) (*models.Job, error) {
	var out models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j models.Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		next, err := models.NextStatus(j.Status, ev)
		if err != nil {
			return err
		}
		now := time.Now()
		j.Status = next
		switch {
		case next == models.JobRunning && j.StartedAt == nil:
			j.StartedAt = &now
		case next.Terminal():
			j.FinishedAt = &now
			if next == models.JobCompleted {
				j.ProgressPercent = 100
			}
		}
		if apply != nil {
			apply(&j)
		}
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

// SetEstimates records assessment totals on a job that has not enumerated yet.
func (r *JobRepo) SetEstimates(ctx context.Context, id string, items int, bytes int64) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND enumerated = ?", id, false).
		Updates(map[string]interface{}{"total_items": items, "total_bytes": bytes, "updated_at": time.Now()}).Error
}
