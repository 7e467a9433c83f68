package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

// AssessmentRepo stores assessment snapshots. Rows are never updated.
type AssessmentRepo struct {
	db *gorm.DB
}

// Save inserts a new snapshot.
func (r *AssessmentRepo) Save(ctx context.Context, a *models.Assessment) error {
	a.ID = uuid.New().String()
	return r.db.WithContext(ctx).Create(a).Error
}

// Latest returns the most recent snapshot for a job.
func (r *AssessmentRepo) Latest(ctx context.Context, jobID string) (*models.Assessment, error) {
	var a models.Assessment
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at desc").First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}
