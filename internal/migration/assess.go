package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
	"github.com/rflorenc/artifact-migration-workbench/internal/target"
)

// Assessor enumerates a source without transferring content and estimates
// the scope of a job.
type Assessor struct {
	store  *store.Store
	target *target.Store
	log    *zap.Logger
}

func NewAssessor(st *store.Store, tgt *target.Store, log *zap.Logger) *Assessor {
	return &Assessor{store: st, target: tgt, log: log}
}

// Run enumerates reg with the job's repository filter, flags target path
// conflicts and stores a new assessment. Jobs that have not enumerated yet
// get their totals updated.
func (a *Assessor) Run(ctx context.Context, job *models.Job, reg source.Registry, remoteVersion string) (*models.Assessment, error) {
	inv, err := reg.Enumerate(ctx, job.Config.Includes)
	if err != nil {
		return nil, fmt.Errorf("enumerating source: %w", err)
	}

	detail := models.AssessmentDetail{
		Repositories: []models.RepositorySummary{},
		Conflicts:    []models.Conflict{},
	}
	index := make(map[string]int)
	for _, r := range inv.Repositories {
		index[r.Name] = len(detail.Repositories)
		detail.Repositories = append(detail.Repositories, models.RepositorySummary{Name: r.Name, Format: r.Format})
	}

	var totalBytes int64
	seen := make(map[string]bool)
	for _, e := range inv.Entries {
		totalBytes += e.Size
		if i, ok := index[e.Repository]; ok {
			detail.Repositories[i].Items++
			detail.Repositories[i].Bytes += e.Size
		}

		tp := TargetPath(e)
		if seen[tp] {
			detail.Conflicts = append(detail.Conflicts, models.Conflict{
				SourcePath: e.SourcePath(),
				TargetPath: tp,
				Reason:     "duplicate_target",
			})
			continue
		}
		seen[tp] = true

		if e.Type != models.ItemArtifact {
			continue
		}
		exists, err := a.target.Exists(tp)
		if err != nil {
			detail.Conflicts = append(detail.Conflicts, models.Conflict{
				SourcePath: e.SourcePath(),
				TargetPath: tp,
				Reason:     "invalid_target",
			})
			continue
		}
		if exists {
			detail.Conflicts = append(detail.Conflicts, models.Conflict{
				SourcePath: e.SourcePath(),
				TargetPath: tp,
				Reason:     "target_exists",
			})
		}
	}

	result := &models.Assessment{
		JobID:         job.ID,
		TotalItems:    len(inv.Entries),
		TotalBytes:    totalBytes,
		RemoteVersion: remoteVersion,
		Detail:        detail,
	}
	if err := a.store.Assessments.Save(ctx, result); err != nil {
		return nil, fmt.Errorf("saving assessment: %w", err)
	}
	if !job.Enumerated && !job.Status.Terminal() {
		if err := a.store.Jobs.SetEstimates(ctx, job.ID, result.TotalItems, result.TotalBytes); err != nil {
			return nil, fmt.Errorf("recording estimates: %w", err)
		}
	}

	a.log.Info("assessment stored",
		zap.String("job_id", job.ID),
		zap.Int("items", result.TotalItems),
		zap.Int("conflicts", len(detail.Conflicts)),
	)
	return result, nil
}
