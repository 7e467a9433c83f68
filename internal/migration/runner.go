package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
)

// maxSummaryMessages bounds the distinct item errors quoted in error_summary.
const maxSummaryMessages = 3

// loop is the single goroutine that drives a job: enumerate, then transfer
// pending items one at a time in enumeration order. Source calls use ctx,
// which Cancel and Shutdown cancel; store writes never do.
func (e *Engine) loop(ctx context.Context, r *run) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		if e.active[r.jobID] == r {
			delete(e.active, r.jobID)
		}
		e.mu.Unlock()
		r.cancel()
		close(r.done)
	}()

	db := context.WithoutCancel(ctx)
	log := e.log.With(zap.String("job_id", r.jobID))

	job, err := e.store.Jobs.Get(db, r.jobID)
	if err != nil {
		log.Error("loading job", zap.Error(err))
		return
	}
	conn, err := e.conns.Get(db, job.SourceConnectionID)
	if err != nil {
		e.failJob(db, job.ID, fmt.Errorf("loading source connection: %w", err))
		return
	}
	reg, err := e.conns.Registry(conn)
	if err != nil {
		e.failJob(db, job.ID, err)
		return
	}

	if job.Type == models.JobAssessment {
		e.runAssessment(ctx, r, job, reg, conn.RemoteVersion)
		return
	}

	if !job.Enumerated {
		inv, err := reg.Enumerate(ctx, job.Config.Includes)
		if err != nil {
			if ctx.Err() != nil {
				e.interrupted(db, r)
				return
			}
			e.failJob(db, job.ID, fmt.Errorf("enumerating source: %w", err))
			return
		}
		job, err = e.store.Items.ReplaceInventory(db, job.ID, itemsFromInventory(inv))
		if err != nil {
			e.failJob(db, r.jobID, fmt.Errorf("storing inventory: %w", err))
			return
		}
		log.Info("inventory enumerated", zap.Int("items", job.TotalItems), zap.Int64("bytes", job.TotalBytes))
	}

	if job.Detached() {
		e.failJob(db, job.ID, errors.New("source connection was deleted"))
		return
	}
	if job, err = e.advance(db, job); err != nil {
		e.failJob(db, r.jobID, err)
		return
	}

	for {
		if e.boundary(db, r) {
			return
		}
		it, err := e.store.Items.NextPending(db, job.ID)
		if err != nil {
			e.failJob(db, job.ID, err)
			return
		}
		if it == nil {
			break
		}

		err = e.transferItem(ctx, reg, job, it)
		switch {
		case err == nil:
		case errors.Is(err, errInterrupted):
			e.interrupted(db, r)
			return
		default:
			e.failJob(db, job.ID, err)
			return
		}
	}

	e.complete(db, r)
}

// advance moves an enumerated job through ready to running.
func (e *Engine) advance(ctx context.Context, job *models.Job) (*models.Job, error) {
	var err error
	if job.Status == models.JobPending {
		if job, err = e.transition(ctx, job.ID, models.EventEnumerated, nil); err != nil {
			return nil, err
		}
	}
	if job.Status == models.JobReady {
		if job, err = e.transition(ctx, job.ID, models.EventStart, nil); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// boundary applies outstanding control requests between items. Reports
// whether the loop must exit.
func (e *Engine) boundary(ctx context.Context, r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case r.cancelled:
		if _, err := e.finishCancelled(ctx, r.jobID); err != nil {
			e.log.Error("cancelling job", zap.String("job_id", r.jobID), zap.Error(err))
		}
	case r.shutdown:
		e.pauseForShutdown(ctx, r.jobID)
	case r.pause:
		if _, err := e.transition(ctx, r.jobID, models.EventPause, nil); err != nil {
			e.log.Error("pausing job", zap.String("job_id", r.jobID), zap.Error(err))
		}
	default:
		return false
	}
	delete(e.active, r.jobID)
	return true
}

// interrupted resolves a loop whose context ended mid-operation.
func (e *Engine) interrupted(ctx context.Context, r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.cancelled {
		if _, err := e.finishCancelled(ctx, r.jobID); err != nil {
			e.log.Error("cancelling job", zap.String("job_id", r.jobID), zap.Error(err))
		}
	} else {
		e.pauseForShutdown(ctx, r.jobID)
	}
	delete(e.active, r.jobID)
}

// pauseForShutdown returns in-flight items to pending and pauses a running
// job so it can be resumed after restart.
func (e *Engine) pauseForShutdown(ctx context.Context, jobID string) {
	inFlight, _, err := e.store.Items.List(ctx, jobID, store.ItemQuery{Status: models.ItemInProgress})
	if err != nil {
		e.log.Error("listing in-flight items", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	for _, it := range inFlight {
		if _, _, err := e.tracker.markPending(ctx, it.ID); err != nil {
			e.log.Error("requeueing item", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
	job, err := e.store.Jobs.Get(ctx, jobID)
	if err != nil || job.Status != models.JobRunning {
		return
	}
	if _, err := e.transition(ctx, jobID, models.EventPause, nil); err != nil {
		e.log.Error("pausing job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// complete finishes a job whose items are all terminal.
func (e *Engine) complete(ctx context.Context, r *run) {
	job, err := e.store.Jobs.Get(ctx, r.jobID)
	if err != nil {
		e.log.Error("loading job", zap.String("job_id", r.jobID), zap.Error(err))
		return
	}
	summary := ""
	if job.FailedItems > 0 {
		summary = e.errorSummary(ctx, job)
	}
	if _, err := e.transition(ctx, job.ID, models.EventFinish, func(j *models.Job) {
		j.ErrorSummary = summary
	}); err != nil {
		e.log.Error("completing job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// failJob records a job-level fault: in-flight items fail, pending items are
// skipped, completed items stay completed.
func (e *Engine) failJob(ctx context.Context, jobID string, cause error) {
	e.log.Error("job failed", zap.String("job_id", jobID), zap.Error(cause))

	inFlight, _, err := e.store.Items.List(ctx, jobID, store.ItemQuery{Status: models.ItemInProgress})
	if err != nil {
		e.log.Error("listing in-flight items", zap.String("job_id", jobID), zap.Error(err))
	}
	for _, it := range inFlight {
		if _, _, err := e.tracker.MarkFailed(ctx, it.ID, reasonJobFailed); err != nil {
			e.log.Error("failing in-flight item", zap.String("item_id", it.ID), zap.Error(err))
		}
	}
	if _, err := e.tracker.SkipPending(ctx, jobID, reasonJobFailed); err != nil {
		e.log.Error("skipping pending items", zap.String("job_id", jobID), zap.Error(err))
	}

	summary := cause.Error()
	if job, err := e.store.Jobs.Get(ctx, jobID); err == nil && job.FailedItems > 0 {
		summary = fmt.Sprintf("%s; %s", summary, e.errorSummary(ctx, job))
	}
	if _, err := e.transition(ctx, jobID, models.EventFail, func(j *models.Job) {
		j.ErrorSummary = summary
	}); err != nil {
		e.log.Error("failing job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// errorSummary reads "<failed> of <total> items failed" followed by the
// first distinct item errors.
func (e *Engine) errorSummary(ctx context.Context, job *models.Job) string {
	summary := fmt.Sprintf("%d of %d items failed", job.FailedItems, job.TotalItems)
	failed, _, err := e.store.Items.List(ctx, job.ID, store.ItemQuery{Status: models.ItemFailed, Limit: 100})
	if err != nil {
		return summary
	}
	var msgs []string
	seen := make(map[string]bool)
	for _, it := range failed {
		if it.ErrorMessage == "" || seen[it.ErrorMessage] {
			continue
		}
		seen[it.ErrorMessage] = true
		msgs = append(msgs, it.ErrorMessage)
		if len(msgs) == maxSummaryMessages {
			break
		}
	}
	if len(msgs) == 0 {
		return summary
	}
	return summary + ": " + strings.Join(msgs, "; ")
}

// runAssessment handles assessment-type jobs: enumerate, store the result
// and finish at a synthetic completed state without transferring content.
func (e *Engine) runAssessment(ctx context.Context, r *run, job *models.Job, reg source.Registry, remoteVersion string) {
	db := context.WithoutCancel(ctx)
	result, err := e.assessor.Run(ctx, job, reg, remoteVersion)
	if err != nil {
		if ctx.Err() != nil {
			e.interrupted(db, r)
			return
		}
		e.failJob(db, job.ID, err)
		return
	}
	if job, err = e.advance(db, job); err != nil {
		e.failJob(db, r.jobID, err)
		return
	}
	if _, err := e.transition(db, job.ID, models.EventFinish, func(j *models.Job) {
		j.TotalItems = result.TotalItems
		j.TotalBytes = result.TotalBytes
	}); err != nil {
		e.log.Error("completing assessment job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
