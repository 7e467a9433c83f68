// Package migration runs migration jobs: the job state machine, the per-job
// transfer loop, assessments, item tracking and reports.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/connections"
	"github.com/rflorenc/artifact-migration-workbench/internal/metrics"
	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/progress"
	"github.com/rflorenc/artifact-migration-workbench/internal/store"
	"github.com/rflorenc/artifact-migration-workbench/internal/target"
)

// CreateInput is the caller-supplied shape of a new job.
type CreateInput struct {
	SourceConnectionID string   `json:"source_connection_id"`
	JobType            string   `json:"job_type"`
	DryRun             bool     `json:"dry_run"`
	Repositories       []string `json:"repositories,omitempty"`
}

// run is the bookkeeping for one live job loop.
type run struct {
	jobID        string
	connectionID string
	cancel       context.CancelFunc
	done         chan struct{}

	// requests observed at the next item boundary, guarded by Engine.mu
	pause     bool
	cancelled bool
	shutdown  bool
}

// Engine owns job state. Each job has at most one loop goroutine; control
// requests are recorded here and observed by the loop between items.
type Engine struct {
	store    *store.Store
	conns    *connections.Service
	target   *target.Store
	broker   *progress.Broker
	tracker  *Tracker
	assessor *Assessor
	metrics  *metrics.Metrics
	log      *zap.Logger

	// streams that break mid-body are refetched up to retries times
	retries   uint64
	retryWait time.Duration

	// base is cancelled by Shutdown; background assessments run under it
	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewEngine wires the engine and registers it as the connection delete guard.
func NewEngine(st *store.Store, conns *connections.Service, tgt *target.Store, broker *progress.Broker, m *metrics.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:     st,
		conns:     conns,
		target:    tgt,
		broker:    broker,
		tracker:   NewTracker(st, broker, m, log),
		assessor:  NewAssessor(st, tgt, log),
		metrics:   m,
		log:       log,
		retries:   3,
		retryWait: 500 * time.Millisecond,
		base:      base,
		stop:      stop,
		active:    make(map[string]*run),
	}
	conns.SetGuard(e)
	return e
}

// SetTransferRetries sets how often an item whose source stream breaks is
// fetched again, and the first backoff interval.
func (e *Engine) SetTransferRetries(retries uint64, initial time.Duration) {
	e.retries = retries
	if initial > 0 {
		e.retryWait = initial
	}
}

// Tracker exposes item listing.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// Exclusive runs fn while no loop can start, unless a live loop already
// uses the connection.
func (e *Engine) Exclusive(connectionID string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.active {
		if r.connectionID == connectionID {
			return &models.ConflictError{Reason: "connection is used by an active migration"}
		}
	}
	return fn()
}

// Active reports whether the job currently has a loop.
func (e *Engine) Active(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[jobID]
	return ok
}

// Create validates in and stores a pending job.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*models.Job, error) {
	jobType, err := models.ParseJobType(in.JobType)
	if err != nil {
		return nil, err
	}
	if in.SourceConnectionID == "" {
		return nil, &models.ValidationError{Field: "source_connection_id", Reason: "is required"}
	}
	if _, err := e.conns.Get(ctx, in.SourceConnectionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("connection %s: %w", in.SourceConnectionID, models.ErrNotFound)
		}
		return nil, err
	}
	var repos []string
	for _, r := range in.Repositories {
		if r = strings.TrimSpace(r); r != "" {
			repos = append(repos, r)
		}
	}

	job := &models.Job{
		SourceConnectionID: in.SourceConnectionID,
		Type:               jobType,
		Config:             models.JobConfig{DryRun: in.DryRun, Repositories: repos},
	}
	if err := e.store.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	e.log.Info("job created", zap.String("job_id", job.ID), zap.String("job_type", string(jobType)))
	return job, nil
}

func (e *Engine) List(ctx context.Context) ([]models.Job, error) {
	return e.store.Jobs.List(ctx)
}

func (e *Engine) Get(ctx context.Context, id string) (*models.Job, error) {
	return e.store.Jobs.Get(ctx, id)
}

// Delete removes a job with its items and assessments. Jobs with a live
// loop, or that are running or paused, must be cancelled first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[id]; ok {
		return &models.ConflictError{Reason: "job has an active transfer loop"}
	}
	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Active() {
		return &models.ConflictError{Reason: fmt.Sprintf("job is %s; cancel it first", job.Status)}
	}
	return e.store.Jobs.Delete(ctx, id)
}

// Start verifies the source connection and spawns the job's loop. It returns
// as soon as the loop is running; starting a job that already has a loop is
// a no-op.
func (e *Engine) Start(ctx context.Context, id string) (*models.Job, error) {
	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.Terminal():
		return nil, &models.NotReadyError{Op: "start", Status: job.Status, Reason: "job already finished"}
	case job.Status == models.JobPaused:
		return nil, &models.NotReadyError{Op: "start", Status: job.Status, Reason: "use resume"}
	case job.Detached():
		return nil, &models.NotReadyError{Op: "start", Status: job.Status, Reason: "source connection was deleted"}
	}
	if e.Active(id) || job.Status == models.JobRunning {
		return job, nil
	}

	conn, err := e.conns.Get(ctx, job.SourceConnectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Verified() {
		if err := e.conns.Verify(ctx, conn.ID); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, &models.NotReadyError{Op: "start", Status: job.Status, Reason: "engine is shutting down"}
	}
	if _, ok := e.active[id]; ok {
		return job, nil
	}
	// a loop may have started and finished while the connection was verified
	job, err = e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || job.Status.Active() {
		return job, nil
	}
	if job.Detached() {
		return nil, &models.NotReadyError{Op: "start", Status: job.Status, Reason: "source connection was deleted"}
	}
	e.spawnLocked(job)
	return job, nil
}

// Pause asks the loop to stop at the next item boundary.
func (e *Engine) Pause(ctx context.Context, id string) (*models.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobRunning {
		return nil, &models.NotReadyError{Op: "pause", Status: job.Status}
	}
	open, err := e.store.Items.CountOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	if open == 0 {
		return nil, &models.NotReadyError{Op: "pause", Status: job.Status, Reason: "no pending or in-progress items"}
	}

	r, ok := e.active[id]
	if !ok {
		// running without a loop: nothing to wait for
		paused, err := e.transition(ctx, id, models.EventPause, nil)
		if err != nil {
			return nil, err
		}
		return paused, nil
	}
	r.pause = true
	e.log.Info("pause requested", zap.String("job_id", id))
	return job, nil
}

// Resume withdraws an outstanding pause request, or moves a paused job back
// to running and spawns a loop continuing at the first pending item.
func (e *Engine) Resume(ctx context.Context, id string) (*models.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r, ok := e.active[id]; ok {
		if r.pause && !r.cancelled {
			r.pause = false
			return job, nil
		}
		return nil, &models.NotReadyError{Op: "resume", Status: job.Status}
	}
	if job.Status != models.JobPaused {
		return nil, &models.NotReadyError{Op: "resume", Status: job.Status}
	}
	if job.Detached() {
		return nil, &models.NotReadyError{Op: "resume", Status: job.Status, Reason: "source connection was deleted"}
	}
	if e.closed {
		return nil, &models.NotReadyError{Op: "resume", Status: job.Status, Reason: "engine is shutting down"}
	}

	job, err = e.transition(ctx, id, models.EventResume, nil)
	if err != nil {
		return nil, err
	}
	e.spawnLocked(job)
	return job, nil
}

// Cancel stops the job. A live loop is interrupted, including any in-flight
// fetch; a job without a loop is finalised here.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, &models.NotReadyError{Op: "cancel", Status: job.Status}
	}
	if r, ok := e.active[id]; ok {
		r.cancelled = true
		r.cancel()
		e.log.Info("cancel requested", zap.String("job_id", id))
		return job, nil
	}
	return e.finishCancelled(ctx, id)
}

// finishCancelled resolves leftover items and moves the job to cancelled.
func (e *Engine) finishCancelled(ctx context.Context, id string) (*models.Job, error) {
	inFlight, _, err := e.store.Items.List(ctx, id, store.ItemQuery{Status: models.ItemInProgress})
	if err != nil {
		return nil, err
	}
	for _, it := range inFlight {
		if _, _, err := e.tracker.MarkFailed(ctx, it.ID, reasonCancelled); err != nil {
			return nil, err
		}
	}
	if _, err := e.tracker.SkipPending(ctx, id, reasonCancelled); err != nil {
		return nil, err
	}
	job, err := e.transition(ctx, id, models.EventCancel, nil)
	if err != nil {
		return nil, err
	}
	e.log.Info("job cancelled", zap.String("job_id", id))
	return job, nil
}

// Assess runs an assessment in the background and returns immediately.
func (e *Engine) Assess(ctx context.Context, id string) (*models.Job, error) {
	job, err := e.store.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Detached() {
		return nil, &models.NotReadyError{Op: "assess", Status: job.Status, Reason: "source connection was deleted"}
	}
	conn, err := e.conns.Get(ctx, job.SourceConnectionID)
	if err != nil {
		return nil, err
	}
	reg, err := e.conns.Registry(conn)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &models.NotReadyError{Op: "assess", Status: job.Status, Reason: "engine is shutting down"}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.assessor.Run(e.base, job, reg, conn.RemoteVersion); err != nil {
			e.log.Warn("assessment failed", zap.String("job_id", id), zap.Error(err))
		}
	}()
	return job, nil
}

// Assessment returns the latest stored assessment of a job.
func (e *Engine) Assessment(ctx context.Context, id string) (*models.Assessment, error) {
	if _, err := e.store.Jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Assessments.Latest(ctx, id)
}

// Recover prepares persisted state after a restart: interrupted items go
// back to pending and running jobs become paused.
func (e *Engine) Recover(ctx context.Context) error {
	jobs, err := e.store.Jobs.ListByStatus(ctx, models.JobRunning, models.JobPaused)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		n, err := e.store.Items.ResetInProgress(ctx, j.ID)
		if err != nil {
			return fmt.Errorf("resetting items of %s: %w", j.ID, err)
		}
		if j.Status == models.JobRunning {
			if _, err := e.store.Jobs.Transition(ctx, j.ID, models.EventPause, nil); err != nil {
				return fmt.Errorf("pausing %s: %w", j.ID, err)
			}
		}
		e.log.Info("recovered job", zap.String("job_id", j.ID), zap.String("was", string(j.Status)), zap.Int64("reset_items", n))
	}
	return nil
}

// Shutdown stops every loop at its next boundary and waits for them to
// exit. Running jobs are left paused so they can be resumed later.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.stop()
	for _, r := range e.active {
		r.shutdown = true
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the job's loop, if any, has exited.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawnLocked starts the loop for job. e.mu must be held.
func (e *Engine) spawnLocked(job *models.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		jobID:        job.ID,
		connectionID: job.SourceConnectionID,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	e.active[job.ID] = r
	e.wg.Add(1)
	go e.loop(ctx, r)
}

// transition applies ev, then publishes the matching event and records
// metrics for terminal states.
func (e *Engine) transition(ctx context.Context, id string, ev models.JobEvent, apply func(*models.Job)) (*models.Job, error) {
	job, err := e.store.Jobs.Transition(ctx, id, ev, apply)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		e.metrics.JobFinished(string(job.Status))
	}
	e.broker.Publish(models.ProgressEvent{Type: models.EventForStatus(job.Status), JobID: id, Payload: job.Snapshot()})
	e.log.Info("job transition",
		zap.String("job_id", id),
		zap.String("event", string(ev)),
		zap.String("status", string(job.Status)),
	)
	return job, nil
}
