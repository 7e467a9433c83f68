package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createJob(t *testing.T, s *Store, connID string) *models.Job {
	t.Helper()
	j := &models.Job{SourceConnectionID: connID, Type: models.JobFull}
	require.NoError(t, s.Jobs.Create(context.Background(), j))
	return j
}

func TestConnectionRepo_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn := &models.Connection{Name: "prod", URL: "https://src.example.com", Kind: models.KindArtifactory,
		AuthType: models.AuthAPIToken, Credentials: []byte("sealed")}
	require.NoError(t, s.Connections.Create(ctx, conn))
	require.NotEmpty(t, conn.ID)

	got, err := s.Connections.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.True(t, got.HasCredentials)
	assert.Nil(t, got.VerifiedAt)

	_, err = s.Connections.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got.Name = "renamed"
	require.NoError(t, s.Connections.Update(ctx, got))
	byName, err := s.Connections.GetByName(ctx, "renamed")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byName.ID)

	list, err := s.Connections.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Connections.Delete(ctx, conn.ID)
	require.NoError(t, err)
	_, err = s.Connections.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConnectionRepo_DeleteGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn := &models.Connection{Name: "src", URL: "https://src.example.com", Kind: models.KindNexus, AuthType: models.AuthBasicAuth}
	require.NoError(t, s.Connections.Create(ctx, conn))

	running := createJob(t, s, conn.ID)
	_, err := s.Jobs.Transition(ctx, running.ID, models.EventStart, nil)
	require.NoError(t, err)
	pending := createJob(t, s, conn.ID)

	_, err = s.Connections.Delete(ctx, conn.ID)
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = s.Jobs.Transition(ctx, running.ID, models.EventFinish, nil)
	require.NoError(t, err)

	detached, err := s.Connections.Delete(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), detached)

	got, err := s.Jobs.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, got.Detached())

	done, err := s.Jobs.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, done.SourceConnectionID)
}

func TestJobRepo_Transition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := createJob(t, s, "c1")
	assert.Equal(t, models.JobPending, j.Status)

	_, err := s.Jobs.Transition(ctx, j.ID, models.EventPause, nil)
	var notReady *models.NotReadyError
	require.ErrorAs(t, err, &notReady)

	got, err := s.Jobs.Transition(ctx, j.ID, models.EventStart, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	got, err = s.Jobs.Transition(ctx, j.ID, models.EventFail, func(j *models.Job) { j.ErrorSummary = "boom" })
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorSummary)
	assert.NotNil(t, got.FinishedAt)

	_, err = s.Jobs.Transition(ctx, j.ID, models.EventResume, nil)
	require.ErrorAs(t, err, &notReady)
}

func TestItemRepo_InventoryAndCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := createJob(t, s, "c1")

	items := []models.Item{
		{SourcePath: "libs/a.jar", Type: models.ItemArtifact, SizeBytes: 10},
		{SourcePath: "libs/b.jar", Type: models.ItemArtifact, SizeBytes: 20},
		{SourcePath: "libs", Type: models.ItemMetadata, SizeBytes: 5},
		{SourcePath: "libs/c.jar", Type: models.ItemArtifact, SizeBytes: 30},
	}
	job, err := s.Items.ReplaceInventory(ctx, j.ID, items)
	require.NoError(t, err)
	assert.Equal(t, 4, job.TotalItems)
	assert.Equal(t, int64(65), job.TotalBytes)
	assert.True(t, job.Enumerated)

	next, err := s.Items.NextPending(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "libs/a.jar", next.SourcePath)

	_, job, err = s.Items.Apply(ctx, next.ID, ItemChange{Status: models.ItemInProgress})
	require.NoError(t, err)
	assert.Equal(t, 0, job.CompletedItems)

	it, job, err := s.Items.Apply(ctx, next.ID, ItemChange{Status: models.ItemCompleted, TargetPath: "prod/libs/a.jar", SizeBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, "prod/libs/a.jar", it.TargetPath)
	assert.Equal(t, 1, job.CompletedItems)
	assert.Equal(t, int64(10), job.TransferredBytes)
	assert.Equal(t, 25, job.ProgressPercent)

	_, _, err = s.Items.Apply(ctx, next.ID, ItemChange{Status: models.ItemFailed})
	assert.Error(t, err, "terminal items cannot change again")

	next, err = s.Items.NextPending(ctx, j.ID)
	require.NoError(t, err)
	_, job, err = s.Items.Apply(ctx, next.ID, ItemChange{Status: models.ItemFailed, ErrorMessage: "404"})
	require.NoError(t, err)
	assert.Equal(t, 1, job.FailedItems)
	assert.Equal(t, 50, job.ProgressPercent)

	open, err := s.Items.CountOpen(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), open)

	job, err = s.Items.SkipPending(ctx, j.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, 2, job.SkippedItems)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.LessOrEqual(t, job.CompletedItems+job.FailedItems, job.TotalItems)

	failed, total, err := s.Items.List(ctx, j.ID, ItemQuery{Status: models.ItemFailed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "404", failed[0].ErrorMessage)

	meta, total, err := s.Items.List(ctx, j.ID, ItemQuery{Type: models.ItemMetadata})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, models.ItemSkipped, meta[0].Status)

	page, total, err := s.Items.List(ctx, j.ID, ItemQuery{Offset: 2, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, page, 1)
	assert.Equal(t, 2, page[0].Sequence)
}

func TestItemRepo_ResetInProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := createJob(t, s, "c1")
	_, err := s.Items.ReplaceInventory(ctx, j.ID, []models.Item{{SourcePath: "a", Type: models.ItemArtifact}})
	require.NoError(t, err)

	next, err := s.Items.NextPending(ctx, j.ID)
	require.NoError(t, err)
	_, _, err = s.Items.Apply(ctx, next.ID, ItemChange{Status: models.ItemInProgress})
	require.NoError(t, err)

	n, err := s.Items.ResetInProgress(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := s.Items.NextPending(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
}

func TestJobRepo_DeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := createJob(t, s, "c1")
	_, err := s.Items.ReplaceInventory(ctx, j.ID, []models.Item{{SourcePath: "a", Type: models.ItemArtifact}})
	require.NoError(t, err)
	require.NoError(t, s.Assessments.Save(ctx, &models.Assessment{JobID: j.ID, TotalItems: 1}))

	require.NoError(t, s.Jobs.Delete(ctx, j.ID))
	items, err := s.Items.All(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = s.Assessments.Latest(ctx, j.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.Jobs.Delete(ctx, j.ID), models.ErrNotFound)
}
