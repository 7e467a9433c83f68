package migration

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/rflorenc/artifact-migration-workbench/internal/models"
	"github.com/rflorenc/artifact-migration-workbench/internal/source"
)

// metadataDir holds repository definitions in the local registry.
const metadataDir = ".repositories"

const (
	reasonCancelled = "cancelled"
	reasonJobFailed = "job failed"
	reasonDryRun    = "dry run"
	reasonUnchanged = "unchanged"
)

// errInterrupted means the loop context ended while an item was in flight.
var errInterrupted = errors.New("transfer interrupted")

// TargetPath is where an entry lands in the local registry.
func TargetPath(e source.Entry) string {
	if e.Type == models.ItemMetadata {
		return path.Join(metadataDir, e.Repository+".json")
	}
	return e.Repository + "/" + strings.TrimPrefix(e.Path, "/")
}

// itemsFromInventory converts entries to pending items in enumeration order.
func itemsFromInventory(inv *source.Inventory) []models.Item {
	items := make([]models.Item, 0, len(inv.Entries))
	for _, e := range inv.Entries {
		items = append(items, models.Item{
			Repository:  e.Repository,
			SourcePath:  e.SourcePath(),
			TargetPath:  TargetPath(e),
			Type:        e.Type,
			SizeBytes:   e.Size,
			Checksum:    e.SHA256,
			DownloadURL: e.DownloadURL,
		})
	}
	return items
}

// entryFor rebuilds the source entry an item was enumerated from.
func entryFor(it *models.Item) source.Entry {
	e := source.Entry{
		Repository:  it.Repository,
		Type:        it.Type,
		Size:        it.SizeBytes,
		SHA256:      it.Checksum,
		DownloadURL: it.DownloadURL,
	}
	if it.Type == models.ItemArtifact {
		e.Path = strings.TrimPrefix(it.SourcePath, it.Repository+"/")
	}
	return e
}

// transferItem moves one item from reg into the target store. Item-level
// failures are recorded and return nil. A ConnectionError is recorded and
// returned so the caller fails the job. errInterrupted leaves the item
// in_progress for the caller to resolve.
func (e *Engine) transferItem(ctx context.Context, reg source.Registry, job *models.Job, it *models.Item) error {
	db := context.WithoutCancel(ctx)
	log := e.log.With(zap.String("job_id", job.ID), zap.String("source_path", it.SourcePath))

	if _, _, err := e.tracker.MarkInProgress(db, it.ID); err != nil {
		return err
	}

	if job.Config.DryRun {
		_, _, err := e.tracker.MarkSkipped(db, it.ID, reasonDryRun, "")
		return err
	}

	if job.Type == models.JobIncremental && it.Checksum != "" {
		existing, err := e.target.Checksum(it.TargetPath)
		if err == nil && existing != "" && strings.EqualFold(existing, it.Checksum) {
			_, _, err := e.tracker.MarkSkipped(db, it.ID, reasonUnchanged, it.TargetPath)
			return err
		}
	}

	n, err := e.fetchAndStore(ctx, reg, it, log)
	if err != nil {
		return e.itemError(ctx, it, err, log)
	}

	_, _, err = e.tracker.MarkCompleted(db, it.ID, it.TargetPath, n)
	return err
}

// streamReader remembers the first read error of a source body so a broken
// stream can be told apart from a bad write or checksum.
type streamReader struct {
	r   io.Reader
	err error
}

func (s *streamReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

// fetchAndStore fetches the item and writes it to the target. A stream that
// breaks mid-body is fetched again with exponential backoff; if it still
// breaks once the retry budget is spent the source is treated as lost.
func (e *Engine) fetchAndStore(ctx context.Context, reg source.Registry, it *models.Item, log *zap.Logger) (int64, error) {
	var (
		n      int64
		broken bool
	)
	op := func() error {
		rc, err := reg.Fetch(ctx, entryFor(it))
		if err != nil {
			return backoff.Permanent(err)
		}
		body := &streamReader{r: rc}
		written, _, err := e.target.Put(it.TargetPath, body, it.Checksum)
		rc.Close()
		if err == nil {
			n = written
			return nil
		}
		err = &models.TransferError{Path: it.SourcePath, Err: err}
		broken = body.err != nil && ctx.Err() == nil
		if !broken {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryWait
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Debug("source stream broke, refetching", zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil && broken && ctx.Err() == nil {
		return 0, &models.ConnectionError{Op: "GET " + it.SourcePath, Err: err}
	}
	return n, err
}

func (e *Engine) itemError(ctx context.Context, it *models.Item, err error, log *zap.Logger) error {
	if ctx.Err() != nil {
		return errInterrupted
	}
	db := context.WithoutCancel(ctx)

	var connErr *models.ConnectionError
	if errors.As(err, &connErr) {
		log.Warn("source connection lost", zap.Error(err))
		if _, _, merr := e.tracker.MarkFailed(db, it.ID, err.Error()); merr != nil {
			return merr
		}
		return connErr
	}

	log.Warn("item failed", zap.Error(err))
	_, _, merr := e.tracker.MarkFailed(db, it.ID, err.Error())
	return merr
}
