package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// Scan job fields enqueued when a batch leaves downloading.
const (
	ScanTypeFull    = "full"
	ScanSourceBatch = "discovery"
)

// SweepStuckBatches enforces batch timeouts and returns how many batches it
// force-advanced. Batches older than the absolute timeout fail outright.
// Otherwise active jobs are failed once the batch outlives its relative
// timeout: the progress timeout when at least one job completed, the
// stall timeout when none did. A per-batch failure is logged and skipped.
func (o *Orchestrator) SweepStuckBatches(ctx context.Context) (int, error) {
	batches, err := o.store.ListActiveBatches(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active batches: %w", err)
	}
	swept := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		advanced, err := o.sweepBatch(ctx, b)
		if err != nil {
			logging.Warn().Err(err).Int64("batch_id", b.ID).Msg("sweeping batch failed")
			continue
		}
		if advanced {
			swept++
			metrics.StuckBatchesTotal.Inc()
		}
	}
	if swept > 0 {
		logging.Info().Int("batches", swept).Msg("stuck-batch sweep advanced batches")
	}
	return swept, nil
}

func (o *Orchestrator) sweepBatch(ctx context.Context, b database.Batch) (bool, error) {
	log := logging.With().Int64("batch_id", b.ID).Str("status", string(b.Status)).Logger()
	age := o.now().Sub(b.CreatedAt)

	if age > o.opts.AbsoluteTimeout {
		msg := fmt.Sprintf("%s after %s", msgTimedOut, o.opts.AbsoluteTimeout)
		finished := false
		err := o.store.InTx(ctx, func(tx database.Store) error {
			// The scan worker may have finished the batch since it was listed.
			cur, err := tx.GetBatch(ctx, b.ID)
			if err != nil {
				return err
			}
			if finished = cur.Status.Terminal(); finished {
				return nil
			}
			if _, err := tx.FailActiveJobs(ctx, b.ID, msgTimedOut); err != nil {
				return err
			}
			if err := tx.UpdateBatchStatus(ctx, b.ID, database.BatchFailed, msg); err != nil {
				return err
			}
			return tx.AppendBatchLog(ctx, b.ID, msg)
		})
		if err != nil {
			return false, err
		}
		if finished {
			log.Debug().Msg("batch finished before the sweep reached it")
			return false, nil
		}
		if err := o.refreshCounts(ctx, b.ID); err != nil {
			log.Warn().Err(err).Msg("refreshing batch counts failed")
		}
		log.Error().Dur("age", age).Msg("batch force-failed on absolute timeout")
		metrics.BatchesTotal.WithLabelValues(string(database.BatchFailed)).Inc()
		return true, nil
	}

	jobs, err := o.store.ListJobs(ctx, b.ID)
	if err != nil {
		return false, err
	}
	t := countJobs(jobs)
	if t.active == 0 {
		return false, nil
	}
	deadline := o.opts.StallTimeout
	if t.completed > 0 {
		deadline = o.opts.ProgressTimeout
	}
	if age <= deadline {
		return false, nil
	}

	n, err := o.store.FailActiveJobs(ctx, b.ID, msgDownloadTimedOut)
	if err != nil {
		return false, err
	}
	if err := o.store.AppendBatchLog(ctx, b.ID, fmt.Sprintf("%d downloads timed out after %s", n, deadline)); err != nil {
		log.Warn().Err(err).Msg("appending batch log failed")
	}
	if err := o.refreshCounts(ctx, b.ID); err != nil {
		log.Warn().Err(err).Msg("refreshing batch counts failed")
	}
	log.Warn().Int64("jobs", n).Int("completed", t.completed).Dur("deadline", deadline).Msg("timed out active downloads")
	if err := o.CheckBatchCompletion(ctx, b.ID); err != nil {
		return true, err
	}
	return true, nil
}

// CheckBatchCompletion decides what happens to a downloading batch once no
// job is pending or processing. After the import grace delay, failed and
// exhausted albums are recorded as unavailable; with no completed job the
// batch fails, otherwise it moves to scanning and one full library scan is
// queued for it. Missing, scanning and terminal batches are left alone.
func (o *Orchestrator) CheckBatchCompletion(ctx context.Context, batchID int64) error {
	b, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status != database.BatchDownloading {
		return nil
	}
	jobs, err := o.store.ListJobs(ctx, batchID)
	if err != nil {
		return err
	}
	if countJobs(jobs).active > 0 {
		return nil
	}

	if err := o.sleep(ctx, o.opts.ImportGrace); err != nil {
		return err
	}

	var next database.BatchStatus
	err = o.store.InTx(ctx, func(tx database.Store) error {
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.Status != database.BatchDownloading {
			return nil
		}
		jobs, err := tx.ListJobs(ctx, batchID)
		if err != nil {
			return err
		}
		t := countJobs(jobs)
		if t.active > 0 {
			return nil
		}

		for _, j := range jobs {
			if j.Status != database.JobFailed && j.Status != database.JobExhausted {
				continue
			}
			if err := tx.UpsertUnavailableAlbum(ctx, database.UnavailableAlbum{
				UserID:     b.UserID,
				WeekStart:  b.WeekStart,
				AlbumMBID:  j.TargetMBID,
				ArtistName: j.Metadata.ArtistName,
				AlbumTitle: j.Metadata.AlbumTitle,
				Similarity: j.Metadata.Similarity,
				Tier:       j.Metadata.Tier,
			}); err != nil {
				return err
			}
		}
		if err := tx.UpdateBatchCounts(ctx, batchID, t.total, t.completed, t.failed); err != nil {
			return err
		}

		if t.completed == 0 {
			next = database.BatchFailed
			if err := tx.UpdateBatchStatus(ctx, batchID, database.BatchFailed, msgAllDownloadsFailed); err != nil {
				return err
			}
			return tx.AppendBatchLog(ctx, batchID, msgAllDownloadsFailed)
		}

		next = database.BatchScanning
		if err := tx.UpdateBatchStatus(ctx, batchID, database.BatchScanning, ""); err != nil {
			return err
		}
		if err := tx.EnqueueScan(ctx, &database.ScanJob{
			Type:    ScanTypeFull,
			Source:  ScanSourceBatch,
			BatchID: &batchID,
		}); err != nil {
			return err
		}
		return tx.AppendBatchLog(ctx, batchID, fmt.Sprintf(
			"%d of %d albums downloaded, library scan queued", t.completed, t.total))
	})
	if err != nil {
		return fmt.Errorf("completing batch %d: %w", batchID, err)
	}

	log := logging.With().Int64("batch_id", batchID).Logger()
	switch next {
	case database.BatchFailed:
		log.Error().Msg(msgAllDownloadsFailed)
		metrics.BatchesTotal.WithLabelValues(string(database.BatchFailed)).Inc()
		if o.deps.Cleaner != nil {
			if _, err := o.deps.Cleaner.CleanupFailedArtists(ctx, batchID); err != nil {
				log.Warn().Err(err).Msg("artist cleanup failed")
			}
		}
	case database.BatchScanning:
		log.Info().Msg("batch scanning, library scan queued")
		metrics.BatchesTotal.WithLabelValues(string(database.BatchScanning)).Inc()
	}
	return nil
}
