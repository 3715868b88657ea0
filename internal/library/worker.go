package library

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

// Indexer runs one library scan.
type Indexer interface {
	Scan(ctx context.Context) (ScanResult, error)
}

// PlaylistBuilder assembles a batch once its downloads are indexed.
type PlaylistBuilder interface {
	BuildFinalPlaylist(ctx context.Context, batchID int64) error
}

// Worker drains the scan queue.
type Worker struct {
	store   database.Store
	scanner Indexer
	builder PlaylistBuilder
}

// NewWorker creates a Worker. builder may be nil.
func NewWorker(store database.Store, scanner Indexer, builder PlaylistBuilder) *Worker {
	return &Worker{store: store, scanner: scanner, builder: builder}
}

// ProcessPending claims every pending scan job, serves them all with a
// single library scan and then assembles the playlist of each batch that
// queued one. Assembly runs even when the scan failed, since earlier scans
// may already have indexed the downloads. It returns the number of jobs
// processed.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	var jobs []*database.ScanJob
	for {
		j, err := w.store.ClaimScanJob(ctx)
		if err != nil {
			return 0, fmt.Errorf("claiming scan job: %w", err)
		}
		if j == nil {
			break
		}
		jobs = append(jobs, j)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	errMsg := ""
	if _, err := w.scanner.Scan(ctx); err != nil {
		errMsg = err.Error()
		logging.Error().Err(err).Int("jobs", len(jobs)).Msg("library scan failed")
	}

	built := make(map[int64]bool)
	for _, j := range jobs {
		if err := w.store.FinishScanJob(ctx, j.ID, errMsg); err != nil {
			logging.Warn().Err(err).Int64("scan_job_id", j.ID).Msg("finishing scan job failed")
		}
		if j.BatchID == nil || w.builder == nil || built[*j.BatchID] {
			continue
		}
		built[*j.BatchID] = true
		if err := w.builder.BuildFinalPlaylist(ctx, *j.BatchID); err != nil {
			logging.Error().Err(err).Int64("batch_id", *j.BatchID).Msg("building playlist failed")
		}
	}
	return len(jobs), nil
}
