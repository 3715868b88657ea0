// Package batch owns the discovery batch lifecycle: generating a batch and
// its download jobs, fanning out acquisition, failing stuck batches and
// deciding when a batch is ready for playlist assembly.
//
// Status moves downloading -> scanning -> completed, with failed reachable
// from downloading and scanning. Terminal batches are never touched again.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/cleanup"
	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
	"github.com/TobiSchelling/discoverweekly/internal/recommend"
)

var (
	ErrNoSeeds           = errors.New("no seed artists found")
	ErrNoRecommendations = errors.New("no recommendations found")
	ErrBatchInProgress   = errors.New("a discovery batch is already in progress")
)

const (
	msgAllDownloadsFailed = "All downloads failed"
	msgTimedOut           = "Batch timed out"
	msgDownloadTimedOut   = "Download timed out"
	msgCancelled          = "Cancelled"
)

// SeedSource picks the seed artists for a user.
type SeedSource interface {
	GetSeedArtists(ctx context.Context, userID string) ([]catalog.SeedArtist, error)
}

// Prefetcher loads similar artists for seeds.
type Prefetcher interface {
	Prefetch(ctx context.Context, seeds []catalog.SeedArtist) map[string][]catalog.SimilarArtist
}

// Recommender selects albums from similar-artist candidates.
type Recommender interface {
	FindRecommendedAlbums(ctx context.Context, userID string, candidates []catalog.SimilarArtist, target int) []recommend.RecommendedAlbum
	FindRecommendedAlbumsMultiStrategy(ctx context.Context, userID string, candidates []catalog.SimilarArtist, target int) []recommend.RecommendedAlbum
}

// Acquirer hands an album to the download pipeline.
type Acquirer interface {
	AcquireAlbum(ctx context.Context, req catalog.AcquireRequest, actx catalog.AcquireContext) (catalog.AcquireResult, error)
}

// Tracker reads acquisition progress back from the music manager.
type Tracker interface {
	GetAlbum(ctx context.Context, id int64) (*lidarr.Album, error)
	Queue(ctx context.Context) ([]lidarr.QueueItem, error)
}

// Cleaner removes leftovers of finished batches.
type Cleaner interface {
	CleanupFailedArtists(ctx context.Context, batchID int64) (cleanup.Result, error)
	Run(ctx context.Context, batchID int64) cleanup.Result
}

// Deps are the collaborators of an Orchestrator. Tracker and Cleaner may
// be nil.
type Deps struct {
	Seeds    SeedSource
	Prefetch Prefetcher
	Engine   Recommender
	Acquirer Acquirer
	Tracker  Tracker
	Cleaner  Cleaner
}

// Options holds the discovery and timeout settings.
type Options struct {
	PlaylistSize    int
	DownloadRatio   float64
	Strategy        string
	AbsoluteTimeout time.Duration
	ProgressTimeout time.Duration
	StallTimeout    time.Duration
	ImportGrace     time.Duration
}

// Orchestrator drives discovery batches through their lifecycle.
type Orchestrator struct {
	store database.Store
	deps  Deps
	opts  Options
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates an Orchestrator.
func New(store database.Store, deps Deps, opts Options) *Orchestrator {
	if opts.PlaylistSize <= 0 {
		opts.PlaylistSize = 40
	}
	if opts.DownloadRatio < 1 {
		opts.DownloadRatio = 1.3
	}
	if opts.AbsoluteTimeout <= 0 {
		opts.AbsoluteTimeout = 2 * time.Hour
	}
	if opts.ProgressTimeout <= 0 {
		opts.ProgressTimeout = 30 * time.Minute
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = time.Hour
	}
	return &Orchestrator{store: store, deps: deps, opts: opts, now: time.Now, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AlbumsToRequest over-provisions the playlist size by the download ratio.
func AlbumsToRequest(playlistSize int, ratio float64) int {
	return int(math.Ceil(float64(playlistSize) * ratio))
}

func (o *Orchestrator) settingsFor(ctx context.Context, userID string) (size int, ratio float64) {
	size, ratio = o.opts.PlaylistSize, o.opts.DownloadRatio
	s, err := o.store.GetUserSettings(ctx, userID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("user settings unavailable, using defaults")
		return size, ratio
	}
	if s != nil {
		if s.PlaylistSize > 0 {
			size = s.PlaylistSize
		}
		if s.DownloadRatio >= 1 {
			ratio = s.DownloadRatio
		}
	}
	return size, ratio
}

// Generate runs one discovery generation for the user: recommends albums,
// creates the batch and its jobs atomically, then acquires every job
// concurrently. A batch that cannot start is stored as failed and the
// matching sentinel error is returned.
func (o *Orchestrator) Generate(ctx context.Context, userID string) (*database.Batch, error) {
	log := logging.With().Str("user_id", userID).Logger()

	active, err := o.store.GetActiveBatchForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("checking active batch: %w", err)
	}
	if active != nil {
		return active, fmt.Errorf("batch %d: %w", active.ID, ErrBatchInProgress)
	}

	size, ratio := o.settingsFor(ctx, userID)
	weekStart := database.WeekStart(o.now())

	seeds, err := o.deps.Seeds.GetSeedArtists(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("selecting seed artists: %w", err)
	}
	if len(seeds) == 0 {
		return o.failGeneration(ctx, userID, weekStart, size, ErrNoSeeds)
	}

	similar := o.deps.Prefetch.Prefetch(ctx, seeds)
	candidates := withoutSeeds(recommend.Candidates(similar), seeds)
	target := AlbumsToRequest(size, ratio)

	var recs []recommend.RecommendedAlbum
	if o.opts.Strategy == "two-pass" {
		recs = o.deps.Engine.FindRecommendedAlbums(ctx, userID, candidates, target)
	} else {
		recs = o.deps.Engine.FindRecommendedAlbumsMultiStrategy(ctx, userID, candidates, target)
	}
	log.Info().Int("seeds", len(seeds)).Int("candidates", len(candidates)).
		Int("requested", target).Int("recommended", len(recs)).Msg("recommendations ready")
	if len(recs) == 0 {
		return o.failGeneration(ctx, userID, weekStart, size, ErrNoRecommendations)
	}

	b := &database.Batch{
		UserID:          userID,
		WeekStart:       weekStart,
		TargetSongCount: size,
		Status:          database.BatchDownloading,
		CreatedAt:       o.now(),
	}
	var jobs []database.DownloadJob
	err = o.store.InTx(ctx, func(tx database.Store) error {
		// The closure may be re-run after a rolled-back attempt.
		jobs = jobs[:0]
		b.ID = 0
		if err := tx.CreateBatch(ctx, b); err != nil {
			return err
		}
		skipped := 0
		for _, r := range recs {
			dup, err := tx.HasActiveJobForTarget(ctx, userID, r.AlbumMBID)
			if err != nil {
				return err
			}
			if dup {
				skipped++
				continue
			}
			j := database.DownloadJob{
				DiscoveryBatchID: b.ID,
				UserID:           userID,
				TargetMBID:       r.AlbumMBID,
				Status:           database.JobPending,
				Metadata: database.JobMetadata{
					ArtistName: r.ArtistName,
					AlbumTitle: r.AlbumTitle,
					AlbumMBID:  r.AlbumMBID,
					ArtistMBID: r.ArtistMBID,
					Similarity: r.Similarity,
					Tier:       string(r.Tier),
				},
			}
			if err := tx.CreateJob(ctx, &j); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		if err := tx.UpdateBatchCounts(ctx, b.ID, len(jobs), 0, 0); err != nil {
			return err
		}
		return tx.AppendBatchLog(ctx, b.ID, fmt.Sprintf(
			"Requested %d albums for %d songs: %d jobs created, %d already in flight",
			target, size, len(jobs), skipped))
	})
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	log = log.With().Int64("batch_id", b.ID).Logger()
	log.Info().Int("jobs", len(jobs)).Msg("discovery batch created")
	metrics.BatchesTotal.WithLabelValues(string(database.BatchDownloading)).Inc()

	started, failed, inFlight := o.acquireAll(ctx, b, jobs)
	if err := o.refreshCounts(ctx, b.ID); err != nil {
		log.Warn().Err(err).Msg("refreshing batch counts failed")
	}
	log.Info().Int("started", started).Int("failed", failed).Int("in_flight", inFlight).Msg("acquisition settled")

	if started == 0 || failed > 0 || inFlight == 0 {
		if err := o.CheckBatchCompletion(ctx, b.ID); err != nil {
			log.Warn().Err(err).Msg("completion check failed")
		}
	}
	return o.store.GetBatch(ctx, b.ID)
}

func (o *Orchestrator) failGeneration(ctx context.Context, userID, weekStart string, size int, cause error) (*database.Batch, error) {
	msg := cause.Error()
	b := &database.Batch{
		UserID:          userID,
		WeekStart:       weekStart,
		TargetSongCount: size,
		Status:          database.BatchFailed,
		ErrorMessage:    &msg,
		Logs:            []string{msg},
		CreatedAt:       o.now(),
	}
	if err := o.store.CreateBatch(ctx, b); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("recording failed batch: %w", err))
	}
	if err := o.store.UpdateBatchStatus(ctx, b.ID, database.BatchFailed, msg); err != nil {
		logging.Warn().Err(err).Int64("batch_id", b.ID).Msg("stamping failed batch")
	}
	logging.Error().Str("user_id", userID).Int64("batch_id", b.ID).Msg(msg)
	metrics.BatchesTotal.WithLabelValues(string(database.BatchFailed)).Inc()
	return b, cause
}

func withoutSeeds(candidates []catalog.SimilarArtist, seeds []catalog.SeedArtist) []catalog.SimilarArtist {
	seedNames := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedNames[strings.ToLower(s.Name)] = true
	}
	out := make([]catalog.SimilarArtist, 0, len(candidates))
	for _, c := range candidates {
		if !seedNames[strings.ToLower(c.Name)] {
			out = append(out, c)
		}
	}
	return out
}

type outcome struct {
	job    database.DownloadJob
	result catalog.AcquireResult
	err    error
}

// acquireAll starts one acquisition per job and waits for all of them.
// A failing attempt never cancels its siblings.
func (o *Orchestrator) acquireAll(ctx context.Context, b *database.Batch, jobs []database.DownloadJob) (started, failed, active int) {
	outcomes := make([]outcome, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			res, err := o.deps.Acquirer.AcquireAlbum(ctx,
				catalog.AcquireRequest{
					AlbumTitle:  j.Metadata.AlbumTitle,
					ArtistName:  j.Metadata.ArtistName,
					ArtistMBID:  j.Metadata.ArtistMBID,
					CanonicalID: j.TargetMBID,
				},
				catalog.AcquireContext{UserID: b.UserID, BatchID: b.ID, JobID: j.ID},
			)
			outcomes[i] = outcome{job: j, result: res, err: err}
			return nil
		})
	}
	g.Wait()

	for _, oc := range outcomes {
		status := o.applyOutcome(ctx, oc)
		metrics.JobsTotal.WithLabelValues(string(status)).Inc()
		switch status {
		case database.JobProcessing:
			started++
			active++
		case database.JobCompleted:
			started++
		default:
			failed++
		}
	}
	return started, failed, active
}

func (o *Orchestrator) applyOutcome(ctx context.Context, oc outcome) database.JobStatus {
	log := logging.With().Int64("batch_id", oc.job.DiscoveryBatchID).Int64("job_id", oc.job.ID).
		Str("artist", oc.job.Metadata.ArtistName).Str("album", oc.job.Metadata.AlbumTitle).Logger()

	status, msg := database.JobFailed, ""
	switch {
	case oc.err != nil:
		msg = oc.err.Error()
	case oc.result.Success:
		var managerID *int64
		if oc.result.ManagerID > 0 {
			managerID = &oc.result.ManagerID
		}
		if err := o.store.SetJobAcquisition(ctx, oc.job.ID, managerID, oc.result.CorrelationID); err != nil {
			log.Warn().Err(err).Msg("recording acquisition ids failed")
		}
		status = database.JobProcessing
		if oc.result.Completed {
			status = database.JobCompleted
		}
	case oc.result.Exhausted:
		status, msg = database.JobExhausted, oc.result.Error
	default:
		msg = oc.result.Error
		if msg == "" {
			msg = "acquisition failed"
		}
	}

	if err := o.store.UpdateJobStatus(ctx, oc.job.ID, status, msg); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("updating job status failed")
	}
	if msg != "" {
		log.Warn().Str("status", string(status)).Str("error", msg).Msg("acquisition did not start")
	} else {
		log.Debug().Str("status", string(status)).Msg("acquisition started")
	}
	return status
}

type tally struct {
	total, completed, failed, active int
}

func countJobs(jobs []database.DownloadJob) tally {
	t := tally{total: len(jobs)}
	for _, j := range jobs {
		switch {
		case j.Status.Active():
			t.active++
		case j.Status == database.JobCompleted:
			t.completed++
		default:
			t.failed++
		}
	}
	return t
}

func (o *Orchestrator) refreshCounts(ctx context.Context, batchID int64) error {
	jobs, err := o.store.ListJobs(ctx, batchID)
	if err != nil {
		return err
	}
	t := countJobs(jobs)
	return o.store.UpdateBatchCounts(ctx, batchID, t.total, t.completed, t.failed)
}

// Cancel stops a running batch: active jobs become cancelled, the batch
// fails with "Cancelled", and cleanup runs. Terminal batches are left alone.
func (o *Orchestrator) Cancel(ctx context.Context, batchID int64) error {
	b, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return nil
	}
	var cancelled int64
	err = o.store.InTx(ctx, func(tx database.Store) error {
		n, err := tx.CancelActiveJobs(ctx, batchID)
		if err != nil {
			return err
		}
		cancelled = n
		if err := tx.UpdateBatchStatus(ctx, batchID, database.BatchFailed, msgCancelled); err != nil {
			return err
		}
		return tx.AppendBatchLog(ctx, batchID, fmt.Sprintf("Cancelled with %d jobs in flight", n))
	})
	if err != nil {
		return fmt.Errorf("cancelling batch %d: %w", batchID, err)
	}
	if err := o.refreshCounts(ctx, batchID); err != nil {
		logging.Warn().Err(err).Int64("batch_id", batchID).Msg("refreshing batch counts failed")
	}
	logging.Info().Int64("batch_id", batchID).Int64("jobs", cancelled).Msg("batch cancelled")
	metrics.BatchesTotal.WithLabelValues(string(database.BatchFailed)).Inc()
	if o.deps.Cleaner != nil {
		o.deps.Cleaner.Run(ctx, batchID)
	}
	return nil
}
