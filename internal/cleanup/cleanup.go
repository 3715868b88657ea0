// Package cleanup removes discovery leftovers from the music manager once a
// batch is done: artists that produced nothing worth keeping, and download
// queue entries stuck on a failed import.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// Manager is the subset of the music manager API cleanup needs.
type Manager interface {
	Configured() bool
	TaggedArtists(ctx context.Context) ([]lidarr.Artist, error)
	DeleteArtist(ctx context.Context, id int64, force bool) error
	RemoveTagByMBID(ctx context.Context, artistMBID string) error
	Queue(ctx context.Context) ([]lidarr.QueueItem, error)
	RemoveQueueItem(ctx context.Context, id int64, removeFromClient, blocklist bool) error
}

// Result tallies what one cleanup pass did. Failures counts per-item errors
// that were logged and skipped.
type Result struct {
	Kept         int
	Untagged     int
	Deleted      int
	QueueRemoved int
	Failures     int
}

// Add merges another result into r.
func (r *Result) Add(o Result) {
	r.Kept += o.Kept
	r.Untagged += o.Untagged
	r.Deleted += o.Deleted
	r.QueueRemoved += o.QueueRemoved
	r.Failures += o.Failures
}

// Coordinator runs cleanup passes for batches.
type Coordinator struct {
	store   database.Store
	manager Manager
}

// New creates a Coordinator. manager may be nil when no music manager is
// configured; every pass is then a no-op.
func New(store database.Store, manager Manager) *Coordinator {
	return &Coordinator{store: store, manager: manager}
}

func (c *Coordinator) enabled() bool {
	return c.manager != nil && c.manager.Configured()
}

// successfulArtists returns the mbids and lowercase names of artists with at
// least one completed job in the batch.
func successfulArtists(jobs []database.DownloadJob) map[string]bool {
	keep := make(map[string]bool)
	for _, j := range jobs {
		if j.Status != database.JobCompleted {
			continue
		}
		if j.Metadata.ArtistMBID != "" {
			keep[j.Metadata.ArtistMBID] = true
		}
		if name := strings.ToLower(j.Metadata.ArtistName); name != "" {
			keep["name:"+name] = true
		}
	}
	return keep
}

// CleanupFailedArtists walks every discovery-tagged artist in the manager.
// Artists the listener liked or moved keep their files but lose the tag;
// artists with active albums from another week or a completed download in
// this batch are left alone; the rest are deleted with their files.
func (c *Coordinator) CleanupFailedArtists(ctx context.Context, batchID int64) (Result, error) {
	var res Result
	if !c.enabled() {
		return res, nil
	}
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return res, fmt.Errorf("loading batch %d: %w", batchID, err)
	}
	jobs, err := c.store.ListJobs(ctx, batchID)
	if err != nil {
		return res, fmt.Errorf("listing jobs: %w", err)
	}
	successful := successfulArtists(jobs)

	artists, err := c.manager.TaggedArtists(ctx)
	if err != nil {
		return res, fmt.Errorf("listing tagged artists: %w", err)
	}

	for _, a := range artists {
		log := logging.With().Int64("batch_id", batchID).Str("artist", a.ArtistName).Logger()
		action, err := c.cleanupArtist(ctx, batch, a, successful)
		if err != nil {
			res.Failures++
			log.Warn().Err(err).Msg("artist cleanup failed")
			continue
		}
		switch action {
		case "untag":
			res.Untagged++
		case "delete":
			res.Deleted++
		default:
			res.Kept++
		}
		metrics.CleanupActions.WithLabelValues(action).Inc()
		log.Debug().Str("action", action).Msg("artist cleanup")
	}

	logging.Info().
		Int64("batch_id", batchID).
		Int("kept", res.Kept).
		Int("untagged", res.Untagged).
		Int("deleted", res.Deleted).
		Int("failures", res.Failures).
		Msg("artist cleanup finished")
	return res, nil
}

func (c *Coordinator) cleanupArtist(ctx context.Context, batch *database.Batch, a lidarr.Artist, successful map[string]bool) (string, error) {
	statuses, err := c.store.DiscoveryStatusesForArtist(ctx, a.ForeignArtistID, a.ArtistName)
	if err != nil {
		return "", err
	}
	for _, s := range statuses {
		if s.Status == database.AlbumLiked || s.Status == database.AlbumMoved {
			if a.ForeignArtistID == "" {
				return "keep", nil
			}
			return "untag", c.manager.RemoveTagByMBID(ctx, a.ForeignArtistID)
		}
	}
	for _, s := range statuses {
		if s.Status == database.AlbumActive && s.WeekStart != batch.WeekStart {
			return "keep", nil
		}
	}
	if successful[a.ForeignArtistID] || successful["name:"+strings.ToLower(a.ArtistName)] {
		return "keep", nil
	}
	return "delete", c.manager.DeleteArtist(ctx, a.ID, true)
}

// CleanupOrphanedQueue removes this batch's download-queue entries that are
// stuck on a failed or blocked import, blocklisting the release.
func (c *Coordinator) CleanupOrphanedQueue(ctx context.Context, batchID int64) (Result, error) {
	var res Result
	if !c.enabled() {
		return res, nil
	}
	jobs, err := c.store.ListJobs(ctx, batchID)
	if err != nil {
		return res, fmt.Errorf("listing jobs: %w", err)
	}
	refs := make(map[string]bool)
	for _, j := range jobs {
		if j.LidarrRef != nil && *j.LidarrRef != "" {
			refs[*j.LidarrRef] = true
		}
	}
	if len(refs) == 0 {
		return res, nil
	}

	queue, err := c.manager.Queue(ctx)
	if err != nil {
		return res, fmt.Errorf("reading download queue: %w", err)
	}
	for _, item := range queue {
		if !refs[item.DownloadID] || !item.Stuck() {
			continue
		}
		if err := c.manager.RemoveQueueItem(ctx, item.ID, true, true); err != nil {
			res.Failures++
			logging.Warn().Err(err).Int64("batch_id", batchID).Str("download_id", item.DownloadID).
				Msg("queue cleanup failed")
			continue
		}
		res.QueueRemoved++
		metrics.CleanupActions.WithLabelValues("queue_remove").Inc()
	}
	if res.QueueRemoved > 0 {
		logging.Info().Int64("batch_id", batchID).Int("removed", res.QueueRemoved).Msg("removed stuck queue entries")
	}
	return res, nil
}

// Run performs both passes and logs instead of returning pass errors.
func (c *Coordinator) Run(ctx context.Context, batchID int64) Result {
	var total Result
	artists, err := c.CleanupFailedArtists(ctx, batchID)
	total.Add(artists)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Int64("batch_id", batchID).Msg("artist cleanup skipped")
	}
	queue, err := c.CleanupOrphanedQueue(ctx, batchID)
	total.Add(queue)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Warn().Err(err).Int64("batch_id", batchID).Msg("queue cleanup skipped")
	}
	return total
}
