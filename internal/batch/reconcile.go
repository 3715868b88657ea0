package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// Reconcile polls the music manager for processing jobs. Albums whose
// tracks are all on disk complete their job; queue download ids are
// recorded on the job for later queue cleanup. Batches with changed jobs
// get a completion check. It returns the number of jobs completed.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	if o.deps.Tracker == nil {
		return 0, nil
	}
	jobs, err := o.store.ListProcessingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing processing jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	refs := make(map[int64]string)
	queue, err := o.deps.Tracker.Queue(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("download queue unavailable")
	}
	for _, item := range queue {
		if item.AlbumID != nil && item.DownloadID != "" {
			refs[*item.AlbumID] = item.DownloadID
		}
	}

	completed := 0
	touched := make(map[int64]bool)
	for _, j := range jobs {
		log := logging.With().Int64("batch_id", j.DiscoveryBatchID).Int64("job_id", j.ID).Logger()
		albumID := *j.LidarrAlbumID
		if ref := refs[albumID]; ref != "" && j.LidarrRef == nil {
			if err := o.store.SetJobLidarrRef(ctx, j.ID, ref); err != nil {
				log.Warn().Err(err).Msg("recording download id failed")
			}
		}
		album, err := o.deps.Tracker.GetAlbum(ctx, albumID)
		if err != nil {
			log.Warn().Err(err).Int64("lidarr_album_id", albumID).Msg("album status unavailable")
			continue
		}
		if !album.Statistics.Complete() {
			continue
		}
		if err := o.store.UpdateJobStatus(ctx, j.ID, database.JobCompleted, ""); err != nil {
			log.Warn().Err(err).Msg("completing job failed")
			continue
		}
		metrics.JobsTotal.WithLabelValues(string(database.JobCompleted)).Inc()
		log.Info().Str("album", j.Metadata.AlbumTitle).Msg("download imported")
		completed++
		touched[j.DiscoveryBatchID] = true
	}

	for _, id := range sortedIDs(touched) {
		o.settle(ctx, id)
	}
	return completed, nil
}

// HandleLidarrEvent applies a webhook event to the jobs bound to its
// albums: grabs record the download id, imports complete the job and
// failures fail it. It returns the batches whose jobs changed status, for
// which the caller should run CheckBatchCompletion.
func (o *Orchestrator) HandleLidarrEvent(ctx context.Context, ev lidarr.WebhookEvent) ([]int64, error) {
	touched := make(map[int64]bool)
	for _, albumID := range ev.AlbumIDs() {
		jobs, err := o.store.FindActiveJobsByLidarrAlbum(ctx, albumID)
		if err != nil {
			return nil, fmt.Errorf("finding jobs for album %d: %w", albumID, err)
		}
		for _, j := range jobs {
			var status database.JobStatus
			msg := ""
			switch ev.EventType {
			case lidarr.EventGrab:
				if ev.DownloadID != "" {
					if err := o.store.SetJobLidarrRef(ctx, j.ID, ev.DownloadID); err != nil {
						return nil, err
					}
				}
				continue
			case lidarr.EventDownload, lidarr.EventAlbumDownload:
				status = database.JobCompleted
			case lidarr.EventImportFailure, lidarr.EventDownloadFailure:
				status = database.JobFailed
				msg = ev.Message
				if msg == "" {
					msg = ev.EventType
				}
			default:
				continue
			}
			if ev.DownloadID != "" && j.LidarrRef == nil {
				if err := o.store.SetJobLidarrRef(ctx, j.ID, ev.DownloadID); err != nil {
					return nil, err
				}
			}
			if err := o.store.UpdateJobStatus(ctx, j.ID, status, msg); err != nil {
				return nil, err
			}
			metrics.JobsTotal.WithLabelValues(string(status)).Inc()
			logging.Info().Int64("batch_id", j.DiscoveryBatchID).Int64("job_id", j.ID).
				Str("event", ev.EventType).Str("status", string(status)).Msg("job updated from webhook")
			touched[j.DiscoveryBatchID] = true
		}
	}

	ids := sortedIDs(touched)
	for _, id := range ids {
		if err := o.refreshCounts(ctx, id); err != nil {
			logging.Warn().Err(err).Int64("batch_id", id).Msg("refreshing batch counts failed")
		}
	}
	return ids, nil
}

func (o *Orchestrator) settle(ctx context.Context, batchID int64) {
	if err := o.refreshCounts(ctx, batchID); err != nil {
		logging.Warn().Err(err).Int64("batch_id", batchID).Msg("refreshing batch counts failed")
	}
	if err := o.CheckBatchCompletion(ctx, batchID); err != nil {
		logging.Warn().Err(err).Int64("batch_id", batchID).Msg("completion check failed")
	}
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
