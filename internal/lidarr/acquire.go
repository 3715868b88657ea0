package lidarr

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

// Source is the acquisition source name recorded on results.
const Source = "lidarr"

// AcquireAlbum hands one recommended album to Lidarr. An album already on
// disk completes immediately; one Lidarr knows but lacks is monitored and
// searched; an unknown one is added under the discovery tag. A release
// group Lidarr's metadata server cannot find is reported as exhausted.
func (c *Client) AcquireAlbum(ctx context.Context, req catalog.AcquireRequest, actx catalog.AcquireContext) (catalog.AcquireResult, error) {
	res := catalog.AcquireResult{Source: Source, CorrelationID: uuid.NewString()}
	if !c.Configured() {
		return res, ErrNotConfigured
	}
	if req.CanonicalID == "" {
		res.Exhausted = true
		res.Error = "no canonical album id"
		return res, nil
	}

	log := logging.With().
		Str("correlation_id", res.CorrelationID).
		Int64("batch_id", actx.BatchID).
		Int64("job_id", actx.JobID).
		Str("album", req.AlbumTitle).
		Logger()

	existing, err := c.FindAlbum(ctx, req.CanonicalID)
	if err != nil {
		return res, fmt.Errorf("finding album: %w", err)
	}
	if existing != nil {
		res.ManagerID = existing.ID
		if existing.Statistics.Complete() {
			log.Debug().Int64("lidarr_album_id", existing.ID).Msg("album already on disk")
			res.Success, res.Completed = true, true
			return res, nil
		}
		if err := c.MonitorAndSearch(ctx, existing.ID); err != nil {
			return res, fmt.Errorf("searching album %d: %w", existing.ID, err)
		}
		log.Info().Int64("lidarr_album_id", existing.ID).Msg("search triggered for existing album")
		res.Success = true
		return res, nil
	}

	lookup, err := c.LookupAlbum(ctx, req.CanonicalID)
	if err != nil {
		return res, fmt.Errorf("looking up album: %w", err)
	}
	if lookup == nil {
		res.Exhausted = true
		res.Error = fmt.Sprintf("album %s not found in lidarr metadata", req.CanonicalID)
		return res, nil
	}

	tagID, err := c.DiscoverTagID(ctx)
	if err != nil {
		return res, fmt.Errorf("resolving discover tag: %w", err)
	}
	added, err := c.AddAlbum(ctx, *lookup, tagID)
	if err != nil {
		return res, fmt.Errorf("adding album: %w", err)
	}
	log.Info().Int64("lidarr_album_id", added.ID).Msg("album added to lidarr")
	res.Success = true
	res.ManagerID = added.ID
	return res, nil
}
