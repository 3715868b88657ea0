// Package playlist assembles the weekly playlist of a batch from the albums
// that actually reached the library, padded with library anchor tracks.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/cleanup"
	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

const (
	msgNoTracks = "No tracks found after scan"
	anchorRatio = 0.2
)

// ErrNotAssemblable is returned by RebuildPlaylist for batches that never
// reached the scanning stage or failed.
var ErrNotAssemblable = errors.New("batch cannot be assembled")

// SeedSource names the artists anchors are preferably taken from.
type SeedSource interface {
	GetSeedArtists(ctx context.Context, userID string) ([]catalog.SeedArtist, error)
}

// Cleaner runs batch cleanup after assembly.
type Cleaner interface {
	Run(ctx context.Context, batchID int64) cleanup.Result
}

// Options configures the assembler.
type Options struct {
	ExclusionMonths int
	PlaylistDir     string
}

// Assembler builds final playlists.
type Assembler struct {
	store   database.Store
	seeds   SeedSource
	cleaner Cleaner
	opts    Options
	now     func() time.Time
	intn    func(n int) int
	shuffle func(n int, swap func(i, j int))
}

// New creates an Assembler. seeds and cleaner may be nil.
func New(store database.Store, seeds SeedSource, cleaner Cleaner, opts Options) *Assembler {
	return &Assembler{
		store:   store,
		seeds:   seeds,
		cleaner: cleaner,
		opts:    opts,
		now:     time.Now,
		intn:    rand.IntN,
		shuffle: rand.Shuffle,
	}
}

// criterion identifies one completed download in the library.
type criterion struct {
	job    database.DownloadJob
	artist string
	title  string
	mbid   string
}

// pick is one selected playlist track.
type pick struct {
	track  database.LibraryTrack
	job    *database.DownloadJob
	anchor bool
}

// BuildFinalPlaylist assembles the playlist for a scanning batch. Missing
// batches and batches in any other state are left alone. Cleanup runs afterwards whatever the
// outcome; only store failures before assembly starts are returned.
func (a *Assembler) BuildFinalPlaylist(ctx context.Context, batchID int64) error {
	b, err := a.store.GetBatch(ctx, batchID)
	if errors.Is(err, database.ErrNotFound) {
		logging.Warn().Int64("batch_id", batchID).Msg("playlist requested for unknown batch")
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status != database.BatchScanning {
		logging.Debug().Int64("batch_id", batchID).Str("status", string(b.Status)).Msg("batch not awaiting assembly")
		return nil
	}
	return a.assemble(ctx, b)
}

// RebuildPlaylist runs assembly again for a scanning or completed batch,
// replacing the week's playlist.
func (a *Assembler) RebuildPlaylist(ctx context.Context, batchID int64) error {
	b, err := a.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != database.BatchScanning && b.Status != database.BatchCompleted {
		return fmt.Errorf("batch %d is %s: %w", batchID, b.Status, ErrNotAssemblable)
	}
	return a.assemble(ctx, b)
}

func (a *Assembler) assemble(ctx context.Context, b *database.Batch) error {
	log := logging.With().Int64("batch_id", b.ID).Str("user_id", b.UserID).Logger()
	defer a.cleanup(ctx, b.ID, log)

	jobs, err := a.store.ListJobs(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	var criteria []criterion
	for _, j := range jobs {
		if j.Status != database.JobCompleted {
			continue
		}
		criteria = append(criteria, criterion{
			job:    j,
			artist: j.Metadata.ArtistName,
			title:  j.Metadata.AlbumTitle,
			mbid:   j.TargetMBID,
		})
	}

	seen := make(map[int64]bool)
	var found []pick
	for i := range criteria {
		c := &criteria[i]
		tracks, err := a.resolve(ctx, *c)
		if err != nil {
			log.Warn().Err(err).Str("artist", c.artist).Str("album", c.title).Msg("track lookup failed")
			continue
		}
		if len(tracks) == 0 {
			log.Warn().Str("artist", c.artist).Str("album", c.title).Msg("no library tracks for downloaded album")
		}
		for _, t := range tracks {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			found = append(found, pick{track: t, job: &c.job})
		}
	}

	if len(found) == 0 {
		a.fail(ctx, b.ID, log)
		return nil
	}

	discovery := a.onePerAlbum(found)
	anchors := a.anchors(ctx, b.UserID, discovery, int(math.Ceil(float64(len(discovery))*anchorRatio)), log)
	selected := append(discovery, anchors...)
	a.shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })

	if err := a.persist(ctx, b, jobs, selected, log); err != nil {
		log.Error().Err(err).Msg("persisting playlist failed")
		return nil
	}
	metrics.PlaylistTracks.Observe(float64(len(selected)))
	metrics.BatchesTotal.WithLabelValues(string(database.BatchCompleted)).Inc()
	log.Info().Int("discovery", len(discovery)).Int("anchors", len(anchors)).Msg("playlist assembled")

	if a.opts.PlaylistDir != "" {
		if path, err := a.writeFile(ctx, b); err != nil {
			log.Warn().Err(err).Msg("writing playlist file failed")
		} else {
			log.Info().Str("path", path).Msg("playlist file written")
		}
	}
	return nil
}

// resolve finds the library tracks of a downloaded album: by canonical id,
// then by exact artist and title, then by normalized title among albums of
// artists sharing the first name token.
func (a *Assembler) resolve(ctx context.Context, c criterion) ([]database.LibraryTrack, error) {
	if c.mbid != "" {
		tracks, err := a.store.FindTracksByAlbumMBID(ctx, c.mbid)
		if err != nil || len(tracks) > 0 {
			return tracks, err
		}
	}
	tracks, err := a.store.FindTracksByArtistAlbum(ctx, c.artist, c.title)
	if err != nil || len(tracks) > 0 {
		return tracks, err
	}

	token := catalog.FirstToken(c.artist)
	want := catalog.Normalize(c.title)
	if token == "" || want == "" {
		return nil, nil
	}
	albums, err := a.store.FindAlbumsByArtistToken(ctx, token)
	if err != nil {
		return nil, err
	}
	var out []database.LibraryTrack
	for _, al := range albums {
		have := catalog.Normalize(al.Title)
		if have == "" || !(strings.Contains(have, want) || strings.Contains(want, have)) {
			continue
		}
		t, err := a.store.ListAlbumTracks(ctx, al.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, t...)
	}
	return out, nil
}

// onePerAlbum keeps one random track of every album, in first-seen album order.
func (a *Assembler) onePerAlbum(found []pick) []pick {
	var order []int64
	byAlbum := make(map[int64][]pick)
	for _, p := range found {
		if _, ok := byAlbum[p.track.AlbumID]; !ok {
			order = append(order, p.track.AlbumID)
		}
		byAlbum[p.track.AlbumID] = append(byAlbum[p.track.AlbumID], p)
	}
	out := make([]pick, 0, len(order))
	for _, id := range order {
		group := byAlbum[id]
		out = append(out, group[a.intn(len(group))])
	}
	return out
}

// anchors picks up to n library tracks, one per album, preferring albums of
// the user's seed artists and skipping albums already in the playlist.
func (a *Assembler) anchors(ctx context.Context, userID string, discovery []pick, n int, log zerolog.Logger) []pick {
	if n <= 0 {
		return nil
	}
	albums, err := a.store.ListLibraryAlbums(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing library albums for anchors failed")
		return nil
	}
	usedAlbums := make(map[int64]bool)
	usedTracks := make(map[int64]bool)
	for _, p := range discovery {
		usedAlbums[p.track.AlbumID] = true
		usedTracks[p.track.ID] = true
	}

	seedNames := make(map[string]bool)
	seedMBIDs := make(map[string]bool)
	if a.seeds != nil {
		seeds, err := a.seeds.GetSeedArtists(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Msg("seed artists unavailable for anchors")
		}
		for _, s := range seeds {
			seedNames[catalog.Normalize(s.Name)] = true
			if s.MBID != "" {
				seedMBIDs[s.MBID] = true
			}
		}
	}
	isSeed := func(al database.LibraryAlbum) bool {
		if al.ArtistMBID != nil && seedMBIDs[*al.ArtistMBID] {
			return true
		}
		return seedNames[catalog.Normalize(al.ArtistName)]
	}

	var preferred, rest []database.LibraryAlbum
	for _, al := range albums {
		if usedAlbums[al.ID] {
			continue
		}
		if isSeed(al) {
			preferred = append(preferred, al)
		} else {
			rest = append(rest, al)
		}
	}
	a.shuffle(len(preferred), func(i, j int) { preferred[i], preferred[j] = preferred[j], preferred[i] })
	a.shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	var out []pick
	for _, al := range append(preferred, rest...) {
		if len(out) >= n {
			break
		}
		tracks, err := a.store.ListAlbumTracks(ctx, al.ID)
		if err != nil {
			log.Warn().Err(err).Int64("album_id", al.ID).Msg("listing anchor tracks failed")
			continue
		}
		var free []database.LibraryTrack
		for _, t := range tracks {
			if !usedTracks[t.ID] {
				free = append(free, t)
			}
		}
		if len(free) == 0 {
			continue
		}
		t := free[a.intn(len(free))]
		usedTracks[t.ID] = true
		out = append(out, pick{track: t, anchor: true})
	}
	if len(out) < n {
		log.Debug().Int("wanted", n).Int("found", len(out)).Msg("library short on anchor albums")
	}
	return out
}

func jobKey(artist, title string) string {
	return strings.ToLower(strings.TrimSpace(artist)) + "\x00" + strings.ToLower(strings.TrimSpace(title))
}

// albumKey is the canonical discovery album id for a pick.
func albumKey(p pick) string {
	if p.job != nil && p.job.TargetMBID != "" {
		return p.job.TargetMBID
	}
	if p.track.AlbumMBID != nil && *p.track.AlbumMBID != "" {
		return *p.track.AlbumMBID
	}
	return "library:" + strconv.FormatInt(p.track.AlbumID, 10)
}

// persist writes the playlist and completes the batch in one transaction.
func (a *Assembler) persist(ctx context.Context, b *database.Batch, jobs []database.DownloadJob, selected []pick, log zerolog.Logger) error {
	byName := make(map[string]*database.DownloadJob, len(jobs))
	for i := range jobs {
		byName[jobKey(jobs[i].Metadata.ArtistName, jobs[i].Metadata.AlbumTitle)] = &jobs[i]
	}
	months := a.exclusionMonths(ctx, b.UserID)
	expires := a.now().AddDate(0, months, 0)

	return a.store.InTx(ctx, func(tx database.Store) error {
		cur, err := tx.GetBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		if cur.Status == database.BatchFailed {
			return fmt.Errorf("batch %d failed during assembly", b.ID)
		}
		if err := tx.ClearDiscoveryTracks(ctx, b.UserID, b.WeekStart); err != nil {
			return err
		}
		kept := make([]int64, 0, len(selected))
		for i, p := range selected {
			job := byName[jobKey(p.track.ArtistName, p.track.AlbumTitle)]
			if job == nil && !p.anchor {
				job = p.job
			}
			if job == nil {
				log.Warn().Str("artist", p.track.ArtistName).Str("album", p.track.AlbumTitle).
					Msg("no download job matches playlist album")
			}
			key := albumKey(pick{track: p.track, job: job})
			if p.anchor {
				key = "library:" + strconv.FormatInt(p.track.AlbumID, 10)
			}
			da := &database.DiscoveryAlbum{
				UserID:     b.UserID,
				WeekStart:  b.WeekStart,
				RGMBID:     key,
				ArtistName: p.track.ArtistName,
				ArtistMBID: p.track.ArtistMBID,
				AlbumTitle: p.track.AlbumTitle,
				IsAnchor:   p.anchor,
			}
			if job != nil {
				da.ArtistName = job.Metadata.ArtistName
				da.AlbumTitle = job.Metadata.AlbumTitle
				da.Similarity = job.Metadata.Similarity
				da.Tier = job.Metadata.Tier
				da.DownloadJobID = &job.ID
				if job.Metadata.ArtistMBID != "" {
					da.ArtistMBID = &job.Metadata.ArtistMBID
				}
			}
			id, err := tx.UpsertDiscoveryAlbum(ctx, da)
			if err != nil {
				return fmt.Errorf("upserting discovery album %q: %w", da.AlbumTitle, err)
			}
			kept = append(kept, id)
			if err := tx.AddDiscoveryTrack(ctx, id, p.track.ID, i+1); err != nil {
				return fmt.Errorf("adding discovery track: %w", err)
			}
			if months > 0 {
				if err := tx.UpsertExclusion(ctx, b.UserID, key, da.ArtistName, expires); err != nil {
					return fmt.Errorf("upserting exclusion: %w", err)
				}
			}
		}
		pruned, err := tx.PruneDiscoveryAlbums(ctx, b.UserID, b.WeekStart, kept)
		if err != nil {
			return fmt.Errorf("pruning discovery albums: %w", err)
		}
		if pruned > 0 {
			log.Debug().Int64("albums", pruned).Msg("dropped albums no longer in the playlist")
		}
		if err := tx.CompleteBatch(ctx, b.ID, len(selected)); err != nil {
			return err
		}
		return tx.AppendBatchLog(ctx, b.ID, fmt.Sprintf("Playlist built with %d tracks", len(selected)))
	})
}

func (a *Assembler) exclusionMonths(ctx context.Context, userID string) int {
	months := a.opts.ExclusionMonths
	s, err := a.store.GetUserSettings(ctx, userID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("user settings unavailable")
		return months
	}
	if s != nil {
		months = s.ExclusionMonths
	}
	return months
}

func (a *Assembler) fail(ctx context.Context, batchID int64, log zerolog.Logger) {
	err := a.store.InTx(ctx, func(tx database.Store) error {
		if err := tx.UpdateBatchStatus(ctx, batchID, database.BatchFailed, msgNoTracks); err != nil {
			return err
		}
		return tx.AppendBatchLog(ctx, batchID, msgNoTracks)
	})
	if err != nil {
		log.Error().Err(err).Msg("marking batch failed")
		return
	}
	metrics.BatchesTotal.WithLabelValues(string(database.BatchFailed)).Inc()
	log.Error().Msg(msgNoTracks)
}

func (a *Assembler) cleanup(ctx context.Context, batchID int64, log zerolog.Logger) {
	if a.cleaner == nil {
		return
	}
	res := a.cleaner.Run(ctx, batchID)
	log.Debug().Int("deleted", res.Deleted).Int("untagged", res.Untagged).
		Int("queue_removed", res.QueueRemoved).Int("failures", res.Failures).Msg("cleanup finished")
}

func (a *Assembler) writeFile(ctx context.Context, b *database.Batch) (string, error) {
	entries, err := a.store.ListPlaylist(ctx, b.UserID, b.WeekStart)
	if err != nil {
		return "", err
	}
	return WriteM3U(a.opts.PlaylistDir, FileName(b.UserID, b.WeekStart), entries)
}
