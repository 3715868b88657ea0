package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 250 * time.Millisecond
)

// Pinger re-establishes a connection before a retry.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// RetryStore decorates a Store, retrying operations that fail with a
// transient datastore error. Non-transient errors are returned immediately.
type RetryStore struct {
	inner    Store
	pinger   Pinger
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRetryStore wraps inner. pinger may be nil.
func NewRetryStore(inner Store, pinger Pinger) *RetryStore {
	return &RetryStore{
		inner:    inner,
		pinger:   pinger,
		attempts: defaultRetryAttempts,
		backoff:  defaultRetryBackoff,
		sleep:    sleepCtx,
	}
}

var _ Store = (*RetryStore)(nil)

// IsTransient reports whether err is worth retrying: SQLite busy/locked,
// a dropped driver connection, or a known connectivity failure message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "can't reach server") ||
		strings.Contains(msg, "database is locked")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *RetryStore) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt == r.attempts {
			return err
		}
		logging.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient store error, retrying")
		if r.pinger != nil {
			// A failed reconnect is not fatal; the next attempt reports the real error.
			_ = r.pinger.Ping(ctx)
		}
		if sleepErr := r.sleep(ctx, time.Duration(attempt)*r.backoff); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

func retryValue[T any](r *RetryStore, ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var out T
	err := r.do(ctx, op, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *RetryStore) InTx(ctx context.Context, fn func(Store) error) error {
	return r.do(ctx, "InTx", func() error { return r.inner.InTx(ctx, fn) })
}

func (r *RetryStore) CreateBatch(ctx context.Context, b *Batch) error {
	return r.do(ctx, "CreateBatch", func() error { return r.inner.CreateBatch(ctx, b) })
}

func (r *RetryStore) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	return retryValue(r, ctx, "GetBatch", func() (*Batch, error) { return r.inner.GetBatch(ctx, id) })
}

func (r *RetryStore) GetActiveBatchForUser(ctx context.Context, userID string) (*Batch, error) {
	return retryValue(r, ctx, "GetActiveBatchForUser", func() (*Batch, error) {
		return r.inner.GetActiveBatchForUser(ctx, userID)
	})
}

func (r *RetryStore) ListActiveBatches(ctx context.Context) ([]Batch, error) {
	return retryValue(r, ctx, "ListActiveBatches", func() ([]Batch, error) { return r.inner.ListActiveBatches(ctx) })
}

func (r *RetryStore) ListBatches(ctx context.Context, userID string, limit int) ([]Batch, error) {
	return retryValue(r, ctx, "ListBatches", func() ([]Batch, error) { return r.inner.ListBatches(ctx, userID, limit) })
}

func (r *RetryStore) UpdateBatchStatus(ctx context.Context, id int64, status BatchStatus, errMsg string) error {
	return r.do(ctx, "UpdateBatchStatus", func() error { return r.inner.UpdateBatchStatus(ctx, id, status, errMsg) })
}

func (r *RetryStore) UpdateBatchCounts(ctx context.Context, id int64, total, completed, failed int) error {
	return r.do(ctx, "UpdateBatchCounts", func() error {
		return r.inner.UpdateBatchCounts(ctx, id, total, completed, failed)
	})
}

func (r *RetryStore) CompleteBatch(ctx context.Context, id int64, finalSongCount int) error {
	return r.do(ctx, "CompleteBatch", func() error { return r.inner.CompleteBatch(ctx, id, finalSongCount) })
}

func (r *RetryStore) AppendBatchLog(ctx context.Context, id int64, msg string) error {
	return r.do(ctx, "AppendBatchLog", func() error { return r.inner.AppendBatchLog(ctx, id, msg) })
}

func (r *RetryStore) CreateJob(ctx context.Context, j *DownloadJob) error {
	return r.do(ctx, "CreateJob", func() error { return r.inner.CreateJob(ctx, j) })
}

func (r *RetryStore) GetJob(ctx context.Context, id int64) (*DownloadJob, error) {
	return retryValue(r, ctx, "GetJob", func() (*DownloadJob, error) { return r.inner.GetJob(ctx, id) })
}

func (r *RetryStore) HasActiveJobForTarget(ctx context.Context, userID, targetMBID string) (bool, error) {
	return retryValue(r, ctx, "HasActiveJobForTarget", func() (bool, error) {
		return r.inner.HasActiveJobForTarget(ctx, userID, targetMBID)
	})
}

func (r *RetryStore) ListJobs(ctx context.Context, batchID int64) ([]DownloadJob, error) {
	return retryValue(r, ctx, "ListJobs", func() ([]DownloadJob, error) { return r.inner.ListJobs(ctx, batchID) })
}

func (r *RetryStore) ListProcessingJobs(ctx context.Context) ([]DownloadJob, error) {
	return retryValue(r, ctx, "ListProcessingJobs", func() ([]DownloadJob, error) { return r.inner.ListProcessingJobs(ctx) })
}

func (r *RetryStore) FindActiveJobsByLidarrAlbum(ctx context.Context, lidarrAlbumID int64) ([]DownloadJob, error) {
	return retryValue(r, ctx, "FindActiveJobsByLidarrAlbum", func() ([]DownloadJob, error) {
		return r.inner.FindActiveJobsByLidarrAlbum(ctx, lidarrAlbumID)
	})
}

func (r *RetryStore) UpdateJobStatus(ctx context.Context, id int64, status JobStatus, errMsg string) error {
	return r.do(ctx, "UpdateJobStatus", func() error { return r.inner.UpdateJobStatus(ctx, id, status, errMsg) })
}

func (r *RetryStore) SetJobAcquisition(ctx context.Context, id int64, lidarrAlbumID *int64, correlationID string) error {
	return r.do(ctx, "SetJobAcquisition", func() error {
		return r.inner.SetJobAcquisition(ctx, id, lidarrAlbumID, correlationID)
	})
}

func (r *RetryStore) SetJobLidarrRef(ctx context.Context, id int64, ref string) error {
	return r.do(ctx, "SetJobLidarrRef", func() error { return r.inner.SetJobLidarrRef(ctx, id, ref) })
}

func (r *RetryStore) FailActiveJobs(ctx context.Context, batchID int64, errMsg string) (int64, error) {
	return retryValue(r, ctx, "FailActiveJobs", func() (int64, error) { return r.inner.FailActiveJobs(ctx, batchID, errMsg) })
}

func (r *RetryStore) CancelActiveJobs(ctx context.Context, batchID int64) (int64, error) {
	return retryValue(r, ctx, "CancelActiveJobs", func() (int64, error) { return r.inner.CancelActiveJobs(ctx, batchID) })
}

func (r *RetryStore) UpsertDiscoveryAlbum(ctx context.Context, a *DiscoveryAlbum) (int64, error) {
	return retryValue(r, ctx, "UpsertDiscoveryAlbum", func() (int64, error) { return r.inner.UpsertDiscoveryAlbum(ctx, a) })
}

func (r *RetryStore) AddDiscoveryTrack(ctx context.Context, discoveryAlbumID, trackID int64, position int) error {
	return r.do(ctx, "AddDiscoveryTrack", func() error {
		return r.inner.AddDiscoveryTrack(ctx, discoveryAlbumID, trackID, position)
	})
}

func (r *RetryStore) ClearDiscoveryTracks(ctx context.Context, userID, weekStart string) error {
	return r.do(ctx, "ClearDiscoveryTracks", func() error { return r.inner.ClearDiscoveryTracks(ctx, userID, weekStart) })
}

func (r *RetryStore) PruneDiscoveryAlbums(ctx context.Context, userID, weekStart string, keep []int64) (int64, error) {
	return retryValue(r, ctx, "PruneDiscoveryAlbums", func() (int64, error) {
		return r.inner.PruneDiscoveryAlbums(ctx, userID, weekStart, keep)
	})
}

func (r *RetryStore) ListDiscoveryAlbums(ctx context.Context, userID, weekStart string) ([]DiscoveryAlbum, error) {
	return retryValue(r, ctx, "ListDiscoveryAlbums", func() ([]DiscoveryAlbum, error) {
		return r.inner.ListDiscoveryAlbums(ctx, userID, weekStart)
	})
}

func (r *RetryStore) ListPlaylist(ctx context.Context, userID, weekStart string) ([]PlaylistEntry, error) {
	return retryValue(r, ctx, "ListPlaylist", func() ([]PlaylistEntry, error) {
		return r.inner.ListPlaylist(ctx, userID, weekStart)
	})
}

func (r *RetryStore) DiscoveryStatusesForArtist(ctx context.Context, artistMBID, artistName string) ([]ArtistDiscoveryStatus, error) {
	return retryValue(r, ctx, "DiscoveryStatusesForArtist", func() ([]ArtistDiscoveryStatus, error) {
		return r.inner.DiscoveryStatusesForArtist(ctx, artistMBID, artistName)
	})
}

func (r *RetryStore) UpsertUnavailableAlbum(ctx context.Context, u UnavailableAlbum) error {
	return r.do(ctx, "UpsertUnavailableAlbum", func() error { return r.inner.UpsertUnavailableAlbum(ctx, u) })
}

func (r *RetryStore) ListUnavailableAlbums(ctx context.Context, userID, weekStart string) ([]UnavailableAlbum, error) {
	return retryValue(r, ctx, "ListUnavailableAlbums", func() ([]UnavailableAlbum, error) {
		return r.inner.ListUnavailableAlbums(ctx, userID, weekStart)
	})
}

func (r *RetryStore) UpsertExclusion(ctx context.Context, userID, albumMBID, artistName string, expiresAt time.Time) error {
	return r.do(ctx, "UpsertExclusion", func() error {
		return r.inner.UpsertExclusion(ctx, userID, albumMBID, artistName, expiresAt)
	})
}

func (r *RetryStore) IsExcluded(ctx context.Context, userID, albumMBID string, now time.Time) (bool, error) {
	return retryValue(r, ctx, "IsExcluded", func() (bool, error) { return r.inner.IsExcluded(ctx, userID, albumMBID, now) })
}

func (r *RetryStore) UpsertLibraryArtist(ctx context.Context, name, mbid string) (int64, error) {
	return retryValue(r, ctx, "UpsertLibraryArtist", func() (int64, error) { return r.inner.UpsertLibraryArtist(ctx, name, mbid) })
}

func (r *RetryStore) UpsertLibraryAlbum(ctx context.Context, artistID int64, title, rgMBID string) (int64, error) {
	return retryValue(r, ctx, "UpsertLibraryAlbum", func() (int64, error) {
		return r.inner.UpsertLibraryAlbum(ctx, artistID, title, rgMBID)
	})
}

func (r *RetryStore) UpsertLibraryTrack(ctx context.Context, t *LibraryTrack) (int64, error) {
	return retryValue(r, ctx, "UpsertLibraryTrack", func() (int64, error) { return r.inner.UpsertLibraryTrack(ctx, t) })
}

func (r *RetryStore) AddTrackGenre(ctx context.Context, trackID int64, genre string) error {
	return r.do(ctx, "AddTrackGenre", func() error { return r.inner.AddTrackGenre(ctx, trackID, genre) })
}

func (r *RetryStore) IsAlbumOwned(ctx context.Context, rgMBID string) (bool, error) {
	return retryValue(r, ctx, "IsAlbumOwned", func() (bool, error) { return r.inner.IsAlbumOwned(ctx, rgMBID) })
}

func (r *RetryStore) IsAlbumOwnedByName(ctx context.Context, artistName, albumTitle string) (bool, error) {
	return retryValue(r, ctx, "IsAlbumOwnedByName", func() (bool, error) {
		return r.inner.IsAlbumOwnedByName(ctx, artistName, albumTitle)
	})
}

func (r *RetryStore) IsArtistInLibrary(ctx context.Context, name, mbid string) (bool, error) {
	return retryValue(r, ctx, "IsArtistInLibrary", func() (bool, error) { return r.inner.IsArtistInLibrary(ctx, name, mbid) })
}

func (r *RetryStore) FindTracksByAlbumMBID(ctx context.Context, rgMBID string) ([]LibraryTrack, error) {
	return retryValue(r, ctx, "FindTracksByAlbumMBID", func() ([]LibraryTrack, error) {
		return r.inner.FindTracksByAlbumMBID(ctx, rgMBID)
	})
}

func (r *RetryStore) FindTracksByArtistAlbum(ctx context.Context, artistName, albumTitle string) ([]LibraryTrack, error) {
	return retryValue(r, ctx, "FindTracksByArtistAlbum", func() ([]LibraryTrack, error) {
		return r.inner.FindTracksByArtistAlbum(ctx, artistName, albumTitle)
	})
}

func (r *RetryStore) FindAlbumsByArtistToken(ctx context.Context, token string) ([]LibraryAlbum, error) {
	return retryValue(r, ctx, "FindAlbumsByArtistToken", func() ([]LibraryAlbum, error) {
		return r.inner.FindAlbumsByArtistToken(ctx, token)
	})
}

func (r *RetryStore) ListAlbumTracks(ctx context.Context, albumID int64) ([]LibraryTrack, error) {
	return retryValue(r, ctx, "ListAlbumTracks", func() ([]LibraryTrack, error) { return r.inner.ListAlbumTracks(ctx, albumID) })
}

func (r *RetryStore) ListLibraryAlbums(ctx context.Context) ([]LibraryAlbum, error) {
	return retryValue(r, ctx, "ListLibraryAlbums", func() ([]LibraryAlbum, error) { return r.inner.ListLibraryAlbums(ctx) })
}

func (r *RetryStore) ListLibraryArtists(ctx context.Context, limit int) ([]LibraryArtist, error) {
	return retryValue(r, ctx, "ListLibraryArtists", func() ([]LibraryArtist, error) {
		return r.inner.ListLibraryArtists(ctx, limit)
	})
}

func (r *RetryStore) FindTrackByArtistTitle(ctx context.Context, artistName, title string) (*LibraryTrack, error) {
	return retryValue(r, ctx, "FindTrackByArtistTitle", func() (*LibraryTrack, error) {
		return r.inner.FindTrackByArtistTitle(ctx, artistName, title)
	})
}

func (r *RetryStore) InsertPlay(ctx context.Context, p Play) (bool, error) {
	return retryValue(r, ctx, "InsertPlay", func() (bool, error) { return r.inner.InsertPlay(ctx, p) })
}

func (r *RetryStore) AddUserGenreTag(ctx context.Context, userID string, trackID int64, tag string) error {
	return r.do(ctx, "AddUserGenreTag", func() error { return r.inner.AddUserGenreTag(ctx, userID, trackID, tag) })
}

func (r *RetryStore) TopPlayedArtists(ctx context.Context, userID string, since time.Time, limit int) ([]ArtistPlayCount, error) {
	return retryValue(r, ctx, "TopPlayedArtists", func() ([]ArtistPlayCount, error) {
		return r.inner.TopPlayedArtists(ctx, userID, since, limit)
	})
}

func (r *RetryStore) TopGenres(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	return retryValue(r, ctx, "TopGenres", func() ([]string, error) { return r.inner.TopGenres(ctx, userID, since, limit) })
}

func (r *RetryStore) EnqueueScan(ctx context.Context, j *ScanJob) error {
	return r.do(ctx, "EnqueueScan", func() error { return r.inner.EnqueueScan(ctx, j) })
}

func (r *RetryStore) ClaimScanJob(ctx context.Context) (*ScanJob, error) {
	return retryValue(r, ctx, "ClaimScanJob", func() (*ScanJob, error) { return r.inner.ClaimScanJob(ctx) })
}

func (r *RetryStore) FinishScanJob(ctx context.Context, id int64, errMsg string) error {
	return r.do(ctx, "FinishScanJob", func() error { return r.inner.FinishScanJob(ctx, id, errMsg) })
}

func (r *RetryStore) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	return retryValue(r, ctx, "GetUserSettings", func() (*UserSettings, error) { return r.inner.GetUserSettings(ctx, userID) })
}

func (r *RetryStore) SaveUserSettings(ctx context.Context, s UserSettings) error {
	return r.do(ctx, "SaveUserSettings", func() error { return r.inner.SaveUserSettings(ctx, s) })
}

func (r *RetryStore) GetStats(ctx context.Context) (*Stats, error) {
	return retryValue(r, ctx, "GetStats", func() (*Stats, error) { return r.inner.GetStats(ctx) })
}
