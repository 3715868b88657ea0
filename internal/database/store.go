package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned when a batch status update would move a
// batch out of a terminal status.
var ErrStatusConflict = errors.New("batch status conflict")

// Store is the typed repository used by the discovery core. *DB implements
// it directly; RetryStore wraps any Store with transient-error retries.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	// Batches
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	GetActiveBatchForUser(ctx context.Context, userID string) (*Batch, error)
	ListActiveBatches(ctx context.Context) ([]Batch, error)
	ListBatches(ctx context.Context, userID string, limit int) ([]Batch, error)
	UpdateBatchStatus(ctx context.Context, id int64, status BatchStatus, errMsg string) error
	UpdateBatchCounts(ctx context.Context, id int64, total, completed, failed int) error
	CompleteBatch(ctx context.Context, id int64, finalSongCount int) error
	AppendBatchLog(ctx context.Context, id int64, msg string) error

	// Download jobs
	CreateJob(ctx context.Context, j *DownloadJob) error
	GetJob(ctx context.Context, id int64) (*DownloadJob, error)
	HasActiveJobForTarget(ctx context.Context, userID, targetMBID string) (bool, error)
	ListJobs(ctx context.Context, batchID int64) ([]DownloadJob, error)
	ListProcessingJobs(ctx context.Context) ([]DownloadJob, error)
	FindActiveJobsByLidarrAlbum(ctx context.Context, lidarrAlbumID int64) ([]DownloadJob, error)
	UpdateJobStatus(ctx context.Context, id int64, status JobStatus, errMsg string) error
	SetJobAcquisition(ctx context.Context, id int64, lidarrAlbumID *int64, correlationID string) error
	SetJobLidarrRef(ctx context.Context, id int64, ref string) error
	FailActiveJobs(ctx context.Context, batchID int64, errMsg string) (int64, error)
	CancelActiveJobs(ctx context.Context, batchID int64) (int64, error)

	// Discovery records
	UpsertDiscoveryAlbum(ctx context.Context, a *DiscoveryAlbum) (int64, error)
	AddDiscoveryTrack(ctx context.Context, discoveryAlbumID, trackID int64, position int) error
	ClearDiscoveryTracks(ctx context.Context, userID, weekStart string) error
	PruneDiscoveryAlbums(ctx context.Context, userID, weekStart string, keep []int64) (int64, error)
	ListDiscoveryAlbums(ctx context.Context, userID, weekStart string) ([]DiscoveryAlbum, error)
	ListPlaylist(ctx context.Context, userID, weekStart string) ([]PlaylistEntry, error)
	DiscoveryStatusesForArtist(ctx context.Context, artistMBID, artistName string) ([]ArtistDiscoveryStatus, error)
	UpsertUnavailableAlbum(ctx context.Context, u UnavailableAlbum) error
	ListUnavailableAlbums(ctx context.Context, userID, weekStart string) ([]UnavailableAlbum, error)
	UpsertExclusion(ctx context.Context, userID, albumMBID, artistName string, expiresAt time.Time) error
	IsExcluded(ctx context.Context, userID, albumMBID string, now time.Time) (bool, error)

	// Library
	UpsertLibraryArtist(ctx context.Context, name, mbid string) (int64, error)
	UpsertLibraryAlbum(ctx context.Context, artistID int64, title, rgMBID string) (int64, error)
	UpsertLibraryTrack(ctx context.Context, t *LibraryTrack) (int64, error)
	AddTrackGenre(ctx context.Context, trackID int64, genre string) error
	IsAlbumOwned(ctx context.Context, rgMBID string) (bool, error)
	IsAlbumOwnedByName(ctx context.Context, artistName, albumTitle string) (bool, error)
	IsArtistInLibrary(ctx context.Context, name, mbid string) (bool, error)
	FindTracksByAlbumMBID(ctx context.Context, rgMBID string) ([]LibraryTrack, error)
	FindTracksByArtistAlbum(ctx context.Context, artistName, albumTitle string) ([]LibraryTrack, error)
	FindAlbumsByArtistToken(ctx context.Context, token string) ([]LibraryAlbum, error)
	ListAlbumTracks(ctx context.Context, albumID int64) ([]LibraryTrack, error)
	ListLibraryAlbums(ctx context.Context) ([]LibraryAlbum, error)
	ListLibraryArtists(ctx context.Context, limit int) ([]LibraryArtist, error)
	FindTrackByArtistTitle(ctx context.Context, artistName, title string) (*LibraryTrack, error)

	// Listening history
	InsertPlay(ctx context.Context, p Play) (bool, error)
	AddUserGenreTag(ctx context.Context, userID string, trackID int64, tag string) error
	TopPlayedArtists(ctx context.Context, userID string, since time.Time, limit int) ([]ArtistPlayCount, error)
	TopGenres(ctx context.Context, userID string, since time.Time, limit int) ([]string, error)

	// Scan queue
	EnqueueScan(ctx context.Context, j *ScanJob) error
	ClaimScanJob(ctx context.Context) (*ScanJob, error)
	FinishScanJob(ctx context.Context, id int64, errMsg string) error

	// Settings and stats
	GetUserSettings(ctx context.Context, userID string) (*UserSettings, error)
	SaveUserSettings(ctx context.Context, s UserSettings) error
	GetStats(ctx context.Context) (*Stats, error)
}

var _ Store = (*DB)(nil)
