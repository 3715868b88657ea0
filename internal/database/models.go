package database

import "time"

// BatchStatus is the discovery batch state machine variable.
type BatchStatus string

const (
	BatchDownloading BatchStatus = "downloading"
	BatchScanning    BatchStatus = "scanning"
	BatchCompleted   BatchStatus = "completed"
	BatchFailed      BatchStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// JobStatus is the lifecycle of one album acquisition.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobExhausted  JobStatus = "exhausted"
	JobCancelled  JobStatus = "cancelled"
)

// Active reports whether the job is still awaiting an outcome.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing
}

// Discovery album statuses set by the listener after the playlist is built.
const (
	AlbumActive  = "ACTIVE"
	AlbumLiked   = "LIKED"
	AlbumMoved   = "MOVED"
	AlbumDeleted = "DELETED"
)

// Batch is one discovery-generation run.
type Batch struct {
	ID              int64
	UserID          string
	WeekStart       string
	TargetSongCount int
	Status          BatchStatus
	TotalAlbums     int
	CompletedAlbums int
	FailedAlbums    int
	FinalSongCount  int
	ErrorMessage    *string
	Logs            []string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// JobMetadata describes the recommended album a job is fetching.
type JobMetadata struct {
	ArtistName string  `json:"artistName"`
	AlbumTitle string  `json:"albumTitle"`
	AlbumMBID  string  `json:"albumMbid"`
	ArtistMBID string  `json:"artistMbid,omitempty"`
	Similarity float64 `json:"similarity"`
	Tier       string  `json:"tier"`
}

// DownloadJob is one album acquisition attempt belonging to a batch.
type DownloadJob struct {
	ID               int64
	DiscoveryBatchID int64
	UserID           string
	TargetMBID       string
	Status           JobStatus
	Metadata         JobMetadata
	LidarrAlbumID    *int64
	LidarrRef        *string
	CorrelationID    *string
	Error            *string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// DiscoveryAlbum is an album that made it into a weekly playlist.
type DiscoveryAlbum struct {
	ID            int64
	UserID        string
	WeekStart     string
	RGMBID        string
	ArtistName    string
	ArtistMBID    *string
	AlbumTitle    string
	Similarity    float64
	Tier          string
	IsAnchor      bool
	Status        string
	DownloadJobID *int64
	CreatedAt     time.Time
}

// PlaylistEntry is one ordered track of a weekly playlist.
type PlaylistEntry struct {
	Position   int
	TrackID    int64
	Title      string
	FilePath   string
	ArtistName string
	AlbumTitle string
	Tier       string
	IsAnchor   bool
}

// UnavailableAlbum records an album that could not be acquired this week.
type UnavailableAlbum struct {
	UserID     string
	WeekStart  string
	AlbumMBID  string
	ArtistName string
	AlbumTitle string
	Similarity float64
	Tier       string
	Attempts   int
}

// ArtistDiscoveryStatus is a (week, status) pair for a discovered artist.
type ArtistDiscoveryStatus struct {
	WeekStart string
	Status    string
}

// LibraryArtist is an artist present in the local music library.
type LibraryArtist struct {
	ID             int64
	Name           string
	NormalizedName string
	MBID           *string
}

// LibraryAlbum is an album present in the local music library.
type LibraryAlbum struct {
	ID         int64
	ArtistID   int64
	ArtistName string
	ArtistMBID *string
	Title      string
	RGMBID     *string
}

// LibraryTrack is a playable file in the library, joined with its album and artist.
type LibraryTrack struct {
	ID          int64
	AlbumID     int64
	Title       string
	TrackNumber int
	FilePath    string
	Duration    int
	AlbumTitle  string
	AlbumMBID   *string
	ArtistID    int64
	ArtistName  string
	ArtistMBID  *string
}

// Play is one listening-history event.
type Play struct {
	UserID     string
	TrackID    *int64
	ArtistName string
	TrackTitle string
	PlayedAt   time.Time
	Source     string
}

// ArtistPlayCount aggregates plays per artist.
type ArtistPlayCount struct {
	ArtistName string
	ArtistMBID *string
	Plays      int
}

// ScanJob is a queued library scan.
type ScanJob struct {
	ID         int64
	Type       string
	Source     string
	BatchID    *int64
	Status     string
	Error      *string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Scan job statuses.
const (
	ScanPending = "pending"
	ScanRunning = "running"
	ScanDone    = "done"
	ScanFailed  = "failed"
)

// UserSettings holds per-user overrides of discovery defaults.
type UserSettings struct {
	UserID          string
	PlaylistSize    int
	DownloadRatio   float64
	ExclusionMonths int
}

// Stats contains aggregate database statistics.
type Stats struct {
	Batches          int
	ActiveBatches    int
	CompletedBatches int
	FailedBatches    int
	Jobs             int
	DiscoveryAlbums  int
	LibraryArtists   int
	LibraryAlbums    int
	LibraryTracks    int
	Plays            int
	Exclusions       int
}
