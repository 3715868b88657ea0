package catalog

// AcquireRequest identifies the album to fetch through the download pipeline.
type AcquireRequest struct {
	AlbumTitle  string
	ArtistName  string
	ArtistMBID  string
	CanonicalID string
}

// AcquireContext ties an acquisition attempt to its batch and job.
type AcquireContext struct {
	UserID  string
	BatchID int64
	JobID   int64
}

// AcquireResult is the outcome of one acquisition attempt.
//
// Success with Completed=false means the album was handed to the download
// manager and is still in flight. Exhausted marks a failure where no source
// for the album exists at all.
type AcquireResult struct {
	Success       bool
	Completed     bool
	Exhausted     bool
	Source        string
	CorrelationID string
	ManagerID     int64
	Error         string
}
