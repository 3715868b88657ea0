package lidarr

// Album is a Lidarr album resource. ForeignAlbumID is the MusicBrainz
// release-group id.
type Album struct {
	ID             int64            `json:"id,omitempty"`
	Title          string           `json:"title"`
	ForeignAlbumID string           `json:"foreignAlbumId"`
	ArtistID       int64            `json:"artistId,omitempty"`
	Artist         *Artist          `json:"artist,omitempty"`
	Monitored      bool             `json:"monitored"`
	AnyReleaseOk   bool             `json:"anyReleaseOk"`
	Statistics     *AlbumStatistics `json:"statistics,omitempty"`
	AddOptions     *AlbumAddOptions `json:"addOptions,omitempty"`
}

// AlbumStatistics reports how much of an album is on disk.
type AlbumStatistics struct {
	TrackFileCount  int     `json:"trackFileCount"`
	TrackCount      int     `json:"trackCount"`
	TotalTrackCount int     `json:"totalTrackCount"`
	PercentOfTracks float64 `json:"percentOfTracks"`
}

// Complete reports whether every track has a file.
func (s *AlbumStatistics) Complete() bool {
	if s == nil {
		return false
	}
	if s.PercentOfTracks >= 100 {
		return true
	}
	return s.TrackCount > 0 && s.TrackFileCount >= s.TrackCount
}

// AlbumAddOptions controls what Lidarr does right after adding an album.
type AlbumAddOptions struct {
	SearchForNewAlbum bool `json:"searchForNewAlbum"`
}

// Artist is a Lidarr artist resource. ForeignArtistID is the MusicBrainz
// artist id.
type Artist struct {
	ID                int64             `json:"id,omitempty"`
	ArtistName        string            `json:"artistName"`
	ForeignArtistID   string            `json:"foreignArtistId"`
	QualityProfileID  int               `json:"qualityProfileId,omitempty"`
	MetadataProfileID int               `json:"metadataProfileId,omitempty"`
	RootFolderPath    string            `json:"rootFolderPath,omitempty"`
	Monitored         bool              `json:"monitored"`
	Tags              []int             `json:"tags"`
	AddOptions        *ArtistAddOptions `json:"addOptions,omitempty"`
}

// HasTag reports whether the artist carries the tag id.
func (a Artist) HasTag(id int) bool {
	for _, t := range a.Tags {
		if t == id {
			return true
		}
	}
	return false
}

// ArtistAddOptions controls monitoring of a newly added artist.
type ArtistAddOptions struct {
	Monitor                string `json:"monitor"`
	SearchForMissingAlbums bool   `json:"searchForMissingAlbums"`
}

// Tag is a Lidarr tag.
type Tag struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

// QueueResponse is a page of the download queue.
type QueueResponse struct {
	Page         int         `json:"page"`
	PageSize     int         `json:"pageSize"`
	TotalRecords int         `json:"totalRecords"`
	Records      []QueueItem `json:"records"`
}

// QueueItem is one entry in the download queue.
type QueueItem struct {
	ID                    int64  `json:"id"`
	AlbumID               *int64 `json:"albumId,omitempty"`
	ArtistID              *int64 `json:"artistId,omitempty"`
	Title                 string `json:"title"`
	Status                string `json:"status"`
	TrackedDownloadStatus string `json:"trackedDownloadStatus"`
	TrackedDownloadState  string `json:"trackedDownloadState"`
	DownloadID            string `json:"downloadId"`
}

// Stuck reports whether the entry is a failed or blocked import that will
// not resolve on its own.
func (q QueueItem) Stuck() bool {
	switch q.TrackedDownloadStatus {
	case "warning", "failed":
		return true
	}
	switch q.TrackedDownloadState {
	case "importFailed", "importBlocked":
		return true
	}
	return false
}

// Webhook event types sent by Lidarr's "Connect > Webhook" integration.
const (
	EventGrab            = "Grab"
	EventDownload        = "Download"
	EventAlbumDownload   = "AlbumDownload"
	EventImportFailure   = "ImportFailure"
	EventDownloadFailure = "DownloadFailure"
	EventTest            = "Test"
)

// WebhookEvent is the JSON body Lidarr posts to webhook connections.
type WebhookEvent struct {
	EventType string `json:"eventType"`
	Artist    *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
		MBID string `json:"mbId"`
	} `json:"artist,omitempty"`
	Albums []struct {
		ID             int64  `json:"id"`
		Title          string `json:"title"`
		ForeignAlbumID string `json:"foreignAlbumId"`
	} `json:"albums,omitempty"`
	Album *struct {
		ID             int64  `json:"id"`
		Title          string `json:"title"`
		ForeignAlbumID string `json:"foreignAlbumId"`
	} `json:"album,omitempty"`
	DownloadClient string `json:"downloadClient,omitempty"`
	DownloadID     string `json:"downloadId,omitempty"`
	Message        string `json:"message,omitempty"`
}

// AlbumIDs returns every Lidarr album id the event refers to.
func (e WebhookEvent) AlbumIDs() []int64 {
	var ids []int64
	if e.Album != nil && e.Album.ID != 0 {
		ids = append(ids, e.Album.ID)
	}
	for _, a := range e.Albums {
		if a.ID != 0 {
			ids = append(ids, a.ID)
		}
	}
	return ids
}
