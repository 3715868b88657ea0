// Package lidarr talks to the Lidarr music manager: acquiring albums,
// tracking their import, and cleaning up discovery-tagged artists and
// stuck download-queue entries.
package lidarr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// ErrNotConfigured is returned when no Lidarr URL or API key is set.
var ErrNotConfigured = errors.New("lidarr not configured")

// Config configures a Client.
type Config struct {
	URL               string
	APIKey            string
	RootFolder        string
	QualityProfileID  int
	MetadataProfileID int
	DiscoverTag       string
	Timeout           time.Duration
}

// Client is a Lidarr v1 API client.
type Client struct {
	http *resty.Client
	cfg  Config

	mu    sync.Mutex
	tagID int
}

// HTTPError is a non-2xx Lidarr response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("lidarr %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// New creates a Lidarr client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DiscoverTag == "" {
		cfg.DiscoverTag = "discover"
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.URL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("X-Api-Key", cfg.APIKey).
			SetHeader("Accept", "application/json"),
		cfg: cfg,
	}
}

// Configured reports whether the client can reach a Lidarr instance.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.URL != "" && c.cfg.APIKey != ""
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, result any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	start := time.Now()
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err == nil && resp.IsError() {
		err = &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 200)}
	}
	metrics.ObserveProvider("lidarr", method+" "+routeOf(path), start, err)
	return err
}

// routeOf strips numeric ids so metric labels stay bounded.
func routeOf(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// LookupAlbum searches Lidarr's metadata server for a release group.
// Returns nil when Lidarr does not know the album.
func (c *Client) LookupAlbum(ctx context.Context, rgMBID string) (*Album, error) {
	var albums []Album
	err := c.do(ctx, "GET", "/api/v1/album/lookup", map[string]string{"term": "lidarr:" + rgMBID}, nil, &albums)
	if err != nil {
		return nil, err
	}
	for i := range albums {
		if albums[i].ForeignAlbumID == rgMBID {
			return &albums[i], nil
		}
	}
	if len(albums) > 0 {
		return &albums[0], nil
	}
	return nil, nil
}

// FindAlbum returns the library album with the release-group id, or nil.
func (c *Client) FindAlbum(ctx context.Context, rgMBID string) (*Album, error) {
	var albums []Album
	err := c.do(ctx, "GET", "/api/v1/album", map[string]string{"foreignAlbumId": rgMBID, "includeAllArtistAlbums": "false"}, nil, &albums)
	if err != nil {
		return nil, err
	}
	if len(albums) == 0 {
		return nil, nil
	}
	return &albums[0], nil
}

// GetAlbum returns a library album by id.
func (c *Client) GetAlbum(ctx context.Context, id int64) (*Album, error) {
	var album Album
	if err := c.do(ctx, "GET", fmt.Sprintf("/api/v1/album/%d", id), nil, nil, &album); err != nil {
		return nil, err
	}
	return &album, nil
}

// AddAlbum adds a looked-up album (and its artist, if new) tagged for
// discovery, and asks Lidarr to search for it immediately.
func (c *Client) AddAlbum(ctx context.Context, album Album, tagID int) (*Album, error) {
	album.Monitored = true
	album.AnyReleaseOk = true
	album.AddOptions = &AlbumAddOptions{SearchForNewAlbum: true}
	if album.Artist == nil {
		return nil, fmt.Errorf("album %q has no artist", album.Title)
	}
	artist := *album.Artist
	artist.QualityProfileID = c.cfg.QualityProfileID
	artist.MetadataProfileID = c.cfg.MetadataProfileID
	artist.RootFolderPath = c.cfg.RootFolder
	artist.Monitored = true
	artist.Tags = []int{tagID}
	artist.AddOptions = &ArtistAddOptions{Monitor: "none"}
	album.Artist = &artist

	var added Album
	if err := c.do(ctx, "POST", "/api/v1/album", nil, album, &added); err != nil {
		return nil, err
	}
	return &added, nil
}

// MonitorAndSearch monitors an existing album and triggers a search for it.
func (c *Client) MonitorAndSearch(ctx context.Context, albumID int64) error {
	err := c.do(ctx, "PUT", "/api/v1/album/monitor", nil,
		map[string]any{"albumIds": []int64{albumID}, "monitored": true}, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, "POST", "/api/v1/command", nil,
		map[string]any{"name": "AlbumSearch", "albumIds": []int64{albumID}}, nil)
}

// DiscoverTagID returns the id of the discovery tag, creating it if needed.
func (c *Client) DiscoverTagID(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tagID != 0 {
		return c.tagID, nil
	}

	var tags []Tag
	if err := c.do(ctx, "GET", "/api/v1/tag", nil, nil, &tags); err != nil {
		return 0, err
	}
	for _, t := range tags {
		if strings.EqualFold(t.Label, c.cfg.DiscoverTag) {
			c.tagID = t.ID
			return t.ID, nil
		}
	}
	var created Tag
	if err := c.do(ctx, "POST", "/api/v1/tag", nil, Tag{Label: c.cfg.DiscoverTag}, &created); err != nil {
		return 0, err
	}
	c.tagID = created.ID
	return created.ID, nil
}

// TaggedArtists returns every artist carrying the discovery tag.
func (c *Client) TaggedArtists(ctx context.Context) ([]Artist, error) {
	tagID, err := c.DiscoverTagID(ctx)
	if err != nil {
		return nil, err
	}
	var artists []Artist
	if err := c.do(ctx, "GET", "/api/v1/artist", nil, nil, &artists); err != nil {
		return nil, err
	}
	var tagged []Artist
	for _, a := range artists {
		if a.HasTag(tagID) {
			tagged = append(tagged, a)
		}
	}
	return tagged, nil
}

// DeleteArtist removes an artist. force also deletes its files and albums.
func (c *Client) DeleteArtist(ctx context.Context, id int64, force bool) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/api/v1/artist/%d", id),
		map[string]string{"deleteFiles": strconv.FormatBool(force), "addImportListExclusion": "false"}, nil, nil)
}

// RemoveTagByMBID removes the discovery tag from the artist with the given
// MusicBrainz id, keeping the artist itself. Unknown artists are ignored.
func (c *Client) RemoveTagByMBID(ctx context.Context, artistMBID string) error {
	tagID, err := c.DiscoverTagID(ctx)
	if err != nil {
		return err
	}
	var artists []Artist
	if err := c.do(ctx, "GET", "/api/v1/artist", map[string]string{"mbId": artistMBID}, nil, &artists); err != nil {
		return err
	}
	var ids []int64
	for _, a := range artists {
		if a.ForeignArtistID == artistMBID {
			ids = append(ids, a.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, "PUT", "/api/v1/artist/editor", nil, map[string]any{
		"artistIds": ids,
		"tags":      []int{tagID},
		"applyTags": "remove",
	}, nil)
}

// Queue returns the current download queue.
func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var page QueueResponse
	err := c.do(ctx, "GET", "/api/v1/queue", map[string]string{
		"page":                      "1",
		"pageSize":                  "1000",
		"includeUnknownArtistItems": "true",
	}, nil, &page)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// RemoveQueueItem deletes a queue entry, optionally removing it from the
// download client and blocklisting the release.
func (c *Client) RemoveQueueItem(ctx context.Context, id int64, removeFromClient, blocklist bool) error {
	return c.do(ctx, "DELETE", fmt.Sprintf("/api/v1/queue/%d", id), map[string]string{
		"removeFromClient": strconv.FormatBool(removeFromClient),
		"blocklist":        strconv.FormatBool(blocklist),
	}, nil, nil)
}
