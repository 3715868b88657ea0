// Package lastfm is the similarity and top-albums provider client.
package lastfm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

const breakerName = "lastfm"

// Config configures a Client.
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client calls the Last.fm 2.0 API. Requests are rate limited and pass
// through a circuit breaker so an outage fails fast.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[[]byte]
}

// New creates a Last.fm client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cb: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Permanent errors (unknown artist) say nothing about provider health.
			IsSuccessful: func(err error) bool {
				return err == nil || !IsRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			},
		}),
	}
}

// Configured reports whether an API key is available.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// flexFloat accepts both "0.85" and 0.85. Set is false when the field is
// missing, null or empty.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = flexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat{Value: v, Set: true}
	return nil
}

type errorEnvelope struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type artistRef struct {
	Name string `json:"name"`
	MBID string `json:"mbid"`
}

type albumEntry struct {
	Name   string    `json:"name"`
	MBID   string    `json:"mbid"`
	Artist artistRef `json:"artist"`
}

// call performs one API method and returns the raw body. Provider errors,
// whether HTTP or in-body, come back as *StatusError.
func (c *Client) call(ctx context.Context, method string, params map[string]string) ([]byte, error) {
	if !c.Configured() {
		return nil, errors.New("last.fm api key not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := c.cb.Execute(func() ([]byte, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetQueryParam("method", method).
			SetQueryParam("api_key", c.apiKey).
			SetQueryParam("format", "json").
			Get("")
		if err != nil {
			return nil, err
		}
		var env errorEnvelope
		if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr == nil && env.Error != 0 {
			return nil, &StatusError{StatusCode: resp.StatusCode(), Code: env.Error, Message: env.Message}
		}
		if resp.IsError() {
			return nil, &StatusError{StatusCode: resp.StatusCode(), Message: resp.Status()}
		}
		return resp.Body(), nil
	})
	metrics.ObserveProvider(breakerName, method, start, err)
	return body, err
}

func artistParams(mbid, name string, limit int) map[string]string {
	p := map[string]string{"limit": strconv.Itoa(limit), "autocorrect": "1"}
	if mbid != "" {
		p["mbid"] = mbid
	} else {
		p["artist"] = name
	}
	return p
}

// GetSimilarArtists returns artists similar to the given one. mbid is
// preferred; name is used when mbid is empty.
func (c *Client) GetSimilarArtists(ctx context.Context, mbid, name string, limit int) ([]catalog.SimilarArtist, error) {
	body, err := c.call(ctx, "artist.getSimilar", artistParams(mbid, name, limit))
	if err != nil {
		return nil, err
	}
	var out struct {
		SimilarArtists struct {
			Artist []struct {
				Name  string    `json:"name"`
				MBID  string    `json:"mbid"`
				Match flexFloat `json:"match"`
			} `json:"artist"`
		} `json:"similarartists"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	artists := make([]catalog.SimilarArtist, 0, len(out.SimilarArtists.Artist))
	for _, a := range out.SimilarArtists.Artist {
		if a.Name == "" {
			continue
		}
		artists = append(artists, catalog.SimilarArtist{
			Name:         a.Name,
			MBID:         a.MBID,
			Match:        catalog.ClampMatch(a.Match.Value),
			MatchUnknown: !a.Match.Set,
		})
	}
	return artists, nil
}

// GetArtistTopAlbums returns the artist's most popular albums.
func (c *Client) GetArtistTopAlbums(ctx context.Context, mbid, name string, limit int) ([]catalog.TopAlbum, error) {
	body, err := c.call(ctx, "artist.getTopAlbums", artistParams(mbid, name, limit))
	if err != nil {
		return nil, err
	}
	var out struct {
		TopAlbums struct {
			Album []albumEntry `json:"album"`
		} `json:"topalbums"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return toAlbums(out.TopAlbums.Album, name), nil
}

// GetTopAlbumsByTag returns the most popular albums for a genre tag.
func (c *Client) GetTopAlbumsByTag(ctx context.Context, tag string, limit int) ([]catalog.TopAlbum, error) {
	body, err := c.call(ctx, "tag.getTopAlbums", map[string]string{
		"tag":   tag,
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Albums struct {
			Album []albumEntry `json:"album"`
		} `json:"albums"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return toAlbums(out.Albums.Album, ""), nil
}

func toAlbums(entries []albumEntry, fallbackArtist string) []catalog.TopAlbum {
	albums := make([]catalog.TopAlbum, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Name == "(null)" {
			continue
		}
		artist := e.Artist.Name
		if artist == "" {
			artist = fallbackArtist
		}
		albums = append(albums, catalog.TopAlbum{
			Name:       e.Name,
			ArtistName: artist,
			ArtistMBID: e.Artist.MBID,
			MBID:       e.MBID,
		})
	}
	return albums
}
