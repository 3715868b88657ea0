// Package musicbrainz resolves album titles to MusicBrainz release-group ids,
// the canonical album identifier used for ownership and exclusion matching.
package musicbrainz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/discoverweekly/internal/cache"
	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// MinScore is the lowest search score accepted as a match.
const MinScore = 80

// Config configures a Client.
type Config struct {
	BaseURL           string
	UserAgent         string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client searches the MusicBrainz web service.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	cache   *cache.Cache
}

// New creates a client. c may be nil to disable caching.
func New(cfg Config, c *cache.Cache) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", cfg.UserAgent).
			SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:   c,
	}
}

type searchResponse struct {
	ReleaseGroups []struct {
		ID           string `json:"id"`
		Score        int    `json:"score"`
		Title        string `json:"title"`
		PrimaryType  string `json:"primary-type"`
		ArtistCredit []struct {
			Name string `json:"name"`
		} `json:"artist-credit"`
	} `json:"release-groups"`
}

// ResolveReleaseGroup returns the release-group id best matching the album,
// or "" when nothing scores at least MinScore. Results, including misses,
// are cached.
func (c *Client) ResolveReleaseGroup(ctx context.Context, title, artist string) (string, error) {
	key := "mb:rg:" + catalog.Normalize(artist) + "|" + catalog.Normalize(title)
	var cached string
	if ok, _ := c.cache.Get(key, &cached); ok {
		metrics.CacheResult("musicbrainz", true)
		return cached, nil
	}
	metrics.CacheResult("musicbrainz", false)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	var out searchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query": fmt.Sprintf(`releasegroup:"%s" AND artist:"%s"`, escape(title), escape(artist)),
			"fmt":   "json",
			"limit": "5",
		}).
		SetResult(&out).
		Get("/release-group")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("musicbrainz http %d", resp.StatusCode())
	}
	metrics.ObserveProvider("musicbrainz", "release-group", start, err)
	if err != nil {
		return "", err
	}

	id := bestMatch(out, title, artist)
	_ = c.cache.Set(key, id)
	return id, nil
}

// bestMatch prefers the highest score, breaking ties on an exact normalized
// title and artist match.
func bestMatch(out searchResponse, title, artist string) string {
	wantTitle, wantArtist := catalog.Normalize(title), catalog.Normalize(artist)
	best, bestRank := "", -1
	for _, rg := range out.ReleaseGroups {
		if rg.Score < MinScore || rg.ID == "" {
			continue
		}
		rank := rg.Score * 4
		if catalog.Normalize(rg.Title) == wantTitle {
			rank += 2
		}
		for _, ac := range rg.ArtistCredit {
			if catalog.Normalize(ac.Name) == wantArtist {
				rank++
				break
			}
		}
		if rank > bestRank {
			best, bestRank = rg.ID, rank
		}
	}
	return best
}

var luceneEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escape(s string) string {
	return luceneEscaper.Replace(s)
}
