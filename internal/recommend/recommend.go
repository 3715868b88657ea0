// Package recommend turns similar-artist lists into a target-sized set of
// album recommendations. Candidates are filtered to studio releases the
// listener does not own and has not been offered recently, then selected
// by similarity tier with progressively looser fallbacks.
package recommend

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
)

// RecommendedAlbum is one album proposed for acquisition.
type RecommendedAlbum struct {
	ArtistName string
	ArtistMBID string
	AlbumTitle string
	AlbumMBID  string
	Similarity float64
	Tier       catalog.Tier
}

// AlbumProvider lists popular albums per artist and per genre tag.
type AlbumProvider interface {
	GetArtistTopAlbums(ctx context.Context, mbid, name string, limit int) ([]catalog.TopAlbum, error)
	GetTopAlbumsByTag(ctx context.Context, tag string, limit int) ([]catalog.TopAlbum, error)
}

// Resolver maps an album title and artist to a canonical release-group id.
// An empty id with a nil error means no confident match.
type Resolver interface {
	ResolveReleaseGroup(ctx context.Context, title, artist string) (string, error)
}

// Library answers ownership, exclusion and taste questions about a user.
// database.Store satisfies it.
type Library interface {
	IsAlbumOwned(ctx context.Context, rgMBID string) (bool, error)
	IsAlbumOwnedByName(ctx context.Context, artistName, albumTitle string) (bool, error)
	IsArtistInLibrary(ctx context.Context, name, mbid string) (bool, error)
	IsExcluded(ctx context.Context, userID, albumMBID string, now time.Time) (bool, error)
	TopGenres(ctx context.Context, userID string, since time.Time, limit int) ([]string, error)
}

// RunContext carries the de-duplication state of one recommendation run.
// Artist keys are lowercased names.
type RunContext struct {
	SeenAlbums  map[string]struct{}
	SeenArtists map[string]struct{}
}

// NewRunContext returns an empty run context.
func NewRunContext() *RunContext {
	return &RunContext{
		SeenAlbums:  make(map[string]struct{}),
		SeenArtists: make(map[string]struct{}),
	}
}

func artistKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HasAlbum reports whether the canonical album id was already taken.
func (rc *RunContext) HasAlbum(mbid string) bool {
	_, ok := rc.SeenAlbums[mbid]
	return ok
}

// SeeAlbum marks a canonical album id as taken.
func (rc *RunContext) SeeAlbum(mbid string) {
	rc.SeenAlbums[mbid] = struct{}{}
}

// HasArtist reports whether the artist was already tried this run.
func (rc *RunContext) HasArtist(name string) bool {
	_, ok := rc.SeenArtists[artistKey(name)]
	return ok
}

// SeeArtist marks an artist as tried.
func (rc *RunContext) SeeArtist(name string) {
	rc.SeenArtists[artistKey(name)] = struct{}{}
}

// Candidates flattens prefetched similar-artist lists into one list,
// de-duplicated by lowercase name (keeping the best match) and ordered by
// descending match.
func Candidates(similar map[string][]catalog.SimilarArtist) []catalog.SimilarArtist {
	best := make(map[string]catalog.SimilarArtist)
	for _, list := range similar {
		for _, a := range list {
			k := artistKey(a.Name)
			if k == "" {
				continue
			}
			a.Match = catalog.ClampMatch(a.Match)
			if cur, ok := best[k]; !ok || a.Match > cur.Match || (cur.MatchUnknown && !a.MatchUnknown) {
				best[k] = a
			}
		}
	}
	out := make([]catalog.SimilarArtist, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Match != out[j].Match {
			return out[i].Match > out[j].Match
		}
		return out[i].Name < out[j].Name
	})
	return out
}
