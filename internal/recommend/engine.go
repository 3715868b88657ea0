package recommend

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// Share of the request reserved for genre wildcards. The rest is split
// high:medium:explore as 30:40:20.
const (
	wildcardShare = 0.1
	highShare     = 0.3
	mediumShare   = 0.4
)

// GenericGenres seed tag exploration for listeners without history.
var GenericGenres = []string{
	"indie", "rock", "electronic", "alternative", "pop",
	"folk", "jazz", "hip-hop", "ambient", "soul",
}

const (
	historyWindow      = 12 * 7 * 24 * time.Hour
	topGenreLimit      = 10
	exploredGenres     = 5
	tagAlbumsPerGenre  = 20
	wildcardSimilarity = 0.25
)

// Engine selects recommended albums from similar-artist candidates.
type Engine struct {
	validator *Validator
	albums    AlbumProvider
	lib       Library
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))
}

// NewEngine creates an Engine.
func NewEngine(albums AlbumProvider, resolver Resolver, lib Library) *Engine {
	return &Engine{
		validator: NewValidator(albums, resolver, lib),
		albums:    albums,
		lib:       lib,
		now:       time.Now,
		shuffle:   rand.Shuffle,
	}
}

// Quotas is the per-tier split of a request.
type Quotas struct {
	High, Medium, Explore, Wildcard int
}

// QuotasFor carves the wildcard share out of target first (at least one
// when target >= 1) and apportions the rest over the similarity tiers.
func QuotasFor(target int) Quotas {
	if target <= 0 {
		return Quotas{}
	}
	q := Quotas{Wildcard: max(1, int(math.Round(float64(target)*wildcardShare)))}
	q.Wildcard = min(q.Wildcard, target)
	rest := float64(target - q.Wildcard)
	nonWild := 1 - wildcardShare
	q.High = int(math.Round(rest * highShare / nonWild))
	q.Medium = int(math.Round(rest * mediumShare / nonWild))
	q.Explore = max(0, target-q.Wildcard-q.High-q.Medium)
	return q
}

// try validates one candidate and records it in rc. It returns nil when
// the artist was already tried or yielded nothing.
func (e *Engine) try(ctx context.Context, a catalog.SimilarArtist, userID string, rc *RunContext) *RecommendedAlbum {
	if rc.HasArtist(a.Name) {
		return nil
	}
	rc.SeeArtist(a.Name)

	v, err := e.validator.FindValidAlbum(ctx, a, userID, rc)
	if err != nil {
		logging.Warn().Err(err).Str("artist", a.Name).Msg("skipping candidate artist")
		return nil
	}
	logging.Debug().
		Str("artist", a.Name).
		Int("checked", v.AlbumsChecked).
		Int("no_mbid", v.SkippedNoMBID).
		Int("owned", v.SkippedOwned).
		Int("excluded", v.SkippedExcluded).
		Int("duplicate", v.SkippedDuplicate).
		Bool("found", v.Recommendation != nil).
		Msg("candidate validated")
	if v.Recommendation == nil {
		return nil
	}
	rc.SeeAlbum(v.Recommendation.AlbumMBID)
	return v.Recommendation
}

// splitByLibrary separates candidates whose artist is already in the
// library. A failed lookup treats the artist as new.
func (e *Engine) splitByLibrary(ctx context.Context, candidates []catalog.SimilarArtist) (fresh, known []catalog.SimilarArtist) {
	for _, a := range candidates {
		in, err := e.lib.IsArtistInLibrary(ctx, a.Name, a.MBID)
		if err != nil {
			logging.Warn().Err(err).Str("artist", a.Name).Msg("library membership check failed")
		}
		if in {
			known = append(known, a)
		} else {
			fresh = append(fresh, a)
		}
	}
	return fresh, known
}

// FindRecommendedAlbums is the two-pass search. Artists not yet in the
// library are tried first; in-library artists are only tried when the
// first pass falls short of target.
func (e *Engine) FindRecommendedAlbums(ctx context.Context, userID string, candidates []catalog.SimilarArtist, target int) []RecommendedAlbum {
	rc := NewRunContext()
	var out []RecommendedAlbum
	fresh, known := e.splitByLibrary(ctx, candidates)

	for _, pool := range [][]catalog.SimilarArtist{fresh, known} {
		for _, a := range pool {
			if len(out) >= target || ctx.Err() != nil {
				break
			}
			if rec := e.try(ctx, a, userID, rc); rec != nil {
				rec.Tier = catalog.TierFromSimilarity(rec.Similarity)
				out = append(out, *rec)
			}
		}
	}
	recordTiers(out)
	return out
}

// FindRecommendedAlbumsMultiStrategy is the tiered search. New artists are
// partitioned by match into high, medium and explore tiers, each shuffled
// and drawn up to its quota. Shortfalls are filled from any untried new
// artist, then from in-library artists, and the remainder from genre
// exploration. The result never exceeds target.
func (e *Engine) FindRecommendedAlbumsMultiStrategy(ctx context.Context, userID string, candidates []catalog.SimilarArtist, target int) []RecommendedAlbum {
	if target <= 0 {
		return nil
	}
	rc := NewRunContext()
	q := QuotasFor(target)
	nonWildcard := target - q.Wildcard

	fresh, known := e.splitByLibrary(ctx, candidates)
	tiers := map[catalog.Tier][]catalog.SimilarArtist{}
	for _, a := range fresh {
		if t, ok := catalog.PartitionTier(a.Match); ok {
			tiers[t] = append(tiers[t], a)
		}
	}

	var selected []RecommendedAlbum
	draw := func(pool []catalog.SimilarArtist, limit int, tier func(float64) catalog.Tier) {
		taken := 0
		for _, a := range pool {
			if taken >= limit || len(selected) >= nonWildcard || ctx.Err() != nil {
				return
			}
			if rec := e.try(ctx, a, userID, rc); rec != nil {
				rec.Tier = tier(rec.Similarity)
				selected = append(selected, *rec)
				taken++
			}
		}
	}

	for _, step := range []struct {
		tier  catalog.Tier
		quota int
	}{
		{catalog.TierHigh, q.High},
		{catalog.TierMedium, q.Medium},
		{catalog.TierExplore, q.Explore},
	} {
		pool := tiers[step.tier]
		e.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		label := step.tier
		draw(pool, step.quota, func(float64) catalog.Tier { return label })
	}
	tiered := len(selected)

	draw(fresh, nonWildcard, catalog.TierFromSimilarity)
	filled := len(selected) - tiered
	draw(known, nonWildcard, catalog.TierFromSimilarity)
	fallback := len(selected) - tiered - filled

	wildcards := e.exploreTags(ctx, userID, rc, target-len(selected))
	selected = append(selected, wildcards...)
	if len(selected) > target {
		selected = selected[:target]
	}

	logging.Info().
		Str("user_id", userID).
		Int("target", target).
		Int("tiered", tiered).
		Int("fill", filled).
		Int("fallback", fallback).
		Int("wildcard", len(wildcards)).
		Int("total", len(selected)).
		Msg("recommendation run finished")
	recordTiers(selected)
	return selected
}

// exploreTags draws wildcard albums from the listener's top genres.
func (e *Engine) exploreTags(ctx context.Context, userID string, rc *RunContext, quota int) []RecommendedAlbum {
	if quota <= 0 {
		return nil
	}
	genres, err := e.lib.TopGenres(ctx, userID, e.now().Add(-historyWindow), topGenreLimit)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("top genres unavailable")
	}
	if len(genres) == 0 {
		genres = GenericGenres
	}

	var out []RecommendedAlbum
	for _, genre := range genres[:min(exploredGenres, len(genres))] {
		if len(out) >= quota || ctx.Err() != nil {
			break
		}
		albums, err := e.albums.GetTopAlbumsByTag(ctx, genre, tagAlbumsPerGenre)
		if err != nil {
			logging.Warn().Err(err).Str("tag", genre).Msg("tag albums unavailable")
			continue
		}
		for _, album := range albums {
			if len(out) >= quota {
				break
			}
			if !catalog.IsStudioRelease(album.Name) || rc.HasArtist(album.ArtistName) {
				continue
			}
			in, err := e.lib.IsArtistInLibrary(ctx, album.ArtistName, album.ArtistMBID)
			if err != nil || in {
				continue
			}
			mbid, reason := e.validator.checkAlbum(ctx, userID, album.ArtistName, album.Name, rc)
			if reason != accepted {
				continue
			}
			rc.SeeArtist(album.ArtistName)
			rc.SeeAlbum(mbid)
			out = append(out, RecommendedAlbum{
				ArtistName: album.ArtistName,
				ArtistMBID: album.ArtistMBID,
				AlbumTitle: album.Name,
				AlbumMBID:  mbid,
				Similarity: wildcardSimilarity,
				Tier:       catalog.TierWildcard,
			})
		}
	}
	return out
}

func recordTiers(recs []RecommendedAlbum) {
	for _, r := range recs {
		metrics.RecommendationsTotal.WithLabelValues(string(r.Tier)).Inc()
	}
}
