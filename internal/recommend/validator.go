package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

const (
	topAlbumsPerArtist = 10
	unknownSimilarity  = 0.5
)

// Validation is the outcome of checking one candidate artist. The counts
// are filled even when no album qualified.
type Validation struct {
	Recommendation   *RecommendedAlbum
	AlbumsChecked    int
	SkippedNoMBID    int
	SkippedOwned     int
	SkippedExcluded  int
	SkippedDuplicate int
}

type skipReason int

const (
	accepted skipReason = iota
	skipNoMBID
	skipDuplicate
	skipOwned
	skipExcluded
	skipError
)

// Validator finds the first acceptable album of a candidate artist.
type Validator struct {
	albums   AlbumProvider
	resolver Resolver
	lib      Library
	now      func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(albums AlbumProvider, resolver Resolver, lib Library) *Validator {
	return &Validator{albums: albums, resolver: resolver, lib: lib, now: time.Now}
}

// FindValidAlbum scans up to ten top albums of the artist and returns the
// first studio release that resolves to a canonical id, is not taken this
// run, not owned and not excluded for the user. An error is returned only
// when the artist's album list cannot be fetched.
func (v *Validator) FindValidAlbum(ctx context.Context, artist catalog.SimilarArtist, userID string, rc *RunContext) (Validation, error) {
	var res Validation
	albums, err := v.albums.GetArtistTopAlbums(ctx, artist.MBID, artist.Name, topAlbumsPerArtist)
	if err != nil {
		return res, fmt.Errorf("top albums for %s: %w", artist.Name, err)
	}

	for _, album := range albums {
		if !catalog.IsStudioRelease(album.Name) {
			continue
		}
		res.AlbumsChecked++

		mbid, reason := v.checkAlbum(ctx, userID, artist.Name, album.Name, rc)
		switch reason {
		case skipNoMBID:
			res.SkippedNoMBID++
			continue
		case skipDuplicate:
			res.SkippedDuplicate++
			continue
		case skipOwned:
			res.SkippedOwned++
			continue
		case skipExcluded:
			res.SkippedExcluded++
			continue
		case skipError:
			continue
		}

		similarity := artist.Match
		if artist.MatchUnknown {
			similarity = unknownSimilarity
		}
		res.Recommendation = &RecommendedAlbum{
			ArtistName: artist.Name,
			ArtistMBID: artist.MBID,
			AlbumTitle: album.Name,
			AlbumMBID:  mbid,
			Similarity: similarity,
		}
		return res, nil
	}
	return res, nil
}

// checkAlbum resolves and filters one album. A failing lookup skips the
// album only.
func (v *Validator) checkAlbum(ctx context.Context, userID, artistName, title string, rc *RunContext) (string, skipReason) {
	log := logging.With().Str("artist", artistName).Str("album", title).Logger()

	mbid, err := v.resolver.ResolveReleaseGroup(ctx, title, artistName)
	if err != nil {
		log.Warn().Err(err).Msg("release-group lookup failed")
		return "", skipNoMBID
	}
	if mbid == "" {
		return "", skipNoMBID
	}
	if rc.HasAlbum(mbid) {
		return mbid, skipDuplicate
	}

	owned, err := v.lib.IsAlbumOwned(ctx, mbid)
	if err != nil {
		log.Warn().Err(err).Msg("ownership check failed")
		return mbid, skipError
	}
	if !owned {
		owned, err = v.lib.IsAlbumOwnedByName(ctx, artistName, title)
		if err != nil {
			log.Warn().Err(err).Msg("ownership check failed")
			return mbid, skipError
		}
	}
	if owned {
		return mbid, skipOwned
	}

	excluded, err := v.lib.IsExcluded(ctx, userID, mbid, v.now())
	if err != nil {
		log.Warn().Err(err).Msg("exclusion check failed")
		return mbid, skipError
	}
	if excluded {
		return mbid, skipExcluded
	}
	return mbid, accepted
}
