package history

import (
	"context"
	"fmt"
	"time"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

// Window is how far back listening history counts.
const Window = 12 * 7 * 24 * time.Hour

// SeedSelector picks the artists a discovery run starts from.
type SeedSelector struct {
	store database.Store
	limit int
	now   func() time.Time
}

// NewSeedSelector creates a SeedSelector returning at most limit seeds.
func NewSeedSelector(store database.Store, limit int) *SeedSelector {
	if limit <= 0 {
		limit = 10
	}
	return &SeedSelector{store: store, limit: limit, now: time.Now}
}

// GetSeedArtists returns the user's most played artists over the history
// window, or the largest library artists when there is no history.
func (s *SeedSelector) GetSeedArtists(ctx context.Context, userID string) ([]catalog.SeedArtist, error) {
	top, err := s.store.TopPlayedArtists(ctx, userID, s.now().Add(-Window), s.limit)
	if err != nil {
		return nil, fmt.Errorf("top played artists: %w", err)
	}
	seeds := make([]catalog.SeedArtist, 0, s.limit)
	for _, a := range top {
		seed := catalog.SeedArtist{Name: a.ArtistName}
		if a.ArtistMBID != nil {
			seed.MBID = *a.ArtistMBID
		}
		seeds = append(seeds, seed)
	}
	if len(seeds) > 0 {
		return seeds, nil
	}

	artists, err := s.store.ListLibraryArtists(ctx, s.limit)
	if err != nil {
		return nil, fmt.Errorf("library artists: %w", err)
	}
	for _, a := range artists {
		seed := catalog.SeedArtist{Name: a.Name}
		if a.MBID != nil {
			seed.MBID = *a.MBID
		}
		seeds = append(seeds, seed)
	}
	logging.Debug().Str("user_id", userID).Int("seeds", len(seeds)).Msg("no listening history, seeding from library")
	return seeds, nil
}

// TopGenres returns the user's most frequent genres over the history window.
func (s *SeedSelector) TopGenres(ctx context.Context, userID string, limit int) ([]string, error) {
	return s.store.TopGenres(ctx, userID, s.now().Add(-Window), limit)
}
