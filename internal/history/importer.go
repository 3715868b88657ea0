// Package history imports listening history and derives the taste signals
// discovery runs start from: seed artists and top genres.
package history

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

const maxPerFeed = 200

// Feed is one listening-history feed and the user it belongs to.
type Feed struct {
	URL  string
	User string
}

// Result holds the results of an import run.
type Result struct {
	Items      int
	Imported   int
	Duplicates int
	Unmatched  int
	Invalid    int
	Sources    map[string]int
}

// Importer turns "Artist - Track" feed items into plays.
type Importer struct {
	store  database.Store
	feeds  []Feed
	parser *gofeed.Parser
	now    func() time.Time
}

// NewImporter creates an Importer. Feeds without a user import for
// defaultUser.
func NewImporter(store database.Store, feeds []Feed, defaultUser string) *Importer {
	fs := make([]Feed, len(feeds))
	for i, f := range feeds {
		if f.User == "" {
			f.User = defaultUser
		}
		fs[i] = f
	}
	return &Importer{store: store, feeds: fs, parser: gofeed.NewParser(), now: time.Now}
}

// Import reads every configured feed. A feed that cannot be fetched is
// logged and skipped.
func (im *Importer) Import(ctx context.Context) (*Result, error) {
	r := &Result{Sources: make(map[string]int)}
	for _, f := range im.feeds {
		if ctx.Err() != nil {
			return r, ctx.Err()
		}
		feed, err := im.parser.ParseURLWithContext(f.URL, ctx)
		if err != nil {
			logging.Warn().Err(err).Str("feed", f.URL).Msg("failed to parse feed")
			continue
		}
		n, err := im.importItems(ctx, f.User, sourceName(f.URL), feed.Items, r)
		if err != nil {
			return r, fmt.Errorf("importing %s: %w", f.URL, err)
		}
		logging.Info().Str("feed", f.URL).Str("user_id", f.User).Int("imported", n).Msg("feed imported")
	}
	return r, nil
}

func (im *Importer) importItems(ctx context.Context, userID, source string, items []*gofeed.Item, r *Result) (int, error) {
	imported := 0
	for i, item := range items {
		if i >= maxPerFeed {
			break
		}
		r.Items++
		p, categories, ok := parseItem(item, im.now())
		if !ok {
			r.Invalid++
			continue
		}
		p.UserID = userID
		p.Source = source

		track, err := im.store.FindTrackByArtistTitle(ctx, p.ArtistName, p.TrackTitle)
		if err != nil {
			return imported, err
		}
		if track != nil {
			p.TrackID = &track.ID
		} else {
			r.Unmatched++
		}

		added, err := im.store.InsertPlay(ctx, p)
		if err != nil {
			return imported, err
		}
		if !added {
			r.Duplicates++
			continue
		}
		imported++
		r.Imported++
		r.Sources[source]++

		if track == nil {
			continue
		}
		for _, c := range categories {
			if err := im.store.AddUserGenreTag(ctx, userID, track.ID, c); err != nil {
				return imported, err
			}
		}
	}
	return imported, nil
}

// parseItem reads a play from an "Artist - Track" title. Undated items and
// items dated in the future are rejected, so re-imports stay duplicate-free.
func parseItem(item *gofeed.Item, now time.Time) (database.Play, []string, bool) {
	artist, title, ok := splitTitle(item.Title)
	if !ok {
		return database.Play{}, nil, false
	}
	var playedAt time.Time
	switch {
	case item.PublishedParsed != nil:
		playedAt = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		playedAt = *item.UpdatedParsed
	default:
		return database.Play{}, nil, false
	}
	if playedAt.After(now) {
		return database.Play{}, nil, false
	}
	return database.Play{
		ArtistName: artist,
		TrackTitle: title,
		PlayedAt:   playedAt.UTC(),
	}, item.Categories, true
}

var titleSeparators = []string{" - ", " – ", " — "}

func splitTitle(s string) (artist, title string, ok bool) {
	s = strings.TrimSpace(s)
	for _, sep := range titleSeparators {
		if a, t, found := strings.Cut(s, sep); found {
			a, t = strings.TrimSpace(a), strings.TrimSpace(t)
			if a != "" && t != "" {
				return a, t, true
			}
		}
	}
	return "", "", false
}

func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "feeds.", "rss."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}
