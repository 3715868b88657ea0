package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/database"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Recent tracks</title>
  <link>https://scrobbles.example.com/u</link>
  <item>
    <title>Artist One - Song A</title>
    <pubDate>Sat, 10 Oct 2026 12:00:00 +0000</pubDate>
    <category>Shoegaze</category>
  </item>
  <item>
    <title>Artist One – Song B</title>
    <pubDate>Sun, 11 Oct 2026 12:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Old Favourite - Long Ago</title>
    <pubDate>Thu, 01 Jan 2026 12:00:00 +0000</pubDate>
  </item>
  <item>
    <title>No separator here</title>
    <pubDate>Sun, 11 Oct 2026 13:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Artist Two - Undated</title>
  </item>
</channel>
</rss>`

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTrack(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	artistID, err := db.UpsertLibraryArtist(ctx, "Artist One", "m-1")
	require.NoError(t, err)
	albumID, err := db.UpsertLibraryAlbum(ctx, artistID, "First", "rg-first")
	require.NoError(t, err)
	trackID, err := db.UpsertLibraryTrack(ctx, &database.LibraryTrack{AlbumID: albumID, Title: "Song A", FilePath: "/m/a.mp3"})
	require.NoError(t, err)
	require.NoError(t, db.AddTrackGenre(ctx, trackID, "Rock"))
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testFeed))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImport(t *testing.T) {
	db := openTestDB(t)
	seedTrack(t, db)
	srv := feedServer(t)

	im := NewImporter(db, []Feed{{URL: srv.URL}, {URL: "http://127.0.0.1:1/unreachable"}}, "u")
	im.now = func() time.Time { return testNow }

	res, err := im.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Items)
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, 2, res.Invalid)
	assert.Equal(t, 2, res.Unmatched)
	assert.Equal(t, 3, res.Sources["127.0.0.1"])

	res, err = im.Import(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 3, res.Duplicates)
}

func TestSeedSelector(t *testing.T) {
	db := openTestDB(t)
	seedTrack(t, db)
	im := NewImporter(db, []Feed{{URL: feedServer(t).URL}}, "u")
	im.now = func() time.Time { return testNow }
	_, err := im.Import(context.Background())
	require.NoError(t, err)

	s := NewSeedSelector(db, 5)
	s.now = func() time.Time { return testNow }

	seeds, err := s.GetSeedArtists(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, []catalog.SeedArtist{{Name: "Artist One", MBID: "m-1"}}, seeds, "plays older than the window do not seed")

	genres, err := s.TopGenres(context.Background(), "u", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"rock", "shoegaze"}, genres)

	seeds, err = s.GetSeedArtists(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, []catalog.SeedArtist{{Name: "Artist One", MBID: "m-1"}}, seeds, "falls back to library artists")
}

func TestSplitTitle(t *testing.T) {
	cases := []struct {
		in, artist, title string
		ok                bool
	}{
		{"A - B", "A", "B", true},
		{"A — B - C", "A — B", "C", true},
		{"Sigur Rós – Hoppípolla", "Sigur Rós", "Hoppípolla", true},
		{" - B", "", "", false},
		{"Just a title", "", "", false},
	}
	for _, c := range cases {
		artist, title, ok := splitTitle(c.in)
		assert.Equal(t, c.artist, artist, c.in)
		assert.Equal(t, c.title, title, c.in)
		assert.Equal(t, c.ok, ok, c.in)
	}
}
