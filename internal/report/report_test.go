package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/discoverweekly/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addTrack(t *testing.T, db *database.DB, artist, album, title string) int64 {
	t.Helper()
	ctx := context.Background()
	artistID, err := db.UpsertLibraryArtist(ctx, artist, "")
	require.NoError(t, err)
	albumID, err := db.UpsertLibraryAlbum(ctx, artistID, album, "")
	require.NoError(t, err)
	id, err := db.UpsertLibraryTrack(ctx, &database.LibraryTrack{AlbumID: albumID, Title: title, FilePath: "/m/" + title + ".mp3"})
	require.NoError(t, err)
	return id
}

func TestComposeCompletedBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := &database.Batch{UserID: "u", WeekStart: "2026-10-12", TargetSongCount: 3, Status: database.BatchScanning}
	require.NoError(t, db.CreateBatch(ctx, b))
	job := &database.DownloadJob{DiscoveryBatchID: b.ID, UserID: "u", TargetMBID: "rg-1", Status: database.JobCompleted,
		Metadata: database.JobMetadata{ArtistName: "Pipe|Band", AlbumTitle: "Alpha", AlbumMBID: "rg-1", Similarity: 0.82, Tier: "high"}}
	require.NoError(t, db.CreateJob(ctx, job))
	failed := &database.DownloadJob{DiscoveryBatchID: b.ID, UserID: "u", TargetMBID: "rg-2",
		Metadata: database.JobMetadata{ArtistName: "Gone", AlbumTitle: "Nowhere", AlbumMBID: "rg-2", Similarity: 0.31, Tier: "explore"}}
	require.NoError(t, db.CreateJob(ctx, failed))
	require.NoError(t, db.UpdateJobStatus(ctx, failed.ID, database.JobExhausted, "No releases"))
	require.NoError(t, db.UpsertUnavailableAlbum(ctx, database.UnavailableAlbum{UserID: "u", WeekStart: "2026-10-12",
		AlbumMBID: "rg-2", ArtistName: "Gone", AlbumTitle: "Nowhere", Tier: "explore"}))

	discovered, err := db.UpsertDiscoveryAlbum(ctx, &database.DiscoveryAlbum{UserID: "u", WeekStart: "2026-10-12",
		RGMBID: "rg-1", ArtistName: "Pipe|Band", AlbumTitle: "Alpha", Similarity: 0.82, Tier: "high", DownloadJobID: &job.ID})
	require.NoError(t, err)
	anchor, err := db.UpsertDiscoveryAlbum(ctx, &database.DiscoveryAlbum{UserID: "u", WeekStart: "2026-10-12",
		RGMBID: "library:9", ArtistName: "Old Friend", AlbumTitle: "Home", IsAnchor: true})
	require.NoError(t, err)
	require.NoError(t, db.AddDiscoveryTrack(ctx, discovered, addTrack(t, db, "Pipe|Band", "Alpha", "First"), 1))
	require.NoError(t, db.AddDiscoveryTrack(ctx, anchor, addTrack(t, db, "Old Friend", "Home", "Comfort"), 2))
	require.NoError(t, db.UpdateBatchCounts(ctx, b.ID, 2, 1, 1))
	require.NoError(t, db.CompleteBatch(ctx, b.ID, 2))
	require.NoError(t, db.AppendBatchLog(ctx, b.ID, "Playlist built with 2 tracks"))

	r, err := NewComposer(db).Compose(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Discover Weekly: Week of Oct 12, 2026", r.Title)

	md := r.Markdown
	assert.Contains(t, md, "- **Status:** completed")
	assert.Contains(t, md, "2 requested, 1 completed, 1 failed")
	assert.Contains(t, md, "- **Playlist:** 2 tracks")
	assert.Contains(t, md, `| Pipe\|Band | Alpha | high | 0.82 | completed |`)
	assert.Contains(t, md, "exhausted (No releases)")
	assert.Contains(t, md, "## Close Matches\n\n1. **Pipe|Band** - First _(Alpha)_")
	assert.Contains(t, md, "## From Your Library\n\n2. **Old Friend** - Comfort _(Home)_")
	assert.Contains(t, md, "- Gone - Nowhere (1 attempts)")
	assert.Contains(t, md, "Playlist built with 2 tracks")
	assert.Less(t, strings.Index(md, "Close Matches"), strings.Index(md, "From Your Library"))
}

func TestComposeFailedBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := &database.Batch{UserID: "u", WeekStart: "2026-10-12", TargetSongCount: 10, Status: database.BatchDownloading}
	require.NoError(t, db.CreateBatch(ctx, b))
	require.NoError(t, db.UpdateBatchStatus(ctx, b.ID, database.BatchFailed, "All downloads failed"))

	r, err := NewComposer(db).Compose(ctx, b.ID)
	require.NoError(t, err)
	assert.Contains(t, r.Markdown, "- **Error:** All downloads failed")
	assert.Contains(t, r.Markdown, "No albums were requested.")
	assert.NotContains(t, r.Markdown, "**Playlist:**")
	assert.NotContains(t, r.Markdown, "## Unavailable")
}

func TestComposeMissingBatch(t *testing.T) {
	_, err := NewComposer(openTestDB(t)).Compose(context.Background(), 42)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
