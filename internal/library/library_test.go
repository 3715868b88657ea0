package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2"
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

// mpegFrame is one silent 128 kbps MPEG audio frame to follow the tag.
var mpegFrame = append([]byte{0xFF, 0xFB, 0x90, 0x64}, make([]byte, 413)...)

func writeMP3(t *testing.T, path string, set func(tag *id3v2.Tag)) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	if set != nil {
		tag := id3v2.NewEmptyTag()
		set(tag)
		_, err = tag.WriteTo(f)
		require.NoError(t, err)
	}
	_, err = f.Write(mpegFrame)
	require.NoError(t, err)
}

func TestScanIndexesTaggedAndUntaggedFiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	root := t.TempDir()

	writeMP3(t, filepath.Join(root, "dir", "song.mp3"), func(tag *id3v2.Tag) {
		tag.SetArtist("Tagged Artist")
		tag.SetAlbum("Tagged Album")
		tag.SetTitle("Second Song")
		tag.SetGenre("Shoegaze/Dream Pop")
		tag.AddTextFrame(tag.CommonID("Track number/Position in set"), tag.DefaultEncoding(), "2/9")
		tag.AddTextFrame(tag.CommonID("Length"), tag.DefaultEncoding(), "184000")
		tag.AddFrame(tag.CommonID("User defined text information frame"), id3v2.UserDefinedTextFrame{
			Encoding:    id3v2.EncodingUTF8,
			Description: "MusicBrainz Release Group Id",
			Value:       "rg-tagged",
		})
	})
	writeMP3(t, filepath.Join(root, "Fallback Artist", "Fallback Album", "01 Opener.mp3"), nil)
	writeMP3(t, filepath.Join(root, "loose.mp3"), nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644))

	s := NewScanner(db, root)
	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Files: 3, Indexed: 2, Skipped: 1}, res)

	owned, err := db.IsAlbumOwned(ctx, "rg-tagged")
	require.NoError(t, err)
	assert.True(t, owned)

	tracks, err := db.FindTracksByArtistAlbum(ctx, "tagged artist", "tagged album")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "Second Song", tracks[0].Title)
	assert.Equal(t, 2, tracks[0].TrackNumber)
	assert.Equal(t, 184, tracks[0].Duration)

	tracks, err = db.FindTracksByArtistAlbum(ctx, "Fallback Artist", "Fallback Album")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "01 Opener", tracks[0].Title)

	_, err = s.Scan(ctx)
	require.NoError(t, err)
	albums, err := db.ListLibraryAlbums(ctx)
	require.NoError(t, err)
	assert.Len(t, albums, 2, "rescans update in place")
}

func TestScanFallsBackToPathOnBrokenTag(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "Broken Artist", "Broken Album")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "03 Cut Short.mp3"), []byte("ID3\x04"), 0o644))

	res, err := NewScanner(db, root).Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Files: 1, Indexed: 1}, res)

	tracks, err := db.FindTracksByArtistAlbum(ctx, "Broken Artist", "Broken Album")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "03 Cut Short", tracks[0].Title)
}

func TestScanMissingRoot(t *testing.T) {
	_, err := NewScanner(openTestDB(t), filepath.Join(t.TempDir(), "absent")).Scan(context.Background())
	assert.Error(t, err)
	_, err = NewScanner(openTestDB(t), "").Scan(context.Background())
	assert.Error(t, err)
}

func TestSplitGenresAndLeadingInt(t *testing.T) {
	assert.Equal(t, []string{"Rock", "Pop"}, splitGenres("Rock / Pop"))
	assert.Nil(t, splitGenres(" "))
	assert.Equal(t, 3, leadingInt("3/12"))
	assert.Equal(t, 0, leadingInt("x"))
}

type fakeIndexer struct {
	scans int
	err   error
}

func (f *fakeIndexer) Scan(context.Context) (ScanResult, error) {
	f.scans++
	return ScanResult{}, f.err
}

type fakeBuilder struct{ built []int64 }

func (f *fakeBuilder) BuildFinalPlaylist(_ context.Context, id int64) error {
	f.built = append(f.built, id)
	return nil
}

func enqueue(t *testing.T, db *database.DB, batchID *int64) {
	t.Helper()
	require.NoError(t, db.EnqueueScan(context.Background(), &database.ScanJob{Type: "full", Source: "discovery", BatchID: batchID}))
}

func newBatch(t *testing.T, db *database.DB) int64 {
	t.Helper()
	b := &database.Batch{UserID: "u", WeekStart: "2026-10-12", TargetSongCount: 10, Status: database.BatchScanning}
	require.NoError(t, db.CreateBatch(context.Background(), b))
	return b.ID
}

func TestWorkerCoalescesPendingScans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first, second := newBatch(t, db), newBatch(t, db)
	enqueue(t, db, &first)
	enqueue(t, db, &first)
	enqueue(t, db, nil)
	enqueue(t, db, &second)

	idx := &fakeIndexer{}
	b := &fakeBuilder{}
	w := NewWorker(db, idx, b)

	n, err := w.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, idx.scans)
	assert.Equal(t, []int64{first, second}, b.built)

	n, err = w.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, idx.scans, "empty queue does not scan")
}

func TestWorkerBuildsAfterFailedScan(t *testing.T) {
	db := openTestDB(t)
	id := newBatch(t, db)
	enqueue(t, db, &id)

	b := &fakeBuilder{}
	w := NewWorker(db, &fakeIndexer{err: errors.New("disk gone")}, b)
	n, err := w.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{id}, b.built)

	next, err := db.ClaimScanJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}
