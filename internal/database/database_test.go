package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func createBatch(t *testing.T, db *DB, user string) *Batch {
	t.Helper()
	b := &Batch{UserID: user, WeekStart: "2026-02-02", TargetSongCount: 10, Status: BatchDownloading}
	if err := db.CreateBatch(context.Background(), b); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func addLibraryAlbum(t *testing.T, db *DB, artist, album, mbid string, tracks ...string) int64 {
	t.Helper()
	ctx := context.Background()
	artistID, err := db.UpsertLibraryArtist(ctx, artist, "")
	if err != nil {
		t.Fatalf("UpsertLibraryArtist: %v", err)
	}
	albumID, err := db.UpsertLibraryAlbum(ctx, artistID, album, mbid)
	if err != nil {
		t.Fatalf("UpsertLibraryAlbum: %v", err)
	}
	for i, title := range tracks {
		_, err := db.UpsertLibraryTrack(ctx, &LibraryTrack{
			AlbumID: albumID, Title: title, TrackNumber: i + 1,
			FilePath: filepath.Join("/music", artist, album, title+".mp3"),
		})
		if err != nil {
			t.Fatalf("UpsertLibraryTrack: %v", err)
		}
	}
	return albumID
}

func TestCreateAndGetBatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")
	if b.ID == 0 {
		t.Fatal("expected non-zero batch ID")
	}

	got, err := db.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != BatchDownloading || got.UserID != "alice" {
		t.Errorf("unexpected batch: %+v", got)
	}
	if len(got.Logs) != 0 {
		t.Errorf("expected empty logs, got %v", got.Logs)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetBatch(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBatchStatusSetsCompletedAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")

	if err := db.UpdateBatchStatus(ctx, b.ID, BatchFailed, "All downloads failed"); err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}
	got, _ := db.GetBatch(ctx, b.ID)
	if got.CompletedAt == nil {
		t.Error("expected completed_at on terminal status")
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "All downloads failed" {
		t.Errorf("unexpected error message: %v", got.ErrorMessage)
	}

	active, err := db.GetActiveBatchForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetActiveBatchForUser: %v", err)
	}
	if active != nil {
		t.Error("failed batch should not be active")
	}
}

func TestTerminalBatchStatusDoesNotRegress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")

	if err := db.CompleteBatch(ctx, b.ID, 20); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
	if err := db.UpdateBatchStatus(ctx, b.ID, BatchFailed, "Timed out"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	got, _ := db.GetBatch(ctx, b.ID)
	if got.Status != BatchCompleted || got.ErrorMessage != nil {
		t.Errorf("completed batch changed: %s %v", got.Status, got.ErrorMessage)
	}

	failed := createBatch(t, db, "bob")
	if err := db.UpdateBatchStatus(ctx, failed.ID, BatchFailed, "Cancelled"); err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}
	if err := db.CompleteBatch(ctx, failed.ID, 5); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if err := db.UpdateBatchStatus(ctx, 999, BatchFailed, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendBatchLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")

	db.AppendBatchLog(ctx, b.ID, "first")
	db.AppendBatchLog(ctx, b.ID, "second")

	got, _ := db.GetBatch(ctx, b.ID)
	if len(got.Logs) != 2 || got.Logs[1] != "second" {
		t.Errorf("unexpected logs: %v", got.Logs)
	}
}

func TestJobsLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")

	j := &DownloadJob{
		DiscoveryBatchID: b.ID, UserID: "alice", TargetMBID: "rg-1",
		Metadata: JobMetadata{ArtistName: "Artist", AlbumTitle: "Album", AlbumMBID: "rg-1", Similarity: 0.8, Tier: "high"},
	}
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	active, _ := db.HasActiveJobForTarget(ctx, "alice", "rg-1")
	if !active {
		t.Error("expected active job for target")
	}
	other, _ := db.HasActiveJobForTarget(ctx, "bob", "rg-1")
	if other {
		t.Error("active job check must be scoped to the user")
	}

	albumID := int64(77)
	if err := db.SetJobAcquisition(ctx, j.ID, &albumID, "corr-1"); err != nil {
		t.Fatalf("SetJobAcquisition: %v", err)
	}
	db.UpdateJobStatus(ctx, j.ID, JobProcessing, "")

	found, _ := db.FindActiveJobsByLidarrAlbum(ctx, 77)
	if len(found) != 1 || found[0].Metadata.AlbumTitle != "Album" {
		t.Fatalf("unexpected jobs for lidarr album: %+v", found)
	}

	n, err := db.FailActiveJobs(ctx, b.ID, "timeout")
	if err != nil || n != 1 {
		t.Fatalf("FailActiveJobs: n=%d err=%v", n, err)
	}
	got, _ := db.GetJob(ctx, j.ID)
	if got.Status != JobFailed || got.Error == nil || *got.Error != "timeout" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.CorrelationID == nil || *got.CorrelationID != "corr-1" {
		t.Errorf("expected correlation id to survive, got %v", got.CorrelationID)
	}
}

func TestUpsertDiscoveryAlbumIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := &DiscoveryAlbum{UserID: "alice", WeekStart: "2026-02-02", RGMBID: "rg-1",
		ArtistName: "Artist", AlbumTitle: "Album", Similarity: 0.7, Tier: "high"}
	id1, err := db.UpsertDiscoveryAlbum(ctx, a)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	a2 := *a
	a2.Similarity = 0.9
	id2, err := db.UpsertDiscoveryAlbum(ctx, &a2)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same row, got %d and %d", id1, id2)
	}

	albums, _ := db.ListDiscoveryAlbums(ctx, "alice", "2026-02-02")
	if len(albums) != 1 || albums[0].Similarity != 0.9 {
		t.Errorf("unexpected albums: %+v", albums)
	}
}

func TestPruneDiscoveryAlbums(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ids := map[string]int64{}
	for _, a := range []DiscoveryAlbum{
		{RGMBID: "rg-keep"},
		{RGMBID: "rg-drop"},
		{RGMBID: "rg-liked", Status: AlbumLiked},
	} {
		a.UserID, a.WeekStart, a.ArtistName, a.AlbumTitle = "alice", "2026-02-02", "Artist", a.RGMBID
		id, err := db.UpsertDiscoveryAlbum(ctx, &a)
		if err != nil {
			t.Fatalf("upsert %s: %v", a.RGMBID, err)
		}
		ids[a.RGMBID] = id
	}

	n, err := db.PruneDiscoveryAlbums(ctx, "alice", "2026-02-02", []int64{ids["rg-keep"]})
	if err != nil {
		t.Fatalf("PruneDiscoveryAlbums: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned album, got %d", n)
	}
	albums, _ := db.ListDiscoveryAlbums(ctx, "alice", "2026-02-02")
	var keys []string
	for _, a := range albums {
		keys = append(keys, a.RGMBID)
	}
	if strings.Join(keys, ",") != "rg-keep,rg-liked" {
		t.Errorf("unexpected albums after prune: %v", keys)
	}
}

func TestUnavailableAlbumIncrementsAttempts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := UnavailableAlbum{UserID: "alice", WeekStart: "2026-02-02", AlbumMBID: "rg-1", ArtistName: "A", AlbumTitle: "B"}

	db.UpsertUnavailableAlbum(ctx, u)
	db.UpsertUnavailableAlbum(ctx, u)

	list, err := db.ListUnavailableAlbums(ctx, "alice", "2026-02-02")
	if err != nil {
		t.Fatalf("ListUnavailableAlbums: %v", err)
	}
	if len(list) != 1 || list[0].Attempts != 2 {
		t.Errorf("expected one row with 2 attempts, got %+v", list)
	}
}

func TestExclusionExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)

	db.UpsertExclusion(ctx, "alice", "rg-1", "Artist", now.AddDate(0, 6, 0))
	db.UpsertExclusion(ctx, "alice", "rg-2", "Artist", now.Add(-time.Hour))

	if ex, _ := db.IsExcluded(ctx, "alice", "rg-1", now); !ex {
		t.Error("expected rg-1 excluded")
	}
	if ex, _ := db.IsExcluded(ctx, "alice", "rg-2", now); ex {
		t.Error("expired exclusion should not apply")
	}
	if ex, _ := db.IsExcluded(ctx, "bob", "rg-1", now); ex {
		t.Error("exclusion is per user")
	}
}

func TestLibraryOwnershipAndMatching(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addLibraryAlbum(t, db, "Sigur Rós", "Ágætis byrjun", "rg-sr", "Svefn-g-englar", "Starálfur")

	if owned, _ := db.IsAlbumOwned(ctx, "rg-sr"); !owned {
		t.Error("expected owned by mbid")
	}
	if owned, _ := db.IsAlbumOwnedByName(ctx, "sigur ros", "Ágætis Byrjun"); !owned {
		t.Error("expected owned by normalized name")
	}
	if in, _ := db.IsArtistInLibrary(ctx, "SIGUR RÓS", ""); !in {
		t.Error("expected artist in library")
	}

	tracks, _ := db.FindTracksByAlbumMBID(ctx, "rg-sr")
	if len(tracks) != 2 || tracks[0].ArtistName != "Sigur Rós" {
		t.Errorf("unexpected tracks: %+v", tracks)
	}
	tracks, _ = db.FindTracksByArtistAlbum(ctx, "sigur rós", "Ágætis BYRJUN")
	if len(tracks) != 2 {
		t.Errorf("expected case-insensitive match, got %d tracks", len(tracks))
	}
	albums, _ := db.FindAlbumsByArtistToken(ctx, "sigur")
	if len(albums) != 1 {
		t.Errorf("expected album by first token, got %d", len(albums))
	}
}

func TestUpsertLibraryTrackByPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	albumID := addLibraryAlbum(t, db, "Artist", "Album", "", "Song")

	tr := &LibraryTrack{AlbumID: albumID, Title: "Song (Remastered)", FilePath: filepath.Join("/music", "Artist", "Album", "Song.mp3")}
	if _, err := db.UpsertLibraryTrack(ctx, tr); err != nil {
		t.Fatalf("UpsertLibraryTrack: %v", err)
	}
	tracks, _ := db.ListAlbumTracks(ctx, albumID)
	if len(tracks) != 1 || tracks[0].Title != "Song (Remastered)" {
		t.Errorf("expected in-place update, got %+v", tracks)
	}
}

func TestInTxRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.InTx(ctx, func(s Store) error {
		if err := s.CreateBatch(ctx, &Batch{UserID: "alice", WeekStart: "2026-02-02", Status: BatchDownloading}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	batches, _ := db.ListBatches(ctx, "alice", 0)
	if len(batches) != 0 {
		t.Errorf("expected rollback, found %d batches", len(batches))
	}
}

func TestHistoryTopArtistsAndGenres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addLibraryAlbum(t, db, "Artist A", "Album", "", "Song")
	track, err := db.FindTrackByArtistTitle(ctx, "artist a", "song")
	if err != nil || track == nil {
		t.Fatalf("FindTrackByArtistTitle: %v %v", track, err)
	}
	db.AddTrackGenre(ctx, track.ID, "Post-Rock")
	db.AddUserGenreTag(ctx, "alice", track.ID, "ambient")

	now := time.Now()
	for i := 0; i < 3; i++ {
		db.InsertPlay(ctx, Play{UserID: "alice", TrackID: &track.ID, ArtistName: "Artist A", TrackTitle: "Song", PlayedAt: now.Add(-time.Duration(i) * time.Hour)})
	}
	db.InsertPlay(ctx, Play{UserID: "alice", ArtistName: "Artist B", TrackTitle: "Other", PlayedAt: now})
	inserted, _ := db.InsertPlay(ctx, Play{UserID: "alice", ArtistName: "Artist B", TrackTitle: "Other", PlayedAt: now})
	if inserted {
		t.Error("duplicate play should be ignored")
	}

	top, err := db.TopPlayedArtists(ctx, "alice", now.AddDate(0, 0, -84), 10)
	if err != nil {
		t.Fatalf("TopPlayedArtists: %v", err)
	}
	if len(top) != 2 || top[0].ArtistName != "Artist A" || top[0].Plays != 3 {
		t.Errorf("unexpected top artists: %+v", top)
	}

	genres, err := db.TopGenres(ctx, "alice", now.AddDate(0, 0, -84), 10)
	if err != nil {
		t.Fatalf("TopGenres: %v", err)
	}
	if len(genres) != 2 {
		t.Errorf("expected canonical and user genres, got %v", genres)
	}
}

func TestScanQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	b := createBatch(t, db, "alice")

	if err := db.EnqueueScan(ctx, &ScanJob{Type: "full", Source: "discovery", BatchID: &b.ID}); err != nil {
		t.Fatalf("EnqueueScan: %v", err)
	}
	job, err := db.ClaimScanJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("ClaimScanJob: %v %v", job, err)
	}
	if job.BatchID == nil || *job.BatchID != b.ID || job.Status != ScanRunning {
		t.Errorf("unexpected scan job: %+v", job)
	}
	again, _ := db.ClaimScanJob(ctx)
	if again != nil {
		t.Error("queue should be empty after claim")
	}
	if err := db.FinishScanJob(ctx, job.ID, ""); err != nil {
		t.Fatalf("FinishScanJob: %v", err)
	}
}

func TestUserSettings(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s, err := db.GetUserSettings(ctx, "alice")
	if err != nil || s != nil {
		t.Fatalf("expected no settings, got %+v %v", s, err)
	}
	db.SaveUserSettings(ctx, UserSettings{UserID: "alice", PlaylistSize: 20, DownloadRatio: 1.5, ExclusionMonths: 0})
	s, _ = db.GetUserSettings(ctx, "alice")
	if s == nil || s.PlaylistSize != 20 || s.ExclusionMonths != 0 {
		t.Errorf("unexpected settings: %+v", s)
	}
}

func TestWeekStart(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC), "2026-02-02"},  // Monday
		{time.Date(2026, 2, 8, 23, 0, 0, 0, time.UTC), "2026-02-02"}, // Sunday
		{time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2025-12-29"},  // Thursday
	}
	for _, tt := range tests {
		if got := WeekStart(tt.in); got != tt.want {
			t.Errorf("WeekStart(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := FormatWeekDisplay("2026-02-02"); got != "Week of Feb 02, 2026" {
		t.Errorf("FormatWeekDisplay = %q", got)
	}
}
