package database

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// UpsertDiscoveryAlbum inserts or refreshes the (user, week, album) row and
// returns its ID. Re-running assembly for the same week updates in place.
func (db *DB) UpsertDiscoveryAlbum(ctx context.Context, a *DiscoveryAlbum) (int64, error) {
	if a.Status == "" {
		a.Status = AlbumActive
	}
	var id int64
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO discovery_albums (user_id, week_start, rg_mbid, artist_name, artist_mbid,
		album_title, similarity, tier, is_anchor, status, download_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, week_start, rg_mbid) DO UPDATE SET
			artist_name = excluded.artist_name,
			artist_mbid = COALESCE(excluded.artist_mbid, discovery_albums.artist_mbid),
			album_title = excluded.album_title,
			similarity = excluded.similarity,
			tier = excluded.tier,
			is_anchor = excluded.is_anchor,
			download_job_id = COALESCE(excluded.download_job_id, discovery_albums.download_job_id)
		RETURNING id`,
		a.UserID, a.WeekStart, a.RGMBID, a.ArtistName, a.ArtistMBID,
		a.AlbumTitle, a.Similarity, a.Tier, a.IsAnchor, a.Status, a.DownloadJobID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// AddDiscoveryTrack links a library track to a discovery album.
func (db *DB) AddDiscoveryTrack(ctx context.Context, discoveryAlbumID, trackID int64, position int) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO discovery_tracks (discovery_album_id, track_id, position) VALUES (?, ?, ?)
		ON CONFLICT(discovery_album_id, track_id) DO UPDATE SET position = excluded.position`,
		discoveryAlbumID, trackID, position,
	)
	return err
}

// ClearDiscoveryTracks drops the playlist tracks of a user's week so
// assembly can lay them out again. The albums themselves are kept and
// refreshed by UpsertDiscoveryAlbum.
func (db *DB) ClearDiscoveryTracks(ctx context.Context, userID, weekStart string) error {
	_, err := db.q.ExecContext(ctx,
		`DELETE FROM discovery_tracks WHERE discovery_album_id IN
		(SELECT id FROM discovery_albums WHERE user_id = ? AND week_start = ?)`,
		userID, weekStart,
	)
	return err
}

// PruneDiscoveryAlbums removes the week's ACTIVE albums whose ID is not in
// keep and returns how many went. Albums the listener already acted on are
// never removed.
func (db *DB) PruneDiscoveryAlbums(ctx context.Context, userID, weekStart string, keep []int64) (int64, error) {
	query := `DELETE FROM discovery_albums WHERE user_id = ? AND week_start = ? AND status = ?`
	args := []any{userID, weekStart, AlbumActive}
	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(", ?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	result, err := db.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListDiscoveryAlbums returns a user's discovery albums for one week.
func (db *DB) ListDiscoveryAlbums(ctx context.Context, userID, weekStart string) ([]DiscoveryAlbum, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT id, user_id, week_start, rg_mbid, artist_name, artist_mbid, album_title,
		similarity, COALESCE(tier, ''), is_anchor, status, download_job_id, created_at
		FROM discovery_albums WHERE user_id = ? AND week_start = ? ORDER BY id`,
		userID, weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var albums []DiscoveryAlbum
	for rows.Next() {
		var a DiscoveryAlbum
		var artistMBID sql.NullString
		var jobID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.WeekStart, &a.RGMBID, &a.ArtistName, &artistMBID,
			&a.AlbumTitle, &a.Similarity, &a.Tier, &a.IsAnchor, &a.Status, &jobID, &createdAt); err != nil {
			return nil, err
		}
		a.ArtistMBID = nullString(artistMBID)
		a.DownloadJobID = nullInt(jobID)
		a.CreatedAt = parseTime(createdAt)
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// ListPlaylist returns the ordered playlist for a user's week.
func (db *DB) ListPlaylist(ctx context.Context, userID, weekStart string) ([]PlaylistEntry, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT dt.position, t.id, t.title, t.file_path, da.artist_name, da.album_title,
		COALESCE(da.tier, ''), da.is_anchor
		FROM discovery_tracks dt
		JOIN discovery_albums da ON da.id = dt.discovery_album_id
		JOIN tracks t ON t.id = dt.track_id
		WHERE da.user_id = ? AND da.week_start = ?
		ORDER BY dt.position`,
		userID, weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []PlaylistEntry
	for rows.Next() {
		var e PlaylistEntry
		if err := rows.Scan(&e.Position, &e.TrackID, &e.Title, &e.FilePath, &e.ArtistName,
			&e.AlbumTitle, &e.Tier, &e.IsAnchor); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DiscoveryStatusesForArtist returns every (week, status) recorded for an
// artist across all users, matched by mbid or case-insensitive name.
func (db *DB) DiscoveryStatusesForArtist(ctx context.Context, artistMBID, artistName string) ([]ArtistDiscoveryStatus, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT DISTINCT week_start, status FROM discovery_albums
		WHERE (? <> '' AND artist_mbid = ?) OR (? <> '' AND LOWER(artist_name) = LOWER(?))`,
		artistMBID, artistMBID, artistName, artistName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtistDiscoveryStatus
	for rows.Next() {
		var s ArtistDiscoveryStatus
		if err := rows.Scan(&s.WeekStart, &s.Status); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertUnavailableAlbum records a failed acquisition, incrementing attempts
// when the album was already recorded for the week.
func (db *DB) UpsertUnavailableAlbum(ctx context.Context, u UnavailableAlbum) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO unavailable_albums (user_id, week_start, album_mbid, artist_name, album_title,
		similarity, tier, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id, week_start, album_mbid) DO UPDATE SET
			attempts = unavailable_albums.attempts + 1,
			updated_at = excluded.updated_at`,
		u.UserID, u.WeekStart, u.AlbumMBID, u.ArtistName, u.AlbumTitle,
		u.Similarity, u.Tier, formatTime(time.Now()),
	)
	return err
}

// ListUnavailableAlbums returns the albums that could not be acquired for a week.
func (db *DB) ListUnavailableAlbums(ctx context.Context, userID, weekStart string) ([]UnavailableAlbum, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT user_id, week_start, album_mbid, artist_name, album_title, similarity,
		COALESCE(tier, ''), attempts
		FROM unavailable_albums WHERE user_id = ? AND week_start = ? ORDER BY artist_name`,
		userID, weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnavailableAlbum
	for rows.Next() {
		var u UnavailableAlbum
		if err := rows.Scan(&u.UserID, &u.WeekStart, &u.AlbumMBID, &u.ArtistName, &u.AlbumTitle,
			&u.Similarity, &u.Tier, &u.Attempts); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertExclusion suppresses an album for the user until expiresAt.
func (db *DB) UpsertExclusion(ctx context.Context, userID, albumMBID, artistName string, expiresAt time.Time) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO discover_exclusions (user_id, album_mbid, artist_name, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, album_mbid) DO UPDATE SET
			artist_name = excluded.artist_name,
			expires_at = excluded.expires_at`,
		userID, albumMBID, artistName, formatTime(expiresAt),
	)
	return err
}

// IsExcluded reports whether an unexpired exclusion exists for the album.
func (db *DB) IsExcluded(ctx context.Context, userID, albumMBID string, now time.Time) (bool, error) {
	var count int
	err := db.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discover_exclusions
		WHERE user_id = ? AND album_mbid = ? AND expires_at > ?`,
		userID, albumMBID, formatTime(now),
	).Scan(&count)
	return count > 0, err
}
