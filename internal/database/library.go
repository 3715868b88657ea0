package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
)

const trackColumns = `t.id, t.album_id, t.title, t.track_number, t.file_path, t.duration,
	al.title, al.rg_mbid, ar.id, ar.name, ar.mbid`

const trackJoins = ` FROM tracks t
	JOIN albums al ON al.id = t.album_id
	JOIN artists ar ON ar.id = al.artist_id`

// UpsertLibraryArtist inserts an artist keyed by normalized name and returns its ID.
// A known mbid is never overwritten with an empty one.
func (db *DB) UpsertLibraryArtist(ctx context.Context, name, mbid string) (int64, error) {
	var id int64
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO artists (name, normalized_name, mbid) VALUES (?, ?, ?)
		ON CONFLICT(normalized_name) DO UPDATE SET mbid = COALESCE(excluded.mbid, artists.mbid)
		RETURNING id`,
		name, catalog.Normalize(name), strOrNil(mbid),
	).Scan(&id)
	return id, err
}

// UpsertLibraryAlbum inserts an album keyed by (artist, normalized title) and returns its ID.
func (db *DB) UpsertLibraryAlbum(ctx context.Context, artistID int64, title, rgMBID string) (int64, error) {
	var id int64
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO albums (artist_id, title, normalized_title, rg_mbid) VALUES (?, ?, ?, ?)
		ON CONFLICT(artist_id, normalized_title) DO UPDATE SET rg_mbid = COALESCE(excluded.rg_mbid, albums.rg_mbid)
		RETURNING id`,
		artistID, title, catalog.Normalize(title), strOrNil(rgMBID),
	).Scan(&id)
	return id, err
}

// UpsertLibraryTrack inserts or refreshes a track keyed by file path and returns its ID.
func (db *DB) UpsertLibraryTrack(ctx context.Context, t *LibraryTrack) (int64, error) {
	var id int64
	err := db.q.QueryRowContext(ctx,
		`INSERT INTO tracks (album_id, title, track_number, file_path, duration) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			album_id = excluded.album_id,
			title = excluded.title,
			track_number = excluded.track_number,
			duration = excluded.duration,
			scanned_at = datetime('now')
		RETURNING id`,
		t.AlbumID, t.Title, t.TrackNumber, t.FilePath, t.Duration,
	).Scan(&id)
	if err == nil {
		t.ID = id
	}
	return id, err
}

// AddTrackGenre attaches a canonical genre tag to a track.
func (db *DB) AddTrackGenre(ctx context.Context, trackID int64, genre string) error {
	genre = strings.ToLower(strings.TrimSpace(genre))
	if genre == "" {
		return nil
	}
	_, err := db.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO track_genres (track_id, genre) VALUES (?, ?)", trackID, genre)
	return err
}

// IsAlbumOwned reports whether a library album carries the release-group id.
func (db *DB) IsAlbumOwned(ctx context.Context, rgMBID string) (bool, error) {
	if rgMBID == "" {
		return false, nil
	}
	var count int
	err := db.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM albums WHERE rg_mbid = ?", rgMBID).Scan(&count)
	return count > 0, err
}

// IsAlbumOwnedByName reports whether the library has the album by normalized
// artist and title.
func (db *DB) IsAlbumOwnedByName(ctx context.Context, artistName, albumTitle string) (bool, error) {
	var count int
	err := db.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM albums al JOIN artists ar ON ar.id = al.artist_id
		WHERE ar.normalized_name = ? AND al.normalized_title = ?`,
		catalog.Normalize(artistName), catalog.Normalize(albumTitle),
	).Scan(&count)
	return count > 0, err
}

// IsArtistInLibrary matches by mbid when known, else by normalized name.
func (db *DB) IsArtistInLibrary(ctx context.Context, name, mbid string) (bool, error) {
	var count int
	err := db.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM artists
		WHERE (? <> '' AND mbid = ?) OR normalized_name = ?`,
		mbid, mbid, catalog.Normalize(name),
	).Scan(&count)
	return count > 0, err
}

// FindTracksByAlbumMBID returns the tracks of albums carrying the release-group id.
func (db *DB) FindTracksByAlbumMBID(ctx context.Context, rgMBID string) ([]LibraryTrack, error) {
	if rgMBID == "" {
		return nil, nil
	}
	return db.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		" WHERE al.rg_mbid = ? ORDER BY al.id, t.track_number, t.id", rgMBID)
}

// FindTracksByArtistAlbum matches artist and album title case-insensitively.
func (db *DB) FindTracksByArtistAlbum(ctx context.Context, artistName, albumTitle string) ([]LibraryTrack, error) {
	return db.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		` WHERE LOWER(ar.name) = LOWER(?) AND LOWER(al.title) = LOWER(?)
		ORDER BY al.id, t.track_number, t.id`, artistName, albumTitle)
}

// ListAlbumTracks returns the tracks of one library album.
func (db *DB) ListAlbumTracks(ctx context.Context, albumID int64) ([]LibraryTrack, error) {
	return db.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		" WHERE al.id = ? ORDER BY t.track_number, t.id", albumID)
}

// FindTrackByArtistTitle returns the first track matching artist and title, or nil.
func (db *DB) FindTrackByArtistTitle(ctx context.Context, artistName, title string) (*LibraryTrack, error) {
	tracks, err := db.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		` WHERE ar.normalized_name = ? AND LOWER(t.title) = LOWER(?) ORDER BY t.id LIMIT 1`,
		catalog.Normalize(artistName), strings.TrimSpace(title))
	if err != nil || len(tracks) == 0 {
		return nil, err
	}
	return &tracks[0], nil
}

// FindAlbumsByArtistToken returns albums of artists whose normalized name
// starts with the given token.
func (db *DB) FindAlbumsByArtistToken(ctx context.Context, token string) ([]LibraryAlbum, error) {
	if token == "" {
		return nil, nil
	}
	return db.queryAlbums(ctx,
		` WHERE ar.normalized_name = ? OR ar.normalized_name LIKE ? ORDER BY al.id`,
		token, token+" %")
}

// ListLibraryAlbums returns every album that has at least one track.
func (db *DB) ListLibraryAlbums(ctx context.Context) ([]LibraryAlbum, error) {
	return db.queryAlbums(ctx,
		` WHERE EXISTS (SELECT 1 FROM tracks t WHERE t.album_id = al.id) ORDER BY al.id`)
}

// ListLibraryArtists returns library artists ordered by track count.
func (db *DB) ListLibraryArtists(ctx context.Context, limit int) ([]LibraryArtist, error) {
	query := `SELECT ar.id, ar.name, ar.normalized_name, ar.mbid FROM artists ar
		LEFT JOIN albums al ON al.artist_id = ar.id
		LEFT JOIN tracks t ON t.album_id = al.id
		GROUP BY ar.id ORDER BY COUNT(t.id) DESC, ar.name`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artists []LibraryArtist
	for rows.Next() {
		var a LibraryArtist
		var mbid sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.NormalizedName, &mbid); err != nil {
			return nil, err
		}
		a.MBID = nullString(mbid)
		artists = append(artists, a)
	}
	return artists, rows.Err()
}

func (db *DB) queryAlbums(ctx context.Context, where string, args ...any) ([]LibraryAlbum, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT al.id, al.artist_id, ar.name, ar.mbid, al.title, al.rg_mbid
		FROM albums al JOIN artists ar ON ar.id = al.artist_id`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var albums []LibraryAlbum
	for rows.Next() {
		var a LibraryAlbum
		var artistMBID, rgMBID sql.NullString
		if err := rows.Scan(&a.ID, &a.ArtistID, &a.ArtistName, &artistMBID, &a.Title, &rgMBID); err != nil {
			return nil, err
		}
		a.ArtistMBID = nullString(artistMBID)
		a.RGMBID = nullString(rgMBID)
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

func (db *DB) queryTracks(ctx context.Context, query string, args ...any) ([]LibraryTrack, error) {
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []LibraryTrack
	for rows.Next() {
		var t LibraryTrack
		var albumMBID, artistMBID sql.NullString
		if err := rows.Scan(&t.ID, &t.AlbumID, &t.Title, &t.TrackNumber, &t.FilePath, &t.Duration,
			&t.AlbumTitle, &albumMBID, &t.ArtistID, &t.ArtistName, &artistMBID); err != nil {
			return nil, err
		}
		t.AlbumMBID = nullString(albumMBID)
		t.ArtistMBID = nullString(artistMBID)
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return tracks, nil
}
