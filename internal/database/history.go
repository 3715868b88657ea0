package database

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// InsertPlay records a listening event. Returns false for duplicates.
func (db *DB) InsertPlay(ctx context.Context, p Play) (bool, error) {
	result, err := db.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO plays (user_id, track_id, artist_name, track_title, played_at, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.TrackID, p.ArtistName, p.TrackTitle, formatTime(p.PlayedAt), strOrNil(p.Source),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// AddUserGenreTag attaches a user-assigned genre tag to a track.
func (db *DB) AddUserGenreTag(ctx context.Context, userID string, trackID int64, tag string) error {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return nil
	}
	_, err := db.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_genre_tags (user_id, track_id, tag) VALUES (?, ?, ?)",
		userID, trackID, tag)
	return err
}

// TopPlayedArtists returns the user's most played artists since the given time.
func (db *DB) TopPlayedArtists(ctx context.Context, userID string, since time.Time, limit int) ([]ArtistPlayCount, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT p.artist_name, MAX(ar.mbid), COUNT(*) AS plays
		FROM plays p
		LEFT JOIN tracks t ON t.id = p.track_id
		LEFT JOIN albums al ON al.id = t.album_id
		LEFT JOIN artists ar ON ar.id = al.artist_id
		WHERE p.user_id = ? AND p.played_at >= ?
		GROUP BY LOWER(p.artist_name)
		ORDER BY plays DESC, p.artist_name
		LIMIT ?`,
		userID, formatTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArtistPlayCount
	for rows.Next() {
		var a ArtistPlayCount
		var mbid sql.NullString
		if err := rows.Scan(&a.ArtistName, &mbid, &a.Plays); err != nil {
			return nil, err
		}
		a.ArtistMBID = nullString(mbid)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopGenres counts canonical and user-assigned genre tags over the tracks
// the user played since the given time.
func (db *DB) TopGenres(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	rows, err := db.q.QueryContext(ctx,
		`SELECT genre, COUNT(*) AS n FROM (
			SELECT g.genre AS genre FROM plays p
			JOIN track_genres g ON g.track_id = p.track_id
			WHERE p.user_id = ? AND p.played_at >= ?
			UNION ALL
			SELECT u.tag AS genre FROM plays p
			JOIN user_genre_tags u ON u.track_id = p.track_id AND u.user_id = p.user_id
			WHERE p.user_id = ? AND p.played_at >= ?
		)
		GROUP BY genre ORDER BY n DESC, genre LIMIT ?`,
		userID, formatTime(since), userID, formatTime(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var genres []string
	for rows.Next() {
		var g string
		var n int
		if err := rows.Scan(&g, &n); err != nil {
			return nil, err
		}
		genres = append(genres, g)
	}
	return genres, rows.Err()
}
