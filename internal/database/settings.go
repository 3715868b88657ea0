package database

import (
	"context"
	"database/sql"
	"errors"
)

// GetUserSettings returns the user's overrides, or nil when none are stored.
func (db *DB) GetUserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	s := UserSettings{UserID: userID}
	err := db.q.QueryRowContext(ctx,
		`SELECT playlist_size, download_ratio, exclusion_months FROM user_settings WHERE user_id = ?`,
		userID,
	).Scan(&s.PlaylistSize, &s.DownloadRatio, &s.ExclusionMonths)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveUserSettings inserts or replaces the user's overrides.
func (db *DB) SaveUserSettings(ctx context.Context, s UserSettings) error {
	_, err := db.q.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, playlist_size, download_ratio, exclusion_months)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			playlist_size = excluded.playlist_size,
			download_ratio = excluded.download_ratio,
			exclusion_months = excluded.exclusion_months,
			updated_at = datetime('now')`,
		s.UserID, s.PlaylistSize, s.DownloadRatio, s.ExclusionMonths,
	)
	return err
}

// GetStats returns aggregate counts for the status command and dashboard.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM discovery_batches", &s.Batches},
		{"SELECT COUNT(*) FROM discovery_batches WHERE status IN ('downloading', 'scanning')", &s.ActiveBatches},
		{"SELECT COUNT(*) FROM discovery_batches WHERE status = 'completed'", &s.CompletedBatches},
		{"SELECT COUNT(*) FROM discovery_batches WHERE status = 'failed'", &s.FailedBatches},
		{"SELECT COUNT(*) FROM download_jobs", &s.Jobs},
		{"SELECT COUNT(*) FROM discovery_albums", &s.DiscoveryAlbums},
		{"SELECT COUNT(*) FROM artists", &s.LibraryArtists},
		{"SELECT COUNT(*) FROM albums", &s.LibraryAlbums},
		{"SELECT COUNT(*) FROM tracks", &s.LibraryTracks},
		{"SELECT COUNT(*) FROM plays", &s.Plays},
		{"SELECT COUNT(*) FROM discover_exclusions", &s.Exclusions},
	}
	for _, q := range queries {
		if err := db.q.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return &s, nil
}
