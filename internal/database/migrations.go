package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "library and discovery schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS artists (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    mbid TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(normalized_name)
);

CREATE TABLE IF NOT EXISTS albums (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    artist_id INTEGER NOT NULL REFERENCES artists(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    normalized_title TEXT NOT NULL,
    rg_mbid TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(artist_id, normalized_title)
);

CREATE TABLE IF NOT EXISTS tracks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    album_id INTEGER NOT NULL REFERENCES albums(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    track_number INTEGER DEFAULT 0,
    file_path TEXT UNIQUE NOT NULL,
    duration INTEGER DEFAULT 0,
    scanned_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS track_genres (
    track_id INTEGER NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
    genre TEXT NOT NULL,
    PRIMARY KEY (track_id, genre)
);

CREATE TABLE IF NOT EXISTS discovery_batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    week_start TEXT NOT NULL,
    target_song_count INTEGER NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('downloading', 'scanning', 'completed', 'failed')),
    total_albums INTEGER DEFAULT 0,
    completed_albums INTEGER DEFAULT 0,
    failed_albums INTEGER DEFAULT 0,
    final_song_count INTEGER DEFAULT 0,
    error_message TEXT,
    logs TEXT DEFAULT '[]',
    created_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS download_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    discovery_batch_id INTEGER NOT NULL REFERENCES discovery_batches(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    target_mbid TEXT NOT NULL,
    status TEXT NOT NULL,
    metadata TEXT NOT NULL,
    lidarr_album_id INTEGER,
    lidarr_ref TEXT,
    correlation_id TEXT,
    error TEXT,
    created_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS discovery_albums (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    week_start TEXT NOT NULL,
    rg_mbid TEXT NOT NULL,
    artist_name TEXT NOT NULL,
    artist_mbid TEXT,
    album_title TEXT NOT NULL,
    similarity REAL DEFAULT 0,
    tier TEXT,
    is_anchor INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    download_job_id INTEGER REFERENCES download_jobs(id) ON DELETE SET NULL,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(user_id, week_start, rg_mbid)
);

CREATE TABLE IF NOT EXISTS discovery_tracks (
    discovery_album_id INTEGER NOT NULL REFERENCES discovery_albums(id) ON DELETE CASCADE,
    track_id INTEGER NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    PRIMARY KEY (discovery_album_id, track_id)
);

CREATE TABLE IF NOT EXISTS unavailable_albums (
    user_id TEXT NOT NULL,
    week_start TEXT NOT NULL,
    album_mbid TEXT NOT NULL,
    artist_name TEXT NOT NULL,
    album_title TEXT NOT NULL,
    similarity REAL DEFAULT 0,
    tier TEXT,
    attempts INTEGER DEFAULT 1,
    updated_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (user_id, week_start, album_mbid)
);

CREATE TABLE IF NOT EXISTS discover_exclusions (
    user_id TEXT NOT NULL,
    album_mbid TEXT NOT NULL,
    artist_name TEXT,
    expires_at TEXT NOT NULL,
    PRIMARY KEY (user_id, album_mbid)
);

CREATE INDEX IF NOT EXISTS idx_artists_mbid ON artists(mbid);
CREATE INDEX IF NOT EXISTS idx_albums_rg_mbid ON albums(rg_mbid);
CREATE INDEX IF NOT EXISTS idx_tracks_album ON tracks(album_id);
CREATE INDEX IF NOT EXISTS idx_batches_user_status ON discovery_batches(user_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON download_jobs(discovery_batch_id);
CREATE INDEX IF NOT EXISTS idx_jobs_lidarr_album ON download_jobs(lidarr_album_id);
CREATE INDEX IF NOT EXISTS idx_discovery_albums_artist ON discovery_albums(artist_mbid);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "listening history, scan queue and user settings",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS plays (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    track_id INTEGER REFERENCES tracks(id) ON DELETE SET NULL,
    artist_name TEXT NOT NULL,
    track_title TEXT NOT NULL,
    played_at TEXT NOT NULL,
    source TEXT,
    UNIQUE(user_id, artist_name, track_title, played_at)
);

CREATE TABLE IF NOT EXISTS user_genre_tags (
    user_id TEXT NOT NULL,
    track_id INTEGER NOT NULL REFERENCES tracks(id) ON DELETE CASCADE,
    tag TEXT NOT NULL,
    PRIMARY KEY (user_id, track_id, tag)
);

CREATE TABLE IF NOT EXISTS scan_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    source TEXT,
    batch_id INTEGER REFERENCES discovery_batches(id) ON DELETE SET NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS user_settings (
    user_id TEXT PRIMARY KEY,
    playlist_size INTEGER NOT NULL,
    download_ratio REAL NOT NULL,
    exclusion_months INTEGER NOT NULL,
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_plays_user_time ON plays(user_id, played_at);
CREATE INDEX IF NOT EXISTS idx_scan_jobs_status ON scan_jobs(status);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
