package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

const batchColumns = `id, user_id, week_start, target_song_count, status, total_albums,
	completed_albums, failed_albums, final_song_count, error_message, COALESCE(logs, '[]'), created_at, completed_at`

// CreateBatch inserts a batch and sets its ID.
func (db *DB) CreateBatch(ctx context.Context, b *Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	logs, err := json.Marshal(nonNilLogs(b.Logs))
	if err != nil {
		return err
	}
	result, err := db.q.ExecContext(ctx,
		`INSERT INTO discovery_batches (user_id, week_start, target_song_count, status,
		total_albums, completed_albums, failed_albums, error_message, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UserID, b.WeekStart, b.TargetSongCount, string(b.Status),
		b.TotalAlbums, b.CompletedAlbums, b.FailedAlbums, b.ErrorMessage, string(logs),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	b.ID, err = result.LastInsertId()
	return err
}

// GetBatch returns a batch by ID, or ErrNotFound.
func (db *DB) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM discovery_batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// GetActiveBatchForUser returns the user's downloading/scanning batch, or nil.
func (db *DB) GetActiveBatchForUser(ctx context.Context, userID string) (*Batch, error) {
	row := db.q.QueryRowContext(ctx,
		"SELECT "+batchColumns+` FROM discovery_batches
		WHERE user_id = ? AND status IN ('downloading', 'scanning')
		ORDER BY created_at DESC LIMIT 1`, userID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// ListActiveBatches returns all batches in downloading or scanning.
func (db *DB) ListActiveBatches(ctx context.Context) ([]Batch, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT "+batchColumns+` FROM discovery_batches
		WHERE status IN ('downloading', 'scanning') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListBatches returns the most recent batches, optionally for one user.
func (db *DB) ListBatches(ctx context.Context, userID string, limit int) ([]Batch, error) {
	query := "SELECT " + batchColumns + " FROM discovery_batches"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

// UpdateBatchStatus sets status and, for terminal statuses, completed_at.
// An empty errMsg leaves error_message untouched. A batch that already
// reached a different terminal status is not changed and ErrStatusConflict
// is returned.
func (db *DB) UpdateBatchStatus(ctx context.Context, id int64, status BatchStatus, errMsg string) error {
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(time.Now())
	}
	result, err := db.q.ExecContext(ctx,
		`UPDATE discovery_batches SET status = ?,
		error_message = COALESCE(?, error_message),
		completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND (status IN ('downloading', 'scanning') OR status = ?)`,
		string(status), strOrNil(errMsg), completedAt, id, string(status),
	)
	if err != nil {
		return err
	}
	return db.checkTransition(ctx, result, id)
}

// UpdateBatchCounts stores the job tallies for a batch.
func (db *DB) UpdateBatchCounts(ctx context.Context, id int64, total, completed, failed int) error {
	_, err := db.q.ExecContext(ctx,
		`UPDATE discovery_batches SET total_albums = ?, completed_albums = ?, failed_albums = ?
		WHERE id = ?`, total, completed, failed, id)
	return err
}

// CompleteBatch marks a batch completed with its final playlist size. A
// failed batch stays failed and ErrStatusConflict is returned.
func (db *DB) CompleteBatch(ctx context.Context, id int64, finalSongCount int) error {
	result, err := db.q.ExecContext(ctx,
		`UPDATE discovery_batches SET status = 'completed', final_song_count = ?, completed_at = ?
		WHERE id = ? AND status IN ('downloading', 'scanning', 'completed')`,
		finalSongCount, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return db.checkTransition(ctx, result, id)
}

// checkTransition maps a guarded status update that touched no row to
// ErrNotFound or ErrStatusConflict.
func (db *DB) checkTransition(ctx context.Context, result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var status string
	err = db.q.QueryRowContext(ctx, "SELECT status FROM discovery_batches WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("batch %d is %s: %w", id, status, ErrStatusConflict)
}

// AppendBatchLog appends one line to the batch's log array.
func (db *DB) AppendBatchLog(ctx context.Context, id int64, msg string) error {
	_, err := db.q.ExecContext(ctx,
		`UPDATE discovery_batches SET logs = json_insert(COALESCE(logs, '[]'), '$[#]', ?)
		WHERE id = ?`, msg, id)
	return err
}

func nonNilLogs(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}

func scanBatch(row *sql.Row) (*Batch, error) {
	var b Batch
	var status, logs, createdAt string
	var errMsg, completedAt sql.NullString
	err := row.Scan(&b.ID, &b.UserID, &b.WeekStart, &b.TargetSongCount, &status,
		&b.TotalAlbums, &b.CompletedAlbums, &b.FailedAlbums, &b.FinalSongCount,
		&errMsg, &logs, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	return finishBatch(&b, status, logs, createdAt, errMsg, completedAt), nil
}

func scanBatches(rows *sql.Rows) ([]Batch, error) {
	var batches []Batch
	for rows.Next() {
		var b Batch
		var status, logs, createdAt string
		var errMsg, completedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.UserID, &b.WeekStart, &b.TargetSongCount, &status,
			&b.TotalAlbums, &b.CompletedAlbums, &b.FailedAlbums, &b.FinalSongCount,
			&errMsg, &logs, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		batches = append(batches, *finishBatch(&b, status, logs, createdAt, errMsg, completedAt))
	}
	return batches, rows.Err()
}

func finishBatch(b *Batch, status, logs, createdAt string, errMsg, completedAt sql.NullString) *Batch {
	b.Status = BatchStatus(status)
	b.ErrorMessage = nullString(errMsg)
	b.CreatedAt = parseTime(createdAt)
	b.CompletedAt = parseNullTime(completedAt)
	if logs != "" {
		if err := json.Unmarshal([]byte(logs), &b.Logs); err != nil {
			logging.Warn().Err(err).Int64("batch_id", b.ID).Msg("unreadable batch log")
		}
	}
	return b
}
