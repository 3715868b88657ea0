package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

const jobColumns = `id, discovery_batch_id, user_id, target_mbid, status, metadata,
	lidarr_album_id, lidarr_ref, correlation_id, error, created_at, completed_at`

// CreateJob inserts a download job and sets its ID.
func (db *DB) CreateJob(ctx context.Context, j *DownloadJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return fmt.Errorf("encoding job metadata: %w", err)
	}
	result, err := db.q.ExecContext(ctx,
		`INSERT INTO download_jobs (discovery_batch_id, user_id, target_mbid, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.DiscoveryBatchID, j.UserID, j.TargetMBID, string(j.Status), string(meta), formatTime(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	j.ID, err = result.LastInsertId()
	return err
}

// GetJob returns a job by ID, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id int64) (*DownloadJob, error) {
	rows, err := db.q.QueryContext(ctx, "SELECT "+jobColumns+" FROM download_jobs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// HasActiveJobForTarget reports whether the user already has a pending or
// processing job for the album.
func (db *DB) HasActiveJobForTarget(ctx context.Context, userID, targetMBID string) (bool, error) {
	var count int
	err := db.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM download_jobs
		WHERE user_id = ? AND target_mbid = ? AND status IN ('pending', 'processing')`,
		userID, targetMBID,
	).Scan(&count)
	return count > 0, err
}

// ListJobs returns the jobs of a batch in creation order.
func (db *DB) ListJobs(ctx context.Context, batchID int64) ([]DownloadJob, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM download_jobs WHERE discovery_batch_id = ? ORDER BY id", batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListProcessingJobs returns processing jobs that have a Lidarr album attached.
func (db *DB) ListProcessingJobs(ctx context.Context) ([]DownloadJob, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT "+jobColumns+` FROM download_jobs
		WHERE status = 'processing' AND lidarr_album_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindActiveJobsByLidarrAlbum returns pending/processing jobs bound to a Lidarr album.
func (db *DB) FindActiveJobsByLidarrAlbum(ctx context.Context, lidarrAlbumID int64) ([]DownloadJob, error) {
	rows, err := db.q.QueryContext(ctx,
		"SELECT "+jobColumns+` FROM download_jobs
		WHERE lidarr_album_id = ? AND status IN ('pending', 'processing') ORDER BY id`, lidarrAlbumID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateJobStatus sets a job's status. Completed jobs get completed_at;
// a non-empty errMsg is recorded.
func (db *DB) UpdateJobStatus(ctx context.Context, id int64, status JobStatus, errMsg string) error {
	var completedAt any
	if status == JobCompleted {
		completedAt = formatTime(time.Now())
	}
	_, err := db.q.ExecContext(ctx,
		`UPDATE download_jobs SET status = ?, error = COALESCE(?, error),
		completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), strOrNil(errMsg), completedAt, id,
	)
	return err
}

// SetJobAcquisition records the external identifiers returned by the acquirer.
func (db *DB) SetJobAcquisition(ctx context.Context, id int64, lidarrAlbumID *int64, correlationID string) error {
	_, err := db.q.ExecContext(ctx,
		`UPDATE download_jobs SET lidarr_album_id = COALESCE(?, lidarr_album_id),
		correlation_id = COALESCE(?, correlation_id) WHERE id = ?`,
		lidarrAlbumID, strOrNil(correlationID), id,
	)
	return err
}

// SetJobLidarrRef records the download-client id Lidarr reported for a job.
func (db *DB) SetJobLidarrRef(ctx context.Context, id int64, ref string) error {
	_, err := db.q.ExecContext(ctx, "UPDATE download_jobs SET lidarr_ref = ? WHERE id = ?", ref, id)
	return err
}

// FailActiveJobs marks every pending/processing job of a batch failed.
func (db *DB) FailActiveJobs(ctx context.Context, batchID int64, errMsg string) (int64, error) {
	return db.setActiveJobs(ctx, batchID, JobFailed, errMsg)
}

// CancelActiveJobs marks every pending/processing job of a batch cancelled.
func (db *DB) CancelActiveJobs(ctx context.Context, batchID int64) (int64, error) {
	return db.setActiveJobs(ctx, batchID, JobCancelled, "cancelled")
}

func (db *DB) setActiveJobs(ctx context.Context, batchID int64, status JobStatus, errMsg string) (int64, error) {
	result, err := db.q.ExecContext(ctx,
		`UPDATE download_jobs SET status = ?, error = ?
		WHERE discovery_batch_id = ? AND status IN ('pending', 'processing')`,
		string(status), errMsg, batchID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanJobs(rows *sql.Rows) ([]DownloadJob, error) {
	var jobs []DownloadJob
	for rows.Next() {
		var j DownloadJob
		var status, meta, createdAt string
		var albumID sql.NullInt64
		var ref, corr, errMsg, completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.DiscoveryBatchID, &j.UserID, &j.TargetMBID, &status, &meta,
			&albumID, &ref, &corr, &errMsg, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		j.Status = JobStatus(status)
		if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
			return nil, errors.Join(fmt.Errorf("decoding metadata of job %d", j.ID), err)
		}
		j.LidarrAlbumID = nullInt(albumID)
		j.LidarrRef = nullString(ref)
		j.CorrelationID = nullString(corr)
		j.Error = nullString(errMsg)
		j.CreatedAt = parseTime(createdAt)
		j.CompletedAt = parseNullTime(completedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
