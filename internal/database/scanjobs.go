package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnqueueScan queues a library scan and sets its ID.
func (db *DB) EnqueueScan(ctx context.Context, j *ScanJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = ScanPending
	}
	result, err := db.q.ExecContext(ctx,
		`INSERT INTO scan_jobs (type, source, batch_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		j.Type, strOrNil(j.Source), j.BatchID, j.Status, formatTime(j.CreatedAt),
	)
	if err != nil {
		return err
	}
	j.ID, err = result.LastInsertId()
	return err
}

// ClaimScanJob moves the oldest pending scan job to running and returns it,
// or nil when the queue is empty.
func (db *DB) ClaimScanJob(ctx context.Context) (*ScanJob, error) {
	var j ScanJob
	var source, createdAt sql.NullString
	var batchID sql.NullInt64
	err := db.q.QueryRowContext(ctx,
		`UPDATE scan_jobs SET status = 'running'
		WHERE id = (SELECT id FROM scan_jobs WHERE status = 'pending' ORDER BY id LIMIT 1)
		RETURNING id, type, source, batch_id, status, created_at`,
	).Scan(&j.ID, &j.Type, &source, &batchID, &j.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if source.Valid {
		j.Source = source.String
	}
	j.BatchID = nullInt(batchID)
	j.CreatedAt = parseTime(createdAt.String)
	return &j, nil
}

// FinishScanJob marks a scan job done, or failed when errMsg is set.
func (db *DB) FinishScanJob(ctx context.Context, id int64, errMsg string) error {
	status := ScanDone
	if errMsg != "" {
		status = ScanFailed
	}
	_, err := db.q.ExecContext(ctx,
		"UPDATE scan_jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?",
		status, strOrNil(errMsg), formatTime(time.Now()), id,
	)
	return err
}
