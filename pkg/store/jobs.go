package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// AttachmentBackupJob is one queued attachment upload for a remote backup.
// Jobs are accumulated during an export run and swapped in atomically when
// the run finishes, so an aborted run never leaves stale jobs behind.
type AttachmentBackupJob struct {
	AttachmentID string
	MessageID    string
	Path         string
	ContentType  string
	Size         int64
}

// SniffContentType fills in the job's content type from the file on disk
// when the stored metadata didn't carry one. Detection failure is not an
// error: the job ships with an empty content type and the receiver sniffs
// again.
func (j *AttachmentBackupJob) SniffContentType() {
	if j.ContentType != "" || j.Path == "" {
		return
	}
	mtype, err := mimetype.DetectFile(j.Path)
	if err != nil {
		return
	}
	j.ContentType = mtype.String()
}

// ReplaceAttachmentBackupJobs clears all previously queued jobs and inserts
// the given set in one transaction-equivalent sweep. SQLite's single-writer
// connection makes the two statements effectively atomic for our readers.
func (s *Store) ReplaceAttachmentBackupJobs(ctx context.Context, jobs []*AttachmentBackupJob) error {
	if err := s.waitWritable(ctx); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM attachment_backup_job`); err != nil {
		return fmt.Errorf("failed to clear attachment backup jobs: %w", err)
	}
	now := time.Now().UnixMilli()
	for _, job := range jobs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO attachment_backup_job (attachment_id, message_id, path, content_type, size, created_ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (attachment_id) DO UPDATE SET
				message_id=excluded.message_id,
				path=excluded.path,
				content_type=excluded.content_type,
				size=excluded.size
		`, job.AttachmentID, job.MessageID, job.Path, job.ContentType, job.Size, now)
		if err != nil {
			return fmt.Errorf("failed to insert attachment backup job %s: %w", job.AttachmentID, err)
		}
	}
	s.log.Info().Int("jobs", len(jobs)).Msg("Replaced attachment backup job queue")
	return nil
}

// GetAttachmentBackupJobs returns the queued jobs in insertion order.
func (s *Store) GetAttachmentBackupJobs(ctx context.Context) ([]*AttachmentBackupJob, error) {
	rows, err := s.db.Query(ctx, `
		SELECT attachment_id, message_id, path, content_type, size
		FROM attachment_backup_job ORDER BY created_ts, attachment_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attachment backup jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*AttachmentBackupJob
	for rows.Next() {
		job := &AttachmentBackupJob{}
		if err := rows.Scan(&job.AttachmentID, &job.MessageID, &job.Path, &job.ContentType, &job.Size); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
