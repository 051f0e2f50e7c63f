package store

import (
	"context"
	"database/sql"

	"leadflow/internal/models"
)

// CreateEnrichmentJob inserts a new job row in pending state
func (s *Store) CreateEnrichmentJob(ctx context.Context, job *models.EnrichmentJob) error {
	query := `
		INSERT INTO enrichment_jobs (search_id, status, attempts, total_businesses, processed_businesses)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, job, query,
		job.SearchID, job.Status, job.Attempts, job.TotalBusinesses, job.ProcessedBusinesses)
}

// GetActiveEnrichmentJob returns the job currently processing or done for a
// search, or (nil, nil) when there is none. At most one such job may exist;
// this query is the idempotency guard for StartEnrichment.
func (s *Store) GetActiveEnrichmentJob(ctx context.Context, searchID string) (*models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM enrichment_jobs
		 WHERE search_id = $1 AND status IN ($2, $3)
		 ORDER BY created_at DESC LIMIT 1`,
		searchID, models.JobStatusProcessing, models.JobStatusDone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CountFailedEnrichmentJobs counts failed attempts for the retry cap
func (s *Store) CountFailedEnrichmentJobs(ctx context.Context, searchID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM enrichment_jobs WHERE search_id = $1 AND status = $2",
		searchID, models.JobStatusFailed)
	return count, err
}

// MarkJobProcessing records that the worker accepted the job
func (s *Store) MarkJobProcessing(ctx context.Context, jobID int64, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = $2, attempts = $3, started_at = NOW()
		 WHERE id = $1`,
		jobID, models.JobStatusProcessing, attempts)
	return err
}

// MarkJobFailed records an attempt failure with its error message
func (s *Store) MarkJobFailed(ctx context.Context, jobID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = $2, error = $3, finished_at = NOW()
		 WHERE id = $1`,
		jobID, models.JobStatusFailed, errMsg)
	return err
}

// FinishEnrichmentJob applies the worker callback's final state
func (s *Store) FinishEnrichmentJob(ctx context.Context, jobID int64, status string, processed, total int, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs
		 SET status = $2, processed_businesses = $3, total_businesses = $4,
		     error = NULLIF($5, ''), finished_at = NOW()
		 WHERE id = $1`,
		jobID, status, processed, total, errMsg)
	return err
}

// GetLatestEnrichmentJob returns the most recent job for a search by
// creation time, or (nil, nil) when the search has no jobs
func (s *Store) GetLatestEnrichmentJob(ctx context.Context, searchID string) (*models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM enrichment_jobs WHERE search_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		searchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}
