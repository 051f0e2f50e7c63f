package store

import (
	"context"
	"database/sql"

	"leadflow/internal/models"
)

// CreateSearchTracking inserts the tracking row for a new free search
func (s *Store) CreateSearchTracking(ctx context.Context, tracking *models.SearchTracking) error {
	query := `
		INSERT INTO search_tracking (id, status, rubro, localities, job_ids, total_leads, results)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		tracking.ID, tracking.Status, tracking.Rubro, tracking.Localities,
		tracking.JobIDs, tracking.TotalLeads, tracking.Results,
	).Scan(&tracking.CreatedAt, &tracking.UpdatedAt)
}

// GetSearchTracking retrieves a tracking row, returning (nil, nil) when absent
func (s *Store) GetSearchTracking(ctx context.Context, id string) (*models.SearchTracking, error) {
	var tracking models.SearchTracking
	err := s.db.GetContext(ctx, &tracking, "SELECT * FROM search_tracking WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tracking, nil
}

// UpdateTrackingProgress writes a synthesized progress status. The guard skips
// redundant writes and refuses to touch a row that already reached a terminal
// state, so status never regresses.
func (s *Store) UpdateTrackingProgress(ctx context.Context, id, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_tracking SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status <> $2 AND status NOT IN ($3, $4)`,
		id, status, models.TrackingStatusCompleted, models.TrackingStatusError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTracking finalizes a search with its aggregate count and masked
// preview, unless another poller already finalized it.
func (s *Store) CompleteTracking(ctx context.Context, id string, totalLeads int, results models.PreviewLeads) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_tracking
		 SET status = $2, total_leads = $3, results = $4, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($2, $5)`,
		id, models.TrackingStatusCompleted, totalLeads, results, models.TrackingStatusError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailTracking marks the search as errored unless it already finished
func (s *Store) FailTracking(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_tracking SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($2, $3)`,
		id, models.TrackingStatusError, models.TrackingStatusCompleted)
	return err
}
