package service

import (
	"context"
	"fmt"
	"time"

	"leadflow/internal/clients"
	"leadflow/internal/models"
	"leadflow/internal/util"

	"go.uber.org/zap"
)

// EnrichmentStore is the slice of the store the orchestrator needs
type EnrichmentStore interface {
	GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error)
	MergeOrderMetadata(ctx context.Context, searchID string, meta models.Metadata) error
	GetActiveEnrichmentJob(ctx context.Context, searchID string) (*models.EnrichmentJob, error)
	GetLatestEnrichmentJob(ctx context.Context, searchID string) (*models.EnrichmentJob, error)
	CountFailedEnrichmentJobs(ctx context.Context, searchID string) (int, error)
	CreateEnrichmentJob(ctx context.Context, job *models.EnrichmentJob) error
	MarkJobProcessing(ctx context.Context, jobID int64, attempts int) error
	MarkJobFailed(ctx context.Context, jobID int64, errMsg string) error
	FinishEnrichmentJob(ctx context.Context, jobID int64, status string, processed, total int, errMsg string) error
}

// EnrichmentWorker submits a candidate batch to the external worker
type EnrichmentWorker interface {
	Enrich(ctx context.Context, jobID int64, searchID string, businesses []clients.EnrichBusiness) error
}

// CallLimiter bounds external worker calls
type CallLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// EnrichmentPublisher publishes enrichment lifecycle events
type EnrichmentPublisher interface {
	PublishEnrichmentStarted(ctx context.Context, event *models.EnrichmentStartedEvent) error
	PublishEnrichmentCompleted(ctx context.Context, event *models.EnrichmentCompletedEvent) error
	PublishEnrichmentFailed(ctx context.Context, event *models.EnrichmentFailedEvent) error
}

// OrderDeliverer is the downstream stage the callback hands off to
type OrderDeliverer interface {
	DeliverOrder(ctx context.Context, searchID string, dryRun bool) (*DeliveryResult, error)
}

// EnrichmentConfig carries the orchestrator's tunables
type EnrichmentConfig struct {
	MaxRetries          int
	BatchCap            int
	OverfetchMultiplier int
	OverfetchFloor      int
	WorkerTimeout       time.Duration
}

// StartEnrichmentResult reports what a StartEnrichment call did
type StartEnrichmentResult struct {
	JobID      int64 `json:"job_id"`
	Skipped    bool  `json:"skipped"`
	Attempt    int   `json:"attempt,omitempty"`
	Businesses int   `json:"businesses,omitempty"`
}

// EnrichmentStatus is the read model served to polling clients
type EnrichmentStatus struct {
	SearchID       string `json:"search_id"`
	Status         string `json:"status"`
	JobID          int64  `json:"job_id,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Processed      int    `json:"processed,omitempty"`
	Total          int    `json:"total,omitempty"`
	Error          string `json:"error,omitempty"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
	DownloadToken  string `json:"download_token,omitempty"`
}

// StatusNotFound is the sentinel status for a search with no jobs
const StatusNotFound = "not_found"

// EnrichmentCallback is the worker's completion report
type EnrichmentCallback struct {
	JobID     int64  `json:"job_id"`
	SearchID  string `json:"search_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// EnrichmentService starts, tracks, and rate-limits external enrichment.
// Idempotent per search ID; the retry policy is job-count based, so every
// attempt leaves an inspectable row.
type EnrichmentService struct {
	store     EnrichmentStore
	matcher   *Matcher
	worker    EnrichmentWorker
	limiter   CallLimiter
	publisher EnrichmentPublisher
	delivery  OrderDeliverer
	cfg       EnrichmentConfig
	logger    *zap.Logger
}

// NewEnrichmentService creates a new enrichment orchestrator. limiter,
// publisher, and delivery may be nil.
func NewEnrichmentService(
	store EnrichmentStore,
	matcher *Matcher,
	worker EnrichmentWorker,
	limiter CallLimiter,
	publisher EnrichmentPublisher,
	delivery OrderDeliverer,
	cfg EnrichmentConfig,
) *EnrichmentService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchCap <= 0 {
		cfg.BatchCap = 20
	}
	if cfg.OverfetchMultiplier <= 0 {
		cfg.OverfetchMultiplier = 30
	}
	if cfg.OverfetchFloor <= 0 {
		cfg.OverfetchFloor = 500
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 15 * time.Second
	}
	return &EnrichmentService{
		store:     store,
		matcher:   matcher,
		worker:    worker,
		limiter:   limiter,
		publisher: publisher,
		delivery:  delivery,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// StartEnrichment kicks off enrichment for a paid order. Calling it again
// while a job is processing or done returns the existing job with
// Skipped=true and never starts a second concurrent enrichment.
func (es *EnrichmentService) StartEnrichment(ctx context.Context, searchID string) (*StartEnrichmentResult, error) {
	ctx, span := util.StartSpan(ctx, "EnrichmentService.StartEnrichment")
	defer span.End()

	active, err := es.store.GetActiveEnrichmentJob(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active jobs for %s: %w", searchID, err)
	}
	if active != nil {
		util.EnrichmentSkippedTotal.Inc()
		es.logger.Info("Enrichment already underway, skipping",
			zap.String("search_id", searchID),
			zap.Int64("job_id", active.ID),
			zap.String("status", active.Status))
		return &StartEnrichmentResult{JobID: active.ID, Skipped: true}, nil
	}

	failed, err := es.store.CountFailedEnrichmentJobs(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts for %s: %w", searchID, err)
	}
	if failed >= es.cfg.MaxRetries {
		util.EnrichmentFailedTotal.WithLabelValues("retry_exceeded").Inc()
		return nil, fmt.Errorf("enrichment for %s after %d attempts: %w", searchID, failed, ErrRetryExceeded)
	}

	order, err := es.store.GetOrderBySearchID(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", searchID, err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", searchID, ErrNotFound)
	}

	fetchLimit := overfetchLimit(order.QuantityPaid, es.cfg.OverfetchMultiplier, es.cfg.OverfetchFloor)
	match, err := es.matcher.Match(ctx, order.Rubro, order.Localities, es.cfg.BatchCap, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate selection for %s failed: %w", searchID, err)
	}
	if len(match.Leads) == 0 {
		util.MatcherNoCandidatesTotal.Inc()
		// Recognized failure mode: callers fall back to direct delivery.
		return nil, fmt.Errorf("no businesses found for enrichment of %s: %w", searchID, ErrNoCandidates)
	}

	if es.limiter != nil && !es.limiter.Allow(ctx, searchID) {
		util.EnrichmentFailedTotal.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("enrichment worker calls for %s: %w", searchID, ErrRateLimited)
	}

	attempt := failed + 1
	job := &models.EnrichmentJob{
		SearchID:        searchID,
		Status:          models.JobStatusPending,
		Attempts:        attempt,
		TotalBusinesses: len(match.Leads),
	}
	if err := es.store.CreateEnrichmentJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create enrichment job for %s: %w", searchID, err)
	}

	businesses := make([]clients.EnrichBusiness, 0, len(match.Leads))
	for _, lead := range match.Leads {
		businesses = append(businesses, clients.EnrichBusiness{
			ID:              lead.Key(),
			Name:            lead.Name,
			Locality:        lead.Locality,
			Provincia:       lead.Province,
			ExistingWebsite: lead.Website,
			ExistingPhone:   lead.Phone,
			ExistingEmail:   lead.Email,
		})
	}

	workerCtx, cancel := context.WithTimeout(ctx, es.cfg.WorkerTimeout)
	defer cancel()

	workerStart := time.Now()
	err = es.worker.Enrich(workerCtx, job.ID, searchID, businesses)
	util.EnrichmentWorkerLatency.Observe(time.Since(workerStart).Seconds())

	if err != nil {
		if markErr := es.store.MarkJobFailed(ctx, job.ID, err.Error()); markErr != nil {
			es.logger.Error("Failed to record enrichment attempt failure",
				zap.Int64("job_id", job.ID), zap.Error(markErr))
		}
		util.EnrichmentFailedTotal.WithLabelValues("worker_error").Inc()
		es.publishAttemptFailed(ctx, searchID, job.ID, attempt, err.Error())
		return nil, fmt.Errorf("enrichment worker call for %s failed: %w: %v", searchID, ErrUpstream, err)
	}

	if err := es.store.MarkJobProcessing(ctx, job.ID, attempt); err != nil {
		es.logger.Error("Worker accepted job but status update failed",
			zap.Int64("job_id", job.ID), zap.Error(err))
	}
	_ = es.store.MergeOrderMetadata(ctx, searchID, models.Metadata{
		"enrichment_job_id":     job.ID,
		"enrichment_started_at": time.Now().UTC().Format(time.RFC3339),
	})

	util.EnrichmentStartedTotal.Inc()
	es.logger.Info("Enrichment started",
		zap.String("search_id", searchID),
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Int("businesses", len(businesses)))

	if es.publisher != nil {
		event := &models.EnrichmentStartedEvent{
			BaseEvent:  newBaseEvent(models.EventTypeEnrichmentStarted),
			SearchID:   searchID,
			JobID:      job.ID,
			Attempt:    attempt,
			Businesses: len(businesses),
		}
		if err := es.publisher.PublishEnrichmentStarted(ctx, event); err != nil {
			es.logger.Error("Failed to publish EnrichmentStarted event", zap.Error(err))
		}
	}

	return &StartEnrichmentResult{
		JobID:      job.ID,
		Attempt:    attempt,
		Businesses: len(businesses),
	}, nil
}

// HandleEnrichmentCallback applies the worker's completion report and, on
// success, hands the order to the delivery engine. Delivery failures are
// logged, not propagated: the worker's report is already applied, and
// delivery retries are a separate concern.
func (es *EnrichmentService) HandleEnrichmentCallback(ctx context.Context, cb EnrichmentCallback) error {
	ctx, span := util.StartSpan(ctx, "EnrichmentService.HandleEnrichmentCallback")
	defer span.End()

	var jobStatus string
	switch cb.Status {
	case models.JobStatusDone:
		jobStatus = models.JobStatusDone
	case models.JobStatusFailed:
		jobStatus = models.JobStatusFailed
	default:
		return fmt.Errorf("callback for job %d has unrecognized status %q: %w",
			cb.JobID, cb.Status, ErrInvalidState)
	}

	if err := es.store.FinishEnrichmentJob(ctx, cb.JobID, jobStatus, cb.Processed, cb.Total, cb.Error); err != nil {
		return fmt.Errorf("failed to finish job %d: %w", cb.JobID, err)
	}

	meta := models.Metadata{
		"enrichment_status":      jobStatus,
		"enrichment_processed":   cb.Processed,
		"enrichment_total":       cb.Total,
		"enrichment_finished_at": time.Now().UTC().Format(time.RFC3339),
	}
	if cb.Error != "" {
		meta["enrichment_error"] = cb.Error
	}
	if err := es.store.MergeOrderMetadata(ctx, cb.SearchID, meta); err != nil {
		es.logger.Error("Failed to merge enrichment result into order",
			zap.String("search_id", cb.SearchID), zap.Error(err))
	}

	if jobStatus == models.JobStatusFailed {
		util.EnrichmentFailedTotal.WithLabelValues("worker_reported").Inc()
		es.publishAttemptFailed(ctx, cb.SearchID, cb.JobID, 0, cb.Error)
		es.logger.Warn("Enrichment job reported failed",
			zap.String("search_id", cb.SearchID),
			zap.Int64("job_id", cb.JobID),
			zap.String("error", cb.Error))
		return nil
	}

	es.logger.Info("Enrichment completed",
		zap.String("search_id", cb.SearchID),
		zap.Int64("job_id", cb.JobID),
		zap.Int("processed", cb.Processed),
		zap.Int("total", cb.Total))

	if es.publisher != nil {
		event := &models.EnrichmentCompletedEvent{
			BaseEvent: newBaseEvent(models.EventTypeEnrichmentCompleted),
			SearchID:  cb.SearchID,
			JobID:     cb.JobID,
			Processed: cb.Processed,
			Total:     cb.Total,
		}
		if err := es.publisher.PublishEnrichmentCompleted(ctx, event); err != nil {
			es.logger.Error("Failed to publish EnrichmentCompleted event", zap.Error(err))
		}
	}

	if es.delivery != nil {
		if _, err := es.delivery.DeliverOrder(ctx, cb.SearchID, false); err != nil {
			es.logger.Error("Delivery after enrichment failed, awaiting retry",
				zap.String("search_id", cb.SearchID), zap.Error(err))
		}
	}

	return nil
}

// GetEnrichmentStatus returns the most recent job for a search, or the
// not_found sentinel. Includes the download token once the job is done and
// the order has a stored deliverable.
func (es *EnrichmentService) GetEnrichmentStatus(ctx context.Context, searchID string) (*EnrichmentStatus, error) {
	job, err := es.store.GetLatestEnrichmentJob(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs for %s: %w", searchID, err)
	}
	if job == nil {
		return &EnrichmentStatus{SearchID: searchID, Status: StatusNotFound}, nil
	}

	status := &EnrichmentStatus{
		SearchID:  searchID,
		Status:    job.Status,
		JobID:     job.ID,
		Attempts:  job.Attempts,
		Processed: job.ProcessedBusinesses,
		Total:     job.TotalBusinesses,
		Error:     job.Error.String,
	}

	order, err := es.store.GetOrderBySearchID(ctx, searchID)
	if err != nil {
		es.logger.Warn("Failed to load order for status read",
			zap.String("search_id", searchID), zap.Error(err))
		return status, nil
	}
	if order != nil {
		status.DeliveryStatus = order.DeliveryStatus
		if job.Status == models.JobStatusDone && order.DownloadToken.Valid {
			status.DownloadToken = order.DownloadToken.String
		}
	}

	return status, nil
}

func (es *EnrichmentService) publishAttemptFailed(ctx context.Context, searchID string, jobID int64, attempt int, reason string) {
	if es.publisher == nil {
		return
	}
	event := &models.EnrichmentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypeEnrichmentFailed),
		SearchID:  searchID,
		JobID:     jobID,
		Attempt:   attempt,
		Reason:    reason,
	}
	if err := es.publisher.PublishEnrichmentFailed(ctx, event); err != nil {
		es.logger.Error("Failed to publish EnrichmentFailed event", zap.Error(err))
	}
}
