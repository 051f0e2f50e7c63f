package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"leadflow/internal/models"
	"leadflow/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TrackingStore is the slice of the store the aggregator needs
type TrackingStore interface {
	CreateSearchTracking(ctx context.Context, tracking *models.SearchTracking) error
	GetSearchTracking(ctx context.Context, id string) (*models.SearchTracking, error)
	UpdateTrackingProgress(ctx context.Context, id, status string) (bool, error)
	CompleteTracking(ctx context.Context, id string, totalLeads int, results models.PreviewLeads) (bool, error)
	FailTracking(ctx context.Context, id string) error
}

// ScrapeJobClient drives the external scraping service
type ScrapeJobClient interface {
	CreateJob(ctx context.Context, rubro, locality string) (string, error)
	JobStatus(ctx context.Context, jobID string) (string, error)
	JobResults(ctx context.Context, jobID string) ([]models.Lead, error)
}

// SearchPublisher publishes search lifecycle events
type SearchPublisher interface {
	PublishSearchCompleted(ctx context.Context, event *models.SearchCompletedEvent) error
}

// AggregatorService fans a free search out into per-locality scrape jobs and
// folds their results back into a single tracking row with a masked preview.
type AggregatorService struct {
	store     TrackingStore
	scraper   ScrapeJobClient
	publisher SearchPublisher
	logger    *zap.Logger
}

// NewAggregatorService creates a new scrape job aggregator. publisher may be
// nil.
func NewAggregatorService(store TrackingStore, scraper ScrapeJobClient, publisher SearchPublisher) *AggregatorService {
	return &AggregatorService{
		store:     store,
		scraper:   scraper,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// previewSize caps how many masked leads the tracking row keeps
const previewSize = 5

// Status vocabularies accepted from the scraping service. Anything outside
// both sets means the job is still running.
var scrapeSuccessStatuses = map[string]bool{
	"finished":  true,
	"completed": true,
	"succeeded": true,
	"ok":        true,
	"success":   true,
}

var scrapeFailureStatuses = map[string]bool{
	"failed":     true,
	"error":      true,
	"errored":    true,
	"cancelled":  true,
	"no_results": true,
}

// StartSearch creates one scrape job per locality and records the tracking
// row. Localities whose job creation fails are dropped from the search; the
// search only fails when no job could be created at all.
func (as *AggregatorService) StartSearch(ctx context.Context, rubro string, localities []string) (*models.SearchTracking, error) {
	ctx, span := util.StartSpan(ctx, "AggregatorService.StartSearch")
	defer span.End()

	if rubro == "" || len(localities) == 0 {
		return nil, fmt.Errorf("search needs a rubro and at least one locality: %w", ErrInvalidState)
	}

	searchID := uuid.New().String()

	jobIDs := make([]string, 0, len(localities))
	jobLocalities := make([]string, 0, len(localities))
	for _, locality := range localities {
		jobID, err := as.scraper.CreateJob(ctx, rubro, locality)
		if err != nil {
			as.logger.Warn("Scrape job creation failed, dropping locality",
				zap.String("search_id", searchID),
				zap.String("locality", locality),
				zap.Error(err))
			continue
		}
		jobIDs = append(jobIDs, jobID)
		jobLocalities = append(jobLocalities, locality)
	}

	if len(jobIDs) == 0 {
		return nil, fmt.Errorf("no scrape jobs could be created for %q: %w", rubro, ErrUpstream)
	}

	tracking := &models.SearchTracking{
		ID:         searchID,
		Status:     models.TrackingStatusPending,
		Rubro:      rubro,
		Localities: jobLocalities,
		JobIDs:     strings.Join(jobIDs, ","),
	}
	if err := as.store.CreateSearchTracking(ctx, tracking); err != nil {
		return nil, fmt.Errorf("failed to record search %s: %w", searchID, err)
	}

	util.SearchesStartedTotal.Inc()
	as.logger.Info("Search started",
		zap.String("search_id", searchID),
		zap.String("rubro", rubro),
		zap.Int("jobs", len(jobIDs)))

	return tracking, nil
}

// PollAndUpdate checks every scrape job of a search and advances the tracking
// row. Terminal rows are returned untouched, so completion is monotonic no
// matter how many pollers race.
func (as *AggregatorService) PollAndUpdate(ctx context.Context, searchID string) (*models.SearchTracking, error) {
	ctx, span := util.StartSpan(ctx, "AggregatorService.PollAndUpdate")
	defer span.End()

	tracking, err := as.store.GetSearchTracking(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load search %s: %w", searchID, err)
	}
	if tracking == nil {
		return nil, fmt.Errorf("search %s: %w", searchID, ErrNotFound)
	}
	if tracking.Terminal() {
		return tracking, nil
	}

	jobIDs := strings.Split(tracking.JobIDs, ",")
	finished := 0
	succeeded := 0
	var leads []models.Lead

	for i, jobID := range jobIDs {
		locality := ""
		if i < len(tracking.Localities) {
			locality = tracking.Localities[i]
		}

		status, err := as.scraper.JobStatus(ctx, jobID)
		if err != nil {
			as.logger.Warn("Scrape job status check failed, treating as running",
				zap.String("search_id", searchID),
				zap.String("job_id", jobID),
				zap.Error(err))
			continue
		}

		switch {
		case scrapeSuccessStatuses[status]:
			rows, err := as.scraper.JobResults(ctx, jobID)
			if err != nil {
				// Treated as still running so the next poll retries the
				// download instead of finalizing without these rows.
				util.ScrapeJobsFinishedTotal.WithLabelValues("download_failed").Inc()
				as.logger.Error("Finished scrape job has no downloadable results yet",
					zap.String("search_id", searchID),
					zap.String("job_id", jobID),
					zap.Error(err))
				continue
			}
			finished++
			succeeded++
			util.ScrapeJobsFinishedTotal.WithLabelValues("success").Inc()
			for _, row := range rows {
				if row.Locality == "" {
					row.Locality = locality
				}
				leads = append(leads, row)
			}
		case scrapeFailureStatuses[status]:
			finished++
			util.ScrapeJobsFinishedTotal.WithLabelValues("failed").Inc()
			as.logger.Warn("Scrape job finished without results",
				zap.String("search_id", searchID),
				zap.String("job_id", jobID),
				zap.String("status", status))
		}
	}

	if finished < len(jobIDs) {
		progress := fmt.Sprintf("Procesando (%d/%d)...", finished, len(jobIDs))
		if _, err := as.store.UpdateTrackingProgress(ctx, searchID, progress); err != nil {
			return nil, fmt.Errorf("failed to update progress for %s: %w", searchID, err)
		}
		tracking.Status = progress
		return tracking, nil
	}

	if succeeded == 0 {
		if err := as.store.FailTracking(ctx, searchID); err != nil {
			return nil, fmt.Errorf("failed to mark search %s errored: %w", searchID, err)
		}
		as.logger.Warn("Search failed, every scrape job errored",
			zap.String("search_id", searchID),
			zap.Int("jobs", len(jobIDs)))
		tracking.Status = models.TrackingStatusError
		return tracking, nil
	}

	leads = dedupeLeads(leads)
	preview := buildPreview(leads)

	updated, err := as.store.CompleteTracking(ctx, searchID, len(leads), preview)
	if err != nil {
		return nil, fmt.Errorf("failed to complete search %s: %w", searchID, err)
	}
	if updated {
		util.SearchesCompletedTotal.Inc()
		as.logger.Info("Search completed",
			zap.String("search_id", searchID),
			zap.Int("total_leads", len(leads)))

		if as.publisher != nil {
			event := &models.SearchCompletedEvent{
				BaseEvent:  newBaseEvent(models.EventTypeSearchCompleted),
				SearchID:   searchID,
				TotalLeads: len(leads),
			}
			if err := as.publisher.PublishSearchCompleted(ctx, event); err != nil {
				as.logger.Error("Failed to publish SearchCompleted event", zap.Error(err))
			}
		}
	}

	tracking.Status = models.TrackingStatusCompleted
	tracking.TotalLeads = len(leads)
	tracking.Results = preview
	return tracking, nil
}

// buildPreview scores, sorts, masks, and truncates the aggregate lead set
func buildPreview(leads []models.Lead) models.PreviewLeads {
	scored := make([]models.Lead, len(leads))
	copy(scored, leads)
	sort.SliceStable(scored, func(i, j int) bool {
		return scoreLead(scored[i]) > scoreLead(scored[j])
	})

	n := len(scored)
	if n > previewSize {
		n = previewSize
	}

	preview := make(models.PreviewLeads, 0, n)
	for _, lead := range scored[:n] {
		preview = append(preview, models.PreviewLead{
			Name:     lead.Name,
			Locality: lead.Locality,
			Email:    maskEmail(lead.Email),
			Phone:    maskPhone(lead.Phone),
			Website:  lead.Website,
			Score:    scoreLead(lead),
		})
	}
	return preview
}

// scoreLead ranks leads by contactability: direct channels outweigh socials
func scoreLead(lead models.Lead) int {
	score := 0
	if lead.Email != "" {
		score += 10
	}
	if lead.Phone != "" {
		score += 10
	}
	for _, h := range []string{lead.Instagram, lead.Facebook, lead.WhatsApp} {
		if h != "" {
			score += 5
		}
	}
	return score
}

// maskEmail keeps the first character and the domain
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return ""
	}
	return email[:1] + "***" + email[at:]
}

// maskPhone keeps only the last four digits
func maskPhone(phone string) string {
	if phone == "" {
		return ""
	}
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return string(digits)
	}
	return "***" + string(digits[len(digits)-4:])
}
