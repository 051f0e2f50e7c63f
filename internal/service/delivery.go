package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadflow/internal/models"
	"leadflow/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliveryStore is the slice of the order store the delivery engine mutates
type DeliveryStore interface {
	GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error)
	MarkDeliveryProcessing(ctx context.Context, searchID string) (bool, error)
	MarkDeliverySent(ctx context.Context, searchID string) (bool, error)
	MarkDeliveryFailed(ctx context.Context, searchID, reason string) error
	MergeOrderMetadata(ctx context.Context, searchID string, meta models.Metadata) error
	StoreDeliverable(ctx context.Context, searchID string, csv []byte, token string, expiresAt time.Time) error
}

// DownloadStore resolves download tokens to their owning order
type DownloadStore interface {
	GetOrderByDownloadToken(ctx context.Context, token string) (*models.Order, error)
}

// DeliveryChannel transmits a built deliverable. Channels are single-shot;
// the engine owns the primary-then-secondary fallback.
type DeliveryChannel interface {
	Name() string
	Send(ctx context.Context, d models.Deliverable) error
}

// DeliveryLocker provides best-effort per-search advisory locks
type DeliveryLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// DeliveryPublisher publishes delivery lifecycle events
type DeliveryPublisher interface {
	PublishOrderDelivered(ctx context.Context, event *models.OrderDeliveredEvent) error
	PublishDeliveryFailed(ctx context.Context, event *models.DeliveryFailedEvent) error
}

// DeliveryConfig carries the delivery engine's tunables
type DeliveryConfig struct {
	// RequireEmail keeps the historical email-only contact requirement.
	// Configurable because phone-only buyers are otherwise undeliverable.
	RequireEmail        bool
	DownloadTTL         time.Duration
	OverfetchMultiplier int
	OverfetchFloor      int
}

// DeliveryResult reports what a DeliverOrder call did
type DeliveryResult struct {
	SearchID       string `json:"search_id"`
	DeliveredCount int    `json:"delivered_count"`
	Filename       string `json:"filename"`
	Channel        string `json:"channel,omitempty"`
	FilterMode     string `json:"filter_mode,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
	AlreadySent    bool   `json:"already_sent,omitempty"`
}

// DeliveryService builds and sends the CSV deliverable for a paid order
type DeliveryService struct {
	store     DeliveryStore
	matcher   *Matcher
	primary   DeliveryChannel
	secondary DeliveryChannel
	locker    DeliveryLocker
	publisher DeliveryPublisher
	cfg       DeliveryConfig
	logger    *zap.Logger
}

// NewDeliveryService creates a new delivery engine. locker and publisher may
// be nil; both are best-effort collaborators.
func NewDeliveryService(
	store DeliveryStore,
	matcher *Matcher,
	primary, secondary DeliveryChannel,
	locker DeliveryLocker,
	publisher DeliveryPublisher,
	cfg DeliveryConfig,
) *DeliveryService {
	if cfg.OverfetchMultiplier <= 0 {
		cfg.OverfetchMultiplier = 30
	}
	if cfg.OverfetchFloor <= 0 {
		cfg.OverfetchFloor = 500
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 7 * 24 * time.Hour
	}
	return &DeliveryService{
		store:     store,
		matcher:   matcher,
		primary:   primary,
		secondary: secondary,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// DeliverOrder runs the delivery pipeline for one order. Safe to call from
// any number of overlapping triggers: a sent order is a successful no-op,
// and the processing/sent transitions are conditional writes in the store.
func (ds *DeliveryService) DeliverOrder(ctx context.Context, searchID string, dryRun bool) (*DeliveryResult, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.DeliverOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.DeliveryLatency.Observe(time.Since(start).Seconds())
	}()

	order, err := ds.store.GetOrderBySearchID(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", searchID, err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", searchID, ErrNotFound)
	}

	if order.PaymentStatus != models.PaymentStatusApproved {
		return nil, fmt.Errorf("order %s payment is %s, not approved: %w",
			searchID, order.PaymentStatus, ErrInvalidState)
	}

	if order.DeliveryStatus == models.DeliveryStatusSent {
		ds.logger.Info("Order already sent, skipping delivery",
			zap.String("search_id", searchID))
		return ds.alreadySentResult(order), nil
	}

	if ds.cfg.RequireEmail && order.Email == "" {
		_ = ds.store.MarkDeliveryFailed(ctx, searchID, "missing email")
		util.DeliveriesFailedTotal.WithLabelValues("missing_email").Inc()
		return nil, fmt.Errorf("order %s has no contact email: %w", searchID, ErrInvalidState)
	}

	if ds.locker != nil {
		ok, lockErr := ds.locker.AcquireLock(ctx, "deliver:"+searchID, 30*time.Second)
		if lockErr != nil {
			// Lock service down: the store's conditional writes still keep
			// the operation correct, so proceed.
			ds.logger.Warn("Delivery lock unavailable, proceeding unlocked",
				zap.String("search_id", searchID), zap.Error(lockErr))
		} else if !ok {
			return nil, fmt.Errorf("delivery for %s already in progress: %w", searchID, ErrInvalidState)
		} else {
			defer func() {
				if err := ds.locker.ReleaseLock(context.Background(), "deliver:" + searchID); err != nil {
					ds.logger.Warn("Failed to release delivery lock",
						zap.String("search_id", searchID), zap.Error(err))
				}
			}()
		}
	}

	proceeded, err := ds.store.MarkDeliveryProcessing(ctx, searchID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order %s processing: %w", searchID, err)
	}
	if !proceeded {
		// Lost the race: another caller sent the order between our read and
		// this conditional write. Re-read so the result reflects the
		// winner's delivered_count/channel metadata, not our stale copy.
		if fresh, err := ds.store.GetOrderBySearchID(ctx, searchID); err == nil && fresh != nil {
			order = fresh
		}
		return ds.alreadySentResult(order), nil
	}
	_ = ds.store.MergeOrderMetadata(ctx, searchID, models.Metadata{
		"delivery_started_at": time.Now().UTC().Format(time.RFC3339),
	})

	fetchLimit := overfetchLimit(order.QuantityPaid, ds.cfg.OverfetchMultiplier, ds.cfg.OverfetchFloor)
	match, err := ds.matcher.Match(ctx, order.Rubro, order.Localities, order.QuantityPaid, fetchLimit)
	if err != nil {
		_ = ds.store.MarkDeliveryFailed(ctx, searchID, err.Error())
		util.DeliveriesFailedTotal.WithLabelValues("matcher_error").Inc()
		return nil, fmt.Errorf("lead selection for %s failed: %w", searchID, err)
	}
	if len(match.Leads) == 0 {
		util.MatcherNoCandidatesTotal.Inc()
		util.DeliveriesFailedTotal.WithLabelValues("no_leads").Inc()
		_ = ds.store.MarkDeliveryFailed(ctx, searchID, "no leads matched purchase criteria")
		ds.publishFailed(ctx, searchID, "no leads matched purchase criteria")
		return nil, fmt.Errorf("order %s: %w", searchID, ErrNoCandidates)
	}

	csv := BuildLeadsCSV(match.Leads)
	filename := deliverableFilename(order.Rubro, time.Now().UTC())

	if dryRun {
		_ = ds.store.MergeOrderMetadata(ctx, searchID, models.Metadata{
			"dry_run_count":       len(match.Leads),
			"dry_run_filename":    filename,
			"dry_run_filter_mode": match.FilterMode,
			"dry_run_at":          time.Now().UTC().Format(time.RFC3339),
		})
		return &DeliveryResult{
			SearchID:       searchID,
			DeliveredCount: len(match.Leads),
			Filename:       filename,
			FilterMode:     match.FilterMode,
			DryRun:         true,
		}, nil
	}

	token := uuid.New().String()
	expiresAt := time.Now().Add(ds.cfg.DownloadTTL)
	if err := ds.store.StoreDeliverable(ctx, searchID, csv, token, expiresAt); err != nil {
		ds.logger.Error("Failed to store deliverable, download will be unavailable",
			zap.String("search_id", searchID), zap.Error(err))
	}

	deliverable := models.Deliverable{
		SearchID: searchID,
		To:       order.Email,
		Subject:  fmt.Sprintf("Tus %d contactos de %s están listos", len(match.Leads), order.Rubro),
		HTML:     deliveryEmailBody(order, len(match.Leads)),
		Filename: filename,
		CSV:      csv,
	}

	channel, sendErr := ds.send(ctx, deliverable)
	if sendErr != nil {
		_ = ds.store.MarkDeliveryFailed(ctx, searchID, sendErr.Error())
		util.DeliveriesFailedTotal.WithLabelValues("channels_exhausted").Inc()
		ds.publishFailed(ctx, searchID, sendErr.Error())
		if errors.Is(sendErr, ErrConfiguration) {
			return nil, fmt.Errorf("delivery of %s: %w", searchID, sendErr)
		}
		return nil, fmt.Errorf("delivery of %s failed on every channel: %w: %v", searchID, ErrUpstream, sendErr)
	}

	if _, err := ds.store.MarkDeliverySent(ctx, searchID); err != nil {
		ds.logger.Error("Deliverable sent but status update failed",
			zap.String("search_id", searchID), zap.Error(err))
	}
	_ = ds.store.MergeOrderMetadata(ctx, searchID, models.Metadata{
		"delivered_count":    len(match.Leads),
		"delivered_filename": filename,
		"delivered_channel":  channel,
		"delivered_at":       time.Now().UTC().Format(time.RFC3339),
		"filter_mode":        match.FilterMode,
	})

	util.DeliveriesSentTotal.WithLabelValues(channel).Inc()
	ds.logger.Info("Order delivered",
		zap.String("search_id", searchID),
		zap.Int("count", len(match.Leads)),
		zap.String("channel", channel),
		zap.String("filter_mode", match.FilterMode))

	if ds.publisher != nil {
		event := &models.OrderDeliveredEvent{
			BaseEvent:      newBaseEvent(models.EventTypeOrderDelivered),
			SearchID:       searchID,
			DeliveredCount: len(match.Leads),
			Channel:        channel,
			Filename:       filename,
			FilterMode:     match.FilterMode,
		}
		if err := ds.publisher.PublishOrderDelivered(ctx, event); err != nil {
			ds.logger.Error("Failed to publish OrderDelivered event", zap.Error(err))
		}
	}

	return &DeliveryResult{
		SearchID:       searchID,
		DeliveredCount: len(match.Leads),
		Filename:       filename,
		Channel:        channel,
		FilterMode:     match.FilterMode,
	}, nil
}

// send tries the primary channel, then the secondary. Returns the name of
// the channel that succeeded, or the concatenated errors when both failed.
func (ds *DeliveryService) send(ctx context.Context, d models.Deliverable) (string, error) {
	var errs []string

	for _, ch := range []DeliveryChannel{ds.primary, ds.secondary} {
		if ch == nil {
			continue
		}
		if err := ch.Send(ctx, d); err != nil {
			ds.logger.Warn("Delivery channel failed",
				zap.String("search_id", d.SearchID),
				zap.String("channel", ch.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
			continue
		}
		return ch.Name(), nil
	}

	if len(errs) == 0 {
		return "", fmt.Errorf("no delivery channel configured: %w", ErrConfiguration)
	}
	return "", fmt.Errorf("%s", strings.Join(errs, "; "))
}

func (ds *DeliveryService) alreadySentResult(order *models.Order) *DeliveryResult {
	result := &DeliveryResult{SearchID: order.SearchID, AlreadySent: true}
	if count, ok := order.Metadata["delivered_count"].(float64); ok {
		result.DeliveredCount = int(count)
	}
	if filename, ok := order.Metadata["delivered_filename"].(string); ok {
		result.Filename = filename
	}
	if channel, ok := order.Metadata["delivered_channel"].(string); ok {
		result.Channel = channel
	}
	return result
}

func (ds *DeliveryService) publishFailed(ctx context.Context, searchID, reason string) {
	if ds.publisher == nil {
		return
	}
	event := &models.DeliveryFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypeDeliveryFailed),
		SearchID:  searchID,
		Reason:    reason,
	}
	if err := ds.publisher.PublishDeliveryFailed(ctx, event); err != nil {
		ds.logger.Error("Failed to publish DeliveryFailed event", zap.Error(err))
	}
}

func deliveryEmailBody(order *models.Order, count int) string {
	return fmt.Sprintf(
		"<p>Hola,</p><p>Adjuntamos el archivo con los <b>%d contactos</b> de <b>%s</b> que compraste.</p>"+
			"<p>Gracias por tu compra.</p>",
		count, order.Rubro)
}
