package service

import (
	"context"
	"errors"
	"fmt"

	"leadflow/internal/clients"
	"leadflow/internal/models"
	"leadflow/internal/util"

	"go.uber.org/zap"
)

// PaymentStore is the slice of the store the payment stage needs
type PaymentStore interface {
	UpsertOrder(ctx context.Context, order *models.Order) error
	GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error)
}

// PaymentProvider looks up payment details at the gateway
type PaymentProvider interface {
	GetPayment(ctx context.Context, paymentID string) (*clients.PaymentDetail, error)
}

// PaymentPublisher publishes payment events
type PaymentPublisher interface {
	PublishPaymentConfirmed(ctx context.Context, event *models.PaymentConfirmedEvent) error
}

// EnrichmentStarter is the next pipeline stage after payment confirmation
type EnrichmentStarter interface {
	StartEnrichment(ctx context.Context, searchID string) (*StartEnrichmentResult, error)
}

// WebhookNotification is the provider's webhook payload. The provider sends
// either a typed envelope with a data.id or a flat payment id, depending on
// the notification topic.
type WebhookNotification struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
	PaymentID string `json:"payment_id"`
}

// PaymentService ingests provider webhooks and the fallback verification
// endpoint. Both paths converge on the same upsert, so duplicates and
// out-of-order notifications are harmless.
type PaymentService struct {
	store      PaymentStore
	provider   PaymentProvider
	publisher  PaymentPublisher
	enrichment EnrichmentStarter
	delivery   OrderDeliverer
	logger     *zap.Logger
}

// NewPaymentService creates a new payment service. publisher, enrichment,
// and delivery may be nil.
func NewPaymentService(
	store PaymentStore,
	provider PaymentProvider,
	publisher PaymentPublisher,
	enrichment EnrichmentStarter,
	delivery OrderDeliverer,
) *PaymentService {
	return &PaymentService{
		store:      store,
		provider:   provider,
		publisher:  publisher,
		enrichment: enrichment,
		delivery:   delivery,
		logger:     util.GetLogger(),
	}
}

// HandleWebhook processes a provider notification. Errors are logged and
// swallowed so the HTTP handler can always acknowledge with 200; the provider
// retries on its own schedule and the fallback verify endpoint covers gaps.
func (ps *PaymentService) HandleWebhook(ctx context.Context, notification WebhookNotification) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	if notification.Type != "" && notification.Type != "payment" {
		util.PaymentsIgnoredTotal.WithLabelValues("non_payment_type").Inc()
		ps.logger.Debug("Ignoring non-payment webhook",
			zap.String("type", notification.Type))
		return
	}

	paymentID := notification.Data.ID
	if paymentID == "" {
		paymentID = notification.PaymentID
	}
	if paymentID == "" {
		util.PaymentsIgnoredTotal.WithLabelValues("missing_payment_id").Inc()
		ps.logger.Warn("Webhook without a payment id")
		return
	}

	if _, err := ps.confirmPayment(ctx, paymentID, "webhook"); err != nil {
		ps.logger.Error("Webhook payment processing failed",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
}

// VerifyPayment is the user-triggered fallback for a missed webhook. The
// search ID must match the payment's external reference.
func (ps *PaymentService) VerifyPayment(ctx context.Context, searchID, paymentID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyPayment")
	defer span.End()

	detail, err := ps.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment %s lookup: %w: %v", paymentID, ErrUpstream, err)
	}
	if detail.ExternalReference != searchID {
		return nil, fmt.Errorf("payment %s does not reference search %s: %w",
			paymentID, searchID, ErrInvalidState)
	}

	return ps.applyPayment(ctx, detail, "verify")
}

// confirmPayment fetches the payment detail and applies it
func (ps *PaymentService) confirmPayment(ctx context.Context, paymentID, source string) (*models.Order, error) {
	detail, err := ps.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment %s lookup: %w: %v", paymentID, ErrUpstream, err)
	}
	return ps.applyPayment(ctx, detail, source)
}

// applyPayment upserts the order from a payment detail and, when the payment
// is approved, kicks the next pipeline stage.
func (ps *PaymentService) applyPayment(ctx context.Context, detail *clients.PaymentDetail, source string) (*models.Order, error) {
	if detail.ExternalReference == "" {
		util.PaymentsIgnoredTotal.WithLabelValues("no_reference").Inc()
		return nil, fmt.Errorf("payment %s has no external reference: %w", detail.ID, ErrInvalidState)
	}

	status, recognized := normalizePaymentStatus(detail.Status)

	order := &models.Order{
		SearchID:          detail.ExternalReference,
		Email:             detail.Metadata.Email,
		Phone:             detail.Metadata.Phone,
		Rubro:             detail.Metadata.Rubro,
		Region:            detail.Metadata.Region,
		Localities:        detail.Metadata.Localities,
		QuantityPaid:      detail.Metadata.Quantity,
		AmountPaid:        detail.TransactionAmount,
		Currency:          detail.CurrencyID,
		PaymentStatus:     status,
		ProviderPaymentID: detail.ID,
		Metadata: models.Metadata{
			"payment_source": source,
		},
	}
	if !recognized {
		order.Metadata["provider_payment_status"] = detail.Status
		ps.logger.Warn("Unrecognized provider payment status, treating as pending",
			zap.String("payment_id", detail.ID),
			zap.String("status", detail.Status))
	}

	if err := ps.store.UpsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to upsert order %s: %w", order.SearchID, err)
	}

	ps.logger.Info("Payment applied",
		zap.String("search_id", order.SearchID),
		zap.String("payment_id", detail.ID),
		zap.String("payment_status", order.PaymentStatus),
		zap.String("source", source))

	if order.PaymentStatus != models.PaymentStatusApproved {
		return order, nil
	}

	util.PaymentsConfirmedTotal.WithLabelValues(source).Inc()
	if ps.publisher != nil {
		event := &models.PaymentConfirmedEvent{
			BaseEvent:         newBaseEvent(models.EventTypePaymentConfirmed),
			SearchID:          order.SearchID,
			ProviderPaymentID: detail.ID,
			QuantityPaid:      order.QuantityPaid,
			AmountPaid:        order.AmountPaid,
			Currency:          order.Currency,
			Source:            source,
		}
		if err := ps.publisher.PublishPaymentConfirmed(ctx, event); err != nil {
			ps.logger.Error("Failed to publish PaymentConfirmed event", zap.Error(err))
		}
	}

	ps.startEnrichmentOrDeliver(ctx, order.SearchID)
	return order, nil
}

// startEnrichmentOrDeliver kicks enrichment, falling back to direct delivery
// when no candidates exist. Failures here never fail the payment itself; the
// pipeline worker re-triggers from the PaymentConfirmed event.
func (ps *PaymentService) startEnrichmentOrDeliver(ctx context.Context, searchID string) {
	if ps.enrichment == nil {
		return
	}
	_, err := ps.enrichment.StartEnrichment(ctx, searchID)
	if err == nil {
		return
	}

	if errors.Is(err, ErrNoCandidates) && ps.delivery != nil {
		ps.logger.Info("No enrichment candidates, delivering directly",
			zap.String("search_id", searchID))
		if _, derr := ps.delivery.DeliverOrder(ctx, searchID, false); derr != nil {
			ps.logger.Error("Direct delivery failed",
				zap.String("search_id", searchID), zap.Error(derr))
		}
		return
	}

	ps.logger.Error("Enrichment start failed after payment",
		zap.String("search_id", searchID), zap.Error(err))
}

// normalizePaymentStatus maps provider status vocabulary onto the pipeline's.
// Unrecognized statuses collapse to pending so a new provider status never
// approves or rejects an order by accident.
func normalizePaymentStatus(providerStatus string) (string, bool) {
	switch providerStatus {
	case "approved":
		return models.PaymentStatusApproved, true
	case "rejected":
		return models.PaymentStatusRejected, true
	case "refunded", "charged_back":
		return models.PaymentStatusRefunded, true
	case "cancelled":
		return models.PaymentStatusCancelled, true
	case "pending", "in_process", "authorized":
		return models.PaymentStatusPending, true
	default:
		return models.PaymentStatusPending, false
	}
}
