package service

import (
	"context"
	"errors"
	"testing"

	"leadflow/internal/clients"
	"leadflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePaymentStore struct {
	upserted *models.Order
}

func (f *fakePaymentStore) UpsertOrder(ctx context.Context, order *models.Order) error {
	f.upserted = order
	return nil
}

func (f *fakePaymentStore) GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error) {
	return f.upserted, nil
}

type fakePaymentProvider struct {
	detail *clients.PaymentDetail
	err    error
	calls  int
}

func (f *fakePaymentProvider) GetPayment(ctx context.Context, paymentID string) (*clients.PaymentDetail, error) {
	f.calls++
	return f.detail, f.err
}

type fakeEnrichmentStarter struct {
	calls int
	err   error
}

func (f *fakeEnrichmentStarter) StartEnrichment(ctx context.Context, searchID string) (*StartEnrichmentResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &StartEnrichmentResult{JobID: 1, Attempt: 1}, nil
}

func approvedDetail() *clients.PaymentDetail {
	return &clients.PaymentDetail{
		ID:                "pay-1",
		Status:            "approved",
		ExternalReference: "s-1",
		TransactionAmount: 4999.90,
		CurrencyID:        "ARS",
		Metadata: clients.PaymentMetadata{
			Email:      "buyer@example.com",
			Phone:      "+5491112345678",
			Rubro:      "panaderia",
			Region:     "CABA",
			Localities: []string{"Palermo"},
			Quantity:   20,
		},
	}
}

func TestHandleWebhookIgnoresNonPaymentType(t *testing.T) {
	provider := &fakePaymentProvider{}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, nil, nil)

	ps.HandleWebhook(context.Background(), WebhookNotification{Type: "merchant_order"})
	assert.Zero(t, provider.calls)
}

func TestHandleWebhookSwallowsProviderError(t *testing.T) {
	provider := &fakePaymentProvider{err: errors.New("gateway timeout")}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, nil, nil)

	// Must not panic; the HTTP handler acknowledges regardless.
	ps.HandleWebhook(context.Background(), WebhookNotification{
		Type: "payment", PaymentID: "pay-1",
	})
	assert.Equal(t, 1, provider.calls)
}

func TestHandleWebhookAcceptsBothIDShapes(t *testing.T) {
	provider := &fakePaymentProvider{detail: approvedDetail()}
	store := &fakePaymentStore{}
	ps := NewPaymentService(store, provider, nil, nil, nil)

	notification := WebhookNotification{Type: "payment"}
	notification.Data.ID = "pay-1"
	ps.HandleWebhook(context.Background(), notification)
	require.NotNil(t, store.upserted)

	store.upserted = nil
	ps.HandleWebhook(context.Background(), WebhookNotification{PaymentID: "pay-1"})
	assert.NotNil(t, store.upserted)
}

func TestApplyPaymentMissingReference(t *testing.T) {
	detail := approvedDetail()
	detail.ExternalReference = ""
	provider := &fakePaymentProvider{detail: detail}
	store := &fakePaymentStore{}
	ps := NewPaymentService(store, provider, nil, nil, nil)

	_, err := ps.confirmPayment(context.Background(), "pay-1", "webhook")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Nil(t, store.upserted)
}

func TestApplyPaymentApprovedStartsEnrichment(t *testing.T) {
	provider := &fakePaymentProvider{detail: approvedDetail()}
	store := &fakePaymentStore{}
	enrichment := &fakeEnrichmentStarter{}
	ps := NewPaymentService(store, provider, nil, enrichment, nil)

	order, err := ps.confirmPayment(context.Background(), "pay-1", "webhook")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, order.PaymentStatus)
	assert.Equal(t, "s-1", order.SearchID)
	assert.Equal(t, 20, order.QuantityPaid)
	assert.Equal(t, "webhook", order.Metadata["payment_source"])
	assert.Equal(t, 1, enrichment.calls)
}

func TestApplyPaymentNoCandidatesFallsBackToDirectDelivery(t *testing.T) {
	provider := &fakePaymentProvider{detail: approvedDetail()}
	enrichment := &fakeEnrichmentStarter{err: ErrNoCandidates}
	delivery := &fakeDeliverer{}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, enrichment, delivery)

	_, err := ps.confirmPayment(context.Background(), "pay-1", "webhook")
	require.NoError(t, err)
	assert.Equal(t, 1, enrichment.calls)
	assert.Equal(t, 1, delivery.calls)
}

func TestApplyPaymentPendingDoesNotStartEnrichment(t *testing.T) {
	detail := approvedDetail()
	detail.Status = "in_process"
	provider := &fakePaymentProvider{detail: detail}
	enrichment := &fakeEnrichmentStarter{}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, enrichment, nil)

	order, err := ps.confirmPayment(context.Background(), "pay-1", "webhook")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Zero(t, enrichment.calls)
}

func TestApplyPaymentUnrecognizedStatusCollapsesToPending(t *testing.T) {
	detail := approvedDetail()
	detail.Status = "weird_new_status"
	provider := &fakePaymentProvider{detail: detail}
	store := &fakePaymentStore{}
	ps := NewPaymentService(store, provider, nil, nil, nil)

	order, err := ps.confirmPayment(context.Background(), "pay-1", "webhook")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, "weird_new_status", order.Metadata["provider_payment_status"])
}

func TestVerifyPaymentReferenceMismatch(t *testing.T) {
	provider := &fakePaymentProvider{detail: approvedDetail()}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, nil, nil)

	_, err := ps.VerifyPayment(context.Background(), "other-search", "pay-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifyPaymentUpstreamError(t *testing.T) {
	provider := &fakePaymentProvider{err: errors.New("gateway timeout")}
	ps := NewPaymentService(&fakePaymentStore{}, provider, nil, nil, nil)

	_, err := ps.VerifyPayment(context.Background(), "s-1", "pay-1")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestVerifyPaymentSuccess(t *testing.T) {
	provider := &fakePaymentProvider{detail: approvedDetail()}
	store := &fakePaymentStore{}
	enrichment := &fakeEnrichmentStarter{}
	ps := NewPaymentService(store, provider, nil, enrichment, nil)

	order, err := ps.VerifyPayment(context.Background(), "s-1", "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, order.PaymentStatus)
	assert.Equal(t, "verify", order.Metadata["payment_source"])
	assert.Equal(t, 1, enrichment.calls)
}

func TestNormalizePaymentStatus(t *testing.T) {
	cases := map[string]string{
		"approved":     models.PaymentStatusApproved,
		"rejected":     models.PaymentStatusRejected,
		"refunded":     models.PaymentStatusRefunded,
		"charged_back": models.PaymentStatusRefunded,
		"cancelled":    models.PaymentStatusCancelled,
		"pending":      models.PaymentStatusPending,
		"in_process":   models.PaymentStatusPending,
	}
	for provider, want := range cases {
		got, recognized := normalizePaymentStatus(provider)
		assert.Equal(t, want, got, provider)
		assert.True(t, recognized, provider)
	}

	got, recognized := normalizePaymentStatus("mystery")
	assert.Equal(t, models.PaymentStatusPending, got)
	assert.False(t, recognized)
}
