package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"leadflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliveryStore struct {
	order      *models.Order
	freshOrder *models.Order // served on re-reads after the first

	getCalls        int
	processingCalls int
	sentCalls       int
	failedReason    string
	merged          models.Metadata
	storedCSV       []byte
	storedToken     string

	processingOK bool
	sentOK       bool
}

func newFakeDeliveryStore(order *models.Order) *fakeDeliveryStore {
	return &fakeDeliveryStore{order: order, processingOK: true, sentOK: true, merged: models.Metadata{}}
}

func (f *fakeDeliveryStore) GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error) {
	f.getCalls++
	if f.getCalls > 1 && f.freshOrder != nil {
		return f.freshOrder, nil
	}
	return f.order, nil
}

func (f *fakeDeliveryStore) MarkDeliveryProcessing(ctx context.Context, searchID string) (bool, error) {
	f.processingCalls++
	return f.processingOK, nil
}

func (f *fakeDeliveryStore) MarkDeliverySent(ctx context.Context, searchID string) (bool, error) {
	f.sentCalls++
	return f.sentOK, nil
}

func (f *fakeDeliveryStore) MarkDeliveryFailed(ctx context.Context, searchID, reason string) error {
	f.failedReason = reason
	return nil
}

func (f *fakeDeliveryStore) MergeOrderMetadata(ctx context.Context, searchID string, meta models.Metadata) error {
	for k, v := range meta {
		f.merged[k] = v
	}
	return nil
}

func (f *fakeDeliveryStore) StoreDeliverable(ctx context.Context, searchID string, csv []byte, token string, expiresAt time.Time) error {
	f.storedCSV = csv
	f.storedToken = token
	return nil
}

type fakeChannel struct {
	name  string
	err   error
	sent  []models.Deliverable
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, d models.Deliverable) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, d)
	return nil
}

func approvedOrder() *models.Order {
	return &models.Order{
		SearchID:       "s-1",
		Email:          "buyer@example.com",
		Rubro:          "panaderia",
		Localities:     []string{"Palermo"},
		QuantityPaid:   2,
		PaymentStatus:  models.PaymentStatusApproved,
		DeliveryStatus: models.DeliveryStatusPending,
		Metadata:       models.Metadata{},
	}
}

func palermoLeads(n int) []models.Lead {
	leads := make([]models.Lead, 0, n)
	for i := 0; i < n; i++ {
		leads = append(leads, models.Lead{
			ProviderID: fmt.Sprintf("p-%d", i),
			Name:       "Negocio",
			Rubro:      "panaderia",
			Locality:   "Palermo",
		})
	}
	return leads
}

func newTestDelivery(store *fakeDeliveryStore, primary, secondary DeliveryChannel) *DeliveryService {
	matcher := NewMatcher(&fakeLeadSource{byRubro: palermoLeads(10)})
	return NewDeliveryService(store, matcher, primary, secondary, nil, nil, DeliveryConfig{RequireEmail: true})
}

func TestDeliverOrderNotFound(t *testing.T) {
	ds := newTestDelivery(newFakeDeliveryStore(nil), &fakeChannel{name: "email"}, nil)

	_, err := ds.DeliverOrder(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliverOrderNotApproved(t *testing.T) {
	order := approvedOrder()
	order.PaymentStatus = models.PaymentStatusPending
	ds := newTestDelivery(newFakeDeliveryStore(order), &fakeChannel{name: "email"}, nil)

	_, err := ds.DeliverOrder(context.Background(), "s-1", false)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDeliverOrderAlreadySentIsNoOp(t *testing.T) {
	order := approvedOrder()
	order.DeliveryStatus = models.DeliveryStatusSent
	order.Metadata = models.Metadata{
		"delivered_count":    float64(2),
		"delivered_filename": "leads.csv",
		"delivered_channel":  "email",
	}
	store := newFakeDeliveryStore(order)
	channel := &fakeChannel{name: "email"}
	ds := newTestDelivery(store, channel, nil)

	result, err := ds.DeliverOrder(context.Background(), "s-1", false)
	require.NoError(t, err)
	assert.True(t, result.AlreadySent)
	assert.Equal(t, 2, result.DeliveredCount)
	assert.Zero(t, channel.calls)
	assert.Zero(t, store.processingCalls)
}

func TestDeliverOrderMissingEmail(t *testing.T) {
	order := approvedOrder()
	order.Email = ""
	store := newFakeDeliveryStore(order)
	ds := newTestDelivery(store, &fakeChannel{name: "email"}, nil)

	_, err := ds.DeliverOrder(context.Background(), "s-1", false)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "missing email", store.failedReason)
}

func TestDeliverOrderPhoneOnlyAllowedWhenEmailOptional(t *testing.T) {
	order := approvedOrder()
	order.Email = ""
	order.Phone = "+5491112345678"
	store := newFakeDeliveryStore(order)
	matcher := NewMatcher(&fakeLeadSource{byRubro: palermoLeads(10)})
	webhook := &fakeChannel{name: "webhook"}
	ds := NewDeliveryService(store, matcher, webhook, nil, nil, nil, DeliveryConfig{RequireEmail: false})

	result, err := ds.DeliverOrder(context.Background(), "s-1", false)
	require.NoError(t, err)
	assert.Equal(t, "webhook", result.Channel)
}

func TestDeliverOrderLostProcessingRace(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	store.processingOK = false

	// The winner finished between our read and the conditional write; the
	// re-read must surface its metadata, not our stale copy.
	winner := approvedOrder()
	winner.DeliveryStatus = models.DeliveryStatusSent
	winner.Metadata = models.Metadata{
		"delivered_count":    float64(2),
		"delivered_filename": "leads_panaderia_20260315.csv",
		"delivered_channel":  "email",
	}
	store.freshOrder = winner

	channel := &fakeChannel{name: "email"}
	ds := newTestDelivery(store, channel, nil)

	result, err := ds.DeliverOrder(context.Background(), "s-1", false)
	require.NoError(t, err)
	assert.True(t, result.AlreadySent)
	assert.Equal(t, 2, result.DeliveredCount)
	assert.Equal(t, "leads_panaderia_20260315.csv", result.Filename)
	assert.Equal(t, "email", result.Channel)
	assert.Zero(t, channel.calls)
}

func TestDeliverOrderNoCandidates(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	matcher := NewMatcher(&fakeLeadSource{})
	ds := NewDeliveryService(store, matcher, &fakeChannel{name: "email"}, nil, nil, nil,
		DeliveryConfig{RequireEmail: true})

	_, err := ds.DeliverOrder(context.Background(), "s-1", false)
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, "no leads matched purchase criteria", store.failedReason)
}

func TestDeliverOrderChannelFallback(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	primary := &fakeChannel{name: "email", err: errors.New("smtp down")}
	secondary := &fakeChannel{name: "webhook"}
	ds := newTestDelivery(store, primary, secondary)

	result, err := ds.DeliverOrder(context.Background(), "s-1", false)
	require.NoError(t, err)
	assert.Equal(t, "webhook", result.Channel)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
	assert.Equal(t, 1, store.sentCalls)
}

func TestDeliverOrderAllChannelsFail(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	primary := &fakeChannel{name: "email", err: errors.New("smtp down")}
	secondary := &fakeChannel{name: "webhook", err: errors.New("503")}
	ds := newTestDelivery(store, primary, secondary)

	_, err := ds.DeliverOrder(context.Background(), "s-1", false)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, store.failedReason, "email")
	assert.Contains(t, store.failedReason, "webhook")
	assert.Zero(t, store.sentCalls)
}

func TestDeliverOrderNoChannelConfigured(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	ds := newTestDelivery(store, nil, nil)

	_, err := ds.DeliverOrder(context.Background(), "s-1", false)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDeliverOrderDryRun(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	channel := &fakeChannel{name: "email"}
	ds := newTestDelivery(store, channel, nil)

	result, err := ds.DeliverOrder(context.Background(), "s-1", true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.DeliveredCount)
	assert.Zero(t, channel.calls)
	assert.Zero(t, store.sentCalls)
	assert.Empty(t, store.storedToken)
	assert.Equal(t, 2, store.merged["dry_run_count"])
}

func TestDeliverOrderSuccess(t *testing.T) {
	store := newFakeDeliveryStore(approvedOrder())
	channel := &fakeChannel{name: "email"}
	ds := newTestDelivery(store, channel, nil)

	result, err := ds.DeliverOrder(context.Background(), "s-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeliveredCount)
	assert.Equal(t, "email", result.Channel)
	assert.Equal(t, models.FilterModeStrict, result.FilterMode)

	require.Len(t, channel.sent, 1)
	assert.Equal(t, "buyer@example.com", channel.sent[0].To)
	assert.NotEmpty(t, channel.sent[0].CSV)

	assert.NotEmpty(t, store.storedToken)
	assert.Equal(t, channel.sent[0].CSV, []byte(store.storedCSV))
	assert.Equal(t, 1, store.sentCalls)
	assert.Equal(t, 2, store.merged["delivered_count"])
	assert.Equal(t, "email", store.merged["delivered_channel"])
}
