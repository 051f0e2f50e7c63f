package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"leadflow/internal/clients"
	"leadflow/internal/models"
	"leadflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloadStore struct {
	order *models.Order
}

func (f *fakeDownloadStore) GetOrderByDownloadToken(ctx context.Context, token string) (*models.Order, error) {
	return f.order, nil
}

func newTestRouter(downloads service.DownloadStore) *gin.Engine {
	gin.SetMode(gin.TestMode)

	// Provider pointed at a closed port: every lookup fails fast.
	provider := clients.NewPaymentProviderClient("http://127.0.0.1:1", "token", time.Second)
	payments := service.NewPaymentService(&nopPaymentStore{}, provider, nil, nil, nil)

	router := gin.New()
	handler := NewHandler(payments, nil, nil, nil, downloads, "callback-secret")
	handler.SetupRoutes(router)
	return router
}

type nopPaymentStore struct{}

func (nopPaymentStore) UpsertOrder(ctx context.Context, order *models.Order) error { return nil }
func (nopPaymentStore) GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error) {
	return nil, nil
}

func TestPaymentWebhookAlwaysAcknowledges(t *testing.T) {
	router := newTestRouter(&fakeDownloadStore{})

	// Provider lookup fails, the endpoint still answers 200.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment",
		strings.NewReader(`{"type":"payment","data":{"id":"pay-1"}}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Malformed body is acknowledged too.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment",
		strings.NewReader("not json"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnrichmentCallbackAuth(t *testing.T) {
	router := newTestRouter(&fakeDownloadStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/enrichment/callback",
		strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/enrichment/callback",
		strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDownloadNotFound(t *testing.T) {
	router := newTestRouter(&fakeDownloadStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadExpired(t *testing.T) {
	router := newTestRouter(&fakeDownloadStore{order: &models.Order{
		SearchID: "s-1",
		CSVFile:  []byte("\uFEFF\"nombre\"\r\n"),
		DownloadExpiresAt: sql.NullTime{
			Time:  time.Now().Add(-time.Hour),
			Valid: true,
		},
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestDownloadServesCSV(t *testing.T) {
	router := newTestRouter(&fakeDownloadStore{order: &models.Order{
		SearchID: "s-1",
		CSVFile:  []byte("\uFEFF\"nombre\"\r\n"),
		Metadata: models.Metadata{"delivered_filename": "leads_panaderia_20260315.csv"},
		DownloadExpiresAt: sql.NullTime{
			Time:  time.Now().Add(time.Hour),
			Valid: true,
		},
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/tok", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "leads_panaderia_20260315.csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), "\uFEFF"))
}
