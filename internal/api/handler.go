package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"leadflow/internal/service"
	"leadflow/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	payments       *service.PaymentService
	enrichment     *service.EnrichmentService
	delivery       *service.DeliveryService
	aggregator     *service.AggregatorService
	downloads      service.DownloadStore
	callbackSecret string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	payments *service.PaymentService,
	enrichment *service.EnrichmentService,
	delivery *service.DeliveryService,
	aggregator *service.AggregatorService,
	downloads service.DownloadStore,
	callbackSecret string,
) *Handler {
	return &Handler{
		payments:       payments,
		enrichment:     enrichment,
		delivery:       delivery,
		aggregator:     aggregator,
		downloads:      downloads,
		callbackSecret: callbackSecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/searches", h.startSearch)
		v1.GET("/searches/:id", h.getSearch)

		v1.POST("/webhooks/payment", h.paymentWebhook)
		v1.POST("/payments/verify", h.verifyPayment)

		v1.POST("/enrichment/callback", h.bearerAuth(h.callbackSecret), h.enrichmentCallback)
		v1.GET("/enrichment/status/:searchId", h.enrichmentStatus)

		v1.POST("/orders/:searchId/deliver", h.deliverOrder)
		v1.GET("/downloads/:token", h.download)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type startSearchRequest struct {
	Rubro      string   `json:"rubro" binding:"required"`
	Localities []string `json:"localities" binding:"required"`
}

// startSearch fans a free search out into scrape jobs
func (h *Handler) startSearch(c *gin.Context) {
	var req startSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	tracking, err := h.aggregator.StartSearch(c.Request.Context(), req.Rubro, req.Localities)
	if err != nil {
		respondError(c, err, "Failed to start search")
		return
	}

	c.JSON(http.StatusCreated, tracking)
}

// getSearch polls the underlying scrape jobs and returns the tracking row
func (h *Handler) getSearch(c *gin.Context) {
	tracking, err := h.aggregator.PollAndUpdate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to poll search")
		return
	}

	c.JSON(http.StatusOK, tracking)
}

// paymentWebhook ingests provider notifications. Always acknowledges with
// 200 so the provider does not retry-storm on our internal errors.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var notification service.WebhookNotification
	if err := c.ShouldBindJSON(&notification); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	h.payments.HandleWebhook(c.Request.Context(), notification)
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

type verifyPaymentRequest struct {
	SearchID  string `json:"search_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
}

// verifyPayment is the user-triggered fallback for a missed webhook
func (h *Handler) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.payments.VerifyPayment(c.Request.Context(), req.SearchID, req.PaymentID)
	if err != nil {
		respondError(c, err, "Payment verification failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"search_id":      order.SearchID,
		"payment_status": order.PaymentStatus,
	})
}

// enrichmentCallback applies the worker's completion report
func (h *Handler) enrichmentCallback(c *gin.Context) {
	var cb service.EnrichmentCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if err := h.enrichment.HandleEnrichmentCallback(c.Request.Context(), cb); err != nil {
		respondError(c, err, "Failed to process callback")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

// enrichmentStatus serves the polling read model
func (h *Handler) enrichmentStatus(c *gin.Context) {
	status, err := h.enrichment.GetEnrichmentStatus(c.Request.Context(), c.Param("searchId"))
	if err != nil {
		respondError(c, err, "Failed to read status")
		return
	}

	c.JSON(http.StatusOK, status)
}

// deliverOrder triggers delivery manually, with ?dry_run=true support
func (h *Handler) deliverOrder(c *gin.Context) {
	dryRun, _ := strconv.ParseBool(c.Query("dry_run"))

	result, err := h.delivery.DeliverOrder(c.Request.Context(), c.Param("searchId"), dryRun)
	if err != nil {
		respondError(c, err, "Delivery failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

// download serves the stored CSV behind its expiring token
func (h *Handler) download(c *gin.Context) {
	order, err := h.downloads.GetOrderByDownloadToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up download"})
		return
	}
	if order == nil || len(order.CSVFile) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
		return
	}
	if order.DownloadExpiresAt.Valid && time.Now().After(order.DownloadExpiresAt.Time) {
		c.JSON(http.StatusGone, gin.H{"error": "Download link expired"})
		return
	}

	filename := "leads.csv"
	if name, ok := order.Metadata["delivered_filename"].(string); ok && name != "" {
		filename = name
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", order.CSVFile)
}

// bearerAuth guards callback endpoints with a shared secret
func (h *Handler) bearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Callback secret not configured",
			})
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid callback token",
			})
			return
		}

		c.Next()
	}
}

// respondError maps service error sentinels onto HTTP statuses
func respondError(c *gin.Context, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoCandidates):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRetryExceeded), errors.Is(err, service.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrUpstream):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
