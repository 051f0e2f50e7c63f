package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Total number of approved payments processed",
	}, []string{"source"})

	PaymentsIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_ignored_total",
		Help: "Total number of payment notifications not acted on",
	}, []string{"reason"})

	EnrichmentStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrichment_started_total",
		Help: "Total number of enrichment jobs accepted by the worker",
	})

	EnrichmentSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrichment_skipped_total",
		Help: "Total number of enrichment starts skipped by the idempotency guard",
	})

	EnrichmentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichment_failed_total",
		Help: "Total number of failed enrichment attempts",
	}, []string{"reason"})

	EnrichmentWorkerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrichment_worker_latency_seconds",
		Help:    "Latency of enrichment worker submissions",
		Buckets: prometheus.DefBuckets,
	})

	DeliveriesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_sent_total",
		Help: "Total number of deliverables sent",
	}, []string{"channel"})

	DeliveriesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_failed_total",
		Help: "Total number of failed deliveries",
	}, []string{"reason"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_latency_seconds",
		Help:    "Latency of order delivery end to end",
		Buckets: prometheus.DefBuckets,
	})

	MatcherFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matcher_fallback_total",
		Help: "Total number of matches that fell back to category-only filtering",
	})

	MatcherNoCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matcher_no_candidates_total",
		Help: "Total number of matches that found no candidates",
	})

	SearchesStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "searches_started_total",
		Help: "Total number of free searches started",
	})

	SearchesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "searches_completed_total",
		Help: "Total number of free searches aggregated to completion",
	})

	ScrapeJobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scrape_jobs_finished_total",
		Help: "Total number of scrape jobs observed in a terminal state",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
