package models

import "time"

// Event types
const (
	EventTypePaymentConfirmed    = "PAYMENT_CONFIRMED"
	EventTypeEnrichmentStarted   = "ENRICHMENT_STARTED"
	EventTypeEnrichmentCompleted = "ENRICHMENT_COMPLETED"
	EventTypeEnrichmentFailed    = "ENRICHMENT_FAILED"
	EventTypeOrderDelivered      = "ORDER_DELIVERED"
	EventTypeDeliveryFailed      = "DELIVERY_FAILED"
	EventTypeSearchCompleted     = "SEARCH_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentConfirmedEvent published when a payment reaches approved, from
// either the provider webhook or the fallback verification endpoint
type PaymentConfirmedEvent struct {
	BaseEvent
	SearchID          string  `json:"search_id"`
	ProviderPaymentID string  `json:"provider_payment_id"`
	QuantityPaid      int     `json:"quantity_paid"`
	AmountPaid        float64 `json:"amount_paid"`
	Currency          string  `json:"currency"`
	Source            string  `json:"source"` // webhook | verify
}

// EnrichmentStartedEvent published when a worker call is accepted
type EnrichmentStartedEvent struct {
	BaseEvent
	SearchID   string `json:"search_id"`
	JobID      int64  `json:"job_id"`
	Attempt    int    `json:"attempt"`
	Businesses int    `json:"businesses"`
}

// EnrichmentCompletedEvent published when the worker callback reports done
type EnrichmentCompletedEvent struct {
	BaseEvent
	SearchID  string `json:"search_id"`
	JobID     int64  `json:"job_id"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
}

// EnrichmentFailedEvent published when an attempt fails
type EnrichmentFailedEvent struct {
	BaseEvent
	SearchID string `json:"search_id"`
	JobID    int64  `json:"job_id"`
	Attempt  int    `json:"attempt"`
	Reason   string `json:"reason"`
}

// OrderDeliveredEvent published when a deliverable is sent
type OrderDeliveredEvent struct {
	BaseEvent
	SearchID       string `json:"search_id"`
	DeliveredCount int    `json:"delivered_count"`
	Channel        string `json:"channel"`
	Filename       string `json:"filename"`
	FilterMode     string `json:"filter_mode"`
}

// DeliveryFailedEvent published when every channel fails
type DeliveryFailedEvent struct {
	BaseEvent
	SearchID string `json:"search_id"`
	Reason   string `json:"reason"`
}

// SearchCompletedEvent published when all scrape jobs of a free search
// reached a terminal state
type SearchCompletedEvent struct {
	BaseEvent
	SearchID   string `json:"search_id"`
	TotalLeads int    `json:"total_leads"`
}
