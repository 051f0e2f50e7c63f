package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Order represents one paid lead purchase, keyed by search ID
type Order struct {
	SearchID          string         `db:"search_id" json:"search_id"`
	Email             string         `db:"email" json:"email,omitempty"`
	Phone             string         `db:"phone" json:"phone,omitempty"`
	Rubro             string         `db:"rubro" json:"rubro"`
	Region            string         `db:"region" json:"region,omitempty"`
	Localities        pq.StringArray `db:"localities" json:"localities"`
	QuantityPaid      int            `db:"quantity_paid" json:"quantity_paid"`
	AmountPaid        float64        `db:"amount_paid" json:"amount_paid"`
	Currency          string         `db:"currency" json:"currency"`
	PaymentStatus     string         `db:"payment_status" json:"payment_status"`
	DeliveryStatus    string         `db:"delivery_status" json:"delivery_status"`
	ProviderPaymentID string         `db:"provider_payment_id" json:"provider_payment_id,omitempty"`
	Metadata          Metadata       `db:"metadata" json:"metadata,omitempty"`
	DownloadToken     sql.NullString `db:"download_token" json:"-"`
	DownloadExpiresAt sql.NullTime   `db:"download_expires_at" json:"-"`
	CSVFile           []byte         `db:"csv_file" json:"-"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// HasContact reports whether the order carries at least one contact channel.
func (o *Order) HasContact() bool {
	return o.Email != "" || o.Phone != ""
}

// EnrichmentJob represents one attempt to enrich an order's leads via the
// external worker. Failed attempts accumulate as separate rows so the retry
// cap can be enforced by counting.
type EnrichmentJob struct {
	ID                  int64          `db:"id" json:"id"`
	SearchID            string         `db:"search_id" json:"search_id"`
	Status              string         `db:"status" json:"status"`
	Attempts            int            `db:"attempts" json:"attempts"`
	TotalBusinesses     int            `db:"total_businesses" json:"total_businesses"`
	ProcessedBusinesses int            `db:"processed_businesses" json:"processed_businesses"`
	Error               sql.NullString `db:"error" json:"error,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	StartedAt           sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	FinishedAt          sql.NullTime   `db:"finished_at" json:"finished_at,omitempty"`
}

// Lead is a candidate business record from the bulk dataset (read-only).
// The dataset carries two category columns of different provenance; the
// matcher consults both.
type Lead struct {
	ProviderID string `db:"provider_id" json:"provider_id,omitempty"`
	Name       string `db:"name" json:"name"`
	Rubro      string `db:"rubro" json:"rubro,omitempty"`
	Categoria  string `db:"categoria" json:"categoria,omitempty"`
	Address    string `db:"address" json:"address,omitempty"`
	Locality   string `db:"locality" json:"locality,omitempty"`
	Province   string `db:"province" json:"province,omitempty"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`
	Website    string `db:"website" json:"website,omitempty"`
	Instagram  string `db:"instagram" json:"instagram,omitempty"`
	Facebook   string `db:"facebook" json:"facebook,omitempty"`
	WhatsApp   string `db:"whatsapp" json:"whatsapp,omitempty"`
	Hours      string `db:"hours" json:"hours,omitempty"`
}

// Key identifies a lead for deduplication: provider ID when present,
// otherwise a name|locality composite.
func (l *Lead) Key() string {
	if l.ProviderID != "" {
		return l.ProviderID
	}
	return l.Name + "|" + l.Locality
}

// SearchTracking represents one free search and its underlying scrape jobs.
// JobIDs is a comma-joined list paired positionally with Localities.
type SearchTracking struct {
	ID         string         `db:"id" json:"id"`
	Status     string         `db:"status" json:"status"`
	Rubro      string         `db:"rubro" json:"rubro"`
	Localities pq.StringArray `db:"localities" json:"localities"`
	JobIDs     string         `db:"job_ids" json:"job_ids"`
	TotalLeads int            `db:"total_leads" json:"total_leads"`
	Results    PreviewLeads   `db:"results" json:"results,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the tracking row reached a final state.
func (t *SearchTracking) Terminal() bool {
	return t.Status == TrackingStatusCompleted || t.Status == TrackingStatusError
}

// PreviewLead is a masked, scored lead kept as part of the search preview.
type PreviewLead struct {
	Name     string `json:"name"`
	Locality string `json:"locality"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Website  string `json:"website,omitempty"`
	Score    int    `json:"score"`
}

// PreviewLeads is stored as a JSONB column.
type PreviewLeads []PreviewLead

// Value implements driver.Valuer.
func (p PreviewLeads) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *PreviewLeads) Scan(src interface{}) error {
	if src == nil {
		*p = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported preview leads type %T", src)
	}
	return json.Unmarshal(b, p)
}

// Metadata is the order's open key-value bag, stored as JSONB. Writers merge
// partial maps; the store never replaces the column wholesale.
type Metadata map[string]interface{}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return json.Unmarshal(b, m)
}

// Deliverable is the built CSV plus the addressing a delivery channel needs
type Deliverable struct {
	SearchID string
	To       string
	Subject  string
	HTML     string
	Filename string
	CSV      []byte
}

// Payment statuses (provider vocabulary)
const (
	PaymentStatusPending   = "pending"
	PaymentStatusApproved  = "approved"
	PaymentStatusRejected  = "rejected"
	PaymentStatusRefunded  = "refunded"
	PaymentStatusCancelled = "cancelled"
)

// Delivery statuses; "sent" is terminal
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusSent       = "sent"
	DeliveryStatusFailed     = "failed"
)

// Enrichment job statuses
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"
)

// Search tracking terminal statuses; anything else is a synthesized
// progress string such as "Procesando (2/5)..."
const (
	TrackingStatusPending   = "pending"
	TrackingStatusCompleted = "completed"
	TrackingStatusError     = "error"
)

// Filter modes reported by the lead matcher
const (
	FilterModeStrict        = "strict"
	FilterModeRubroFallback = "rubro_fallback"
)
