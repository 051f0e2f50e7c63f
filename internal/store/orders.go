package store

import (
	"context"
	"database/sql"
	"time"

	"leadflow/internal/models"
)

// UpsertOrder creates or partially updates an order. Every column only moves
// forward: empty strings never clobber values written by another stage, and
// metadata is merged, not replaced. Multiple uncoordinated callers (webhook,
// fallback verify, enrichment callback) all funnel through this.
func (s *Store) UpsertOrder(ctx context.Context, order *models.Order) error {
	if order.Metadata == nil {
		order.Metadata = models.Metadata{}
	}
	query := `
		INSERT INTO orders (
			search_id, email, phone, rubro, region, localities,
			quantity_paid, amount_paid, currency,
			payment_status, delivery_status, provider_payment_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			COALESCE(NULLIF($10, ''), 'pending'),
			COALESCE(NULLIF($11, ''), 'pending'),
			$12, $13)
		ON CONFLICT (search_id) DO UPDATE SET
			email               = COALESCE(NULLIF(EXCLUDED.email, ''), orders.email),
			phone               = COALESCE(NULLIF(EXCLUDED.phone, ''), orders.phone),
			rubro               = COALESCE(NULLIF(EXCLUDED.rubro, ''), orders.rubro),
			region              = COALESCE(NULLIF(EXCLUDED.region, ''), orders.region),
			localities          = CASE WHEN cardinality(EXCLUDED.localities) > 0
			                           THEN EXCLUDED.localities ELSE orders.localities END,
			quantity_paid       = GREATEST(EXCLUDED.quantity_paid, orders.quantity_paid),
			amount_paid         = GREATEST(EXCLUDED.amount_paid, orders.amount_paid),
			currency            = COALESCE(NULLIF(EXCLUDED.currency, ''), orders.currency),
			payment_status      = COALESCE(NULLIF($10, ''), orders.payment_status),
			provider_payment_id = COALESCE(NULLIF(EXCLUDED.provider_payment_id, ''), orders.provider_payment_id),
			metadata            = orders.metadata || EXCLUDED.metadata,
			updated_at          = NOW()
		RETURNING payment_status, delivery_status, metadata, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		order.SearchID, order.Email, order.Phone, order.Rubro, order.Region,
		order.Localities, order.QuantityPaid, order.AmountPaid, order.Currency,
		order.PaymentStatus, order.DeliveryStatus, order.ProviderPaymentID, order.Metadata,
	).Scan(&order.PaymentStatus, &order.DeliveryStatus, &order.Metadata,
		&order.CreatedAt, &order.UpdatedAt)
}

// GetOrderBySearchID retrieves an order, returning (nil, nil) when absent
func (s *Store) GetOrderBySearchID(ctx context.Context, searchID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE search_id = $1", searchID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MergeOrderMetadata shallow-merges keys into the order's metadata column.
// The merge happens in SQL so concurrent writers cannot erase each other.
func (s *Store) MergeOrderMetadata(ctx context.Context, searchID string, meta models.Metadata) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET metadata = metadata || $2, updated_at = NOW() WHERE search_id = $1",
		searchID, meta)
	return err
}

// MarkDeliveryProcessing transitions delivery_status to processing unless the
// order was already sent. Returns false when the guard rejected the write.
func (s *Store) MarkDeliveryProcessing(ctx context.Context, searchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET delivery_status = $2, updated_at = NOW()
		 WHERE search_id = $1 AND delivery_status <> $3`,
		searchID, models.DeliveryStatusProcessing, models.DeliveryStatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDeliverySent transitions to the terminal sent state. The conditional
// write is the last line of defense against a concurrent duplicate send.
func (s *Store) MarkDeliverySent(ctx context.Context, searchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET delivery_status = $2, updated_at = NOW()
		 WHERE search_id = $1 AND delivery_status <> $2`,
		searchID, models.DeliveryStatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDeliveryFailed records a failed delivery with its reason, never
// overwriting a terminal sent state.
func (s *Store) MarkDeliveryFailed(ctx context.Context, searchID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET delivery_status = $2,
		        metadata = metadata || jsonb_build_object('delivery_error', $3::text),
		        updated_at = NOW()
		 WHERE search_id = $1 AND delivery_status <> $4`,
		searchID, models.DeliveryStatusFailed, reason, models.DeliveryStatusSent)
	return err
}

// StoreDeliverable saves the generated CSV and its download token on the order
func (s *Store) StoreDeliverable(ctx context.Context, searchID string, csv []byte, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET csv_file = $2, download_token = $3,
		        download_expires_at = $4, updated_at = NOW()
		 WHERE search_id = $1`,
		searchID, csv, token, expiresAt)
	return err
}

// GetOrderByDownloadToken retrieves the order owning a download token,
// returning (nil, nil) when no order carries it
func (s *Store) GetOrderByDownloadToken(ctx context.Context, token string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE download_token = $1", token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}
