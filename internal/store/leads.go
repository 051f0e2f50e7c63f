package store

import (
	"context"

	"leadflow/internal/models"
)

// LeadsByRubro matches the primary category column by substring
func (s *Store) LeadsByRubro(ctx context.Context, category string, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.SelectContext(ctx, &leads,
		`SELECT provider_id, name, rubro, categoria, address, locality, province,
		        phone, email, website, instagram, facebook, whatsapp, hours
		 FROM leads WHERE rubro ILIKE '%' || $1 || '%' LIMIT $2`,
		category, limit)
	return leads, err
}

// LeadsByCategoria matches the secondary category column. The bulk dataset
// was merged from two sources with differently-cased category labels; the
// matcher tries this column when the primary one yields nothing.
func (s *Store) LeadsByCategoria(ctx context.Context, category string, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.SelectContext(ctx, &leads,
		`SELECT provider_id, name, rubro, categoria, address, locality, province,
		        phone, email, website, instagram, facebook, whatsapp, hours
		 FROM leads WHERE categoria ILIKE '%' || $1 || '%' LIMIT $2`,
		category, limit)
	return leads, err
}
