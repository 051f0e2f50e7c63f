package service

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"leadflow/internal/models"
	"leadflow/internal/util"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LeadSource supplies candidate leads from the bulk dataset
type LeadSource interface {
	LeadsByRubro(ctx context.Context, category string, limit int) ([]models.Lead, error)
	LeadsByCategoria(ctx context.Context, category string, limit int) ([]models.Lead, error)
}

// MatchResult carries the selected leads plus the filter mode used, which is
// surfaced for observability because the locality fallback silently widens
// the geographic scope.
type MatchResult struct {
	Leads      []models.Lead
	FilterMode string
}

// Matcher selects and deduplicates candidate leads for an order's criteria
type Matcher struct {
	source LeadSource
	logger *zap.Logger
}

// NewMatcher creates a new lead matcher
func NewMatcher(source LeadSource) *Matcher {
	return &Matcher{
		source: source,
		logger: util.GetLogger(),
	}
}

// Match selects up to quantity deduplicated leads for the given category and
// localities. An empty result is not an error; callers decide what it means.
func (m *Matcher) Match(ctx context.Context, category string, localities []string, quantity, fetchLimit int) (*MatchResult, error) {
	ctx, span := util.StartSpan(ctx, "Matcher.Match")
	defer span.End()

	normQuery := normalizeText(category)
	if normQuery == "" {
		return &MatchResult{FilterMode: models.FilterModeStrict}, nil
	}

	byCategory, err := m.fetchByCategory(ctx, category, normQuery, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("lead lookup failed: %w", err)
	}

	filterMode := models.FilterModeStrict
	matched := filterByLocality(byCategory, localities)

	// Locality labels are inconsistent across the merged sources: a lead
	// tagged with a neighborhood will not equal the buyer's district. When
	// the locality filter empties a non-empty category set, fall back to the
	// category-only set and report the mode.
	if len(matched) == 0 && len(byCategory) > 0 && len(localities) > 0 {
		matched = byCategory
		filterMode = models.FilterModeRubroFallback
		util.MatcherFallbackTotal.Inc()
		m.logger.Warn("Locality filter emptied candidate set, using category-only fallback",
			zap.String("category", category),
			zap.Strings("localities", localities),
			zap.Int("candidates", len(byCategory)))
	}

	deduped := dedupeLeads(matched)
	if quantity > 0 && len(deduped) > quantity {
		deduped = deduped[:quantity]
	}

	return &MatchResult{Leads: deduped, FilterMode: filterMode}, nil
}

// fetchByCategory tries the primary category column, then the secondary one,
// and keeps only rows whose normalized category actually relates to the query
// by substring in either direction.
func (m *Matcher) fetchByCategory(ctx context.Context, raw, normQuery string, limit int) ([]models.Lead, error) {
	rows, err := m.source.LeadsByRubro(ctx, raw, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows, err = m.source.LeadsByCategoria(ctx, raw, limit)
		if err != nil {
			return nil, err
		}
	}

	matched := make([]models.Lead, 0, len(rows))
	for _, lead := range rows {
		if categoryMatches(normQuery, lead.Rubro) || categoryMatches(normQuery, lead.Categoria) {
			matched = append(matched, lead)
		}
	}
	return matched, nil
}

func categoryMatches(normQuery, leadCategory string) bool {
	normLead := normalizeText(leadCategory)
	if normLead == "" {
		return false
	}
	return strings.Contains(normLead, normQuery) || strings.Contains(normQuery, normLead)
}

// filterByLocality keeps leads whose locality relates to any requested
// locality by substring containment in either direction, tolerating
// neighborhood-vs-district granularity mismatches.
func filterByLocality(leads []models.Lead, localities []string) []models.Lead {
	if len(localities) == 0 {
		return leads
	}

	normQueries := make([]string, 0, len(localities))
	for _, loc := range localities {
		if n := normalizeText(loc); n != "" {
			normQueries = append(normQueries, n)
		}
	}
	if len(normQueries) == 0 {
		return leads
	}

	matched := make([]models.Lead, 0, len(leads))
	for _, lead := range leads {
		normLead := normalizeText(lead.Locality)
		if normLead == "" {
			continue
		}
		for _, q := range normQueries {
			if strings.Contains(normLead, q) || strings.Contains(q, normLead) {
				matched = append(matched, lead)
				break
			}
		}
	}
	return matched
}

// dedupeLeads removes duplicates by provider ID or name|locality composite,
// preserving first occurrence
func dedupeLeads(leads []models.Lead) []models.Lead {
	seen := make(map[string]struct{}, len(leads))
	out := make([]models.Lead, 0, len(leads))
	for _, lead := range leads {
		key := lead.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, lead)
	}
	return out
}

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lowercases, strips diacritics, and collapses runs of
// non-alphanumerics into single spaces
func normalizeText(s string) string {
	stripped, _, err := transform.String(stripAccents, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	lastSpace := true
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
