package service

import (
	"fmt"
	"strings"
	"time"

	"leadflow/internal/models"
)

// CSV deliverable format: UTF-8 BOM so spreadsheet tools pick up encoding,
// semicolon separators, every field quoted with internal quotes doubled,
// fixed column order. encoding/csv only quotes when it has to, so the
// deliverable is assembled by hand to keep the format byte-stable.
var csvColumns = []string{
	"nombre", "rubro", "direccion", "localidad", "provincia",
	"telefono", "email", "sitio_web", "redes_sociales", "horarios",
}

// BuildLeadsCSV renders the deliverable for a set of leads
func BuildLeadsCSV(leads []models.Lead) []byte {
	var b strings.Builder
	b.WriteString("\uFEFF")
	writeCSVRow(&b, csvColumns)

	for _, lead := range leads {
		category := lead.Rubro
		if category == "" {
			category = lead.Categoria
		}
		writeCSVRow(&b, []string{
			lead.Name,
			category,
			lead.Address,
			lead.Locality,
			lead.Province,
			lead.Phone,
			lead.Email,
			lead.Website,
			socialHandles(lead),
			lead.Hours,
		})
	}

	return []byte(b.String())
}

func writeCSVRow(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteString("\r\n")
}

func socialHandles(lead models.Lead) string {
	handles := make([]string, 0, 3)
	for _, h := range []string{lead.Instagram, lead.Facebook, lead.WhatsApp} {
		if h != "" {
			handles = append(handles, h)
		}
	}
	return strings.Join(handles, " | ")
}

// deliverableFilename builds a stable, filesystem-safe CSV name per order
func deliverableFilename(rubro string, at time.Time) string {
	slug := normalizeText(rubro)
	if slug == "" {
		slug = "leads"
	}
	return fmt.Sprintf("leads_%s_%s.csv",
		strings.ReplaceAll(slug, " ", "-"), at.Format("20060102"))
}
