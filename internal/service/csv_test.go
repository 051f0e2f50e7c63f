package service

import (
	"strings"
	"testing"
	"time"

	"leadflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLeadsCSVFormat(t *testing.T) {
	csv := string(BuildLeadsCSV([]models.Lead{
		{
			Name:     `Panadería "La Espiga"`,
			Rubro:    "panaderia",
			Address:  "Av. Rivadavia 5000",
			Locality: "Caballito",
			Province: "Buenos Aires",
			Phone:    "+54 11 4901 1234",
			Email:    "hola@laespiga.com.ar",
			Website:  "https://laespiga.com.ar",
			Facebook: "laespiga",
			Hours:    "Lun-Sab 7-20",
		},
	}))

	require.True(t, strings.HasPrefix(csv, "\uFEFF"), "deliverable must start with a UTF-8 BOM")

	lines := strings.Split(strings.TrimSuffix(csv, "\r\n"), "\r\n")
	require.Len(t, lines, 2)

	header := strings.TrimPrefix(lines[0], "\uFEFF")
	assert.Equal(t,
		`"nombre";"rubro";"direccion";"localidad";"provincia";"telefono";"email";"sitio_web";"redes_sociales";"horarios"`,
		header)

	// Every field quoted, internal quotes doubled.
	assert.Contains(t, lines[1], `"Panadería ""La Espiga"""`)
	assert.Contains(t, lines[1], `"laespiga"`)
	assert.NotContains(t, lines[1], ",")
}

func TestBuildLeadsCSVCategoryFallback(t *testing.T) {
	csv := string(BuildLeadsCSV([]models.Lead{
		{Name: "A", Categoria: "ferreteria"},
	}))
	assert.Contains(t, csv, `"ferreteria"`)
}

func TestBuildLeadsCSVSocialHandles(t *testing.T) {
	csv := string(BuildLeadsCSV([]models.Lead{
		{Name: "A", Instagram: "@a", WhatsApp: "+5491112345678"},
	}))
	assert.Contains(t, csv, `"@a | +5491112345678"`)
}

func TestDeliverableFilename(t *testing.T) {
	at := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "leads_panaderia-artesanal_20260315.csv",
		deliverableFilename("Panadería Artesanal", at))
	assert.Equal(t, "leads_leads_20260315.csv", deliverableFilename("", at))
}
