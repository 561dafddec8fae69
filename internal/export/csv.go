// Package export renders fetched records as CSV and JSON artifacts on disk.
package export

import (
	"sort"
	"strings"

	"github.com/johnayoung/go-market-fetcher/internal/models"
)

// Header returns the CSV columns for records: every key that holds a
// primitive value in at least one record, preferred keys first in their
// given order, then the rest sorted.
func Header(records []models.Record, preferred []string) []string {
	present := make(map[string]struct{})
	for _, record := range records {
		for key, value := range record {
			if models.IsPrimitive(value) {
				present[key] = struct{}{}
			}
		}
	}

	header := make([]string, 0, len(present))
	used := make(map[string]struct{}, len(preferred))
	for _, key := range preferred {
		if _, ok := present[key]; !ok {
			continue
		}
		if _, dup := used[key]; dup {
			continue
		}
		used[key] = struct{}{}
		header = append(header, key)
	}

	rest := make([]string, 0, len(present)-len(header))
	for key := range present {
		if _, ok := used[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)

	return append(header, rest...)
}

// ToCSV renders records as CSV text. Lines are joined with "\n" and there is
// no trailing newline. Nested values and missing fields are emitted empty.
func ToCSV(records []models.Record, preferred []string) string {
	header := Header(records, preferred)

	lines := make([]string, 0, len(records)+1)
	lines = append(lines, joinFields(header))

	row := make([]string, len(header))
	for _, record := range records {
		for i, key := range header {
			row[i] = ""
			if value, ok := record[key]; ok {
				if text, primitive := models.FormatPrimitive(value); primitive {
					row[i] = text
				}
			}
		}
		lines = append(lines, joinFields(row))
	}

	return strings.Join(lines, "\n")
}

// PricesCSV renders the price series of a market chart as date,price rows.
func PricesCSV(chart *models.MarketChart) string {
	lines := []string{"date,price"}
	if chart != nil {
		for _, point := range chart.Prices {
			lines = append(lines, point.Date()+","+escapeField(point.Price()))
		}
	}
	return strings.Join(lines, "\n")
}

func joinFields(fields []string) string {
	escaped := make([]string, len(fields))
	for i, field := range fields {
		escaped[i] = escapeField(field)
	}
	return strings.Join(escaped, ",")
}

// escapeField quotes a field containing a comma, quote or line break and
// doubles any quotes inside it.
func escapeField(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
