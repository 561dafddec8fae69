package collector

import "github.com/johnayoung/go-market-fetcher/internal/models"

// Deduplicate keeps the first record for each distinct value of keyField and
// preserves input order. Records without the field, or with a null value,
// are never treated as duplicates. An empty keyField disables deduplication.
func Deduplicate(records []models.Record, keyField string) []models.Record {
	out := make([]models.Record, 0, len(records))
	if keyField == "" {
		return append(out, records...)
	}

	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		key, ok := record.Key(keyField)
		if !ok {
			out = append(out, record)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, record)
	}

	return out
}
