package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/johnayoung/go-market-fetcher/internal/models"
)

// Artifacts lists the files written by one call.
type Artifacts struct {
	JSONPath string
	CSVPath  string
}

// WriteOutputs writes records to <basePath>.json and, when withCSV is set,
// to <basePath>.csv. Existing files are replaced.
func WriteOutputs(records []models.Record, basePath string, withCSV bool, preferred []string) (*Artifacts, error) {
	if records == nil {
		records = []models.Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}

	artifacts := &Artifacts{JSONPath: basePath + ".json"}
	if err := writeFile(artifacts.JSONPath, buf.Bytes()); err != nil {
		return nil, err
	}

	if withCSV {
		artifacts.CSVPath = basePath + ".csv"
		if err := writeFile(artifacts.CSVPath, []byte(ToCSV(records, preferred))); err != nil {
			return nil, err
		}
	}

	return artifacts, nil
}

// WriteRangeOutputs writes a range query body, re-indented but otherwise
// untouched, to <basePath>.json and, when withCSV is set, its price series to
// <basePath>.csv. The JSON file is written before the body is decoded, so it
// exists even when the CSV cannot be built; the returned Artifacts then list
// only the JSON file alongside the error.
func WriteRangeOutputs(raw json.RawMessage, basePath string, withCSV bool) (*Artifacts, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("failed to format range response: %w", err)
	}
	buf.WriteByte('\n')

	artifacts := &Artifacts{JSONPath: basePath + ".json"}
	if err := writeFile(artifacts.JSONPath, buf.Bytes()); err != nil {
		return nil, err
	}

	if !withCSV {
		return artifacts, nil
	}

	chart, err := models.DecodeMarketChart(raw)
	if err != nil {
		return artifacts, err
	}

	csvPath := basePath + ".csv"
	if err := writeFile(csvPath, []byte(PricesCSV(chart))); err != nil {
		return artifacts, err
	}
	artifacts.CSVPath = csvPath

	return artifacts, nil
}

// writeFile creates the parent directory and truncates any existing file.
func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
