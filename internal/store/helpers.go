package store

import (
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalFields serializes a fields map for storage.
func marshalFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record fields: %w", err)
	}
	return string(data), nil
}

// mergeFields applies a patch on top of a stored fields document.
func mergeFields(storedJSON string, patch map[string]string) (string, error) {
	merged := make(map[string]string)
	if storedJSON != "" {
		if err := json.Unmarshal([]byte(storedJSON), &merged); err != nil {
			return "", fmt.Errorf("failed to unmarshal stored fields: %w", err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	return marshalFields(merged)
}

// rowScanner abstracts *sql.Row and *sql.Rows for record scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one record row including its JSON fields document.
func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var fieldsJSON string
	if err := row.Scan(&rec.ID, &rec.Target, &rec.Identity, &fieldsJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Fields = make(map[string]string)
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
		}
	}
	return &rec, nil
}
