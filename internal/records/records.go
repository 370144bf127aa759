package records

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Record is one input row destined for the portal form. Reference is the
// caller-facing identifier shown in logs and notes; Fields carries the form
// field values keyed by input column header.
type Record struct {
	Reference string            `json:"reference"`
	Fields    map[string]string `json:"fields"`
}

// Marshal encodes the record for storage in a work item payload
func (r Record) Marshal() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

// Unmarshal decodes a work item payload back into a record
func Unmarshal(payload string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return r, nil
}

// LoadCSV reads an input file into ordered records. The first row is the
// header; a "reference" column (case-insensitive) becomes the record
// reference, otherwise the row number is used.
func LoadCSV(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	if len(rows) < 2 {
		return nil, fmt.Errorf("input file has no data rows")
	}

	header := rows[0]
	refCol := -1
	for i, col := range header {
		if strings.EqualFold(strings.TrimSpace(col), "reference") {
			refCol = i
			break
		}
	}

	out := make([]Record, 0, len(rows)-1)
	for rowIdx, row := range rows[1:] {
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[strings.TrimSpace(col)] = strings.TrimSpace(row[i])
			}
		}

		ref := fmt.Sprintf("row-%d", rowIdx+1)
		if refCol >= 0 && refCol < len(row) && strings.TrimSpace(row[refCol]) != "" {
			ref = strings.TrimSpace(row[refCol])
		}

		out = append(out, Record{Reference: ref, Fields: fields})
	}

	return out, nil
}
