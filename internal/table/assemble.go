package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tablex-io/tablex/internal/extract"
)

// ErrNoValidData is returned when no page produced any parseable rows.
var ErrNoValidData = errors.New("no valid data extracted")

// Row is one flattened record. Values holds the cell values keyed by field
// name; Fields preserves the order the fields first appeared in the source
// JSON, which encoding/json maps would otherwise discard.
type Row struct {
	Fields []string
	Values map[string]any
}

// Assemble merges the successful page payloads into one flat row sequence.
// A payload that is a JSON object becomes one row; a JSON array becomes one
// row per element. Payloads that fail to parse (including the literal None
// the prompt allows for table-less pages) are logged and skipped. Row order
// is page order, then in-page list order.
func Assemble(results []extract.Result) ([]Row, error) {
	rows := make([]Row, 0)
	for _, result := range results {
		if result.Status != extract.StatusSuccess {
			continue
		}
		parsed, err := parseRows(result.RawJSON)
		if err != nil {
			slog.Error("Skipping page with unparsable payload", "page", result.PageIndex, "error", err)
			continue
		}
		rows = append(rows, parsed...)
	}

	if len(rows) == 0 {
		slog.Warn("No valid JSON data found in any page")
		return nil, ErrNoValidData
	}
	return rows, nil
}

// Columns returns the union of all row field names in first-seen order.
func Columns(rows []Row) []string {
	columns := make([]string, 0)
	seen := make(map[string]struct{})
	for _, row := range rows {
		for _, field := range row.Fields {
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			columns = append(columns, field)
		}
	}
	return columns
}

func parseRows(raw string) ([]Row, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return nil, fmt.Errorf("payload is not a JSON object or array")
	}

	switch delim {
	case '{':
		row, err := decodeRow(dec)
		if err != nil {
			return nil, err
		}
		return []Row{row}, nil
	case '[':
		rows := make([]Row, 0)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("decoding json: %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '{' {
				return nil, fmt.Errorf("array element is not an object")
			}
			row, err := decodeRow(dec)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("payload is not a JSON object or array")
}

// decodeRow consumes one object body, the opening brace already read.
func decodeRow(dec *json.Decoder) (Row, error) {
	row := Row{Values: make(map[string]any)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Row{}, fmt.Errorf("decoding json: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Row{}, fmt.Errorf("object key is not a string")
		}

		value, err := decodeValue(dec)
		if err != nil {
			return Row{}, err
		}

		if _, seen := row.Values[key]; !seen {
			row.Fields = append(row.Fields, key)
		}
		row.Values[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return Row{}, fmt.Errorf("decoding json: %w", err)
	}
	return row, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			// Nested objects are not expected from the prompt but must not
			// break assembly; keep them as plain maps.
			nested := make(map[string]any)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("decoding json: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key is not a string")
				}
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				nested[key] = value
			}
			_, err := dec.Token()
			return nested, err
		case '[':
			list := make([]any, 0)
			for dec.More() {
				value, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, value)
			}
			_, err := dec.Token()
			return list, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f, nil
		}
		return t.String(), nil
	default:
		// string, bool or nil
		return tok, nil
	}
}
