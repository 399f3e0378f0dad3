package fetcher

import (
	"strings"
)

// Record is one data row addressed by lower-cased header name.
type Record map[string]string

// Get returns the trimmed value of column name, or "" if absent.
func (r Record) Get(name string) string {
	return strings.TrimSpace(r[strings.ToLower(name)])
}

// Records pairs each data row with the header row. Blank rows are dropped
// and short rows are padded with empty values.
func Records(header []string, rows [][]string) []Record {
	keys := headerKeys(header)

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if isBlank(row) {
			continue
		}
		rec := make(Record, len(keys))
		for i, k := range keys {
			if k == "" {
				continue
			}
			if i < len(row) {
				rec[k] = row[i]
			} else {
				rec[k] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
