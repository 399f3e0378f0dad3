// Package fetcher parses the tabular files operators import: competitor
// price sheets (CSV) and ratebook workbooks (XLSX).
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// SheetOptions configures StreamSheet.
type SheetOptions struct {
	Delimiter rune // default ','
	Comment   rune // lines starting with it are ignored; 0 disables
	// Required lists header names that must be present. Matching is
	// case-insensitive.
	Required []string
}

// Row is one data row of a sheet and the line it started on.
type Row struct {
	Line   int
	Record Record
}

// StreamSheet reads a header-first CSV sheet from r and emits each non-blank
// data row keyed by its lower-cased header. Fields are trimmed and short rows
// padded. An empty input yields no rows. The row channel must be drained; the
// error channel then carries at most one error. Both are closed when reading
// stops.
func StreamSheet(ctx context.Context, r io.Reader, opts SheetOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = true
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true

		var keys []string
		for {
			if err := ctx.Err(); err != nil {
				errCh <- eris.Wrap(err, "sheet: cancelled")
				return
			}
			fields, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "sheet: read row")
				return
			}
			line, _ := reader.FieldPos(0)

			if keys == nil {
				keys = headerKeys(fields)
				if missing := missingColumns(keys, opts.Required); len(missing) > 0 {
					errCh <- eris.Errorf("sheet: header is missing %s", strings.Join(missing, ", "))
					return
				}
				continue
			}
			if isBlank(fields) {
				continue
			}

			rec := make(Record, len(keys))
			for i, k := range keys {
				if k == "" {
					continue
				}
				if i < len(fields) {
					rec[k] = strings.TrimSpace(fields[i])
				} else {
					rec[k] = ""
				}
			}
			select {
			case rowCh <- Row{Line: line, Record: rec}:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "sheet: cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func headerKeys(header []string) []string {
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return keys
}

func missingColumns(keys, required []string) []string {
	have := make(map[string]bool, len(keys))
	for _, k := range keys {
		have[k] = true
	}
	var missing []string
	for _, name := range required {
		if !have[strings.ToLower(name)] {
			missing = append(missing, name)
		}
	}
	return missing
}
