package fetcher

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ReadWorkbook reads every sheet of an XLSX file keyed by sheet name.
func ReadWorkbook(path string) (map[string][][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	out := make(map[string][][]string, len(f.Sheets))
	for _, sheet := range f.Sheets {
		out[sheet.Name] = sheetRows(sheet)
	}
	return out, nil
}

func sheetRows(sheet *xlsx.Sheet) [][]string {
	var rows [][]string
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows
}
