package sheet

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/loan-ingest/internal/model"
)

// SplitWorkbook converts each worksheet of an XLSX workbook into a section
// named after the sheet. Sheets without a header row are skipped.
func SplitWorkbook(data []byte) ([]model.FileSection, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "sheet: open workbook")
	}

	var sections []model.FileSection
	for _, sh := range f.Sheets {
		b := newSectionBuilder(sh.Name, false)
		for i, row := range sh.Rows {
			if row == nil {
				continue
			}
			cells := rowToStrings(row)
			if allEmpty(cells) {
				continue
			}
			if b.headers == nil {
				cells = trimTrailingEmpty(cells)
			} else {
				// Sparse rows omit blank trailing cells; they are blanks, not noise.
				cells = padTo(cells, len(b.headers))
			}
			b.add(i+1, cells)
		}
		if b.headers == nil {
			continue
		}
		sec, ok := b.build()
		if ok {
			sections = append(sections, sec)
		}
	}

	return sections, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		if cell == nil {
			continue
		}
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

func padTo(cells []string, n int) []string {
	for len(cells) < n {
		cells = append(cells, "")
	}
	return cells
}

// trimTrailingEmpty drops empty cells past the last populated one; header rows
// often carry formatted-but-blank columns.
func trimTrailingEmpty(cells []string) []string {
	end := len(cells)
	for end > 0 && cells[end-1] == "" {
		end--
	}
	return cells[:end]
}
