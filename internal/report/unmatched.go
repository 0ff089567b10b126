// Package report renders attachments for failure notifications.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// ContentTypeXLSX is the MIME type of an Office Open XML workbook.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const sheetName = "Unmatched"

// UnmatchedFilename names the workbook for a batch.
func UnmatchedFilename(b model.Batch) string {
	base := b.Filename
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s_unmatched.xlsx", base)
}

// UnmatchedWorkbook writes the staging rows still missing content
// references into a single-sheet workbook, header row first.
func UnmatchedWorkbook(t *warehouse.Table) ([]byte, error) {
	if t == nil || len(t.Columns) == 0 {
		return nil, eris.New("report: no columns")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return nil, eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range t.Columns {
		cell := header.AddCell()
		cell.SetString(c)
		cell.GetStyle().Font.Bold = true
	}
	for _, r := range t.Rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "report: write workbook")
	}
	return buf.Bytes(), nil
}
