package excel

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	// ContentType is the MIME type of the workbooks produced here.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	DefaultSheetName = "Query Results"

	maxColumnWidth = 255.0
	columnPadding  = 4.0
	minColumnWidth = 8.0
)

// Converter renders tabular data as an XLSX workbook with a styled header row.
type Converter struct {
	SheetName string
}

// NewConverter returns a Converter writing to the default sheet name.
func NewConverter() *Converter {
	return &Converter{SheetName: DefaultSheetName}
}

// FromCSV converts a CSV stream whose first record is the header.
func (c *Converter) FromCSV(r io.Reader) ([]byte, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv has no header row")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var records [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		records = append(records, rec)
	}

	return c.render(header, records)
}

// FromRows converts rows keyed by column name. When columns is empty the sorted keys of the
// first row are used.
func (c *Converter) FromRows(columns []string, rows []map[string]any) ([]byte, error) {
	if len(columns) == 0 && len(rows) > 0 {
		for k := range rows[0] {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}
	if len(columns) == 0 {
		return nil, errors.New("no columns to write")
	}

	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		rec := make([]string, len(columns))
		for i, col := range columns {
			rec[i] = cellString(row[col])
		}
		records = append(records, rec)
	}

	return c.render(columns, records)
}

func (c *Converter) render(header []string, records [][]string) ([]byte, error) {
	sheet := c.SheetName
	if sheet == "" {
		sheet = DefaultSheetName
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 12},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C0C0C0"}},
		Border: thinBorder(),
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	dataStyle, err := f.NewStyle(&excelize.Style{Border: thinBorder()})
	if err != nil {
		return nil, fmt.Errorf("data style: %w", err)
	}

	widths := make([]int, len(header))
	writeRow := func(rowNum int, values []string, style int) error {
		cells := make([]any, len(header))
		for i := range header {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			cells[i] = v
			if w := utf8.RuneCountInString(v); w > widths[i] {
				widths[i] = w
			}
		}
		start, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		end, err := excelize.CoordinatesToCellName(len(header), rowNum)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, start, &cells); err != nil {
			return err
		}
		return f.SetCellStyle(sheet, start, end, style)
	}

	if err := writeRow(1, header, headerStyle); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, rec := range records {
		if err := writeRow(i+2, rec, dataStyle); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		width := min(max(float64(w)+columnPadding, minColumnWidth), maxColumnWidth)
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return nil, fmt.Errorf("column width: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func thinBorder() []excelize.Border {
	return []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool, float64, int, int64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
