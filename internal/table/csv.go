package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// WriteCSV writes the table as one row per record, ordered by (year, date,
// geometry). The first columns are the row key: year, datetime (empty for
// yearly rows) and the geometry's WKT. Missing values are written as empty
// cells.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := append([]string{"year", "datetime", "geometry"}, t.columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, row := range t.SortedRows() {
		record := make([]string, 0, len(header))
		record = append(record, strconv.Itoa(row.Key.Time.Year))
		if row.Key.Time.Yearly() {
			record = append(record, "")
		} else {
			record = append(record, row.Key.Time.String())
		}
		record = append(record, row.Key.Geometry.WKT())
		for _, col := range t.columns {
			if v, ok := row.Values[col]; ok {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row %s: %w", row.Key, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
