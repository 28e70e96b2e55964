package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Export formats
const (
	ExportCSV  = "csv"
	ExportJSON = "json"
	ExportXLSX = "xlsx"
)

// ExportColumns is the preferred column order of batch item exports. Any
// other fields follow in alphabetical order.
var ExportColumns = []string{
	"item_id", "device_id", "type", "status", "attempts",
	"issued_ts", "sent_ts", "result_ts", "last_error",
}

// ExportContentType returns the MIME type for an export format.
func ExportContentType(format string) string {
	switch format {
	case ExportJSON:
		return "application/json"
	case ExportXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv; charset=utf-8"
	}
}

type exportRow map[string]any

func (it BatchItem) exportRow() exportRow {
	row := exportRow{
		"item_id":      it.ItemID,
		"device_id":    it.DeviceID,
		"type":         it.Type,
		"status":       it.Status,
		"attempts":     it.Attempts,
		"issued_ts":    it.IssuedTS,
		"sent_ts":      nil,
		"result_ts":    nil,
		"last_error":   it.LastError,
		"batch_id":     it.batchID,
		"max_attempts": it.maxAttempts,
		"note":         it.note,
	}
	if it.SentTS != nil {
		row["sent_ts"] = *it.SentTS
	}
	if it.ResultTS != nil {
		row["result_ts"] = *it.ResultTS
	}
	return row
}

// exportHeader returns the preferred columns followed by every other key
// present in rows, sorted.
func exportHeader(rows []exportRow) []string {
	preferred := make(map[string]bool, len(ExportColumns))
	for _, c := range ExportColumns {
		preferred[c] = true
	}
	extra := map[string]bool{}
	for _, r := range rows {
		for k := range r {
			if !preferred[k] {
				extra[k] = true
			}
		}
	}
	if len(rows) == 0 {
		for k := range (BatchItem{}).exportRow() {
			if !preferred[k] {
				extra[k] = true
			}
		}
	}
	rest := make([]string, 0, len(extra))
	for k := range extra {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(append([]string(nil), ExportColumns...), rest...)
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// ExportBatchItems writes every member of a batch to w in the given format.
func (s *Store) ExportBatchItems(ctx context.Context, batchID, format string, w io.Writer) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ExportCSV
	}
	switch format {
	case ExportCSV, ExportJSON, ExportXLSX:
	default:
		return invalidArgument("unsupported export format %q", format)
	}
	items, err := s.batchItems(ctx, batchID)
	if err != nil {
		return err
	}
	rows := make([]exportRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, it.exportRow())
	}
	header := exportHeader(rows)

	switch format {
	case ExportJSON:
		return writeJSONRows(w, header, rows)
	case ExportXLSX:
		return writeXLSXRows(w, header, rows)
	default:
		return writeCSVRows(w, header, rows)
	}
}

func writeCSVRows(w io.Writer, header []string, rows []exportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, r := range rows {
		for i, col := range header {
			rec[i] = cellString(r[col])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeJSONRows emits an array of objects whose keys follow header order.
func writeJSONRows(w io.Writer, header []string, rows []exportRow) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range header {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(col)
			v, err := json.Marshal(r[col])
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteByte('}')
	}
	buf.WriteString("]\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func writeXLSXRows(w io.Writer, header []string, rows []exportRow) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "items"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for i, col := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		_ = f.SetCellValue(sheet, cell, col)
	}
	for r, row := range rows {
		for i, col := range header {
			v := row[col]
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return err
			}
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	return f.Write(w)
}
