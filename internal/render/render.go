// Package render formats command output. Text mode gets aligned tables and
// key-value blocks; JSON mode gets compact single-line documents for
// scripting.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Table accumulates rows and prints them with computed column widths.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
}

// NewTable creates a table with the given column headers.
func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{writer: w, headers: headers}
}

// Row appends one row. Missing cells render empty; extra cells are dropped.
func (t *Table) Row(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows added so far.
func (t *Table) Len() int {
	return len(t.rows)
}

// Flush prints the header and all rows.
func (t *Table) Flush() {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	t.printRow(t.headers, widths)
	for _, row := range t.rows {
		t.printRow(row, widths)
	}
}

func (t *Table) printRow(cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			// Last column stays ragged so trailing spaces don't pad the line.
			parts[i] = cell
		} else {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
	}
	_, _ = fmt.Fprintln(t.writer, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// Truncate shortens a value to width runes with a trailing ellipsis.
func Truncate(value string, width int) string {
	if width <= 3 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}
	return string(runes[:width-3]) + "..."
}

// KeyValues prints aligned "Key:  value" lines in the given order.
func KeyValues(w io.Writer, pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	for _, p := range pairs {
		_, _ = fmt.Fprintf(w, "%-*s  %s\n", width+1, p[0]+":", p[1])
	}
}

// JSON writes v as a compact single-line JSON document.
func JSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, string(data))
	return nil
}

// Timestamp formats a time for table cells, empty for the zero time.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

// Ago renders how long ago t was, "never" for the zero time.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
