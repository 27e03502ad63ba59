package main

import (
	"encoding/json"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one table column. Numeric columns are right aligned.
type column struct {
	header  string
	numeric bool
}

func textCol(header string) column { return column{header: header} }

func numCol(header string) column { return column{header: header, numeric: true} }

// tableView collects rows for a fixed set of columns.
type tableView struct {
	columns []column
	rows    []table.Row
}

func newTableView(columns ...column) *tableView {
	return &tableView{columns: columns}
}

// add appends one row. Missing trailing cells render blank.
func (v *tableView) add(cells ...string) {
	row := make(table.Row, len(v.columns))
	for i := range row {
		row[i] = ""
		if i < len(cells) {
			row[i] = cells[i]
		}
	}
	v.rows = append(v.rows, row)
}

func (v *tableView) render() string {
	if len(v.columns) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(v.columns))
	configs := make([]table.ColumnConfig, len(v.columns))
	for i, col := range v.columns {
		header[i] = col.header
		configs[i] = table.ColumnConfig{Number: i + 1, AlignHeader: text.AlignLeft, Align: text.AlignLeft}
		if col.numeric {
			configs[i].Align = text.AlignRight
		}
	}
	tw.AppendHeader(header)
	tw.AppendRows(v.rows)
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

// emitJSON writes v as indented JSON, the machine-readable form of every
// --json flag.
func emitJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
