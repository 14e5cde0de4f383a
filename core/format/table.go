package format

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/pgmanage/dbconsole/core"
)

var _ core.Formatter = (*Table)(nil)

// Table renders rows as an aligned text grid with a row number column.
type Table struct{}

func NewTable() *Table {
	return &Table{}
}

func (tf *Table) Format(data *core.DataTable, opts *core.FormatterOptions) ([]byte, error) {
	tableHeaders := table.Row{""}
	for _, k := range data.Columns {
		tableHeaders = append(tableHeaders, k)
	}

	index := 0
	if opts != nil {
		index = opts.ChunkStart
	}

	t := table.NewWriter()
	t.AppendHeader(tableHeaders)
	for _, row := range data.Rows {
		index++
		t.AppendRow(append(table.Row{index}, nullify(row)...))
	}
	t.SetStyle(table.StyleLight)
	t.Style().Format = table.FormatOptions{
		Footer: text.FormatDefault,
		Header: text.FormatDefault,
		Row:    text.FormatDefault,
	}
	t.Style().Options.DrawBorder = false
	t.SuppressTrailingSpaces()

	return []byte(t.Render()), nil
}

// nullify shows nil values the way database clients do.
func nullify(row core.Row) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if v == nil {
			out[i] = "NULL"
			continue
		}
		out[i] = v
	}
	return out
}
