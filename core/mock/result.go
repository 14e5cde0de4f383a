package mock

import (
	"errors"
	"fmt"

	"github.com/pgmanage/dbconsole/core"
)

var _ core.ResultStream = (*ResultStream)(nil)

type ResultStream struct {
	rows   []core.Row
	index  int
	header core.Header
	meta   *core.Meta
}

func makeDefaultHeader(rows []core.Row) core.Header {
	var header core.Header
	if len(rows) > 0 {
		for i := range rows[0] {
			header = append(header, fmt.Sprintf("header_%d", i))
		}
	}
	return header
}

// NewResultStream returns a mocked result stream with provided rows.
// It creates a header that matches the number of columns in the first row
// in form of: <header_0>, <header_1>, etc.
func NewResultStream(rows []core.Row) *ResultStream {
	return &ResultStream{
		rows:   rows,
		header: makeDefaultHeader(rows),
		meta:   &core.Meta{},
	}
}

// WithHeader replaces the generated header.
func (rs *ResultStream) WithHeader(header core.Header) *ResultStream {
	if header != nil {
		rs.header = header
	}
	return rs
}

func (rs *ResultStream) Meta() *core.Meta {
	return rs.meta
}

func (rs *ResultStream) Header() core.Header {
	return rs.header
}

func (rs *ResultStream) Next() (core.Row, error) {
	if !rs.HasNext() {
		return nil, errors.New("no next row")
	}
	row := rs.rows[rs.index]
	rs.index++
	rs.meta.RowCount++
	return row, nil
}

func (rs *ResultStream) HasNext() bool {
	return rs.index < len(rs.rows)
}

func (rs *ResultStream) Close() {
	rs.index = len(rs.rows)
}

// NewRows returns a slice of rows in form of:
//
//	{ <index>(int), "row_<index>"(string) }
//
// where the first index is "from" and the last one is one less than "to".
func NewRows(from, to int) []core.Row {
	var rows []core.Row

	for i := from; i < to; i++ {
		rows = append(rows, core.Row{i, fmt.Sprintf("row_%d", i)})
	}
	return rows
}
