package format

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/pgmanage/dbconsole/core"
)

var _ core.Formatter = (*CSV)(nil)

type CSV struct{}

func NewCSV() *CSV {
	return &CSV{}
}

func (cf *CSV) Format(data *core.DataTable, opts *core.FormatterOptions) ([]byte, error) {
	records := make([][]string, 0, data.Len()+1)
	// continued chunks do not repeat the header
	if opts == nil || opts.ChunkStart == 0 {
		records = append(records, data.Columns)
	}
	for _, row := range data.Rows {
		record := make([]string, len(row))
		for i, v := range row {
			if v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		records = append(records, record)
	}

	b := new(bytes.Buffer)
	w := csv.NewWriter(b)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("w.WriteAll: %w", err)
	}

	return b.Bytes(), nil
}
