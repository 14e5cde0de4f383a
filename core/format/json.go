package format

import (
	"encoding/json"
	"fmt"

	"github.com/pgmanage/dbconsole/core"
)

var _ core.Formatter = (*JSON)(nil)

type JSON struct{}

func NewJSON() *JSON {
	return &JSON{}
}

func (jf *JSON) Format(data *core.DataTable, _ *core.FormatterOptions) ([]byte, error) {
	records := make([]map[string]any, 0, data.Len())
	for _, row := range data.Rows {
		record := make(map[string]any, len(row))
		for i, val := range row {
			var h string
			if i < len(data.Columns) {
				h = data.Columns[i]
			} else {
				h = fmt.Sprintf("<unknown-field-%d>", i)
			}
			record[h] = val
		}
		records = append(records, record)
	}

	out, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("json.MarshalIndent: %w", err)
	}

	return out, nil
}
