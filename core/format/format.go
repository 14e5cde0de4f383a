package format

import (
	"fmt"

	"github.com/pgmanage/dbconsole/core"
)

// ByName returns a formatter for "table" (default), "csv" or "json".
func ByName(name string) (core.Formatter, error) {
	switch name {
	case "", "table":
		return NewTable(), nil
	case "csv":
		return NewCSV(), nil
	case "json":
		return NewJSON(), nil
	}
	return nil, fmt.Errorf("unknown output format: %q", name)
}
