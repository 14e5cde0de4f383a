package builders

import (
	"errors"

	"github.com/pgmanage/dbconsole/core"
)

// NextNil creates next and hasNext functions that don't return anything (no rows)
func NextNil() (func() (core.Row, error), func() bool) {
	hasNext := func() bool {
		return false
	}

	next := func() (core.Row, error) {
		return nil, errors.New("no next row")
	}

	return next, hasNext
}
