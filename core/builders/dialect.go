package builders

import (
	"fmt"
	"strings"

	"github.com/pgmanage/dbconsole/core"
)

var _ core.Dialect = (*Dialect)(nil)

// Dialect is a table driven core.Dialect.
type Dialect struct {
	// quote characters around identifiers
	QuoteOpen, QuoteClose string
	// PlaceholderFunc renders the 1-based parameter placeholder
	PlaceholderFunc func(index int) string
	// LimitFunc wraps a query so it returns at most n rows
	LimitFunc func(query string, n int) string
}

func (d *Dialect) QuoteIdent(name string) string {
	escaped := strings.ReplaceAll(name, d.QuoteClose, d.QuoteClose+d.QuoteClose)
	return d.QuoteOpen + escaped + d.QuoteClose
}

func (d *Dialect) Placeholder(index int) string {
	if d.PlaceholderFunc == nil {
		return "?"
	}
	return d.PlaceholderFunc(index)
}

func (d *Dialect) Limit(query string, n int) string {
	if d.LimitFunc == nil {
		return fmt.Sprintf("%s LIMIT %d", query, n)
	}
	return d.LimitFunc(query, n)
}

var (
	// DialectANSI uses double quotes, ? placeholders and LIMIT.
	DialectANSI = &Dialect{QuoteOpen: `"`, QuoteClose: `"`}

	DialectPostgres = &Dialect{
		QuoteOpen:       `"`,
		QuoteClose:      `"`,
		PlaceholderFunc: func(i int) string { return fmt.Sprintf("$%d", i) },
	}

	DialectMySQL = &Dialect{QuoteOpen: "`", QuoteClose: "`"}

	DialectSQLServer = &Dialect{
		QuoteOpen:       "[",
		QuoteClose:      "]",
		PlaceholderFunc: func(i int) string { return fmt.Sprintf("@p%d", i) },
		LimitFunc: func(query string, n int) string {
			return fmt.Sprintf("SELECT TOP %d * FROM (%s) AS t", n, query)
		},
	}

	DialectOracle = &Dialect{
		QuoteOpen:       `"`,
		QuoteClose:      `"`,
		PlaceholderFunc: func(i int) string { return fmt.Sprintf(":%d", i) },
		LimitFunc: func(query string, n int) string {
			return fmt.Sprintf("%s FETCH FIRST %d ROWS ONLY", query, n)
		},
	}
)
