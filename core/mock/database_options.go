package mock

import (
	"context"
	"time"

	"github.com/pgmanage/dbconsole/core"
)

type databaseConfig struct {
	defaultRows  []core.Row
	results      map[string][]core.Row
	headers      map[string]core.Header
	errors       map[string]error
	sideEffects  map[string]func(context.Context) error
	special      map[string]*core.DataTable
	notices      []string
	nextSleep    time.Duration
	pid          string
	openErr      error
	searchResult *core.DataTable
	primaryKeys  map[string][]string
}

type DatabaseOption func(*databaseConfig)

// DatabaseWithRows sets rows returned by any query without a specific result.
func DatabaseWithRows(rows []core.Row) DatabaseOption {
	return func(c *databaseConfig) {
		c.defaultRows = rows
	}
}

func DatabaseWithQueryResult(query string, header core.Header, rows []core.Row) DatabaseOption {
	return func(c *databaseConfig) {
		c.results[query] = rows
		c.headers[query] = header
	}
}

func DatabaseWithQueryError(query string, err error) DatabaseOption {
	return func(c *databaseConfig) {
		c.errors[query] = err
	}
}

func DatabaseWithQuerySideEffect(query string, sideEffect func(context.Context) error) DatabaseOption {
	return func(c *databaseConfig) {
		_, ok := c.sideEffects[query]
		if ok {
			panic("side effect already registered for query: " + query)
		}

		c.sideEffects[query] = sideEffect
	}
}

func DatabaseWithSpecial(command string, table *core.DataTable) DatabaseOption {
	return func(c *databaseConfig) {
		c.special[command] = table
	}
}

func DatabaseWithNotices(notices ...string) DatabaseOption {
	return func(c *databaseConfig) {
		c.notices = append(c.notices, notices...)
	}
}

// DatabaseWithNextSleep delays every row, which makes long running
// statements observable by tests.
func DatabaseWithNextSleep(s time.Duration) DatabaseOption {
	return func(c *databaseConfig) {
		c.nextSleep = s
	}
}

func DatabaseWithPID(pid string) DatabaseOption {
	return func(c *databaseConfig) {
		c.pid = pid
	}
}

func DatabaseWithOpenError(err error) DatabaseOption {
	return func(c *databaseConfig) {
		c.openErr = err
	}
}

func DatabaseWithSearchResult(table *core.DataTable) DatabaseOption {
	return func(c *databaseConfig) {
		c.searchResult = table
	}
}

func DatabaseWithPrimaryKey(table string, columns ...string) DatabaseOption {
	return func(c *databaseConfig) {
		c.primaryKeys[table] = columns
	}
}
