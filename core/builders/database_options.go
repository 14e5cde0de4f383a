package builders

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pgmanage/dbconsole/core"
)

type databaseConfig struct {
	typeProcessors map[string]func(any) any
	dialect        core.Dialect

	pidQuery       string
	killQuery      func(pid string) string
	terminateQuery func(pid string) string
	noticeQuery    string
	fieldsQuery    func(query string) string
	objectsQuery   string
	primaryKey     func(d core.Dialect, schema, table string) (string, []any)

	conStatus     func(conn *sql.Conn) (core.ConStatus, bool)
	special       func(ctx context.Context, db *Database, query string) (*core.DataTable, error)
	errorMapper   func(err error) error
	errorPosition func(message, query string) *core.ErrorPosition
}

type DatabaseOption func(*databaseConfig)

func WithCustomTypeProcessor(typ string, fn func(any) any) DatabaseOption {
	return func(c *databaseConfig) {
		t := strings.ToLower(typ)
		_, ok := c.typeProcessors[t]
		if ok {
			// processor already registered for this type
			return
		}

		c.typeProcessors[t] = fn
	}
}

func WithDialect(dialect core.Dialect) DatabaseOption {
	return func(c *databaseConfig) {
		c.dialect = dialect
	}
}

// WithPIDQuery sets a query returning the backend id of the current connection.
func WithPIDQuery(query string) DatabaseOption {
	return func(c *databaseConfig) {
		c.pidQuery = query
	}
}

// WithKillQuery enables side-channel cancellation of a running statement.
func WithKillQuery(fn func(pid string) string) DatabaseOption {
	return func(c *databaseConfig) {
		c.killQuery = fn
	}
}

// WithTerminateQuery sets the statement which ends another backend.
func WithTerminateQuery(fn func(pid string) string) DatabaseOption {
	return func(c *databaseConfig) {
		c.terminateQuery = fn
	}
}

// WithNoticeQuery sets a query run after each statement whose rows are
// collected as notices (e.g. SHOW WARNINGS).
func WithNoticeQuery(query string) DatabaseOption {
	return func(c *databaseConfig) {
		c.noticeQuery = query
	}
}

// WithFieldsQuery wraps a query so it returns column metadata without rows.
func WithFieldsQuery(fn func(query string) string) DatabaseOption {
	return func(c *databaseConfig) {
		c.fieldsQuery = fn
	}
}

// WithObjectsQuery sets the catalog query used by object search. It must
// return category, schema, object, name and definition columns.
func WithObjectsQuery(query string) DatabaseOption {
	return func(c *databaseConfig) {
		c.objectsQuery = query
	}
}

func WithPrimaryKeyQuery(fn func(d core.Dialect, schema, table string) (string, []any)) DatabaseOption {
	return func(c *databaseConfig) {
		c.primaryKey = fn
	}
}

// WithConStatusFunc reads the transaction status from the driver connection.
// Returning false falls back to the tracked status.
func WithConStatusFunc(fn func(conn *sql.Conn) (core.ConStatus, bool)) DatabaseOption {
	return func(c *databaseConfig) {
		c.conStatus = fn
	}
}

func WithSpecialHandler(fn func(ctx context.Context, db *Database, query string) (*core.DataTable, error)) DatabaseOption {
	return func(c *databaseConfig) {
		c.special = fn
	}
}

// WithErrorMapper converts driver errors, typically into *core.DatabaseError
// carrying an offset.
func WithErrorMapper(fn func(err error) error) DatabaseOption {
	return func(c *databaseConfig) {
		c.errorMapper = fn
	}
}

func WithErrorPositionFunc(fn func(message, query string) *core.ErrorPosition) DatabaseOption {
	return func(c *databaseConfig) {
		c.errorPosition = fn
	}
}
