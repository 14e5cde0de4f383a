package core

import "context"

// Adapter creates database handles for a vendor.
type Adapter interface {
	// Connect prepares an unopened handle. No network round trip is required.
	Connect(params *ConnectionParams) (Database, error)
}

// DatabaseSwitcher is implemented by adapters able to point a connection
// url at another database on the same server.
type DatabaseSwitcher interface {
	WithDatabase(url, name string) (string, error)
}

// Dialect holds the vendor specific bits of sql text generation.
type Dialect interface {
	QuoteIdent(name string) string
	Placeholder(index int) string
	Limit(query string, n int) string
}

// Database is a single logical connection used by one tab.
//
// Only Cancel may be called concurrently with other methods.
type Database interface {
	Type() string
	Dialect() Dialect

	Open(ctx context.Context, autocommit bool) error
	Close(commit bool) error

	Query(ctx context.Context, sql string, allTypesStr, simple bool) (*DataTable, error)
	Execute(ctx context.Context, sql string) error
	ExecuteParams(ctx context.Context, sql string, args ...any) (int64, error)
	ExecuteScalar(ctx context.Context, sql string) (any, error)

	// QueryBlock returns the next blockSize rows of sql, keeping the cursor
	// open between calls. A block shorter than blockSize is the last one.
	QueryBlock(ctx context.Context, sql string, blockSize int, allTypesStr, simple bool) (*DataTable, error)
	// CloseCursor discards an open block cursor; the next QueryBlock re-executes.
	CloseCursor() error
	InsertBlock(ctx context.Context, table *DataTable, tableName string, fields []string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Cancel aborts the running statement. With useSameConnection the
	// driver's native cancel is used, otherwise a kill is issued from a
	// separate connection.
	Cancel(useSameConnection bool) error
	GetPID() string
	Terminate(ctx context.Context, pid string) error

	GetFields(ctx context.Context, sql string) ([]FieldDescriptor, error)
	GetNotices() []string
	ClearNotices()
	GetStatus() string
	GetConStatus() ConStatus

	// Special runs a client-side meta-command (e.g. \dt).
	Special(ctx context.Context, sql string) (*DataTable, error)
	GetErrorPosition(message, sql string) *ErrorPosition
}

// ObjectSearcher finds database objects by name or definition.
type ObjectSearcher interface {
	SearchObjects(ctx context.Context, opts *SearchOptions) (*DataTable, error)
}

// PrimaryKeyer returns primary key columns of a table.
type PrimaryKeyer interface {
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)
}
