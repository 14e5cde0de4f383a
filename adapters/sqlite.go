//go:build (darwin && (amd64 || arm64)) || (freebsd && (386 || amd64 || arm || arm64)) || (linux && (386 || amd64 || arm || arm64 || ppc64le || riscv64 || s390x)) || (netbsd && amd64) || (openbsd && (amd64 || arm64)) || (windows && (amd64 || arm64))

package adapters

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&SQLite{}, "sqlite", "sqlite3")
}

var _ core.Adapter = (*SQLite)(nil)

type SQLite struct{}

const sqliteObjects = `
SELECT type, 'main', name, name, COALESCE(sql, '')
FROM sqlite_schema
WHERE name NOT LIKE 'sqlite_%'
UNION ALL
SELECT 'column', 'main', m.name, p.name, p.type
FROM sqlite_schema m
JOIN pragma_table_info(m.name) p
WHERE m.type IN ('table', 'view')`

func sqlitePrimaryKey(d core.Dialect, _, table string) (string, []any) {
	return fmt.Sprintf("SELECT name FROM pragma_table_info(%s) WHERE pk > 0 ORDER BY pk", d.Placeholder(1)), []any{table}
}

// SQLite has no backend to kill, cancellation goes through the context.
func (s *SQLite) Connect(params *core.ConnectionParams) (core.Database, error) {
	db, err := sql.Open("sqlite", trimScheme(params.URL, "sqlite", "sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to sqlite database: %w", err)
	}

	return builders.NewDatabase("sqlite", db,
		builders.WithFieldsQuery(func(query string) string {
			return fmt.Sprintf("SELECT * FROM (%s) LIMIT 0", trimStatement(query))
		}),
		builders.WithObjectsQuery(sqliteObjects),
		builders.WithPrimaryKeyQuery(sqlitePrimaryKey),
	), nil
}
