//go:build cgo && ((darwin && (amd64 || arm64)) || (linux && (amd64 || arm64 || riscv64)))

package adapters

import (
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&Duck{}, "duck", "duckdb")
}

var _ core.Adapter = (*Duck)(nil)

type Duck struct{}

const duckObjects = `
SELECT 'table', schema_name, table_name, table_name, sql FROM duckdb_tables()
UNION ALL
SELECT 'view', schema_name, view_name, view_name, sql FROM duckdb_views() WHERE NOT internal
UNION ALL
SELECT 'column', schema_name, table_name, column_name, data_type FROM duckdb_columns()
UNION ALL
SELECT 'function', schema_name, function_name, function_name, COALESCE(macro_definition, '')
FROM duckdb_functions() WHERE NOT internal`

func (d *Duck) Connect(params *core.ConnectionParams) (core.Database, error) {
	db, err := sql.Open("duckdb", trimScheme(params.URL, "duck", "duckdb"))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to duckdb database: %w", err)
	}

	return builders.NewDatabase("duckdb", db,
		builders.WithFieldsQuery(subqueryNoRows),
		builders.WithObjectsQuery(duckObjects),
	), nil
}
