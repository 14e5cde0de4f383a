package adapters

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&SQLServer{}, "sqlserver", "mssql")
}

var (
	_ core.Adapter          = (*SQLServer)(nil)
	_ core.DatabaseSwitcher = (*SQLServer)(nil)
)

type SQLServer struct{}

func (c *SQLServer) Connect(params *core.ConnectionParams) (core.Database, error) {
	db, err := sql.Open("sqlserver", params.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to sqlserver database: %w", err)
	}

	// uniqueidentifier is returned as bytes in sql server's mixed endian order
	mssqlUUID := func(a any) any {
		b, ok := a.([]byte)
		if !ok || len(b) != 16 {
			return a
		}
		b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
		b[4], b[5] = b[5], b[4]
		b[6], b[7] = b[7], b[6]
		id, err := uuid.FromBytes(b)
		if err != nil {
			return a
		}
		return id.String()
	}

	return builders.NewDatabase("sqlserver", db,
		builders.WithDialect(builders.DialectSQLServer),
		builders.WithCustomTypeProcessor("uniqueidentifier", mssqlUUID),
		builders.WithPIDQuery("SELECT @@SPID"),
		// sql server can only kill whole sessions
		builders.WithKillQuery(func(pid string) string {
			return fmt.Sprintf("KILL %d", numericPID(pid))
		}),
		builders.WithTerminateQuery(func(pid string) string {
			return fmt.Sprintf("KILL %d", numericPID(pid))
		}),
		builders.WithFieldsQuery(func(query string) string {
			return fmt.Sprintf("SELECT TOP 0 * FROM (%s) AS t", trimStatement(query))
		}),
	), nil
}

func (*SQLServer) WithDatabase(url, name string) (string, error) {
	return switchQuery(url, "database", name)
}
