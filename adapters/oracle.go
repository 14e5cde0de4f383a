package adapters

import (
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/sijms/go-ora/v2"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&Oracle{}, "oracle")
}

var (
	_ core.Adapter          = (*Oracle)(nil)
	_ core.DatabaseSwitcher = (*Oracle)(nil)
)

type Oracle struct{}

// oracle sessions are identified by "sid,serial#"
var oracleSessionRe = regexp.MustCompile(`^\d+,\d+$`)

const oracleObjects = `
SELECT LOWER(object_type), owner, object_name, object_name, ''
FROM all_objects
WHERE object_type IN ('TABLE', 'VIEW', 'FUNCTION', 'PROCEDURE', 'PACKAGE', 'SEQUENCE')
UNION ALL
SELECT 'column', owner, table_name, column_name, data_type FROM all_tab_columns`

func oracleSession(pid string) string {
	if !oracleSessionRe.MatchString(pid) {
		return "0,0"
	}
	return pid
}

func oraclePrimaryKey(d core.Dialect, schema, table string) (string, []any) {
	query := fmt.Sprintf(`
		SELECT cols.column_name
		FROM all_constraints cons
		JOIN all_cons_columns cols
			ON cons.constraint_name = cols.constraint_name
			AND cons.owner = cols.owner
		WHERE cons.constraint_type = 'P'
			AND cons.owner = %s
			AND cols.table_name = %s
		ORDER BY cols.position`,
		d.Placeholder(1), d.Placeholder(2))
	return query, []any{schema, table}
}

func (o *Oracle) Connect(params *core.ConnectionParams) (core.Database, error) {
	db, err := sql.Open("oracle", params.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to oracle database: %w", err)
	}

	return builders.NewDatabase("oracle", db,
		builders.WithDialect(builders.DialectOracle),
		builders.WithPIDQuery(`
			SELECT s.sid || ',' || s.serial#
			FROM v$session s
			WHERE s.sid = SYS_CONTEXT('USERENV', 'SID')`),
		builders.WithKillQuery(func(pid string) string {
			return fmt.Sprintf("ALTER SYSTEM CANCEL SQL '%s'", oracleSession(pid))
		}),
		builders.WithTerminateQuery(func(pid string) string {
			return fmt.Sprintf("ALTER SYSTEM KILL SESSION '%s' IMMEDIATE", oracleSession(pid))
		}),
		builders.WithFieldsQuery(func(query string) string {
			return fmt.Sprintf("SELECT * FROM (%s) WHERE 1 = 0", trimStatement(query))
		}),
		builders.WithObjectsQuery(oracleObjects),
		builders.WithPrimaryKeyQuery(oraclePrimaryKey),
	), nil
}

func (*Oracle) WithDatabase(url, name string) (string, error) {
	return switchPath(url, name)
}
