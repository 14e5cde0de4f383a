package adapters

import (
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&Clickhouse{}, "clickhouse")
}

var (
	_ core.Adapter          = (*Clickhouse)(nil)
	_ core.DatabaseSwitcher = (*Clickhouse)(nil)
)

type Clickhouse struct{}

const clickhouseObjects = `
SELECT if(engine LIKE '%View', 'view', 'table'), database, name, name, create_table_query FROM system.tables
UNION ALL
SELECT 'column', database, table, name, type FROM system.columns`

func clickhousePrimaryKey(d core.Dialect, schema, table string) (string, []any) {
	return fmt.Sprintf(`
		SELECT name FROM system.columns
		WHERE database = %s AND table = %s AND is_in_primary_key = 1
		ORDER BY position`,
		d.Placeholder(1), d.Placeholder(2)), []any{schema, table}
}

func (p *Clickhouse) Connect(params *core.ConnectionParams) (core.Database, error) {
	options, err := clickhouse.ParseDSN(params.URL)
	if err != nil {
		return nil, fmt.Errorf("could not parse db connection string: %w", err)
	}

	return builders.NewDatabase("clickhouse", clickhouse.OpenDB(options),
		builders.WithFieldsQuery(func(query string) string {
			return fmt.Sprintf("SELECT * FROM (%s) LIMIT 0", trimStatement(query))
		}),
		builders.WithObjectsQuery(clickhouseObjects),
		builders.WithPrimaryKeyQuery(clickhousePrimaryKey),
	), nil
}

func (*Clickhouse) WithDatabase(url, name string) (string, error) {
	return switchPath(url, name)
}
