package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

type postgresMeta struct {
	help string
	// query is formatted with the LIKE pattern of the optional argument
	query string
}

var postgresMetaCommands = map[string]postgresMeta{
	`\dt`: {
		help: "list tables",
		query: `SELECT schemaname AS "Schema", tablename AS "Name", 'table' AS "Type", tableowner AS "Owner"
			FROM pg_catalog.pg_tables
			WHERE schemaname NOT IN ('pg_catalog', 'information_schema') AND tablename LIKE %s
			ORDER BY 1, 2`,
	},
	`\dv`: {
		help: "list views",
		query: `SELECT schemaname AS "Schema", viewname AS "Name", 'view' AS "Type", viewowner AS "Owner"
			FROM pg_catalog.pg_views
			WHERE schemaname NOT IN ('pg_catalog', 'information_schema') AND viewname LIKE %s
			ORDER BY 1, 2`,
	},
	`\dn`: {
		help: "list schemas",
		query: `SELECT n.nspname AS "Name", pg_catalog.pg_get_userbyid(n.nspowner) AS "Owner"
			FROM pg_catalog.pg_namespace n
			WHERE n.nspname !~ '^pg_' AND n.nspname <> 'information_schema' AND n.nspname LIKE %s
			ORDER BY 1`,
	},
	`\df`: {
		help: "list functions",
		query: `SELECT n.nspname AS "Schema", p.proname AS "Name",
				pg_catalog.pg_get_function_result(p.oid) AS "Result data type",
				pg_catalog.pg_get_function_arguments(p.oid) AS "Argument data types"
			FROM pg_catalog.pg_proc p
			JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
			WHERE n.nspname NOT IN ('pg_catalog', 'information_schema') AND p.proname LIKE %s
			ORDER BY 1, 2`,
	},
	`\du`: {
		help: "list roles",
		query: `SELECT rolname AS "Role name", rolsuper AS "Superuser", rolcreatedb AS "Create DB",
				rolcanlogin AS "Can login"
			FROM pg_catalog.pg_roles
			WHERE rolname !~ '^pg_' AND rolname LIKE %s
			ORDER BY 1`,
	},
	`\l`: {
		help: "list databases",
		query: `SELECT d.datname AS "Name", pg_catalog.pg_get_userbyid(d.datdba) AS "Owner",
				pg_catalog.pg_encoding_to_char(d.encoding) AS "Encoding"
			FROM pg_catalog.pg_database d
			WHERE d.datname LIKE %s
			ORDER BY 1`,
	},
}

const postgresDescribe = `SELECT column_name AS "Column", data_type AS "Type",
		is_nullable AS "Nullable", column_default AS "Default"
	FROM information_schema.columns
	WHERE table_name = %s AND (%s = '' OR table_schema = %s)
	ORDER BY ordinal_position`

// postgresSpecial implements a subset of psql backslash commands.
func postgresSpecial(ctx context.Context, db *builders.Database, query string) (*core.DataTable, error) {
	fields := strings.Fields(strings.TrimRight(strings.TrimSpace(query), ";"))
	if len(fields) == 0 {
		return nil, core.ErrSpecialNotSupported
	}
	// \dt+ and friends only add detail columns in psql
	cmd := strings.TrimSuffix(fields[0], "+")
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch cmd {
	case `\?`:
		return postgresMetaHelp(), nil
	case `\d`:
		if arg == "" {
			return db.Query(ctx, fmt.Sprintf(postgresMetaCommands[`\dt`].query, quoteLiteral("%")), false, true)
		}
		schema, table := "", arg
		if s, t, ok := strings.Cut(arg, "."); ok {
			schema, table = s, t
		}
		return db.Query(ctx, fmt.Sprintf(postgresDescribe,
			quoteLiteral(table), quoteLiteral(schema), quoteLiteral(schema)), false, true)
	}

	meta, ok := postgresMetaCommands[cmd]
	if !ok {
		return nil, fmt.Errorf("%s: %w", cmd, core.ErrSpecialNotSupported)
	}
	return db.Query(ctx, fmt.Sprintf(meta.query, quoteLiteral(likePattern(arg))), false, true)
}

// likePattern converts a psql style pattern (* and ?) to LIKE.
func likePattern(pattern string) string {
	if pattern == "" {
		return "%"
	}
	// only the object name part is matched
	if _, name, ok := strings.Cut(pattern, "."); ok {
		pattern = name
	}
	r := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%", "?", "_")
	return r.Replace(pattern)
}

func postgresMetaHelp() *core.DataTable {
	table := core.NewDataTable("help", false, true)
	_ = table.AddColumn("Command")
	_ = table.AddColumn("Description")

	_ = table.AddRow(core.Row{`\d [NAME]`, "describe table, or list tables"})
	for _, cmd := range []string{`\dt`, `\dv`, `\dn`, `\df`, `\du`, `\l`} {
		_ = table.AddRow(core.Row{cmd + " [PATTERN]", postgresMetaCommands[cmd].help})
	}
	_ = table.AddRow(core.Row{`\?`, "show this help"})
	return table
}
