package adapters

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// Register client
func init() {
	_ = register(&Postgres{}, "postgres", "postgresql", "pg")
}

var (
	_ core.Adapter          = (*Postgres)(nil)
	_ core.DatabaseSwitcher = (*Postgres)(nil)
)

type Postgres struct{}

const postgresObjects = `
SELECT 'table', schemaname, tablename, tablename, '' FROM pg_catalog.pg_tables
UNION ALL
SELECT 'view', schemaname, viewname, viewname, definition FROM pg_catalog.pg_views
UNION ALL
SELECT 'view', schemaname, matviewname, matviewname, definition FROM pg_catalog.pg_matviews
UNION ALL
SELECT 'column', table_schema, table_name, column_name, data_type FROM information_schema.columns
UNION ALL
SELECT 'function', n.nspname, p.proname, p.proname, p.prosrc
FROM pg_catalog.pg_proc p JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
UNION ALL
SELECT 'index', schemaname, tablename, indexname, indexdef FROM pg_catalog.pg_indexes`

func (p *Postgres) Connect(params *core.ConnectionParams) (core.Database, error) {
	config, err := pgx.ParseConfig(params.URL)
	if err != nil {
		return nil, fmt.Errorf("could not parse db connection string: %w", err)
	}
	if _, ok := config.RuntimeParams["application_name"]; !ok {
		config.RuntimeParams["application_name"] = "dbconsole"
	}

	// a cancelled context sends a cancel request instead of closing the
	// connection, so the session survives a cancelled statement
	config.BuildContextWatcherHandler = func(conn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.CancelRequestContextWatcherHandler{Conn: conn}
	}

	var db *builders.Database
	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		if db != nil {
			db.AddNotice(fmt.Sprintf("%s:  %s", n.Severity, n.Message))
		}
	}

	db = builders.NewDatabase("postgres", stdlib.OpenDB(*config),
		builders.WithDialect(builders.DialectPostgres),
		builders.WithCustomTypeProcessor("uuid", uuidProcessor),
		builders.WithPIDQuery("SELECT pg_backend_pid()"),
		builders.WithKillQuery(func(pid string) string {
			return fmt.Sprintf("SELECT pg_cancel_backend(%d)", numericPID(pid))
		}),
		builders.WithTerminateQuery(func(pid string) string {
			return fmt.Sprintf("SELECT pg_terminate_backend(%d)", numericPID(pid))
		}),
		builders.WithFieldsQuery(subqueryNoRows),
		builders.WithObjectsQuery(postgresObjects),
		builders.WithConStatusFunc(postgresConStatus),
		builders.WithSpecialHandler(postgresSpecial),
		builders.WithErrorMapper(postgresError),
	)

	return db, nil
}

func (*Postgres) WithDatabase(url, name string) (string, error) {
	return switchPath(url, name)
}

// postgresConStatus reads the transaction status byte of the backend.
func postgresConStatus(conn *sql.Conn) (core.ConStatus, bool) {
	var status byte
	err := conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.New("not a pgx connection")
		}
		status = c.Conn().PgConn().TxStatus()
		return nil
	})
	if err != nil {
		return core.ConStatusUnknown, false
	}

	switch status {
	case 'I':
		return core.ConStatusIdle, true
	case 'T':
		return core.ConStatusInTransaction, true
	case 'E':
		return core.ConStatusInError, true
	default:
		return core.ConStatusUnknown, true
	}
}

func postgresError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &core.DatabaseError{
			Message: pgErr.Error(),
			Offset:  int(pgErr.Position),
			Err:     err,
		}
	}
	return core.NewDatabaseError(err)
}

func uuidProcessor(a any) any {
	switch v := a.(type) {
	case [16]byte:
		return uuid.UUID(v).String()
	case []byte:
		if len(v) == 16 {
			if id, err := uuid.FromBytes(v); err == nil {
				return id.String()
			}
		}
		return string(v)
	default:
		return a
	}
}
