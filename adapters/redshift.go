package adapters

import (
	"database/sql"
	"errors"
	"fmt"
	nurl "net/url"
	"strconv"

	"github.com/lib/pq"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

// init registers the Redshift adapter to the registry.
func init() {
	_ = register(&Redshift{}, "redshift")
}

var (
	_ core.Adapter          = (*Redshift)(nil)
	_ core.DatabaseSwitcher = (*Redshift)(nil)
)

type Redshift struct{}

func (r *Redshift) Connect(params *core.ConnectionParams) (core.Database, error) {
	connURL, err := nurl.Parse(params.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if connURL.Scheme == "redshift" {
		connURL.Scheme = "postgres"
	}

	connector, err := pq.NewConnector(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("pq.NewConnector: %w", err)
	}

	var db *builders.Database
	withNotices := pq.ConnectorWithNoticeHandler(connector, func(notice *pq.Error) {
		if db != nil {
			db.AddNotice(fmt.Sprintf("%s:  %s", notice.Severity, notice.Message))
		}
	})

	db = builders.NewDatabase("redshift", sql.OpenDB(withNotices),
		builders.WithDialect(builders.DialectPostgres),
		builders.WithPIDQuery("SELECT pg_backend_pid()"),
		builders.WithKillQuery(func(pid string) string {
			return fmt.Sprintf("SELECT pg_cancel_backend(%d)", numericPID(pid))
		}),
		builders.WithTerminateQuery(func(pid string) string {
			return fmt.Sprintf("SELECT pg_terminate_backend(%d)", numericPID(pid))
		}),
		builders.WithFieldsQuery(subqueryNoRows),
		builders.WithErrorMapper(pqError),
	)

	return db, nil
}

func (*Redshift) WithDatabase(url, name string) (string, error) {
	return switchPath(url, name)
}

func pqError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		offset, _ := strconv.Atoi(pqErr.Position)
		return &core.DatabaseError{
			Message: pqErr.Error(),
			Offset:  offset,
			Err:     err,
		}
	}
	return core.NewDatabaseError(err)
}
