package builders

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pgmanage/dbconsole/core"
)

var (
	_ core.Database       = (*Database)(nil)
	_ core.ObjectSearcher = (*Database)(nil)
	_ core.PrimaryKeyer   = (*Database)(nil)
)

const sideChannelTimeout = 10 * time.Second

// statements which do not produce rows unless they carry a RETURNING clause
var execKeywords = []string{
	"insert", "update", "delete", "merge", "upsert", "replace",
	"create", "drop", "alter", "truncate", "rename", "comment",
	"grant", "revoke",
	"begin", "start", "commit", "rollback", "end", "savepoint", "release", "abort",
	"set", "reset", "use", "lock", "vacuum", "reindex", "cluster", "refresh", "discard", "do",
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// open block cursor of QueryBlock
type cursor struct {
	query     string
	stream    *ResultStream
	cancel    context.CancelFunc
	exhausted bool
}

// Database is the database/sql implementation of core.Database shared by
// all adapters. It pins a single connection of the pool; the pool itself is
// only used again for side-channel kills.
type Database struct {
	typ    string
	db     *sql.DB
	config *databaseConfig

	// mu guards the state read by Cancel
	mu      sync.Mutex
	pid     string
	running context.CancelFunc
	cursor  *cursor

	conn       *sql.Conn
	tx         *sql.Tx
	opened     bool
	autocommit bool
	// explicit transaction started by the user in autocommit mode
	inTx bool

	lastMeta *core.Meta
	keyword  string

	noticeMu sync.Mutex
	notices  []string
}

func NewDatabase(typ string, db *sql.DB, opts ...DatabaseOption) *Database {
	config := &databaseConfig{
		typeProcessors: make(map[string]func(any) any),
		dialect:        DialectANSI,
		errorMapper:    core.NewDatabaseError,
		primaryKey:     informationSchemaPrimaryKey,
		objectsQuery:   informationSchemaObjects,
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Database{
		typ:    typ,
		db:     db,
		config: config,
	}
}

func (d *Database) Type() string {
	return d.typ
}

func (d *Database) Dialect() core.Dialect {
	return d.config.dialect
}

// DB exposes the underlying pool to adapter hooks.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Open(ctx context.Context, autocommit bool) error {
	d.opened = true
	d.autocommit = autocommit
	if d.conn != nil {
		return nil
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("db.Conn: %w: %w", core.ErrConnection, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("conn.PingContext: %w: %w", core.ErrConnection, d.config.errorMapper(err))
	}

	pid := ""
	if d.config.pidQuery != "" {
		var v any
		if err := conn.QueryRowContext(ctx, d.config.pidQuery).Scan(&v); err == nil {
			pid = fmt.Sprint(processDefault(v))
		}
	}

	d.mu.Lock()
	d.conn = conn
	d.pid = pid
	d.mu.Unlock()

	if !autocommit {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("conn.BeginTx: %w", d.fail(err))
		}
		d.tx = tx
	}

	return nil
}

// prepare makes sure a connection is pinned and discards an open cursor.
func (d *Database) prepare(ctx context.Context) error {
	if err := d.CloseCursor(); err != nil {
		return err
	}
	return d.ensureConn(ctx)
}

func (d *Database) ensureConn(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	if !d.opened {
		return core.ErrNotOpen
	}
	// connection was lost (e.g. killed), pin a new one
	return d.Open(ctx, d.autocommit)
}

func (d *Database) q() queryer {
	if d.tx != nil {
		return d.tx
	}
	return d.conn
}

// statement registers the cancel func of a running statement.
func (d *Database) statement(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.running = cancel
	d.mu.Unlock()

	return ctx, func() {
		d.mu.Lock()
		d.running = nil
		d.mu.Unlock()
		cancel()
	}
}

func (d *Database) fail(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		d.dropConn()
	}
	return d.config.errorMapper(err)
}

func (d *Database) dropConn() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.pid = ""
	d.mu.Unlock()

	d.tx = nil
	d.inTx = false
	if conn != nil {
		_ = conn.Close()
	}
}

func isExec(query string) bool {
	kw := core.FirstKeyword(query)
	if !slices.Contains(execKeywords, kw) {
		return false
	}
	return !strings.Contains(strings.ToLower(query), "returning")
}

// track follows transactions the user opens and closes by hand.
func (d *Database) track(query string) {
	if d.tx != nil {
		return
	}
	lower := strings.ToLower(query)
	switch core.FirstKeyword(query) {
	case "start":
		d.inTx = true
	case "begin":
		// BEGIN ... END is an anonymous block, not a transaction
		if !strings.Contains(lower, "end") {
			d.inTx = true
		}
	case "commit", "end", "abort":
		d.inTx = false
	case "rollback":
		if !strings.Contains(lower, " to ") {
			d.inTx = false
		}
	}
}

func (d *Database) process(typ string, val any) any {
	proc, ok := d.config.typeProcessors[strings.ToLower(typ)]
	if ok {
		return proc(val)
	}
	return processDefault(val)
}

func processDefault(val any) any {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// run executes a statement and returns its rows as a stream.
func (d *Database) run(ctx context.Context, query string) (*ResultStream, error) {
	d.keyword = core.FirstKeyword(query)

	if isExec(query) {
		res, err := d.q().ExecContext(ctx, query)
		if err != nil {
			return nil, d.fail(err)
		}
		d.track(query)

		status := strings.ToUpper(d.keyword)
		if affected, err := res.RowsAffected(); err == nil && affected >= 0 {
			switch d.keyword {
			case "insert", "update", "delete", "merge", "upsert", "replace":
				status = fmt.Sprintf("%s %d", status, affected)
			}
		}

		meta := &core.Meta{Status: status}
		d.lastMeta = meta
		return NewResultStreamBuilder().
			WithNextFunc(NextNil()).
			WithMeta(meta).
			Build(), nil
	}

	rows, err := d.q().QueryContext(ctx, query)
	if err != nil {
		return nil, d.fail(err)
	}

	header, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, d.fail(err)
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, d.fail(err)
	}

	meta := &core.Meta{}
	d.lastMeta = meta

	var (
		rowErr error
		done   bool
	)

	hasNext := func() bool {
		if done {
			return false
		}
		if rowErr != nil || rows.Next() {
			return true
		}
		if err := rows.Err(); err != nil {
			rowErr = err
			return true
		}
		done = true
		return false
	}

	next := func() (core.Row, error) {
		if rowErr != nil {
			err := rowErr
			rowErr = nil
			done = true
			return nil, d.fail(err)
		}

		values := make([]any, len(colTypes))
		pointers := make([]any, len(colTypes))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, d.fail(err)
		}

		row := make(core.Row, len(colTypes))
		for i := range colTypes {
			row[i] = d.process(colTypes[i].DatabaseTypeName(), values[i])
		}
		meta.RowCount++
		return row, nil
	}

	stream := NewResultStreamBuilder().
		WithNextFunc(next, hasNext).
		WithHeader(header).
		WithMeta(meta).
		WithCloseFunc(func() {
			_ = rows.Close()
		}).
		Build()

	return stream, nil
}

func (d *Database) Query(ctx context.Context, query string, allTypesStr, simple bool) (*core.DataTable, error) {
	if err := d.prepare(ctx); err != nil {
		return nil, err
	}
	ctx, done := d.statement(ctx)
	defer done()

	stream, err := d.run(ctx, query)
	if err != nil {
		return nil, err
	}
	table, err := core.ReadBlock(stream, 0, allTypesStr, simple)
	stream.Close()
	if err != nil {
		return nil, err
	}

	d.collectNotices(ctx)
	return table, nil
}

func (d *Database) Execute(ctx context.Context, query string) error {
	if err := d.prepare(ctx); err != nil {
		return err
	}
	ctx, done := d.statement(ctx)
	defer done()

	d.keyword = core.FirstKeyword(query)
	res, err := d.q().ExecContext(ctx, query)
	if err != nil {
		return d.fail(err)
	}
	d.track(query)

	status := strings.ToUpper(d.keyword)
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		status = fmt.Sprintf("%s %d", status, affected)
	}
	d.lastMeta = &core.Meta{Status: status}

	d.collectNotices(ctx)
	return nil
}

func (d *Database) ExecuteParams(ctx context.Context, query string, args ...any) (int64, error) {
	if err := d.prepare(ctx); err != nil {
		return 0, err
	}
	ctx, done := d.statement(ctx)
	defer done()

	res, err := d.q().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, d.fail(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// some drivers do not report affected rows
		return -1, nil
	}
	return affected, nil
}

func (d *Database) ExecuteScalar(ctx context.Context, query string) (any, error) {
	if err := d.prepare(ctx); err != nil {
		return nil, err
	}
	ctx, done := d.statement(ctx)
	defer done()

	var v any
	if err := d.q().QueryRowContext(ctx, query).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, d.fail(err)
	}
	return processDefault(v), nil
}

func (d *Database) QueryBlock(ctx context.Context, query string, blockSize int, allTypesStr, simple bool) (*core.DataTable, error) {
	d.mu.Lock()
	cur := d.cursor
	d.mu.Unlock()

	if cur != nil && cur.query != query {
		if err := d.CloseCursor(); err != nil {
			return nil, err
		}
		cur = nil
	}

	// no open cursor means the statement has to be (re-)executed
	if cur == nil {
		if err := d.ensureConn(ctx); err != nil {
			return nil, err
		}

		// the cursor outlives this call, only Cancel and CloseCursor end it
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		stream, err := d.run(cctx, query)
		if err != nil {
			cancel()
			return nil, err
		}

		cur = &cursor{query: query, stream: stream, cancel: cancel}
		d.mu.Lock()
		d.cursor = cur
		d.mu.Unlock()
	}

	table, err := core.ReadBlock(cur.stream, blockSize, allTypesStr, simple)
	if err != nil {
		_ = d.CloseCursor()
		return nil, err
	}

	if table.Len() < blockSize {
		cur.exhausted = true
		_ = d.CloseCursor()
		d.collectNotices(ctx)
	}

	return table, nil
}

func (d *Database) CloseCursor() error {
	d.mu.Lock()
	cur := d.cursor
	d.cursor = nil
	d.mu.Unlock()

	if cur == nil {
		return nil
	}

	// abort instead of draining the rest of a large result
	if !cur.exhausted {
		cur.cancel()
	}
	cur.stream.Close()
	cur.cancel()
	return nil
}

func (d *Database) InsertBlock(ctx context.Context, table *core.DataTable, tableName string, fields []string) error {
	if len(fields) == 0 {
		fields = table.Columns
	}
	if len(fields) != len(table.Columns) {
		return fmt.Errorf("insert %d fields from %d columns: %w", len(fields), len(table.Columns), core.ErrColumnMismatch)
	}
	if err := d.prepare(ctx); err != nil {
		return err
	}
	ctx, done := d.statement(ctx)
	defer done()

	quoted := make([]string, len(fields))
	placeholders := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = d.config.dialect.QuoteIdent(f)
		placeholders[i] = d.config.dialect.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		tableName, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	for _, row := range table.Rows {
		if _, err := d.q().ExecContext(ctx, stmt, row...); err != nil {
			return d.fail(err)
		}
	}

	d.lastMeta = &core.Meta{Status: fmt.Sprintf("INSERT %d", table.Len())}
	return nil
}

func (d *Database) Commit(ctx context.Context) error {
	return d.endTx(ctx, true)
}

func (d *Database) Rollback(ctx context.Context) error {
	return d.endTx(ctx, false)
}

func (d *Database) endTx(ctx context.Context, commit bool) error {
	if err := d.prepare(ctx); err != nil {
		return err
	}

	keyword := "ROLLBACK"
	if commit {
		keyword = "COMMIT"
	}
	d.lastMeta = &core.Meta{Status: keyword}

	switch {
	case d.tx != nil:
		var err error
		if commit {
			err = d.tx.Commit()
		} else {
			err = d.tx.Rollback()
		}
		d.tx = nil
		if err != nil {
			return d.fail(err)
		}
		if !d.autocommit {
			tx, err := d.conn.BeginTx(ctx, nil)
			if err != nil {
				return d.fail(err)
			}
			d.tx = tx
		}
	case d.inTx:
		if _, err := d.conn.ExecContext(ctx, keyword); err != nil {
			return d.fail(err)
		}
		d.inTx = false
	}

	return nil
}

func (d *Database) Close(commit bool) error {
	_ = d.CloseCursor()

	var errs []error
	if d.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
		defer cancel()

		switch {
		case d.tx != nil && commit:
			errs = append(errs, d.tx.Commit())
		case d.tx != nil:
			errs = append(errs, d.tx.Rollback())
		case d.inTx && commit:
			_, err := d.conn.ExecContext(ctx, "COMMIT")
			errs = append(errs, err)
		case d.inTx:
			_, err := d.conn.ExecContext(ctx, "ROLLBACK")
			errs = append(errs, err)
		}
		d.tx = nil
		d.inTx = false

		errs = append(errs, d.conn.Close())
	}

	d.mu.Lock()
	d.conn = nil
	d.pid = ""
	d.mu.Unlock()
	d.opened = false

	errs = append(errs, d.db.Close())
	return errors.Join(errs...)
}

func (d *Database) Cancel(useSameConnection bool) error {
	d.mu.Lock()
	running := d.running
	cur := d.cursor
	pid := d.pid
	d.mu.Unlock()

	if !useSameConnection && d.config.killQuery != nil && pid != "" {
		if err := d.sideChannel(d.config.killQuery(pid)); err != nil {
			return fmt.Errorf("kill %s: %w", pid, err)
		}
		return nil
	}

	if running != nil {
		running()
	}
	if cur != nil {
		cur.cancel()
	}
	return nil
}

// sideChannel runs a statement on a fresh connection of the pool.
func (d *Database) sideChannel(query string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sideChannelTimeout)
	defer cancel()

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("db.Conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, query); err != nil {
		return d.config.errorMapper(err)
	}
	return nil
}

func (d *Database) GetPID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

func (d *Database) Terminate(_ context.Context, pid string) error {
	if d.config.terminateQuery == nil {
		return fmt.Errorf("terminate on %s: %w", d.typ, errors.ErrUnsupported)
	}
	return d.sideChannel(d.config.terminateQuery(pid))
}

func (d *Database) GetFields(ctx context.Context, query string) ([]core.FieldDescriptor, error) {
	if err := d.prepare(ctx); err != nil {
		return nil, err
	}
	ctx, done := d.statement(ctx)
	defer done()

	if d.config.fieldsQuery != nil {
		query = d.config.fieldsQuery(query)
	}
	rows, err := d.q().QueryContext(ctx, query)
	if err != nil {
		return nil, d.fail(err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, d.fail(err)
	}

	fields := make([]core.FieldDescriptor, len(colTypes))
	for i, ct := range colTypes {
		nullable, _ := ct.Nullable()
		fields[i] = core.FieldDescriptor{
			Name:     ct.Name(),
			Type:     strings.ToLower(ct.DatabaseTypeName()),
			Nullable: nullable,
		}
	}
	return fields, nil
}

// AddNotice appends a server notice. Safe for concurrent use.
func (d *Database) AddNotice(notice string) {
	d.noticeMu.Lock()
	defer d.noticeMu.Unlock()
	d.notices = append(d.notices, notice)
}

func (d *Database) GetNotices() []string {
	d.noticeMu.Lock()
	defer d.noticeMu.Unlock()
	return slices.Clone(d.notices)
}

func (d *Database) ClearNotices() {
	d.noticeMu.Lock()
	defer d.noticeMu.Unlock()
	d.notices = nil
}

func (d *Database) collectNotices(ctx context.Context) {
	if d.config.noticeQuery == "" || d.conn == nil {
		return
	}

	rows, err := d.q().QueryContext(ctx, d.config.noticeQuery)
	if err != nil {
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return
	}
	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return
		}
		parts := make([]string, 0, len(values))
		for _, v := range values {
			if v != nil {
				parts = append(parts, fmt.Sprint(processDefault(v)))
			}
		}
		d.AddNotice(strings.Join(parts, " "))
	}
}

func (d *Database) GetStatus() string {
	if d.lastMeta == nil {
		return ""
	}
	if d.lastMeta.Status != "" {
		return d.lastMeta.Status
	}
	keyword := strings.ToUpper(d.keyword)
	switch d.keyword {
	case "", "with", "values", "table":
		keyword = "SELECT"
	}
	return fmt.Sprintf("%s %d", keyword, d.lastMeta.RowCount)
}

func (d *Database) GetConStatus() core.ConStatus {
	if d.conn == nil {
		return core.ConStatusDisconnected
	}

	d.mu.Lock()
	active := d.running != nil
	d.mu.Unlock()
	if active {
		return core.ConStatusActive
	}

	if d.config.conStatus != nil {
		if status, ok := d.config.conStatus(d.conn); ok {
			return status
		}
	}
	if d.tx != nil || d.inTx {
		return core.ConStatusInTransaction
	}
	return core.ConStatusIdle
}

func (d *Database) Special(ctx context.Context, query string) (*core.DataTable, error) {
	if d.config.special == nil {
		return nil, core.ErrSpecialNotSupported
	}
	if err := d.prepare(ctx); err != nil {
		return nil, err
	}
	return d.config.special(ctx, d, query)
}

func (d *Database) GetErrorPosition(message, query string) *core.ErrorPosition {
	if d.config.errorPosition != nil {
		return d.config.errorPosition(message, query)
	}
	return core.GetErrorPosition(message, query)
}

var systemSchemas = []string{"information_schema", "pg_catalog", "pg_toast", "sys", "mysql", "performance_schema", "system"}

const informationSchemaObjects = `
SELECT 'table', table_schema, table_name, table_name, '' FROM information_schema.tables WHERE table_type = 'BASE TABLE'
UNION ALL
SELECT 'view', table_schema, table_name, table_name, view_definition FROM information_schema.views
UNION ALL
SELECT 'column', table_schema, table_name, column_name, data_type FROM information_schema.columns
UNION ALL
SELECT 'function', routine_schema, routine_name, routine_name, routine_definition FROM information_schema.routines`

// SearchObjects lists catalog objects and keeps those whose name or
// definition matches the search text.
func (d *Database) SearchObjects(ctx context.Context, opts *core.SearchOptions) (*core.DataTable, error) {
	match, err := newMatcher(opts)
	if err != nil {
		return nil, err
	}

	objects, err := d.Query(ctx, d.config.objectsQuery, true, true)
	if err != nil {
		return nil, err
	}

	out := core.NewDataTable("search", true, true)
	for _, col := range []string{"category", "schema", "object", "name", "match"} {
		_ = out.AddColumn(col)
	}

	for _, row := range objects.Rows {
		if len(row) < 5 {
			continue
		}
		category, schema, object, name := cellString(row[0]), cellString(row[1]), cellString(row[2]), cellString(row[3])
		if slices.Contains(systemSchemas, strings.ToLower(schema)) {
			continue
		}
		if len(opts.Categories) > 0 && !slices.Contains(opts.Categories, category) {
			continue
		}

		switch definition := cellString(row[4]); {
		case match(name):
			_ = out.AddRow(core.Row{category, schema, object, name, "name"})
		case definition != "" && match(definition):
			_ = out.AddRow(core.Row{category, schema, object, name, "definition"})
		}
	}

	return out, nil
}

func newMatcher(opts *core.SearchOptions) (func(string) bool, error) {
	if opts.Regex {
		pattern := opts.Text
		if !opts.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regexp.Compile: %w", err)
		}
		return re.MatchString, nil
	}

	if opts.CaseSensitive {
		return func(s string) bool { return strings.Contains(s, opts.Text) }, nil
	}
	needle := strings.ToLower(opts.Text)
	return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }, nil
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func informationSchemaPrimaryKey(dialect core.Dialect, schema, table string) (string, []any) {
	query := fmt.Sprintf(`
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = %s
			AND tc.table_name = %s
		ORDER BY kcu.ordinal_position`,
		dialect.Placeholder(1), dialect.Placeholder(2))
	return query, []any{schema, table}
}

func (d *Database) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	if err := d.prepare(ctx); err != nil {
		return nil, err
	}

	query, args := d.config.primaryKey(d.config.dialect, schema, table)
	rows, err := d.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.fail(err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name any
		if err := rows.Scan(&name); err != nil {
			return nil, d.fail(err)
		}
		columns = append(columns, cellString(processDefault(name)))
	}
	if err := rows.Err(); err != nil {
		return nil, d.fail(err)
	}
	return columns, nil
}
