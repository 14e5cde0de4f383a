package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

var (
	_ core.Database       = (*Database)(nil)
	_ core.ObjectSearcher = (*Database)(nil)
	_ core.PrimaryKeyer   = (*Database)(nil)
)

type cursor struct {
	query  string
	stream *ResultStream
}

// Database is an in-memory core.Database. Every query returns the
// configured rows; statements sleep per row when configured so that
// cancellation can be observed.
type Database struct {
	typ    string
	config *databaseConfig

	mu         sync.Mutex
	opened     bool
	closed     bool
	autocommit bool
	inTx       bool
	running    context.CancelFunc
	cancels    int
	kills      int
	cursor     *cursor
	executions map[string]int
	executed   []string
	notices    []string
	status     string
	params     *core.ConnectionParams
}

func NewDatabase(opts ...DatabaseOption) *Database {
	config := &databaseConfig{
		results:     make(map[string][]core.Row),
		headers:     make(map[string]core.Header),
		errors:      make(map[string]error),
		sideEffects: make(map[string]func(context.Context) error),
		special:     make(map[string]*core.DataTable),
		primaryKeys: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(config)
	}

	return newDatabase(config)
}

func newDatabase(config *databaseConfig) *Database {
	return &Database{
		typ:        "mock",
		config:     config,
		executions: make(map[string]int),
	}
}

func (d *Database) Type() string {
	return d.typ
}

func (d *Database) Dialect() core.Dialect {
	return builders.DialectANSI
}

// Params returns the parameters the database was connected with.
func (d *Database) Params() *core.ConnectionParams {
	return d.params
}

func (d *Database) Open(_ context.Context, autocommit bool) error {
	if d.config.openErr != nil {
		return fmt.Errorf("%w: %w", core.ErrConnection, d.config.openErr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.closed = false
	d.autocommit = autocommit
	d.inTx = !autocommit
	return nil
}

func (d *Database) Close(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.closed = true
	d.cursor = nil
	return nil
}

// Closed reports whether Close was called.
func (d *Database) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Executions returns how many times a statement was executed.
func (d *Database) Executions(query string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executions[query]
}

// Executed returns all executed statements in order.
func (d *Database) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.executed)
}

// Cancels returns the number of Cancel calls (same connection, side channel).
func (d *Database) Cancels() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels, d.kills
}

func (d *Database) start(ctx context.Context, query string) (context.Context, func(), error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil, nil, core.ErrNotOpen
	}
	ctx, cancel := context.WithCancel(ctx)
	d.running = cancel
	d.executions[query]++
	d.executed = append(d.executed, query)
	d.notices = append(d.notices, d.config.notices...)
	d.mu.Unlock()

	if eff, ok := d.config.sideEffects[query]; ok {
		if err := eff(ctx); err != nil {
			cancel()
			return nil, nil, core.NewDatabaseError(fmt.Errorf("side effect error: %w", err))
		}
	}
	if err, ok := d.config.errors[query]; ok {
		cancel()
		return nil, nil, core.NewDatabaseError(err)
	}

	return ctx, func() {
		d.mu.Lock()
		d.running = nil
		d.mu.Unlock()
		cancel()
	}, nil
}

func (d *Database) streamFor(query string) *ResultStream {
	rows, ok := d.config.results[query]
	if !ok {
		rows = d.config.defaultRows
	}
	return NewResultStream(rows).WithHeader(d.config.headers[query])
}

// read moves up to n rows (all when n < 1) into a table, sleeping between rows.
func (d *Database) read(ctx context.Context, stream *ResultStream, n int, allTypesStr, simple bool) (*core.DataTable, error) {
	table := core.NewDataTable("", allTypesStr, simple)
	for _, col := range stream.Header() {
		if err := table.AddColumn(col); err != nil {
			return nil, err
		}
	}

	for (n < 1 || table.Len() < n) && stream.HasNext() {
		if d.config.nextSleep > 0 {
			select {
			case <-ctx.Done():
				return nil, core.NewDatabaseError(fmt.Errorf("canceling statement due to user request: %w", ctx.Err()))
			case <-time.After(d.config.nextSleep):
			}
		}
		row, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if err := table.AddRow(row); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func (d *Database) setStatus(query string, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kw := strings.ToUpper(core.FirstKeyword(query))
	if kw == "" {
		kw = "SELECT"
	}
	d.status = fmt.Sprintf("%s %d", kw, rows)
	switch kw {
	case "BEGIN", "START":
		d.inTx = true
	case "COMMIT", "ROLLBACK", "END":
		d.inTx = !d.autocommit
	}
}

func (d *Database) Query(ctx context.Context, query string, allTypesStr, simple bool) (*core.DataTable, error) {
	_ = d.CloseCursor()
	ctx, done, err := d.start(ctx, query)
	if err != nil {
		return nil, err
	}
	defer done()

	table, err := d.read(ctx, d.streamFor(query), 0, allTypesStr, simple)
	if err != nil {
		return nil, err
	}
	d.setStatus(query, table.Len())
	return table, nil
}

func (d *Database) Execute(ctx context.Context, query string) error {
	_, err := d.ExecuteParams(ctx, query)
	return err
}

func (d *Database) ExecuteParams(ctx context.Context, query string, args ...any) (int64, error) {
	_ = d.CloseCursor()
	ctx, done, err := d.start(ctx, query)
	if err != nil {
		return 0, err
	}
	defer done()

	if d.config.nextSleep > 0 {
		select {
		case <-ctx.Done():
			return 0, core.NewDatabaseError(ctx.Err())
		case <-time.After(d.config.nextSleep):
		}
	}

	d.setStatus(query, 1)
	return 1, nil
}

func (d *Database) ExecuteScalar(ctx context.Context, query string) (any, error) {
	table, err := d.Query(ctx, query, false, true)
	if err != nil {
		return nil, err
	}
	if table.Len() == 0 || len(table.Rows[0]) == 0 {
		return nil, nil
	}
	return table.Rows[0][0], nil
}

func (d *Database) QueryBlock(ctx context.Context, query string, blockSize int, allTypesStr, simple bool) (*core.DataTable, error) {
	d.mu.Lock()
	cur := d.cursor
	d.mu.Unlock()

	if cur != nil && cur.query != query {
		_ = d.CloseCursor()
		cur = nil
	}

	ctx, done, err := d.startBlock(ctx, query, cur == nil)
	if err != nil {
		return nil, err
	}
	defer done()

	if cur == nil {
		cur = &cursor{query: query, stream: d.streamFor(query)}
		d.mu.Lock()
		d.cursor = cur
		d.mu.Unlock()
	}

	table, err := d.read(ctx, cur.stream, blockSize, allTypesStr, simple)
	if err != nil {
		_ = d.CloseCursor()
		return nil, err
	}
	d.setStatus(query, cur.stream.Meta().RowCount)

	if table.Len() < blockSize {
		_ = d.CloseCursor()
	}
	return table, nil
}

// startBlock registers a running fetch; only a fresh cursor counts as an execution.
func (d *Database) startBlock(ctx context.Context, query string, fresh bool) (context.Context, func(), error) {
	if fresh {
		return d.start(ctx, query)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	d.running = cancel
	return ctx, func() {
		d.mu.Lock()
		d.running = nil
		d.mu.Unlock()
		cancel()
	}, nil
}

func (d *Database) CloseCursor() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor = nil
	return nil
}

func (d *Database) InsertBlock(ctx context.Context, table *core.DataTable, tableName string, _ []string) error {
	for range table.Rows {
		if _, err := d.ExecuteParams(ctx, "INSERT INTO "+tableName); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) Commit(ctx context.Context) error {
	return d.Execute(ctx, "COMMIT")
}

func (d *Database) Rollback(ctx context.Context) error {
	return d.Execute(ctx, "ROLLBACK")
}

func (d *Database) Cancel(useSameConnection bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if useSameConnection {
		d.cancels++
	} else {
		d.kills++
	}
	if d.running != nil {
		d.running()
	}
	return nil
}

func (d *Database) GetPID() string {
	return d.config.pid
}

func (d *Database) Terminate(ctx context.Context, pid string) error {
	return d.Execute(ctx, "TERMINATE "+pid)
}

func (d *Database) GetFields(_ context.Context, query string) ([]core.FieldDescriptor, error) {
	var fields []core.FieldDescriptor
	for _, col := range d.streamFor(query).Header() {
		fields = append(fields, core.FieldDescriptor{Name: col, Type: "text", Nullable: true})
	}
	return fields, nil
}

func (d *Database) GetNotices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.notices)
}

func (d *Database) ClearNotices() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = nil
}

func (d *Database) GetStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Database) GetConStatus() core.ConStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.opened:
		return core.ConStatusDisconnected
	case d.running != nil:
		return core.ConStatusActive
	case d.inTx:
		return core.ConStatusInTransaction
	default:
		return core.ConStatusIdle
	}
}

func (d *Database) Special(ctx context.Context, query string) (*core.DataTable, error) {
	table, ok := d.config.special[strings.TrimSpace(query)]
	if !ok {
		return nil, core.ErrSpecialNotSupported
	}
	_, done, err := d.start(ctx, query)
	if err != nil {
		return nil, err
	}
	done()
	return table, nil
}

func (d *Database) GetErrorPosition(message, query string) *core.ErrorPosition {
	return core.GetErrorPosition(message, query)
}

func (d *Database) SearchObjects(ctx context.Context, opts *core.SearchOptions) (*core.DataTable, error) {
	_, done, err := d.start(ctx, "search "+opts.Text)
	if err != nil {
		return nil, err
	}
	done()

	if d.config.searchResult == nil {
		return core.NewDataTable("search", true, true), nil
	}
	return d.config.searchResult, nil
}

func (d *Database) PrimaryKey(_ context.Context, _, table string) ([]string, error) {
	return d.config.primaryKeys[table], nil
}
