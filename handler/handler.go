// Package handler dispatches console requests to per tab workers and
// delivers their results through long polling.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/history"
	"github.com/pgmanage/dbconsole/session"
	"github.com/pgmanage/dbconsole/tunnel"
)

// History records executed statements and editor tabs. Nil disables it.
type History interface {
	LogQuery(ctx context.Context, rec history.QueryRecord) error
	LogConsole(ctx context.Context, rec history.ConsoleRecord) error
	SaveTab(ctx context.Context, tab history.TabRecord) (int64, error)
}

var _ History = (*history.Store)(nil)

// Shell is an interactive remote shell of a terminal tab.
type Shell interface {
	Write(p []byte) (int, error)
	Output() <-chan []byte
	Resize(cols, rows int) error
	Close() error
}

type ShellOpener func(ctx context.Context, cfg *tunnel.Config, cols, rows int) (Shell, error)

// OpenSSHShell opens shells through tunnel.OpenShell.
func OpenSSHShell(ctx context.Context, cfg *tunnel.Config, cols, rows int) (Shell, error) {
	return tunnel.OpenShell(ctx, cfg, cols, rows)
}

type Config struct {
	QueryBlockSize    int
	FetchAllBlockSize int
	ConsoleBlockSize  int
	DebugPollInterval time.Duration
	// TerminalFlushInterval batches terminal output
	TerminalFlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueryBlockSize:        50,
		FetchAllBlockSize:     10000,
		ConsoleBlockSize:      50,
		DebugPollInterval:     500 * time.Millisecond,
		TerminalFlushInterval: 100 * time.Millisecond,
	}
}

type Option func(*Handler)

func WithHistory(h History) Option {
	return func(hd *Handler) {
		hd.history = h
	}
}

func WithShellOpener(open ShellOpener) Option {
	return func(hd *Handler) {
		hd.openShell = open
	}
}

func WithConfig(cfg Config) Option {
	return func(hd *Handler) {
		hd.config = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(hd *Handler) {
		hd.log = logger
	}
}

// Handler is the entry point of the http layer.
type Handler struct {
	registry  *Registry
	history   History
	openShell ShellOpener
	config    Config
	log       *slog.Logger

	// workers outlive the http request that started them
	ctx context.Context
}

func New(registry *Registry, opts ...Option) *Handler {
	h := &Handler{
		registry:  registry,
		openShell: OpenSSHShell,
		config:    DefaultConfig(),
		log:       slog.Default(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Registry() *Registry {
	return h.registry
}

// CreateRequest validates req and starts the matching operation. Results
// are delivered through LongPoll, so the call returns before any database
// round trip.
func (h *Handler) CreateRequest(ctx context.Context, clientID string, sess *session.Session, req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrProtocolViolation)
	}
	if req.Code < RequestLogin || req.Code > RequestPing {
		return fmt.Errorf("%w: unknown request code %d", ErrProtocolViolation, int(req.Code))
	}

	client := h.registry.GetOrCreateClient(clientID)
	client.Touch()
	logger := h.log.With("client_id", clientID, "request", req.Code.String(), "context_code", req.ContextCode)

	switch req.Code {
	case RequestLogin:
		client.channel.Push(Envelope{Code: ResponseLoginResult, ContextCode: req.ContextCode})
		return nil
	case RequestPing:
		client.channel.Push(Envelope{Code: ResponsePong, ContextCode: req.ContextCode})
		return nil
	case RequestCancelThread:
		data, err := decode[TabRef](req.Data)
		if err != nil {
			return err
		}
		return h.cancelThread(client, data, req.ContextCode, logger)
	case RequestCloseTab:
		data, err := decode[CloseTabRequest](req.Data)
		if err != nil {
			return err
		}
		for _, t := range data.Tabs {
			client.CloseTab(t.TabID, t.ConnTabID)
		}
		logger.Debug("tabs closed", "count", len(data.Tabs))
		return nil
	case RequestTerminal:
		data, err := decode[TerminalRequest](req.Data)
		if err != nil {
			return err
		}
		return h.terminal(ctx, client, sess, data, req.ContextCode, logger)
	}

	if sess == nil {
		client.channel.Push(Envelope{Code: ResponseSessionMissing, ContextCode: req.ContextCode})
		return nil
	}

	switch req.Code {
	case RequestQuery:
		data, err := decode[QueryRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabQuery, logger, func(op *operation) {
			h.query(op, data)
		})
	case RequestExecute, RequestScript:
		data, err := decode[QueryRequest](req.Data)
		if err != nil {
			return err
		}
		script := req.Code == RequestScript
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabQuery, logger, func(op *operation) {
			h.execute(op, data, script)
		})
	case RequestConsole:
		data, err := decode[ConsoleRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabConsole, logger, func(op *operation) {
			h.console(op, data)
		})
	case RequestQueryEditData:
		data, err := decode[QueryEditDataRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabEdit, logger, func(op *operation) {
			h.queryEditData(op, data)
		})
	case RequestSaveEditData:
		data, err := decode[SaveEditDataRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabEdit, logger, func(op *operation) {
			h.saveEditData(op, data)
		})
	case RequestAdvancedObjectSearch:
		data, err := decode[SearchRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabSearch, logger, func(op *operation) {
			h.search(op, data)
		})
	case RequestDebug:
		data, err := decode[DebugRequest](req.Data)
		if err != nil {
			return err
		}
		return h.dispatch(client, sess, req, data.TabRef, data.DatabaseRef, TabDebug, logger, func(op *operation) {
			h.debug(op, data)
		})
	}

	return fmt.Errorf("%w: unknown request code %d", ErrProtocolViolation, int(req.Code))
}

// operation is the context of one dispatched request.
type operation struct {
	client      *Client
	session     *session.Session
	tab         *Tab
	worker      *Worker
	code        RequestType
	contextCode int
	dbIndex     string
	dbName      string
	log         *slog.Logger

	// run is set by the operation builder and executed by the worker
	run func(ctx context.Context) error
	// failAs is the response type of the failure envelope
	failAs ResponseType
	// sql is the text failure positions refer to
	sql string
}

func (h *Handler) dispatch(client *Client, sess *session.Session, req *Request, tabRef TabRef, dbRef DatabaseRef, typ TabType, logger *slog.Logger, build func(*operation)) error {
	if err := requireTab(tabRef, dbRef); err != nil {
		return err
	}

	if sess.DatabaseReachPasswordTimeout(dbRef.DatabaseIndex) {
		client.channel.Push(Envelope{
			Code:        ResponsePasswordRequired,
			ContextCode: req.ContextCode,
			Data: PasswordRequired{
				DatabaseIndex: dbRef.DatabaseIndex,
				Message:       "password required",
			},
		})
		logger.Debug("password required", "db_index", dbRef.DatabaseIndex)
		return nil
	}

	tab := client.CreateTab(tabRef.TabID, tabRef.ConnTabID, typ)
	logger = logger.With("tab_id", tabRef.TabID, "conn_tab_id", tabRef.ConnTabID)

	op := &operation{
		client:      client,
		session:     sess,
		tab:         tab,
		worker:      newWorker(h.ctx, client.channel, req.ContextCode, logger),
		code:        req.Code,
		contextCode: req.ContextCode,
		dbIndex:     dbRef.DatabaseIndex,
		dbName:      dbRef.DatabaseName,
		log:         logger,
		failAs:      ResponseQueryResult,
	}
	build(op)

	started := tab.start(op.worker, func(ctx context.Context) error {
		err := op.run(ctx)
		if err == nil || op.worker.Cancelled() || errors.Is(err, core.ErrCancelled) {
			return err
		}
		var reported *reportedError
		if errors.As(err, &reported) {
			return err
		}

		if errors.Is(err, session.ErrPasswordTimeout) {
			op.worker.push(ResponsePasswordRequired, PasswordRequired{
				DatabaseIndex: op.dbIndex,
				Message:       err.Error(),
			})
			return err
		}
		op.worker.fail(op.failAs, err, op.sql)
		logger.Debug("operation failed", "error", err)
		return err
	})
	if !started {
		return fmt.Errorf("tab %q is closed", tabRef.TabID)
	}
	return nil
}

// database returns the opened handle of the operation's tab and binds it to
// the worker for ForceAbort.
func (h *Handler) database(ctx context.Context, op *operation, autocommit bool) (core.Database, error) {
	db, err := h.GetTabDatabase(ctx, op.session, op.tab, op.dbIndex, true, autocommit, op.dbName)
	if err != nil {
		return nil, err
	}
	op.worker.setDatabase(db)
	return db, nil
}

// GetTabDatabase returns the database handle of tab, reusing it while it
// points at the same roster entry, database name and autocommit mode.
// With attemptOpen a new or disconnected handle is opened.
func (h *Handler) GetTabDatabase(ctx context.Context, sess *session.Session, tab *Tab, databaseIndex string, attemptOpen, autocommit bool, currentDatabaseName string) (core.Database, error) {
	tab.mu.Lock()
	db := tab.db
	reuse := db != nil &&
		tab.dbIndex == databaseIndex &&
		tab.dbName == currentDatabaseName &&
		tab.autocommit == autocommit
	tab.mu.Unlock()

	if !reuse {
		if db != nil {
			if err := db.Close(false); err != nil {
				h.log.Warn("failed closing replaced database handle", "tab_id", tab.ID, "error", err)
			}
		}

		var err error
		db, err = sess.OpenDatabase(ctx, databaseIndex, currentDatabaseName)
		if err != nil {
			return nil, err
		}

		tab.mu.Lock()
		tab.db = db
		tab.dbIndex = databaseIndex
		tab.dbName = currentDatabaseName
		tab.autocommit = autocommit
		tab.mu.Unlock()
	}

	if attemptOpen && db.GetConStatus() == core.ConStatusDisconnected {
		if err := db.Open(ctx, autocommit); err != nil {
			return nil, fmt.Errorf("db.Open: %w", err)
		}
	}
	return db, nil
}

func (h *Handler) cancelThread(client *Client, ref *TabRef, contextCode int, logger *slog.Logger) error {
	tab := client.GetTab(ref.TabID, ref.ConnTabID)
	if tab == nil {
		tab = client.GetMainTab(ref.ConnTabID)
	}
	if tab != nil {
		if err := tab.cancel(); err != nil {
			logger.Warn("force abort failed", "tab_id", ref.TabID, "error", err)
		}
	}
	client.channel.Push(Envelope{Code: ResponseRemoveContext, ContextCode: contextCode})
	return nil
}

// LongPoll waits for envelopes of the client. A timeout of ctx or a newer
// startup poll yields an empty list.
func (h *Handler) LongPoll(ctx context.Context, clientID string, startup bool) ([]Envelope, error) {
	client := h.registry.GetOrCreateClient(clientID)
	client.Touch()

	out, err := client.channel.Poll(ctx, startup)
	client.Touch()
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrPollSuperseded), errors.Is(err, context.DeadlineExceeded):
		return []Envelope{}, nil
	}
	return nil, err
}

// ClearClient cancels every worker of the client and forgets it.
func (h *Handler) ClearClient(clientID string) bool {
	return h.registry.ClearClient(clientID)
}

// Sweep clears clients without activity for maxIdle and returns their ids.
func (h *Handler) Sweep(maxIdle time.Duration) []string {
	return h.registry.Sweep(maxIdle)
}

// Close cancels all workers.
func (h *Handler) Close() {
	h.registry.CloseAll()
}

func (h *Handler) logQuery(op *operation, start time.Time, status, snippet string) {
	if h.history == nil {
		return
	}
	err := h.history.LogQuery(context.Background(), history.QueryRecord{
		UserID:       op.session.UserID,
		ConnectionID: op.dbIndex,
		Start:        start,
		End:          time.Now(),
		Status:       status,
		Snippet:      snippet,
	})
	if err != nil {
		op.log.Warn("failed logging query", "error", err)
	}
}

func (h *Handler) logConsole(op *operation, start time.Time, snippet string) {
	if h.history == nil {
		return
	}
	err := h.history.LogConsole(context.Background(), history.ConsoleRecord{
		UserID:       op.session.UserID,
		ConnectionID: op.dbIndex,
		Start:        start,
		Snippet:      snippet,
	})
	if err != nil {
		op.log.Warn("failed logging console command", "error", err)
	}
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func historyStatus(w *Worker, err error) string {
	switch {
	case w.Cancelled() || errors.Is(err, core.ErrCancelled):
		return history.StatusCancelled
	case err != nil:
		return history.StatusError
	}
	return history.StatusSuccess
}
