package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/history"
)

func autocommitOf(v *bool) bool {
	return v == nil || *v
}

// takeNotices returns and clears the notices of db, never nil.
func takeNotices(db core.Database) []string {
	notices := db.GetNotices()
	db.ClearNotices()
	if notices == nil {
		return []string{}
	}
	return notices
}

func columnsOf(table *core.DataTable) []string {
	if table.Columns == nil {
		return []string{}
	}
	return table.Columns
}

func statusResult(db core.Database, start time.Time, mode QueryMode, insertedID int64) *QueryResult {
	return &QueryResult{
		ColNames:   []string{},
		Data:       []core.Row{},
		LastBlock:  true,
		Duration:   formatDuration(time.Since(start)),
		Notices:    takeNotices(db),
		InsertedID: insertedID,
		Status:     db.GetStatus(),
		ConStatus:  db.GetConStatus(),
		Mode:       mode,
	}
}

func (h *Handler) query(op *operation, req *QueryRequest) {
	op.failAs = ResponseQueryResult
	op.sql = req.SQL

	op.run = func(ctx context.Context) (err error) {
		db, err := h.database(ctx, op, autocommitOf(req.Autocommit))
		if err != nil {
			return err
		}
		tab := op.tab
		start := time.Now()

		switch req.Mode {
		case ModeCommit, ModeRollback:
			if req.Mode == ModeCommit {
				err = db.Commit(ctx)
			} else {
				err = db.Rollback(ctx)
			}
			if err != nil {
				return err
			}
			op.worker.push(ResponseQueryResult, statusResult(db, start, req.Mode, tab.InsertedID))
			return nil

		case ModeDataOperation:
			tab.SQLCmd = req.SQL
			tab.SQLSave = req.SQLSave
			if req.TabPersistID > 0 {
				tab.InsertedID = req.TabPersistID
			}
			if err := db.CloseCursor(); err != nil {
				return fmt.Errorf("db.CloseCursor: %w", err)
			}
			db.ClearNotices()
			h.saveTab(op, req)

			defer func() {
				h.logQuery(op, start, historyStatus(op.worker, err), req.SQL)
			}()

		case ModeFetchMore, ModeFetchAll:
			if tab.SQLCmd == "" {
				tab.SQLCmd = req.SQL
			}
			op.sql = tab.SQLCmd

		default:
			return fmt.Errorf("%w: unknown query mode %d", ErrProtocolViolation, int(req.Mode))
		}

		return h.fetch(ctx, op, db, req.Mode, start)
	}
}

// fetch pushes blocks of the tab's statement. FetchAll keeps pushing until a
// short block ends the result, the other modes push one block.
func (h *Handler) fetch(ctx context.Context, op *operation, db core.Database, mode QueryMode, start time.Time) error {
	blockSize := h.config.QueryBlockSize
	if mode == ModeFetchAll {
		blockSize = h.config.FetchAllBlockSize
	}

	for {
		if op.worker.Cancelled() {
			return core.ErrCancelled
		}

		block, err := db.QueryBlock(ctx, op.tab.SQLCmd, blockSize, true, true)
		if err != nil {
			return err
		}
		last := block.Len() < blockSize

		pushed := op.worker.push(ResponseQueryResult, &QueryResult{
			ColNames:   columnsOf(block),
			Data:       block.Data(),
			LastBlock:  last,
			Duration:   formatDuration(time.Since(start)),
			Notices:    takeNotices(db),
			InsertedID: op.tab.InsertedID,
			Status:     db.GetStatus(),
			ConStatus:  db.GetConStatus(),
			Chunks:     true,
			Mode:       mode,
		})
		if !pushed {
			return core.ErrCancelled
		}
		if last || mode != ModeFetchAll {
			return nil
		}
	}
}

// saveTab persists the editor contents, inserting the record on the first
// statement of the tab.
func (h *Handler) saveTab(op *operation, req *QueryRequest) {
	if h.history == nil {
		return
	}

	snippet := req.SQLSave
	if snippet == "" {
		snippet = req.SQL
	}
	rec := history.TabRecord{
		ID:           op.tab.InsertedID,
		UserID:       op.session.UserID,
		ConnectionID: op.dbIndex,
		Title:        req.TabTitle,
		Snippet:      snippet,
	}

	id, err := h.history.SaveTab(context.Background(), rec)
	if errors.Is(err, history.ErrTabNotFound) {
		rec.ID = 0
		id, err = h.history.SaveTab(context.Background(), rec)
	}
	if err != nil {
		op.log.Warn("failed saving tab", "error", err)
		return
	}
	op.tab.InsertedID = id
}

// execute runs a statement, or every statement of a script, without
// fetching rows.
func (h *Handler) execute(op *operation, req *QueryRequest, script bool) {
	op.failAs = ResponseQueryResult
	op.sql = req.SQL

	op.run = func(ctx context.Context) (err error) {
		db, err := h.database(ctx, op, autocommitOf(req.Autocommit))
		if err != nil {
			return err
		}

		start := time.Now()
		defer func() {
			h.logQuery(op, start, historyStatus(op.worker, err), req.SQL)
		}()

		if err := db.CloseCursor(); err != nil {
			return fmt.Errorf("db.CloseCursor: %w", err)
		}
		db.ClearNotices()

		statements := []string{req.SQL}
		if script {
			statements = core.SplitStatements(req.SQL)
		}
		for _, stmt := range statements {
			if op.worker.Cancelled() {
				return core.ErrCancelled
			}
			op.sql = stmt
			if err := db.Execute(ctx, stmt); err != nil {
				return err
			}
		}

		op.worker.push(ResponseQueryResult, statusResult(db, start, req.Mode, op.tab.InsertedID))
		return nil
	}
}
