package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/format"
)

// consoleState is where a paused console resumes.
type consoleState struct {
	// cursorSQL is the statement whose cursor is still open
	cursorSQL string
	// pending is a meta-command result paged from memory
	pending *core.DataTable
	offset  int
	// printed counts rows of the current result already rendered
	printed int
}

func (h *Handler) console(op *operation, req *ConsoleRequest) {
	op.failAs = ResponseConsoleResult
	op.sql = req.SQL

	op.run = func(ctx context.Context) (err error) {
		db, err := h.database(ctx, op, autocommitOf(req.Autocommit))
		if err != nil {
			return err
		}
		formatter, err := format.ByName(req.Format)
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
			op.worker.push(ResponseConsoleResult, &ConsoleResult{
				Data:      db.GetStatus() + "\n",
				LastBlock: true,
				Duration:  formatDuration(time.Since(start)),
				Notices:   takeNotices(db),
				Status:    db.GetStatus(),
				ConStatus: db.GetConStatus(),
			})
			return nil

		case ModeDataOperation:
			tab.RemainingCommands = core.SplitStatements(req.SQL)
			tab.console = consoleState{}
			if err := db.CloseCursor(); err != nil {
				return fmt.Errorf("db.CloseCursor: %w", err)
			}
			db.ClearNotices()
			defer h.logConsole(op, start, req.SQL)

		case ModeFetchMore, ModeFetchAll:

		default:
			return fmt.Errorf("%w: unknown console mode %d", ErrProtocolViolation, int(req.Mode))
		}

		r := &consoleRun{
			op:        op,
			db:        db,
			formatter: formatter,
			size:      h.config.ConsoleBlockSize,
			fetchAll:  req.Mode == ModeFetchAll,
			start:     start,
		}
		return r.proceed(ctx)
	}
}

// consoleRun renders the remaining commands of a console tab until a result
// fills a block (unless fetching all) or the commands run out.
type consoleRun struct {
	op        *operation
	db        core.Database
	formatter core.Formatter
	size      int
	fetchAll  bool
	start     time.Time

	out strings.Builder
}

func (r *consoleRun) proceed(ctx context.Context) error {
	tab := r.op.tab

	if tab.console.pending != nil || tab.console.cursorSQL != "" {
		paused, err := r.resume(ctx)
		if err != nil {
			return r.failed(err)
		}
		if paused {
			return r.push(false)
		}
	}

	for len(tab.RemainingCommands) > 0 {
		if r.op.worker.Cancelled() {
			return core.ErrCancelled
		}

		cmd := tab.RemainingCommands[0]
		tab.RemainingCommands = tab.RemainingCommands[1:]
		r.op.sql = cmd

		paused, err := r.command(ctx, cmd)
		if err != nil {
			tab.RemainingCommands = nil
			return r.failed(err)
		}
		if paused {
			return r.push(false)
		}
	}

	return r.push(true)
}

func (r *consoleRun) resume(ctx context.Context) (bool, error) {
	c := &r.op.tab.console
	if c.pending != nil {
		return r.page()
	}

	block, err := r.db.QueryBlock(ctx, c.cursorSQL, r.size, true, true)
	if err != nil {
		c.cursorSQL = ""
		return false, err
	}
	return r.drain(ctx, c.cursorSQL, block)
}

func (r *consoleRun) command(ctx context.Context, cmd string) (bool, error) {
	c := &r.op.tab.console
	c.printed = 0

	if core.IsMetaCommand(cmd) {
		table, err := r.db.Special(ctx, cmd)
		if err != nil {
			return false, err
		}
		if table == nil {
			table = core.NewDataTable("", true, true)
		}
		c.pending = table
		c.offset = 0
		return r.page()
	}

	block, err := r.db.QueryBlock(ctx, cmd, r.size, true, true)
	if err != nil {
		return false, err
	}
	return r.drain(ctx, cmd, block)
}

// drain renders blocks of cmd, pausing on a full block unless fetching all.
func (r *consoleRun) drain(ctx context.Context, cmd string, block *core.DataTable) (bool, error) {
	c := &r.op.tab.console
	for {
		if err := r.render(block); err != nil {
			return false, err
		}
		if block.Len() < r.size {
			c.cursorSQL = ""
			if status := r.db.GetStatus(); status != "" {
				r.out.WriteString(status + "\n")
			}
			return false, nil
		}

		c.cursorSQL = cmd
		if !r.fetchAll {
			return true, nil
		}
		if r.op.worker.Cancelled() {
			return false, core.ErrCancelled
		}

		var err error
		block, err = r.db.QueryBlock(ctx, cmd, r.size, true, true)
		if err != nil {
			c.cursorSQL = ""
			return false, err
		}
	}
}

// page renders the pending meta-command result a block at a time.
func (r *consoleRun) page() (bool, error) {
	c := &r.op.tab.console
	for {
		end := min(c.offset+r.size, len(c.pending.Rows))
		chunk := *c.pending
		chunk.Rows = c.pending.Rows[c.offset:end]
		if err := r.render(&chunk); err != nil {
			c.pending = nil
			return false, err
		}
		c.offset = end

		if c.offset >= len(c.pending.Rows) {
			fmt.Fprintf(&r.out, "(%d rows)\n", len(c.pending.Rows))
			c.pending = nil
			return false, nil
		}
		if !r.fetchAll {
			return true, nil
		}
	}
}

func (r *consoleRun) render(table *core.DataTable) error {
	if len(table.Columns) == 0 {
		return nil
	}
	c := &r.op.tab.console
	b, err := r.formatter.Format(table, &core.FormatterOptions{ChunkStart: c.printed})
	if err != nil {
		return fmt.Errorf("formatter.Format: %w", err)
	}
	r.out.Write(b)
	r.out.WriteByte('\n')
	c.printed += table.Len()
	return nil
}

func (r *consoleRun) result(last bool) *ConsoleResult {
	return &ConsoleResult{
		Data:            r.out.String(),
		LastBlock:       last,
		ShowFetchButton: !last,
		Duration:        formatDuration(time.Since(r.start)),
		Notices:         takeNotices(r.db),
		Status:          r.db.GetStatus(),
		ConStatus:       r.db.GetConStatus(),
	}
}

func (r *consoleRun) push(last bool) error {
	if !r.op.worker.push(ResponseConsoleResult, r.result(last)) {
		return core.ErrCancelled
	}
	return nil
}

// failed publishes the output rendered so far together with err.
func (r *consoleRun) failed(err error) error {
	if r.op.worker.Cancelled() {
		return err
	}

	res := r.result(true)
	res.Error = err.Error()
	if pos := errorPosition(r.db, err, r.op.sql); pos != nil {
		res.Error = fmt.Sprintf("%s (line %d, column %d)", res.Error, pos.Row, pos.Col)
	}
	r.op.worker.publish(Envelope{
		Code:        ResponseConsoleResult,
		ContextCode: r.op.contextCode,
		Error:       true,
		Data:        res,
	})
	return &reportedError{err: err}
}
