package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgmanage/dbconsole/core"
)

var errDebuggerNotRunning = errors.New("debugger is not running")

// debugStateQuery reads where the debugged function stands. The target is
// paused while it waits for the advisory lock held by the control connection.
const debugStateQuery = `SELECT c.lineno, c.finished, EXISTS (SELECT 1 FROM pg_locks l WHERE l.locktype = 'advisory' AND l.pid = c.pid AND NOT l.granted) AS waiting FROM omnidb.contexts c WHERE c.pid = %d`

type debugOutcome struct {
	table *core.DataTable
	err   error
}

// debugState is a debugging session of a tab: the target connection runs
// the function, the control connection drives it through advisory locks.
type debugState struct {
	target  core.Database
	control core.Database
	pid     int

	outcome    chan debugOutcome
	cancelCall context.CancelFunc
	// callDone is closed once the call no longer uses target
	callDone chan struct{}
}

// close stops the call and waits for it to release the target before
// closing the control connection.
func (s *debugState) close() error {
	s.cancelCall()
	<-s.callDone
	return s.control.Close(false)
}

func (h *Handler) debug(op *operation, req *DebugRequest) {
	op.failAs = ResponseDebugResponse
	op.sql = req.Call

	op.run = func(ctx context.Context) error {
		switch req.Mode {
		case DebugStart:
			return h.debugStart(ctx, op, req)
		case DebugStep:
			st := op.tab.debug
			if st == nil {
				return errDebuggerNotRunning
			}
			op.worker.setDatabase(st.control)
			if err := st.control.Execute(ctx, fmt.Sprintf("SELECT pg_advisory_unlock(%d)", st.pid)); err != nil {
				return err
			}
			if err := st.control.Execute(ctx, fmt.Sprintf("SELECT pg_advisory_lock(%d)", st.pid)); err != nil {
				return err
			}
			return h.debugPoll(ctx, op, st)
		case DebugCancel:
			return h.debugCancel(ctx, op)
		}
		return fmt.Errorf("%w: unknown debug mode %d", ErrProtocolViolation, int(req.Mode))
	}
}

func (h *Handler) debugStart(ctx context.Context, op *operation, req *DebugRequest) error {
	tab := op.tab
	if tab.debug != nil {
		if err := tab.debug.close(); err != nil {
			op.log.Warn("failed closing previous debugger", "error", err)
		}
		tab.debug = nil
	}

	target, err := h.database(ctx, op, true)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(target.GetPID())
	if err != nil {
		return fmt.Errorf("debugger needs the backend pid of the target: %w", err)
	}

	control, err := op.session.OpenDatabase(ctx, op.dbIndex, op.dbName)
	if err != nil {
		return err
	}
	if err := control.Open(ctx, true); err != nil {
		_ = control.Close(false)
		return fmt.Errorf("control.Open: %w", err)
	}

	callCtx, cancelCall := context.WithCancel(h.ctx)
	st := &debugState{
		target:     target,
		control:    control,
		pid:        pid,
		outcome:    make(chan debugOutcome, 1),
		cancelCall: cancelCall,
		callDone:   make(chan struct{}),
	}
	tab.debug = st

	called := false
	defer func() {
		if !called {
			close(st.callDone)
			h.debugCleanup(ctx, op, st)
		}
	}()

	setup := []string{
		fmt.Sprintf(`INSERT INTO omnidb.contexts (pid, function, hook, lineno, stmttype, breakpoint, finished) VALUES (%d, '%s', 'log_function', NULL, NULL, %d, false)`,
			pid, strings.ReplaceAll(req.Function, "'", "''"), req.Breakpoint),
		fmt.Sprintf("SELECT pg_advisory_lock(%d)", pid),
	}
	for _, stmt := range setup {
		if err := control.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	if err := target.Execute(ctx, "SELECT omnidb.omnidb_enable_debugger()"); err != nil {
		return err
	}

	called = true
	go func() {
		defer close(st.callDone)
		table, err := target.Query(callCtx, req.Call, true, true)
		st.outcome <- debugOutcome{table: table, err: err}
	}()

	op.worker.setDatabase(control)
	return h.debugPoll(ctx, op, st)
}

// debugPoll waits for the function to pause on its next statement or to finish.
func (h *Handler) debugPoll(ctx context.Context, op *operation, st *debugState) error {
	ticker := time.NewTicker(h.config.DebugPollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-st.outcome:
			return h.debugFinish(ctx, op, st, out)
		case <-ctx.Done():
			return core.ErrCancelled
		case <-ticker.C:
		}

		state, err := st.control.Query(ctx, fmt.Sprintf(debugStateQuery, st.pid), false, true)
		if err != nil {
			return err
		}
		if state.Len() == 0 || len(state.Rows[0]) < 3 {
			continue
		}
		// a step may land on the same line again, only the lock wait tells
		// that the function moved on
		line, ok := cellInt(state.Rows[0][0])
		if !ok || cellBool(state.Rows[0][1]) || !cellBool(state.Rows[0][2]) {
			continue
		}

		vars, err := st.control.Query(ctx,
			fmt.Sprintf("SELECT name, attribute, vartype, value FROM omnidb.variables WHERE pid = %d", st.pid), true, true)
		if err != nil {
			return err
		}
		op.worker.push(ResponseDebugResponse, &DebugResponse{
			State:     "paused",
			Line:      line,
			Variables: vars.Data(),
		})
		return nil
	}
}

func (h *Handler) debugFinish(ctx context.Context, op *operation, st *debugState, out debugOutcome) error {
	h.debugCleanup(ctx, op, st)

	if out.err != nil {
		return out.err
	}
	op.worker.push(ResponseDebugResponse, &DebugResponse{
		State: "finished",
		Result: &QueryResult{
			ColNames:  columnsOf(out.table),
			Data:      out.table.Data(),
			LastBlock: true,
			Notices:   takeNotices(st.target),
			Status:    st.target.GetStatus(),
			ConStatus: st.target.GetConStatus(),
		},
	})
	return nil
}

func (h *Handler) debugCancel(ctx context.Context, op *operation) error {
	st := op.tab.debug
	if st != nil {
		op.worker.setDatabase(st.control)
		st.cancelCall()
		if err := st.control.Terminate(ctx, strconv.Itoa(st.pid)); err != nil {
			op.log.Warn("failed terminating debugged backend", "pid", st.pid, "error", err)
		}
		h.debugCleanup(ctx, op, st)
	}

	op.worker.push(ResponseDebugResponse, &DebugResponse{State: "cancelled"})
	return nil
}

func (h *Handler) debugCleanup(ctx context.Context, op *operation, st *debugState) {
	cleanup := []string{
		fmt.Sprintf("DELETE FROM omnidb.contexts WHERE pid = %d", st.pid),
		fmt.Sprintf("SELECT pg_advisory_unlock(%d)", st.pid),
	}
	for _, stmt := range cleanup {
		if err := st.control.Execute(ctx, stmt); err != nil {
			op.log.Warn("debugger cleanup failed", "statement", stmt, "error", err)
		}
	}
	if err := st.close(); err != nil {
		op.log.Warn("failed closing debugger control connection", "error", err)
	}
	if op.tab.debug == st {
		op.tab.debug = nil
	}
}

func cellInt(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	var s string
	switch x := v.(type) {
	case []byte:
		s = string(x)
	default:
		s = fmt.Sprint(x)
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func cellBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case []byte:
		v = string(x)
	}
	switch strings.ToLower(fmt.Sprint(v)) {
	case "true", "t", "1", "yes":
		return true
	}
	return false
}
