package handler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/session"
)

func (t *Tab) Shell() Shell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shell
}

func (t *Tab) setShell(s Shell) {
	t.mu.Lock()
	t.shell = s
	t.mu.Unlock()
}

// dropShell detaches s from the tab and closes it, so the next terminal
// request opens a fresh shell. It is a no-op once the tab moved on.
func (t *Tab) dropShell(s Shell) error {
	t.mu.Lock()
	if t.shell != s {
		t.mu.Unlock()
		return nil
	}
	t.shell = nil
	t.mu.Unlock()
	return s.Close()
}

// terminal writes the command to the shell of the terminal tab, opening the
// shell (and its streaming worker) on first use.
func (h *Handler) terminal(_ context.Context, client *Client, sess *session.Session, req *TerminalRequest, contextCode int, logger *slog.Logger) error {
	if tab := client.GetMainTab(req.ConnTabID); tab != nil {
		if shell := tab.Shell(); shell != nil {
			return h.terminalInput(shell, req, logger)
		}
	}

	if sess == nil {
		client.channel.Push(Envelope{Code: ResponseSessionMissing, ContextCode: contextCode})
		return nil
	}
	entry, ok := sess.Database(req.DatabaseIndex)
	if !ok || !entry.Tunnel.Enabled() {
		client.channel.Push(Envelope{
			Code:        ResponseMessageException,
			ContextCode: contextCode,
			Error:       true,
			Data:        MessageException{Message: fmt.Sprintf("no ssh server configured for %q", req.DatabaseIndex)},
		})
		return nil
	}

	tab := client.CreateMainTab(req.ConnTabID, TabTerminal)
	logger = logger.With("conn_tab_id", req.ConnTabID)
	w := newWorker(h.ctx, client.channel, contextCode, logger)

	started := tab.start(w, func(ctx context.Context) error {
		shell, err := h.openShell(ctx, entry.Tunnel, req.Cols, req.Rows)
		if err != nil {
			w.fail(ResponseMessageException, err, "")
			return err
		}
		tab.setShell(shell)
		logger.Debug("terminal opened")
		defer func() {
			if err := tab.dropShell(shell); err != nil {
				logger.Debug("closing terminal", "error", err)
			}
		}()

		if req.Cmd != "" {
			if _, err := shell.Write([]byte(req.Cmd)); err != nil {
				return fmt.Errorf("shell.Write: %w", err)
			}
		}
		return h.streamShell(ctx, w, tab, shell)
	})
	if !started {
		return fmt.Errorf("terminal tab %q is closed", req.ConnTabID)
	}
	return nil
}

func (h *Handler) terminalInput(shell Shell, req *TerminalRequest, logger *slog.Logger) error {
	if req.Cols > 0 && req.Rows > 0 {
		if err := shell.Resize(req.Cols, req.Rows); err != nil {
			logger.Warn("terminal resize failed", "error", err)
		}
	}
	if req.Cmd == "" {
		return nil
	}
	if _, err := shell.Write([]byte(req.Cmd)); err != nil {
		return fmt.Errorf("shell.Write: %w", err)
	}
	return nil
}

// streamShell pushes shell output in batches until the shell exits or the
// worker is cancelled. An exited shell is detached from tab before the last
// block goes out.
func (h *Handler) streamShell(ctx context.Context, w *Worker, tab *Tab, shell Shell) error {
	ticker := time.NewTicker(h.config.TerminalFlushInterval)
	defer ticker.Stop()

	var buf bytes.Buffer
	flush := func(last bool) bool {
		if buf.Len() == 0 && !last {
			return true
		}
		ok := w.push(ResponseTerminalResult, &TerminalResult{Data: buf.String(), LastBlock: last})
		buf.Reset()
		return ok
	}

	output := shell.Output()
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				if err := tab.dropShell(shell); err != nil {
					w.log.Debug("closing exited shell", "error", err)
				}
				flush(true)
				return nil
			}
			buf.Write(chunk)
		case <-ticker.C:
			if !flush(false) {
				return core.ErrCancelled
			}
		case <-ctx.Done():
			return core.ErrCancelled
		}
	}
}
