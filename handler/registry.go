package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pgmanage/dbconsole/core"
)

type TabType string

const (
	TabQuery    TabType = "query"
	TabConsole  TabType = "console"
	TabEdit     TabType = "edit"
	TabSearch   TabType = "search"
	TabDebug    TabType = "debug"
	TabTerminal TabType = "terminal"
)

// closeTimeout bounds waiting for a cancelled worker when a tab closes.
const closeTimeout = 10 * time.Second

// Tab is a unit of work of a client: an editor, console, terminal or debugger.
// At most one worker of a tab runs at a time.
type Tab struct {
	ID        string
	ConnTabID string
	Type      TabType

	mu         sync.Mutex
	worker     *Worker
	db         core.Database
	dbIndex    string
	dbName     string
	autocommit bool
	closed     bool

	// owned by the running worker
	InsertedID        int64
	SQLCmd            string
	SQLSave           string
	RemainingCommands []string
	console           consoleState
	debug             *debugState
	shell             Shell
}

func newTab(tabID, connTabID string, typ TabType) *Tab {
	return &Tab{
		ID:        tabID,
		ConnTabID: connTabID,
		Type:      typ,
	}
}

// Worker returns the last started worker, nil if none.
func (t *Tab) Worker() *Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worker
}

// Database returns the database handle of the tab, nil if none was opened.
func (t *Tab) Database() core.Database {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db
}

// start replaces the worker of the tab. The new worker cancels the previous
// one and waits for it before running fn.
func (t *Tab) start(w *Worker, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	prev := t.worker
	t.worker = w
	t.mu.Unlock()

	go w.run(prev, fn)
	return true
}

// cancel stops the running worker without starting another one.
func (t *Tab) cancel() error {
	w := t.Worker()
	if w == nil {
		return nil
	}
	w.RequestCancel()
	return w.ForceAbort()
}

func (t *Tab) close(logger *slog.Logger) {
	t.mu.Lock()
	t.closed = true
	w := t.worker
	t.mu.Unlock()

	if w != nil {
		w.RequestCancel()
		if err := w.ForceAbort(); err != nil {
			logger.Warn("failed aborting worker of closed tab", "tab", t.ID, "error", err)
		}
		select {
		case <-w.Done():
		case <-time.After(closeTimeout):
			logger.Warn("worker of closed tab did not stop in time", "tab", t.ID, "worker", w.ID())
		}
	}

	var errs []error
	if t.debug != nil {
		errs = append(errs, t.debug.close())
		t.debug = nil
	}

	t.mu.Lock()
	if t.shell != nil {
		errs = append(errs, t.shell.Close())
		t.shell = nil
	}
	if t.db != nil {
		errs = append(errs, t.db.Close(false))
		t.db = nil
	}
	t.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed releasing tab resources", "tab", t.ID, "error", err)
	}
}

type tabKey struct {
	tabID     string
	connTabID string
}

// Client is the server side state of one browser session.
type Client struct {
	ID      string
	channel *Channel
	now     func() time.Time
	log     *slog.Logger

	mu         sync.Mutex
	tabs       map[tabKey]*Tab
	lastUpdate time.Time
}

func (c *Client) Channel() *Channel {
	return c.channel
}

// Touch records client activity.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastUpdate = c.now()
	c.mu.Unlock()
}

func (c *Client) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}

func (c *Client) GetTab(tabID, connTabID string) *Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabs[tabKey{tabID, connTabID}]
}

// GetMainTab returns the tab keyed only by connTabID.
func (c *Client) GetMainTab(connTabID string) *Tab {
	return c.GetTab("", connTabID)
}

// CreateTab returns the tab with the given key, creating it when missing.
// An existing tab of another type is closed and replaced.
func (c *Client) CreateTab(tabID, connTabID string, typ TabType) *Tab {
	key := tabKey{tabID, connTabID}

	c.mu.Lock()
	old, ok := c.tabs[key]
	if ok && old.Type == typ {
		c.mu.Unlock()
		return old
	}
	tab := newTab(tabID, connTabID, typ)
	c.tabs[key] = tab
	c.mu.Unlock()

	if ok {
		old.close(c.log)
	}
	return tab
}

// CreateMainTab creates a tab keyed only by connTabID (terminals).
func (c *Client) CreateMainTab(connTabID string, typ TabType) *Tab {
	return c.CreateTab("", connTabID, typ)
}

// CloseTab cancels the worker of the tab and releases its connections.
func (c *Client) CloseTab(tabID, connTabID string) bool {
	key := tabKey{tabID, connTabID}

	c.mu.Lock()
	tab, ok := c.tabs[key]
	delete(c.tabs, key)
	c.mu.Unlock()

	if ok {
		tab.close(c.log)
	}
	return ok
}

func (c *Client) Tabs() []*Tab {
	c.mu.Lock()
	defer c.mu.Unlock()

	tabs := make([]*Tab, 0, len(c.tabs))
	for _, t := range c.tabs {
		tabs = append(tabs, t)
	}
	return tabs
}

func (c *Client) close() {
	c.mu.Lock()
	tabs := c.tabs
	c.tabs = make(map[tabKey]*Tab)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tabs {
		wg.Add(1)
		go func(t *Tab) {
			defer wg.Done()
			t.close(c.log)
		}(t)
	}
	wg.Wait()
}

// Registry holds the clients of the process.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

type RegistryOption func(*Registry)

func RegistryWithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		log:     logger,
		now:     time.Now,
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateClient returns the client with id, creating it with an empty
// channel when missing.
func (r *Registry) GetOrCreateClient(id string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if ok {
		return c
	}
	c = &Client{
		ID:         id,
		channel:    NewChannel(),
		now:        r.now,
		log:        r.log.With("client", id),
		tabs:       make(map[tabKey]*Tab),
		lastUpdate: r.now(),
	}
	r.clients[id] = c
	r.log.Debug("client created", "client", id)
	return c
}

func (r *Registry) Client(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// ClearClient closes all tabs of the client and forgets it.
func (r *Registry) ClearClient(id string) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if ok {
		c.close()
		r.log.Debug("client cleared", "client", id)
	}
	return ok
}

// Sweep clears clients idle for longer than maxIdle and returns their ids.
func (r *Registry) Sweep(maxIdle time.Duration) []string {
	deadline := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Client
	for id, c := range r.clients {
		if c.LastUpdate().Before(deadline) {
			stale = append(stale, c)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		c.close()
		ids = append(ids, c.ID)
	}
	if len(ids) > 0 {
		r.log.Info("idle clients swept", "count", len(ids))
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CloseAll clears every client.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
