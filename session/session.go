// Package session holds the database roster of an authenticated user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/tunnel"
)

var (
	ErrUnknownDatabase = errors.New("unknown database")
	ErrPasswordTimeout = errors.New("password prompt timed out")
)

// Opener creates database handles from connection parameters.
// adapters.Mux is the production implementation.
type Opener interface {
	Open(params *core.ConnectionParams) (core.Database, error)
	WithDatabase(params *core.ConnectionParams, name string) (*core.ConnectionParams, error)
}

// Database is a roster entry.
type Database struct {
	Params *core.ConnectionParams
	// Tunnel is used when its host is set
	Tunnel *tunnel.Config
	// PromptTimeout asks for the password again once it elapsed. Zero
	// never expires a provided password.
	PromptTimeout time.Duration
	// RequirePassword asks for a password when the url carries none.
	RequirePassword bool
	Public          bool

	password      string
	passwordSetAt time.Time
}

// HasStoredPassword reports whether a password was provided for the entry.
func (d *Database) HasStoredPassword() bool {
	return !d.passwordSetAt.IsZero()
}

type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithTunnelScope keys the tunnels of the session by scope instead of the
// user id, so that sessions of the same user do not share them.
func WithTunnelScope(scope string) Option {
	return func(s *Session) {
		s.tunnelScope = scope
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// Session is the roster of database connections of one user.
type Session struct {
	UserID string

	opener      Opener
	tunnels     *tunnel.Registry
	tunnelScope string
	now         func() time.Time
	log         *slog.Logger

	mu        sync.RWMutex
	order     []string
	databases map[string]*Database
	selected  string
}

// New creates an empty session. tunnels may be nil when no entry uses ssh.
func New(userID string, opener Opener, tunnels *tunnel.Registry, opts ...Option) *Session {
	s := &Session{
		UserID:    userID,
		opener:    opener,
		tunnels:   tunnels,
		now:       time.Now,
		log:       slog.Default(),
		databases: make(map[string]*Database),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tunnelScope == "" {
		s.tunnelScope = userID
	}
	return s
}

// AddDatabase adds an entry or replaces the one with the same id in place.
func (s *Session) AddDatabase(entry Database) error {
	if entry.Params == nil || entry.Params.ID == "" {
		return errors.New("database entry without id")
	}
	id := entry.Params.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.databases[id]; !ok {
		s.order = append(s.order, id)
	}
	e := entry
	e.Params = entry.Params.Clone()
	s.databases[id] = &e

	if s.selected == "" {
		s.selected = id
	}
	return nil
}

func (s *Session) RemoveDatabase(id string) error {
	s.mu.Lock()
	_, ok := s.databases[id]
	delete(s.databases, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	if s.selected == id {
		s.selected = ""
		if len(s.order) > 0 {
			s.selected = s.order[0]
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownDatabase)
	}
	if s.tunnels != nil {
		return s.tunnels.Close(s.tunnelKey(id))
	}
	return nil
}

// Databases returns copies of all entries in insertion order.
func (s *Session) Databases() []Database {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Database, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.databases[id])
	}
	return out
}

func (s *Session) Database(id string) (Database, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.databases[id]
	if !ok {
		return Database{}, false
	}
	return *e, true
}

// SelectDatabase sets the database index used by single connection views.
func (s *Session) SelectDatabase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.databases[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownDatabase)
	}
	s.selected = id
	return nil
}

func (s *Session) DatabaseIndex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// DatabaseReachPasswordTimeout reports whether a password has to be asked
// for before the database can be used.
func (s *Session) DatabaseReachPasswordTimeout(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.databases[id]
	if !ok {
		return false
	}
	return s.passwordExpired(e)
}

func (s *Session) passwordExpired(e *Database) bool {
	if e.Params.HasPassword() {
		return false
	}
	if e.PromptTimeout > 0 {
		return e.passwordSetAt.IsZero() || s.now().Sub(e.passwordSetAt) > e.PromptTimeout
	}
	return e.RequirePassword && e.passwordSetAt.IsZero()
}

// SetPassword stores the password of an entry and restarts its prompt timer.
func (s *Session) SetPassword(id, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.databases[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownDatabase)
	}
	e.password = password
	e.passwordSetAt = s.now()
	return nil
}

func (s *Session) tunnelKey(id string) string {
	return s.tunnelScope + "/" + id
}

// OpenDatabase returns an unopened handle for the entry, optionally pointed
// at another database of the same server.
func (s *Session) OpenDatabase(ctx context.Context, id, databaseName string) (core.Database, error) {
	s.mu.RLock()
	e, ok := s.databases[id]
	var (
		entry   Database
		expired bool
	)
	if ok {
		entry = *e
		expired = s.passwordExpired(e)
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w: %w", id, core.ErrConnection, ErrUnknownDatabase)
	}
	if expired {
		return nil, fmt.Errorf("%s: %w: %w", id, core.ErrConnection, ErrPasswordTimeout)
	}

	params := entry.Params.Clone()
	var err error
	if entry.password != "" {
		params, err = params.WithPassword(entry.password)
		if err != nil {
			return nil, fmt.Errorf("params.WithPassword: %w", err)
		}
	}

	if databaseName != "" {
		params, err = s.opener.WithDatabase(params, databaseName)
		if err != nil {
			return nil, fmt.Errorf("Opener.WithDatabase: %w", err)
		}
	}

	if entry.Tunnel.Enabled() && s.tunnels != nil {
		remote, err := params.Host()
		if err != nil {
			return nil, fmt.Errorf("params.Host: %w", err)
		}
		t, err := s.tunnels.Get(ctx, s.tunnelKey(id), entry.Tunnel, remote)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrConnection, err)
		}
		params, err = params.WithHost(t.LocalAddr())
		if err != nil {
			return nil, fmt.Errorf("params.WithHost: %w", err)
		}
		s.log.Debug("database tunnelled", "database", id, "local", t.LocalAddr())
	}

	db, err := s.opener.Open(params)
	if err != nil {
		return nil, fmt.Errorf("Opener.Open: %w", err)
	}
	return db, nil
}

// Close closes the tunnels of this session.
func (s *Session) Close() error {
	if s.tunnels == nil {
		return nil
	}

	s.mu.RLock()
	ids := slices.Clone(s.order)
	s.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, s.tunnels.Close(s.tunnelKey(id)))
	}
	return errors.Join(errs...)
}
