package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Registry shares tunnels between connections which use the same ssh
// endpoint and remote address.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	// per key locks so only one tunnel per key is being opened
	locks map[string]*sync.Mutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		tunnels: make(map[string]*Tunnel),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = new(sync.Mutex)
		r.locks[key] = l
	}
	return l
}

// Get returns the live tunnel stored under key or opens a new one.
func (r *Registry) Get(ctx context.Context, key string, cfg *Config, remote string) (*Tunnel, error) {
	l := r.lock(key)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	t, ok := r.tunnels[key]
	r.mu.Unlock()

	if ok && t.remote == remote && t.Alive() {
		return t, nil
	}
	if ok {
		_ = t.Close()
	}

	t, err := Open(ctx, cfg, remote, r.log)
	if err != nil {
		return nil, fmt.Errorf("tunnel.Open: %w", err)
	}
	r.log.Debug("tunnel opened", "key", key, "local", t.LocalAddr())

	r.mu.Lock()
	r.tunnels[key] = t
	r.mu.Unlock()

	return t, nil
}

func (r *Registry) Close(key string) error {
	r.mu.Lock()
	t, ok := r.tunnels[key]
	delete(r.tunnels, key)
	delete(r.locks, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return t.Close()
}

func (r *Registry) CloseAll() error {
	r.mu.Lock()
	tunnels := r.tunnels
	r.tunnels = make(map[string]*Tunnel)
	r.locks = make(map[string]*sync.Mutex)
	r.mu.Unlock()

	var errs []error
	for _, t := range tunnels {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
