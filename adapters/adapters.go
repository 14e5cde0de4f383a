package adapters

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pgmanage/dbconsole/core"
)

var (
	errNoValidTypeAliases   = errors.New("no valid type aliases provided")
	ErrUnsupportedTypeAlias = errors.New("no driver registered for provided type alias")
	ErrSwitchNotSupported   = errors.New("adapter can not switch databases")
)

var (
	// registeredAdapters holds implemented adapters - specific adapters register themselves in their init functions.
	// The main reason is to be able to compile the binary without unsupported os/arch of specific drivers.
	registeredAdapters = make(map[string]core.Adapter)
	registeredMu       sync.RWMutex
)

// register registers a new adapter for specific database
func register(adapter core.Adapter, aliases ...string) error {
	if len(aliases) < 1 {
		return errNoValidTypeAliases
	}

	registeredMu.Lock()
	defer registeredMu.Unlock()

	invalidCount := 0
	for _, alias := range aliases {
		if alias == "" {
			invalidCount++
			continue
		}
		registeredAdapters[alias] = adapter
	}

	if invalidCount == len(aliases) {
		return errNoValidTypeAliases
	}

	return nil
}

// Mux is an interface to all internal adapters.
type Mux struct{}

func (*Mux) GetAdapter(typ string) (core.Adapter, error) {
	registeredMu.RLock()
	defer registeredMu.RUnlock()

	value, ok := registeredAdapters[typ]
	if !ok {
		return nil, fmt.Errorf("%q: %w", typ, ErrUnsupportedTypeAlias)
	}

	return value, nil
}

func (*Mux) AddAdapter(typ string, adapter core.Adapter) error {
	return register(adapter, typ)
}

// Types lists registered type aliases in sorted order.
func (*Mux) Types() []string {
	registeredMu.RLock()
	defer registeredMu.RUnlock()

	types := make([]string, 0, len(registeredAdapters))
	for typ := range registeredAdapters {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

// Open resolves the adapter of params and returns an unopened database.
func (m *Mux) Open(params *core.ConnectionParams) (core.Database, error) {
	expanded := params.Expand()

	adapter, err := m.GetAdapter(expanded.Type)
	if err != nil {
		return nil, fmt.Errorf("Mux.GetAdapter: %w", err)
	}

	db, err := adapter.Connect(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConnection, err)
	}
	return db, nil
}

// WithDatabase returns a copy of params pointing at another database on
// the same server.
func (m *Mux) WithDatabase(params *core.ConnectionParams, name string) (*core.ConnectionParams, error) {
	adapter, err := m.GetAdapter(params.Expand().Type)
	if err != nil {
		return nil, fmt.Errorf("Mux.GetAdapter: %w", err)
	}

	switcher, ok := adapter.(core.DatabaseSwitcher)
	if !ok {
		return nil, fmt.Errorf("%s: %w", params.Type, ErrSwitchNotSupported)
	}

	url, err := switcher.WithDatabase(params.URL, name)
	if err != nil {
		return nil, fmt.Errorf("WithDatabase: %w", err)
	}

	out := params.Clone()
	out.URL = url
	return out, nil
}

// Open is a wrapper around Mux.Open using the internal registry.
func Open(params *core.ConnectionParams) (core.Database, error) {
	return new(Mux).Open(params)
}
