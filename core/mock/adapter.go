package mock

import (
	"fmt"
	nurl "net/url"
	"sync"

	"github.com/pgmanage/dbconsole/core"
)

var (
	_ core.Adapter          = (*Adapter)(nil)
	_ core.DatabaseSwitcher = (*Adapter)(nil)
)

// Adapter hands out mock databases sharing one configuration.
type Adapter struct {
	config *databaseConfig

	mu        sync.Mutex
	databases []*Database
}

func NewAdapter(opts ...DatabaseOption) *Adapter {
	// reuse the option plumbing of NewDatabase
	proto := NewDatabase(opts...)
	return &Adapter{config: proto.config}
}

func (a *Adapter) Connect(params *core.ConnectionParams) (core.Database, error) {
	db := newDatabase(a.config)
	db.params = params.Clone()

	a.mu.Lock()
	a.databases = append(a.databases, db)
	a.mu.Unlock()

	return db, nil
}

// Databases returns every database created so far.
func (a *Adapter) Databases() []*Database {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Database, len(a.databases))
	copy(out, a.databases)
	return out
}

func (a *Adapter) WithDatabase(url, name string) (string, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return "", fmt.Errorf("url.Parse: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
