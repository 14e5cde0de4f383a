package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/core/mock"
)

func TestRegistry_GetOrCreateClient(t *testing.T) {
	r := require.New(t)
	reg := NewRegistry(nil)

	a := reg.GetOrCreateClient("a")
	r.Same(a, reg.GetOrCreateClient("a"))
	r.NotSame(a, reg.GetOrCreateClient("b"))
	r.Equal(2, reg.Len())

	r.True(reg.ClearClient("a"))
	r.False(reg.ClearClient("a"))
	_, ok := reg.Client("a")
	r.False(ok)
}

func TestClient_Tabs(t *testing.T) {
	r := require.New(t)
	client := NewRegistry(nil).GetOrCreateClient("a")

	tab := client.CreateTab("t1", "c1", TabQuery)
	r.Same(tab, client.CreateTab("t1", "c1", TabQuery))
	r.Same(tab, client.GetTab("t1", "c1"))
	r.Nil(client.GetTab("t1", "c2"))

	db := mock.NewDatabase()
	r.NoError(db.Open(context.Background(), true))
	tab.db = db

	// another type under the same key replaces the tab
	console := client.CreateTab("t1", "c1", TabConsole)
	r.NotSame(tab, console)
	r.True(db.Closed())

	main := client.CreateMainTab("c1", TabTerminal)
	r.Same(main, client.GetMainTab("c1"))
	r.Len(client.Tabs(), 2)

	r.True(client.CloseTab("", "c1"))
	r.False(client.CloseTab("", "c1"))
	r.Len(client.Tabs(), 1)
}

func TestTab_StartAfterClose(t *testing.T) {
	r := require.New(t)
	client := NewRegistry(nil).GetOrCreateClient("a")
	tab := client.CreateTab("t1", "c1", TabQuery)
	client.CloseTab("t1", "c1")

	w := newWorker(context.Background(), client.channel, 1, client.log)
	r.False(tab.start(w, func(context.Context) error { return nil }))
}

func TestRegistry_Sweep(t *testing.T) {
	r := require.New(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(nil, RegistryWithClock(func() time.Time { return now }))

	idle := reg.GetOrCreateClient("idle")
	active := reg.GetOrCreateClient("active")
	tab := idle.CreateTab("t1", "c1", TabQuery)
	db := mock.NewDatabase()
	r.NoError(db.Open(context.Background(), true))
	tab.db = db

	now = now.Add(10 * time.Minute)
	active.Touch()

	r.Equal([]string{"idle"}, reg.Sweep(5*time.Minute))
	r.Equal(1, reg.Len())
	r.True(db.Closed())

	_, ok := reg.Client("active")
	r.True(ok)
}
